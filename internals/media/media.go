// Package media defines the control-plane boundary with the SFU media engine.
// The signaling server drives any engine that satisfies these interfaces; the
// engine owns codec handling and RTP forwarding, the server owns rooms, peers
// and negotiation ordering.
package media

import (
	"context"
	"errors"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var (
	// ErrClosed is returned by engine objects used after Close.
	ErrClosed = errors.New("media: object is closed")
	// ErrNotFound is returned by Consume when the producer no longer exists
	// in the router.
	ErrNotFound = errors.New("media: producer not found")
	// ErrInvalidKind is returned by Produce for kinds other than audio/video.
	ErrInvalidKind = errors.New("media: invalid media kind")
)

// RtpCodecCapability describes one codec the router or a peer can handle.
type RtpCodecCapability struct {
	MimeType   string         `json:"mimeType"`
	ClockRate  uint32         `json:"clockRate"`
	Channels   uint16         `json:"channels,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// RtpHeaderExtension describes a negotiated RTP header extension.
type RtpHeaderExtension struct {
	URI  string `json:"uri"`
	ID   int    `json:"id"`
	Kind Kind   `json:"kind,omitempty"`
}

// RtpCapabilities is the capability set exchanged at join time. It is set once
// per router (at creation) and once per peer (first transport request).
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// RtpEncoding is a single encoding within RtpParameters.
type RtpEncoding struct {
	SSRC       uint32 `json:"ssrc,omitempty"`
	RID        string `json:"rid,omitempty"`
	MaxBitrate int    `json:"maxBitrate,omitempty"`
}

// RtpParameters carries the send/receive parameters for one producer or
// consumer. Beyond codec matching the server treats them as opaque.
type RtpParameters struct {
	MID       string               `json:"mid,omitempty"`
	Codecs    []RtpCodecCapability `json:"codecs"`
	Encodings []RtpEncoding        `json:"encodings,omitempty"`
}

// DtlsFingerprint is one certificate fingerprint within DtlsParameters.
type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DtlsParameters are exchanged on transport connect.
type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// IceParameters are the server-side ICE credentials for a transport.
type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

// IceCandidate is one server candidate for a transport.
type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Port       uint16 `json:"port"`
	Protocol   string `json:"protocol"`
	Type       string `json:"type"`
}

// ConnectionParams is everything a client needs to establish encrypted
// connectivity for one transport.
type ConnectionParams struct {
	TransportID    string         `json:"transportId"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

// RouterOptions configures router creation.
type RouterOptions struct {
	MediaCodecs []RtpCodecCapability
}

// TransportOptions configures webrtc transport creation.
type TransportOptions struct {
	ListenIP string
}

// Engine is the entry point of the media engine. One Router is created per
// room; all further engine objects hang off it.
type Engine interface {
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
}

// Router relays media among one room's producers and consumers.
type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	Close() error
}

// Transport is one direction of encrypted connectivity for one peer.
type Transport interface {
	ID() string
	ConnectionParams() ConnectionParams
	Connect(ctx context.Context, dtls DtlsParameters) error
	Produce(ctx context.Context, kind Kind, params RtpParameters) (Producer, error)
	Consume(ctx context.Context, producerID string, caps RtpCapabilities) (Consumer, error)
	Close() error
}

// Producer is a peer's outbound media stream registered with the engine.
type Producer interface {
	ID() string
	Kind() Kind
	Pause()
	Resume()
	Paused() bool
	Close() error
}

// Consumer is a peer's subscription to another peer's producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	RtpParameters() RtpParameters
	Pause()
	Resume()
	Paused() bool
	Closed() bool
	RequestKeyFrame() error
	Close() error
}
