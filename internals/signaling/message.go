// Package signaling carries the wire protocol between a client and the
// server: correlated request/response pairs plus unsolicited server-push
// events, multiplexed over one websocket connection.
package signaling

import (
	"encoding/json"
	"time"

	"github.com/Bashar444/liveclass-signaling/internals/media"
)

type MessageType string

// Requests (client -> server). Every request carries a RequestID and receives
// exactly one response with the same RequestID.
const (
	MessageTypeJoin                 MessageType = "join"
	MessageTypeRouterCapabilities   MessageType = "get-router-capabilities"
	MessageTypeCreateSendTransport  MessageType = "create-send-transport"
	MessageTypeConnectSendTransport MessageType = "connect-send-transport"
	MessageTypeCreateRecvTransport  MessageType = "create-recv-transport"
	MessageTypeConnectRecvTransport MessageType = "connect-recv-transport"
	MessageTypeProduce              MessageType = "produce"
	MessageTypeConsume              MessageType = "consume"
	MessageTypePauseProducer        MessageType = "pause-producer"
	MessageTypeResumeProducer       MessageType = "resume-producer"
	MessageTypePauseConsumer        MessageType = "pause-consumer"
	MessageTypeResumeConsumer       MessageType = "resume-consumer"
	MessageTypeRequestKeyFrame      MessageType = "request-keyframe"
	MessageTypeChat                 MessageType = "chat"
	MessageTypeLeave                MessageType = "leave"
)

// Responses and pushes (server -> client).
const (
	MessageTypeResponse    MessageType = "response"
	MessageTypePeerJoined  MessageType = "peer-joined"
	MessageTypePeerLeft    MessageType = "peer-left"
	MessageTypeNewProducer MessageType = "new-producer"
	MessageTypeChatMessage MessageType = "chat-message"
)

type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// IsResponse reports whether the message answers a pending request.
func (m Message) IsResponse() bool {
	return m.Type == MessageTypeResponse
}

type ErrorCode string

const (
	ErrCodeRoomUnavailable  ErrorCode = "room-unavailable"
	ErrCodeNotReady         ErrorCode = "not-ready"
	ErrCodeAlreadyExists    ErrorCode = "already-exists"
	ErrCodeAlreadyConnected ErrorCode = "already-connected"
	ErrCodeProducerNotFound ErrorCode = "producer-not-found"
	ErrCodeNotConnected     ErrorCode = "not-connected"
	ErrCodeTimeout          ErrorCode = "timeout"
	ErrCodeBadRequest       ErrorCode = "bad-request"
	ErrCodeRateLimited      ErrorCode = "rate-limited"
	ErrCodeInternal         ErrorCode = "internal"
)

// Retryable reports whether the caller may retry the failed request as-is.
func (c ErrorCode) Retryable() bool {
	return c == ErrCodeRoomUnavailable || c == ErrCodeTimeout
}

type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ErrorBody) Error() string {
	return string(e.Code) + ": " + e.Message
}

// --- Request payloads ---

type JoinRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
}

type CreateTransportRequest struct {
	// RtpCapabilities is the peer's negotiated capability set, supplied with
	// the first transport request after the client loaded the router
	// capabilities. Absent on both the session and the request, the request
	// fails not-ready.
	RtpCapabilities *media.RtpCapabilities `json:"rtpCapabilities,omitempty"`
}

type ConnectTransportRequest struct {
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
}

type ProduceRequest struct {
	Kind          media.Kind          `json:"kind"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
}

type ConsumeRequest struct {
	ProducerID string `json:"producerId"`
}

type PauseRequest struct {
	ProducerID string `json:"producerId,omitempty"`
	ConsumerID string `json:"consumerId,omitempty"`
}

type KeyFrameRequest struct {
	ConsumerID string `json:"consumerId"`
}

type ChatRequest struct {
	Text string `json:"text"`
}

// --- Response payloads ---

type PeerInfo struct {
	PeerID string `json:"peerId"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
}

type ProducerInfo struct {
	ProducerID string     `json:"producerId"`
	PeerID     string     `json:"peerId"`
	Kind       media.Kind `json:"kind"`
	Paused     bool       `json:"paused,omitempty"`
}

// JoinResponse is the join-time snapshot: router capabilities plus the peers
// and producers already in the room. Producers created before the join
// completed are always present here, never delivered as a missed push.
type JoinResponse struct {
	PeerID                string                `json:"peerId"`
	RoomID                string                `json:"roomId"`
	RouterRtpCapabilities media.RtpCapabilities `json:"routerRtpCapabilities"`
	Peers                 []PeerInfo            `json:"peers"`
	Producers             []ProducerInfo        `json:"producers"`
}

type CapabilitiesResponse struct {
	RtpCapabilities media.RtpCapabilities `json:"rtpCapabilities"`
}

type CreateTransportResponse struct {
	media.ConnectionParams
}

type ProduceResponse struct {
	ProducerID string `json:"producerId"`
}

type ConsumeResponse struct {
	ConsumerID    string              `json:"consumerId"`
	ProducerID    string              `json:"producerId"`
	Kind          media.Kind          `json:"kind"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

// --- Push payloads ---

type PeerJoinedEvent struct {
	PeerID string `json:"peerId"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
}

type PeerLeftEvent struct {
	PeerID string `json:"peerId"`
}

type NewProducerEvent struct {
	ProducerID string     `json:"producerId"`
	PeerID     string     `json:"peerId"`
	Kind       media.Kind `json:"kind"`
}

type ChatMessageEvent struct {
	PeerID string    `json:"peerId"`
	Name   string    `json:"name"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// NewEvent builds a push message. Marshal failures cannot happen for the
// event payload types above, so they are swallowed.
func NewEvent(t MessageType, payload any) Message {
	data, _ := json.Marshal(payload)
	return Message{Type: t, Data: data, Timestamp: time.Now()}
}

// NewResponse builds a success response correlated to reqID.
func NewResponse(reqID string, payload any) Message {
	data, _ := json.Marshal(payload)
	return Message{Type: MessageTypeResponse, RequestID: reqID, Data: data, Timestamp: time.Now()}
}

// NewErrorResponse builds an error response correlated to reqID.
func NewErrorResponse(reqID string, code ErrorCode, msg string) Message {
	return Message{
		Type:      MessageTypeResponse,
		RequestID: reqID,
		Error:     &ErrorBody{Code: code, Message: msg},
		Timestamp: time.Now(),
	}
}
