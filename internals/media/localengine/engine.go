// Package localengine is an in-process media engine. It implements the
// media.Engine contract with real RTP fan-out between producers and consumers
// inside one process, which makes it both the default single-node engine and
// the engine the tests drive. Codec handling stays trivial: whatever the
// producer sends is forwarded verbatim to every non-paused consumer.
package localengine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Bashar444/liveclass-signaling/internals/media"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const consumerBuffer = 64

type Engine struct {
	logger *zap.Logger

	mu      sync.Mutex
	routers map[string]*Router
}

func New(logger *zap.Logger) *Engine {
	return &Engine{
		logger:  logger,
		routers: make(map[string]*Router),
	}
}

func (e *Engine) CreateRouter(ctx context.Context, opts media.RouterOptions) (media.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	caps := media.RtpCapabilities{Codecs: opts.MediaCodecs}
	if len(caps.Codecs) == 0 {
		caps = DefaultCapabilities()
	}

	r := &Router{
		id:        uuid.New().String(),
		engine:    e,
		caps:      caps,
		producers: make(map[string]*Producer),
		logger:    e.logger,
	}

	e.mu.Lock()
	e.routers[r.id] = r
	e.mu.Unlock()

	e.logger.Debug("Router created",
		zap.String("routerID", r.id),
		zap.Int("codecs", len(caps.Codecs)),
	)
	return r, nil
}

// DefaultCapabilities mirrors the codec set the pion default media engine
// registers: VP8/VP9/H264 video and opus audio.
func DefaultCapabilities() media.RtpCapabilities {
	return media.RtpCapabilities{
		Codecs: []media.RtpCodecCapability{
			{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000},
			{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		},
		HeaderExtensions: []media.RtpHeaderExtension{
			{URI: "urn:ietf:params:rtp-hdrext:sdes:mid", ID: 1},
			{URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", ID: 2, Kind: media.KindAudio},
		},
	}
}

type Router struct {
	id     string
	engine *Engine
	caps   media.RtpCapabilities
	logger *zap.Logger

	mu        sync.Mutex
	producers map[string]*Producer
	closed    bool
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() media.RtpCapabilities { return r.caps }

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts media.TransportOptions) (media.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, media.ErrClosed
	}

	ip := opts.ListenIP
	if ip == "" {
		ip = "127.0.0.1"
	}

	t := &Transport{
		id:     uuid.New().String(),
		router: r,
		params: media.ConnectionParams{
			IceParameters: media.IceParameters{
				UsernameFragment: randomHex(8),
				Password:         randomHex(16),
				IceLite:          true,
			},
			IceCandidates: []media.IceCandidate{
				{Foundation: "udpcandidate", Priority: 1076302079, IP: ip, Port: 40000, Protocol: "udp", Type: "host"},
			},
			DtlsParameters: media.DtlsParameters{
				Role: "auto",
				Fingerprints: []media.DtlsFingerprint{
					{Algorithm: "sha-256", Value: randomFingerprint()},
				},
			},
		},
	}
	t.params.TransportID = t.id
	return t, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	producers := make([]*Producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	r.producers = make(map[string]*Producer)
	r.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}

	r.engine.mu.Lock()
	delete(r.engine.routers, r.id)
	r.engine.mu.Unlock()
	return nil
}

func (r *Router) registerProducer(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return media.ErrClosed
	}
	r.producers[p.id] = p
	return nil
}

func (r *Router) unregisterProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) lookupProducer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

type Transport struct {
	id     string
	router *Router
	params media.ConnectionParams

	mu         sync.Mutex
	remoteDtls *media.DtlsParameters
	closed     bool
	owned      []closer // producers/consumers created on this transport
}

type closer interface{ Close() error }

func (t *Transport) ID() string { return t.id }

func (t *Transport) ConnectionParams() media.ConnectionParams { return t.params }

func (t *Transport) Connect(ctx context.Context, dtls media.DtlsParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(dtls.Fingerprints) == 0 {
		return fmt.Errorf("localengine: dtls parameters carry no fingerprints")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return media.ErrClosed
	}
	t.remoteDtls = &dtls
	return nil
}

func (t *Transport) Produce(ctx context.Context, kind media.Kind, params media.RtpParameters) (media.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if kind != media.KindAudio && kind != media.KindVideo {
		return nil, media.ErrInvalidKind
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, media.ErrClosed
	}
	t.mu.Unlock()

	p := &Producer{
		id:        uuid.New().String(),
		kind:      kind,
		params:    params,
		router:    t.router,
		consumers: make(map[string]*Consumer),
		keyframes: make(chan *rtcp.PictureLossIndication, 8),
	}
	if len(params.Encodings) > 0 {
		p.ssrc = params.Encodings[0].SSRC
	}
	if err := t.router.registerProducer(p); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.owned = append(t.owned, p)
	t.mu.Unlock()

	t.router.logger.Debug("Producer created",
		zap.String("producerID", p.id),
		zap.String("kind", string(kind)),
	)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID string, caps media.RtpCapabilities) (media.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, media.ErrClosed
	}
	t.mu.Unlock()

	p, ok := t.router.lookupProducer(producerID)
	if !ok {
		return nil, media.ErrNotFound
	}
	if !codecMatch(caps, p.params) {
		return nil, fmt.Errorf("localengine: no compatible codec for producer %s", producerID)
	}

	c := &Consumer{
		id:       uuid.New().String(),
		producer: p,
		kind:     p.kind,
		params:   p.params,
		packets:  make(chan *rtp.Packet, consumerBuffer),
	}
	if err := p.addConsumer(c); err != nil {
		return nil, media.ErrNotFound
	}

	t.mu.Lock()
	t.owned = append(t.owned, c)
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	owned := t.owned
	t.owned = nil
	t.mu.Unlock()

	for _, o := range owned {
		o.Close()
	}
	return nil
}

// codecMatch reports whether the consumer capability set shares at least one
// mime type with the producer parameters.
func codecMatch(caps media.RtpCapabilities, params media.RtpParameters) bool {
	if len(caps.Codecs) == 0 || len(params.Codecs) == 0 {
		return true
	}
	for _, pc := range params.Codecs {
		for _, cc := range caps.Codecs {
			if pc.MimeType == cc.MimeType {
				return true
			}
		}
	}
	return false
}

type Producer struct {
	id     string
	kind   media.Kind
	params media.RtpParameters
	router *Router
	ssrc   uint32

	paused atomic.Bool
	closed atomic.Bool

	mu        sync.Mutex
	consumers map[string]*Consumer
	keyframes chan *rtcp.PictureLossIndication
}

func (p *Producer) ID() string { return p.id }

func (p *Producer) Kind() media.Kind { return p.kind }

func (p *Producer) Pause() { p.paused.Store(true) }

func (p *Producer) Resume() { p.paused.Store(false) }

func (p *Producer) Paused() bool { return p.paused.Load() }

// WriteRTP feeds one packet into the fan-out. Paused producers drop input;
// consumers with full buffers drop the packet rather than block the feed.
func (p *Producer) WriteRTP(packet *rtp.Packet) error {
	if p.closed.Load() {
		return media.ErrClosed
	}
	if p.paused.Load() {
		return nil
	}

	p.mu.Lock()
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	for _, c := range consumers {
		c.deliver(packet)
	}
	return nil
}

// KeyFrameRequests exposes PLI feedback from consumers. The media source
// behind this producer is expected to emit a keyframe per request.
func (p *Producer) KeyFrameRequests() <-chan *rtcp.PictureLossIndication {
	return p.keyframes
}

func (p *Producer) addConsumer(c *Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return media.ErrClosed
	}
	p.consumers[c.id] = c
	return nil
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

// Close tears down the producer and every consumer attached to it.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.router.unregisterProducer(p.id)

	p.mu.Lock()
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[string]*Consumer)
	p.mu.Unlock()

	for _, c := range consumers {
		c.closeFromProducer()
	}
	return nil
}

type Consumer struct {
	id       string
	producer *Producer
	kind     media.Kind
	params   media.RtpParameters

	paused atomic.Bool
	closed atomic.Bool

	// mu serializes packet delivery against channel close; the closed flag
	// alone would leave a window for a send on the closed channel.
	mu      sync.Mutex
	packets chan *rtp.Packet
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) ProducerID() string { return c.producer.id }

func (c *Consumer) Kind() media.Kind { return c.kind }

func (c *Consumer) RtpParameters() media.RtpParameters { return c.params }

func (c *Consumer) Pause() { c.paused.Store(true) }

func (c *Consumer) Resume() { c.paused.Store(false) }

func (c *Consumer) Paused() bool { return c.paused.Load() }

func (c *Consumer) Closed() bool { return c.closed.Load() }

// Packets is the consumer's inbound RTP stream.
func (c *Consumer) Packets() <-chan *rtp.Packet { return c.packets }

func (c *Consumer) RequestKeyFrame() error {
	if c.closed.Load() {
		return media.ErrClosed
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: c.producer.ssrc}
	select {
	case c.producer.keyframes <- pli:
	default:
	}
	return nil
}

func (c *Consumer) deliver(packet *rtp.Packet) {
	if c.paused.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	select {
	case c.packets <- packet:
	default:
	}
}

func (c *Consumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.producer.removeConsumer(c.id)
	c.mu.Lock()
	close(c.packets)
	c.mu.Unlock()
	return nil
}

func (c *Consumer) closeFromProducer() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	close(c.packets)
	c.mu.Unlock()
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func randomFingerprint() string {
	b := make([]byte, 32)
	rand.Read(b)
	out := make([]byte, 0, len(b)*3)
	for i, v := range b {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, fmt.Sprintf("%02X", v)...)
	}
	return string(out)
}
