// Package client implements the peer side of the signaling protocol: one
// websocket channel carrying correlated request/response pairs plus server
// pushes, and the local negotiation state machine that gates which requests
// are legal to send.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Bashar444/liveclass-signaling/internals/media"
	"github.com/Bashar444/liveclass-signaling/internals/signaling"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024
)

var (
	ErrClosed             = errors.New("client: connection closed")
	ErrNotJoined          = errors.New("client: not joined to a room")
	ErrCapabilitiesNeeded = errors.New("client: router capabilities not loaded")
	ErrTransportMissing   = errors.New("client: transport not created")
	ErrTransportState     = errors.New("client: transport not connected")
)

// IsCode reports whether err is a server failure with the given wire code.
func IsCode(err error, code signaling.ErrorCode) bool {
	var body *signaling.ErrorBody
	if errors.As(err, &body) {
		return body.Code == code
	}
	return false
}

type transportHandle struct {
	id        string
	params    media.ConnectionParams
	connected bool
	dtls      *media.DtlsParameters
}

type remoteProducer struct {
	peerID string
	kind   media.Kind
}

type consumerHandle struct {
	producerID string
	peerID     string
	kind       media.Kind
	closed     bool
}

// Client is one peer's view of a classroom. Not safe for concurrent
// negotiation calls against the same transport. Event callbacks run on the
// read loop goroutine, must not block, and must be set before Connect.
type Client struct {
	url    string
	userID string
	name   string
	role   string
	logger *zap.Logger

	conn     *websocket.Conn
	outgoing chan signaling.Message
	done     chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan signaling.Message

	mu         sync.Mutex
	peerID     string
	roomID     string
	routerCaps *media.RtpCapabilities
	send       *transportHandle
	recv       *transportHandle
	producers  map[string]remoteProducer
	consumers  map[string]*consumerHandle
	closed     bool
	closeOnce  sync.Once

	OnPeerJoined     func(signaling.PeerJoinedEvent)
	OnPeerLeft       func(signaling.PeerLeftEvent)
	OnNewProducer    func(signaling.NewProducerEvent)
	OnChatMessage    func(signaling.ChatMessageEvent)
	OnConsumerClosed func(consumerID string)
}

// New prepares a client for serverURL (the /ws endpoint, ws:// or wss://).
func New(serverURL, userID, name, role string, logger *zap.Logger) *Client {
	return &Client{
		url:       serverURL,
		userID:    userID,
		name:      name,
		role:      role,
		logger:    logger,
		outgoing:  make(chan signaling.Message, 32),
		done:      make(chan struct{}),
		pending:   make(map[string]chan signaling.Message),
		producers: make(map[string]remoteProducer),
		consumers: make(map[string]*consumerHandle),
	}
}

// Connect dials the signaling endpoint and starts the pumps.
func (c *Client) Connect() error {
	u := c.url
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	u = fmt.Sprintf("%s%suserId=%s&name=%s&role=%s", u, sep, c.userID, c.name, c.role)

	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}

	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()
	return nil
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		c.failPending()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg signaling.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.IsResponse() {
			c.routeResponse(msg)
			continue
		}
		c.handleEvent(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) routeResponse(msg signaling.Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.RequestID]
	if ok {
		delete(c.pending, msg.RequestID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan signaling.Message)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// request sends one correlated request and blocks for its response. A server
// failure comes back as *signaling.ErrorBody.
func (c *Client) request(ctx context.Context, msgType signaling.MessageType, payload any, out any) error {
	reqID := uuid.New().String()
	msg := signaling.Message{Type: msgType, RequestID: reqID, Timestamp: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Data = data
	}

	// Registered only once the message is ready, so no failure path can
	// strand an entry in the pending table.
	ch := make(chan signaling.Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = ch
	c.pendingMu.Unlock()

	select {
	case c.outgoing <- msg:
	case <-c.done:
		c.dropPending(reqID)
		return ErrClosed
	case <-ctx.Done():
		c.dropPending(reqID)
		return ctx.Err()
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && resp.Data != nil {
			return json.Unmarshal(resp.Data, out)
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		c.dropPending(reqID)
		return ctx.Err()
	}
}

func (c *Client) dropPending(reqID string) {
	c.pendingMu.Lock()
	delete(c.pending, reqID)
	c.pendingMu.Unlock()
}

func (c *Client) handleEvent(msg signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypePeerJoined:
		var ev signaling.PeerJoinedEvent
		if json.Unmarshal(msg.Data, &ev) == nil && c.OnPeerJoined != nil {
			c.OnPeerJoined(ev)
		}
	case signaling.MessageTypePeerLeft:
		var ev signaling.PeerLeftEvent
		if json.Unmarshal(msg.Data, &ev) != nil {
			return
		}
		c.dropPeer(ev.PeerID)
		if c.OnPeerLeft != nil {
			c.OnPeerLeft(ev)
		}
	case signaling.MessageTypeNewProducer:
		var ev signaling.NewProducerEvent
		if json.Unmarshal(msg.Data, &ev) != nil {
			return
		}
		c.mu.Lock()
		c.producers[ev.ProducerID] = remoteProducer{peerID: ev.PeerID, kind: ev.Kind}
		c.mu.Unlock()
		if c.OnNewProducer != nil {
			c.OnNewProducer(ev)
		}
	case signaling.MessageTypeChatMessage:
		var ev signaling.ChatMessageEvent
		if json.Unmarshal(msg.Data, &ev) == nil && c.OnChatMessage != nil {
			c.OnChatMessage(ev)
		}
	}
}

// dropPeer marks every consumer of the departed peer's producers closed. The
// server already tore the engine consumers down; this keeps the local view
// in step.
func (c *Client) dropPeer(peerID string) {
	c.mu.Lock()
	var closedConsumers []string
	for id, p := range c.producers {
		if p.peerID == peerID {
			delete(c.producers, id)
		}
	}
	for id, h := range c.consumers {
		if h.peerID == peerID && !h.closed {
			h.closed = true
			closedConsumers = append(closedConsumers, id)
		}
	}
	c.mu.Unlock()

	if c.OnConsumerClosed != nil {
		for _, id := range closedConsumers {
			c.OnConsumerClosed(id)
		}
	}
}

// --- Negotiation operations ---

// Join enters a room and loads the router capabilities from the snapshot.
// Producers already present in the room are recorded so Consume can be
// called for them directly.
func (c *Client) Join(ctx context.Context, roomID string) (*signaling.JoinResponse, error) {
	var resp signaling.JoinResponse
	err := c.request(ctx, signaling.MessageTypeJoin, signaling.JoinRequest{
		RoomID: roomID,
		UserID: c.userID,
		Name:   c.name,
		Role:   c.role,
	}, &resp)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.peerID = resp.PeerID
	c.roomID = resp.RoomID
	caps := resp.RouterRtpCapabilities
	c.routerCaps = &caps
	for _, p := range resp.Producers {
		c.producers[p.ProducerID] = remoteProducer{peerID: p.PeerID, kind: p.Kind}
	}
	c.mu.Unlock()

	return &resp, nil
}

func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// RouterCapabilities fetches the router capability set without joining state
// changes; Join already records it, so this is mostly a probe.
func (c *Client) RouterCapabilities(ctx context.Context) (media.RtpCapabilities, error) {
	var resp signaling.CapabilitiesResponse
	if err := c.request(ctx, signaling.MessageTypeRouterCapabilities, nil, &resp); err != nil {
		return media.RtpCapabilities{}, err
	}
	return resp.RtpCapabilities, nil
}

func (c *Client) CreateSendTransport(ctx context.Context) (media.ConnectionParams, error) {
	return c.createTransport(ctx, signaling.MessageTypeCreateSendTransport, &c.send)
}

func (c *Client) CreateRecvTransport(ctx context.Context) (media.ConnectionParams, error) {
	return c.createTransport(ctx, signaling.MessageTypeCreateRecvTransport, &c.recv)
}

func (c *Client) createTransport(ctx context.Context, msgType signaling.MessageType, slot **transportHandle) (media.ConnectionParams, error) {
	c.mu.Lock()
	if c.roomID == "" {
		c.mu.Unlock()
		return media.ConnectionParams{}, ErrNotJoined
	}
	caps := c.routerCaps
	c.mu.Unlock()
	if caps == nil {
		return media.ConnectionParams{}, ErrCapabilitiesNeeded
	}

	var resp signaling.CreateTransportResponse
	err := c.request(ctx, msgType, signaling.CreateTransportRequest{RtpCapabilities: caps}, &resp)
	if err != nil {
		return media.ConnectionParams{}, err
	}

	c.mu.Lock()
	*slot = &transportHandle{id: resp.TransportID, params: resp.ConnectionParams}
	c.mu.Unlock()
	return resp.ConnectionParams, nil
}

// ConnectSendTransport completes the send transport's DTLS exchange. With a
// nil dtls the client generates fresh parameters; retries should pass the
// parameters from the first attempt so the server treats them as the same
// handshake.
func (c *Client) ConnectSendTransport(ctx context.Context, dtls *media.DtlsParameters) error {
	return c.connectTransport(ctx, signaling.MessageTypeConnectSendTransport, &c.send, dtls)
}

func (c *Client) ConnectRecvTransport(ctx context.Context, dtls *media.DtlsParameters) error {
	return c.connectTransport(ctx, signaling.MessageTypeConnectRecvTransport, &c.recv, dtls)
}

func (c *Client) connectTransport(ctx context.Context, msgType signaling.MessageType, slot **transportHandle, dtls *media.DtlsParameters) error {
	c.mu.Lock()
	t := *slot
	c.mu.Unlock()
	if t == nil {
		return ErrTransportMissing
	}

	if dtls == nil {
		if t.dtls != nil {
			dtls = t.dtls
		} else {
			generated := GenerateDtlsParameters()
			dtls = &generated
		}
	}

	if err := c.request(ctx, msgType, signaling.ConnectTransportRequest{DtlsParameters: *dtls}, nil); err != nil {
		return err
	}

	c.mu.Lock()
	t.connected = true
	t.dtls = dtls
	c.mu.Unlock()
	return nil
}

// Produce announces a local media stream on the connected send transport.
func (c *Client) Produce(ctx context.Context, kind media.Kind, params media.RtpParameters) (string, error) {
	c.mu.Lock()
	t := c.send
	c.mu.Unlock()
	if t == nil {
		return "", ErrTransportMissing
	}
	if !t.connected {
		return "", ErrTransportState
	}

	var resp signaling.ProduceResponse
	err := c.request(ctx, signaling.MessageTypeProduce, signaling.ProduceRequest{
		Kind:          kind,
		RtpParameters: params,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ProducerID, nil
}

// Consume subscribes to a remote producer. A producer-not-found failure is
// the benign consume-after-close race; callers skip that stream and move on.
func (c *Client) Consume(ctx context.Context, producerID string) (*signaling.ConsumeResponse, error) {
	c.mu.Lock()
	t := c.recv
	c.mu.Unlock()
	if t == nil {
		return nil, ErrTransportMissing
	}
	if !t.connected {
		return nil, ErrTransportState
	}

	var resp signaling.ConsumeResponse
	if err := c.request(ctx, signaling.MessageTypeConsume, signaling.ConsumeRequest{ProducerID: producerID}, &resp); err != nil {
		return nil, err
	}

	c.mu.Lock()
	owner := c.producers[resp.ProducerID].peerID
	c.consumers[resp.ConsumerID] = &consumerHandle{
		producerID: resp.ProducerID,
		peerID:     owner,
		kind:       resp.Kind,
	}
	c.mu.Unlock()
	return &resp, nil
}

// ConsumerClosed reports whether the local view considers the consumer gone.
func (c *Client) ConsumerClosed(consumerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.consumers[consumerID]
	return ok && h.closed
}

func (c *Client) PauseProducer(ctx context.Context, producerID string) error {
	return c.request(ctx, signaling.MessageTypePauseProducer, signaling.PauseRequest{ProducerID: producerID}, nil)
}

func (c *Client) ResumeProducer(ctx context.Context, producerID string) error {
	return c.request(ctx, signaling.MessageTypeResumeProducer, signaling.PauseRequest{ProducerID: producerID}, nil)
}

func (c *Client) PauseConsumer(ctx context.Context, consumerID string) error {
	return c.request(ctx, signaling.MessageTypePauseConsumer, signaling.PauseRequest{ConsumerID: consumerID}, nil)
}

func (c *Client) ResumeConsumer(ctx context.Context, consumerID string) error {
	return c.request(ctx, signaling.MessageTypeResumeConsumer, signaling.PauseRequest{ConsumerID: consumerID}, nil)
}

func (c *Client) RequestKeyFrame(ctx context.Context, consumerID string) error {
	return c.request(ctx, signaling.MessageTypeRequestKeyFrame, signaling.KeyFrameRequest{ConsumerID: consumerID}, nil)
}

func (c *Client) Chat(ctx context.Context, text string) error {
	return c.request(ctx, signaling.MessageTypeChat, signaling.ChatRequest{Text: text}, nil)
}

// Leave exits the room but keeps the channel open.
func (c *Client) Leave(ctx context.Context) error {
	err := c.request(ctx, signaling.MessageTypeLeave, nil, nil)
	c.mu.Lock()
	c.roomID = ""
	c.peerID = ""
	c.routerCaps = nil
	c.send = nil
	c.recv = nil
	c.producers = make(map[string]remoteProducer)
	c.consumers = make(map[string]*consumerHandle)
	c.mu.Unlock()
	return err
}

// Close tears the channel down. The server detects the closure and runs the
// leave cascade for any still-joined room.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

// GenerateDtlsParameters builds a fresh client-side DTLS fingerprint set for
// the connect exchange.
func GenerateDtlsParameters() media.DtlsParameters {
	buf := make([]byte, 32)
	rand.Read(buf)
	hexStr := hex.EncodeToString(buf)
	var parts []string
	for i := 0; i < len(hexStr); i += 2 {
		parts = append(parts, strings.ToUpper(hexStr[i:i+2]))
	}
	return media.DtlsParameters{
		Role: "client",
		Fingerprints: []media.DtlsFingerprint{
			{Algorithm: "sha-256", Value: strings.Join(parts, ":")},
		},
	}
}

// RtpParametersFor derives minimal send parameters from the router's
// capability set for the given kind.
func (c *Client) RtpParametersFor(kind media.Kind) (media.RtpParameters, error) {
	c.mu.Lock()
	caps := c.routerCaps
	c.mu.Unlock()
	if caps == nil {
		return media.RtpParameters{}, ErrCapabilitiesNeeded
	}
	for _, codec := range caps.Codecs {
		if strings.HasPrefix(codec.MimeType, string(kind)+"/") {
			return media.RtpParameters{
				Codecs: []media.RtpCodecCapability{codec},
				Encodings: []media.RtpEncoding{
					{SSRC: uint32(time.Now().UnixNano() & 0x7fffffff)},
				},
			}, nil
		}
	}
	return media.RtpParameters{}, fmt.Errorf("no %s codec in router capabilities", kind)
}
