package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/Bashar444/liveclass-signaling/internals/media"
	appmetrics "github.com/Bashar444/liveclass-signaling/internals/metrics"
	"github.com/Bashar444/liveclass-signaling/internals/peer"
	"github.com/Bashar444/liveclass-signaling/internals/room"
	"github.com/Bashar444/liveclass-signaling/internals/signaling"
	"github.com/Bashar444/liveclass-signaling/internals/state"
	"go.uber.org/zap"
)

var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

func unmarshalMessageData[T any](data json.RawMessage, out *T) error {
	if err := json.Unmarshal(data, out); err != nil {
		var dataStr string
		if err2 := json.Unmarshal(data, &dataStr); err2 != nil {
			return fmt.Errorf("not valid JSON: %w", err)
		}
		if err3 := json.Unmarshal([]byte(dataStr), out); err3 != nil {
			return fmt.Errorf("double-encoded payload: %w", err3)
		}
	}
	return nil
}

// errorCode maps internal failures onto wire codes. Unknown errors are
// internal, never leaked verbatim in the code field.
func errorCode(err error) signaling.ErrorCode {
	switch {
	case errors.Is(err, room.ErrRoomUnavailable),
		errors.Is(err, peer.ErrSessionClosed),
		errors.Is(err, media.ErrClosed):
		return signaling.ErrCodeRoomUnavailable
	case errors.Is(err, room.ErrProducerNotFound),
		errors.Is(err, media.ErrNotFound):
		return signaling.ErrCodeProducerNotFound
	case errors.Is(err, peer.ErrNotReady):
		return signaling.ErrCodeNotReady
	case errors.Is(err, peer.ErrAlreadyExists):
		return signaling.ErrCodeAlreadyExists
	case errors.Is(err, peer.ErrAlreadyConnected):
		return signaling.ErrCodeAlreadyConnected
	case errors.Is(err, peer.ErrNotConnected),
		errors.Is(err, peer.ErrTransportClosed):
		return signaling.ErrCodeNotConnected
	case errors.Is(err, context.DeadlineExceeded):
		return signaling.ErrCodeTimeout
	case errors.Is(err, media.ErrInvalidKind):
		return signaling.ErrCodeBadRequest
	default:
		return signaling.ErrCodeInternal
	}
}

func (s *Server) fail(c *signaling.Conn, reqID string, code signaling.ErrorCode, message string) {
	appmetrics.RecordRequestError(string(code))
	c.ReplyError(reqID, code, message)
}

func (s *Server) failErr(c *signaling.Conn, reqID string, err error) {
	code := errorCode(err)
	msg := err.Error()
	if code == signaling.ErrCodeInternal {
		msg = "internal error"
	}
	s.fail(c, reqID, code, msg)
}

// engineCtx bounds a media-engine call. A blown deadline surfaces as a
// timeout failure; the operation is never assumed to have succeeded.
func (s *Server) engineCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.config.Signaling.EngineOpTimeout)
}

func (s *Server) validateID(id string, maxLen int, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d", fieldName, maxLen)
	}
	if !safeIDPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// handleRequest dispatches one signaling request. The read pump already runs
// each request on its own goroutine, so a pending engine call never blocks
// requests for unrelated resources on the same channel.
func (s *Server) handleRequest(c *signaling.Conn, msg signaling.Message) {
	appmetrics.RecordRequest(string(msg.Type))

	if !s.getRateLimiter(c.ID).Allow() {
		s.fail(c, msg.RequestID, signaling.ErrCodeRateLimited, "rate limit exceeded")
		return
	}

	switch msg.Type {
	case signaling.MessageTypeJoin:
		s.handleJoin(c, msg)
	case signaling.MessageTypeRouterCapabilities:
		s.handleRouterCapabilities(c, msg)
	case signaling.MessageTypeCreateSendTransport:
		s.handleCreateTransport(c, msg, peer.DirectionSend)
	case signaling.MessageTypeCreateRecvTransport:
		s.handleCreateTransport(c, msg, peer.DirectionRecv)
	case signaling.MessageTypeConnectSendTransport:
		s.handleConnectTransport(c, msg, peer.DirectionSend)
	case signaling.MessageTypeConnectRecvTransport:
		s.handleConnectTransport(c, msg, peer.DirectionRecv)
	case signaling.MessageTypeProduce:
		s.handleProduce(c, msg)
	case signaling.MessageTypeConsume:
		s.handleConsume(c, msg)
	case signaling.MessageTypePauseProducer:
		s.handleProducerPause(c, msg, true)
	case signaling.MessageTypeResumeProducer:
		s.handleProducerPause(c, msg, false)
	case signaling.MessageTypePauseConsumer:
		s.handleConsumerPause(c, msg, true)
	case signaling.MessageTypeResumeConsumer:
		s.handleConsumerPause(c, msg, false)
	case signaling.MessageTypeRequestKeyFrame:
		s.handleRequestKeyFrame(c, msg)
	case signaling.MessageTypeChat:
		s.handleChat(c, msg)
	case signaling.MessageTypeLeave:
		s.handleLeave(c, msg)
	default:
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "unknown request type")
	}
}

// getRoomAndSession resolves the channel's bound membership. Requests sent
// before a successful join fail not-ready.
func (s *Server) getRoomAndSession(c *signaling.Conn) (*room.Room, *peer.Session, signaling.ErrorCode, error) {
	roomID, peerID := c.Session()
	if roomID == "" {
		return nil, nil, signaling.ErrCodeNotReady, errors.New("join a room first")
	}
	rm, ok := s.registry.Get(roomID)
	if !ok {
		return nil, nil, signaling.ErrCodeRoomUnavailable, room.ErrRoomUnavailable
	}
	sess, err := rm.GetPeer(peerID)
	if err != nil {
		return nil, nil, signaling.ErrCodeRoomUnavailable, room.ErrRoomUnavailable
	}
	return rm, sess, "", nil
}

func (s *Server) handleJoin(c *signaling.Conn, msg signaling.Message) {
	var req signaling.JoinRequest
	if err := unmarshalMessageData(msg.Data, &req); err != nil {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "invalid join payload")
		return
	}
	if req.UserID == "" {
		req.UserID = c.UserID
	}
	if req.Name == "" {
		req.Name = c.Name
	}
	if req.Role == "" {
		req.Role = c.Role
	}

	if err := s.validateID(req.RoomID, s.config.Signaling.MaxRoomIDLength, "roomId"); err != nil {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, err.Error())
		return
	}
	if err := s.validateID(req.UserID, s.config.Signaling.MaxUserIDLength, "userId"); err != nil {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, err.Error())
		return
	}
	if roomID, _ := c.Session(); roomID != "" {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "channel already joined a room")
		return
	}

	// Evict any other channel claiming this identity before admission, so
	// the duplicate-identity eviction inside the room matches the channel
	// eviction here.
	s.hub.DisconnectByUserID(req.UserID, c.ID)

	attempts := s.config.Signaling.JoinRetries
	if attempts < 1 {
		attempts = 1
	}

	var snapshot *signaling.JoinResponse
	for i := 0; i < attempts; i++ {
		sess := peer.NewSession(req.RoomID, req.UserID, req.Name, req.Role)
		rm := s.registry.GetOrCreate(req.RoomID)

		ctx, cancel := s.engineCtx()
		start := time.Now()
		snap, err := rm.AddPeer(ctx, sess, c)
		cancel()
		appmetrics.EngineOpSeconds.WithLabelValues("join").Observe(time.Since(start).Seconds())

		if err == nil {
			snapshot = snap
			break
		}
		// The room emptied and closed between lookup and admission. The
		// registry drops closed rooms, so the next attempt gets a fresh one.
		if errors.Is(err, room.ErrRoomUnavailable) && i < attempts-1 {
			continue
		}
		s.failErr(c, msg.RequestID, err)
		return
	}
	if snapshot == nil {
		s.fail(c, msg.RequestID, signaling.ErrCodeRoomUnavailable, "room is unavailable, retry the join")
		return
	}

	// The channel may have died while the join was in flight. Disconnect
	// handling saw no bound session then, so if the bind lands on a dead
	// channel the cascade for this membership is ours to run.
	if !c.BindSession(req.RoomID, snapshot.PeerID) {
		s.leaveRoom(c)
		s.fail(c, msg.RequestID, signaling.ErrCodeRoomUnavailable, "channel closed during join")
		return
	}

	s.stateManager.PeerJoined(state.PeerRecord{
		PeerID:   snapshot.PeerID,
		UserID:   req.UserID,
		RoomID:   req.RoomID,
		Name:     req.Name,
		Role:     req.Role,
		JoinedAt: time.Now(),
	})
	s.updateGauges()

	c.Reply(msg.RequestID, snapshot)
}

func (s *Server) handleRouterCapabilities(c *signaling.Conn, msg signaling.Message) {
	rm, _, code, err := s.getRoomAndSession(c)
	if err != nil {
		s.fail(c, msg.RequestID, code, err.Error())
		return
	}
	caps, err := rm.RouterCapabilities()
	if err != nil {
		s.failErr(c, msg.RequestID, err)
		return
	}
	c.Reply(msg.RequestID, signaling.CapabilitiesResponse{RtpCapabilities: caps})
}

func (s *Server) handleCreateTransport(c *signaling.Conn, msg signaling.Message, direction peer.Direction) {
	var req signaling.CreateTransportRequest
	if err := unmarshalMessageData(msg.Data, &req); err != nil {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "invalid create-transport payload")
		return
	}

	rm, sess, code, err := s.getRoomAndSession(c)
	if err != nil {
		s.fail(c, msg.RequestID, code, err.Error())
		return
	}

	if req.RtpCapabilities != nil {
		sess.SetCapabilities(*req.RtpCapabilities)
	}
	if _, ok := sess.Capabilities(); !ok {
		s.fail(c, msg.RequestID, signaling.ErrCodeNotReady, "rtp capabilities not exchanged yet")
		return
	}

	ctx, cancel := s.engineCtx()
	defer cancel()
	start := time.Now()
	raw, err := rm.CreateTransport(ctx, media.TransportOptions{})
	appmetrics.EngineOpSeconds.WithLabelValues("create_transport").Observe(time.Since(start).Seconds())
	if err != nil {
		s.failErr(c, msg.RequestID, err)
		return
	}

	t, err := sess.AddTransport(direction, raw)
	if err != nil {
		raw.Close()
		s.failErr(c, msg.RequestID, err)
		return
	}

	s.logger.Debug("Transport created",
		zap.String("peerID", sess.ID),
		zap.String("transportID", t.ID()),
		zap.String("direction", string(direction)),
	)
	c.Reply(msg.RequestID, signaling.CreateTransportResponse{ConnectionParams: t.ConnectionParams()})
}

func (s *Server) handleConnectTransport(c *signaling.Conn, msg signaling.Message, direction peer.Direction) {
	var req signaling.ConnectTransportRequest
	if err := unmarshalMessageData(msg.Data, &req); err != nil {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "invalid connect-transport payload")
		return
	}

	_, sess, code, err := s.getRoomAndSession(c)
	if err != nil {
		s.fail(c, msg.RequestID, code, err.Error())
		return
	}

	t, ok := sess.Transport(direction)
	if !ok {
		s.fail(c, msg.RequestID, signaling.ErrCodeNotReady, "transport not created yet")
		return
	}

	ctx, cancel := s.engineCtx()
	defer cancel()
	start := time.Now()
	err = t.Connect(ctx, req.DtlsParameters)
	appmetrics.EngineOpSeconds.WithLabelValues("connect_transport").Observe(time.Since(start).Seconds())
	if err != nil {
		s.failErr(c, msg.RequestID, err)
		return
	}
	c.Reply(msg.RequestID, signaling.OKResponse{OK: true})
}

func (s *Server) handleProduce(c *signaling.Conn, msg signaling.Message) {
	var req signaling.ProduceRequest
	if err := unmarshalMessageData(msg.Data, &req); err != nil {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "invalid produce payload")
		return
	}

	rm, sess, code, err := s.getRoomAndSession(c)
	if err != nil {
		s.fail(c, msg.RequestID, code, err.Error())
		return
	}

	t, ok := sess.Transport(peer.DirectionSend)
	if !ok {
		s.fail(c, msg.RequestID, signaling.ErrCodeNotConnected, "send transport not created")
		return
	}
	if err := t.EnsureConnected(); err != nil {
		s.failErr(c, msg.RequestID, err)
		return
	}

	ctx, cancel := s.engineCtx()
	defer cancel()
	start := time.Now()
	producer, err := t.Raw().Produce(ctx, req.Kind, req.RtpParameters)
	appmetrics.EngineOpSeconds.WithLabelValues("produce").Observe(time.Since(start).Seconds())
	if err != nil {
		s.failErr(c, msg.RequestID, err)
		return
	}

	// The peer may have left while the engine call was in flight; refuse the
	// registration and close the orphan so no producer outlives its peer.
	if err := rm.RegisterProducer(sess, producer); err != nil {
		producer.Close()
		s.failErr(c, msg.RequestID, err)
		return
	}

	roomID, _ := c.Session()
	s.stateManager.ProducerAdded(roomID, producer.ID(), sess.ID)
	s.updateGauges()

	c.Reply(msg.RequestID, signaling.ProduceResponse{ProducerID: producer.ID()})
}

func (s *Server) handleConsume(c *signaling.Conn, msg signaling.Message) {
	var req signaling.ConsumeRequest
	if err := unmarshalMessageData(msg.Data, &req); err != nil {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "invalid consume payload")
		return
	}

	rm, sess, code, err := s.getRoomAndSession(c)
	if err != nil {
		s.fail(c, msg.RequestID, code, err.Error())
		return
	}

	if _, _, err := rm.LookupProducer(req.ProducerID); err != nil {
		s.failErr(c, msg.RequestID, err)
		return
	}

	t, ok := sess.Transport(peer.DirectionRecv)
	if !ok {
		s.fail(c, msg.RequestID, signaling.ErrCodeNotConnected, "recv transport not created")
		return
	}
	if err := t.EnsureConnected(); err != nil {
		s.failErr(c, msg.RequestID, err)
		return
	}
	caps, ok := sess.Capabilities()
	if !ok {
		s.fail(c, msg.RequestID, signaling.ErrCodeNotReady, "rtp capabilities not exchanged yet")
		return
	}

	ctx, cancel := s.engineCtx()
	defer cancel()
	start := time.Now()
	consumer, err := t.Raw().Consume(ctx, req.ProducerID, caps)
	appmetrics.EngineOpSeconds.WithLabelValues("consume").Observe(time.Since(start).Seconds())
	if err != nil {
		// Producer close raced the consume. Soft failure: the peer drops
		// this one stream and carries on.
		s.failErr(c, msg.RequestID, err)
		return
	}

	if err := sess.AddConsumer(consumer); err != nil {
		consumer.Close()
		s.failErr(c, msg.RequestID, err)
		return
	}
	s.updateGauges()

	c.Reply(msg.RequestID, signaling.ConsumeResponse{
		ConsumerID:    consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		Kind:          consumer.Kind(),
		RtpParameters: consumer.RtpParameters(),
	})
}

func (s *Server) handleProducerPause(c *signaling.Conn, msg signaling.Message, paused bool) {
	var req signaling.PauseRequest
	if err := unmarshalMessageData(msg.Data, &req); err != nil {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "invalid pause payload")
		return
	}

	rm, sess, code, err := s.getRoomAndSession(c)
	if err != nil {
		s.fail(c, msg.RequestID, code, err.Error())
		return
	}

	entry, ok := sess.Producer(req.ProducerID)
	if !ok {
		s.fail(c, msg.RequestID, signaling.ErrCodeProducerNotFound, "producer not found")
		return
	}

	if paused {
		entry.Producer.Pause()
	} else {
		entry.Producer.Resume()
	}
	sess.SetProducerPaused(req.ProducerID, paused)
	rm.SetProducerPaused(req.ProducerID, paused)

	c.Reply(msg.RequestID, signaling.OKResponse{OK: true})
}

func (s *Server) handleConsumerPause(c *signaling.Conn, msg signaling.Message, paused bool) {
	var req signaling.PauseRequest
	if err := unmarshalMessageData(msg.Data, &req); err != nil {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "invalid pause payload")
		return
	}

	_, sess, code, err := s.getRoomAndSession(c)
	if err != nil {
		s.fail(c, msg.RequestID, code, err.Error())
		return
	}

	entry, ok := sess.Consumer(req.ConsumerID)
	if !ok {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "unknown consumerId")
		return
	}

	if paused {
		entry.Consumer.Pause()
	} else {
		entry.Consumer.Resume()
	}
	sess.SetConsumerPaused(req.ConsumerID, paused)

	c.Reply(msg.RequestID, signaling.OKResponse{OK: true})
}

func (s *Server) handleRequestKeyFrame(c *signaling.Conn, msg signaling.Message) {
	var req signaling.KeyFrameRequest
	if err := unmarshalMessageData(msg.Data, &req); err != nil {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "invalid keyframe payload")
		return
	}

	_, sess, code, err := s.getRoomAndSession(c)
	if err != nil {
		s.fail(c, msg.RequestID, code, err.Error())
		return
	}

	entry, ok := sess.Consumer(req.ConsumerID)
	if !ok {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "unknown consumerId")
		return
	}
	if err := entry.Consumer.RequestKeyFrame(); err != nil {
		// The producer went away under the consumer; same soft failure as a
		// raced consume.
		s.fail(c, msg.RequestID, signaling.ErrCodeProducerNotFound, "producer is gone")
		return
	}
	c.Reply(msg.RequestID, signaling.OKResponse{OK: true})
}

func (s *Server) handleChat(c *signaling.Conn, msg signaling.Message) {
	var req signaling.ChatRequest
	if err := unmarshalMessageData(msg.Data, &req); err != nil {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "invalid chat payload")
		return
	}
	if req.Text == "" || utf8.RuneCountInString(req.Text) > s.config.Signaling.MaxChatLength {
		s.fail(c, msg.RequestID, signaling.ErrCodeBadRequest, "chat text empty or too long")
		return
	}

	rm, sess, code, err := s.getRoomAndSession(c)
	if err != nil {
		s.fail(c, msg.RequestID, code, err.Error())
		return
	}

	rm.Broadcast(signaling.NewEvent(signaling.MessageTypeChatMessage, signaling.ChatMessageEvent{
		PeerID: sess.ID,
		Name:   sess.Name,
		Text:   req.Text,
		SentAt: time.Now(),
	}), sess.ID)

	c.Reply(msg.RequestID, signaling.OKResponse{OK: true})
}

func (s *Server) handleLeave(c *signaling.Conn, msg signaling.Message) {
	s.leaveRoom(c)
	c.Reply(msg.RequestID, signaling.OKResponse{OK: true})
}

// leaveRoom runs the leave cascade for a channel's bound membership. Shared
// by the explicit leave request and channel-failure detection; the room makes
// the cascade idempotent, so a double leave broadcasts peer-left once.
func (s *Server) leaveRoom(c *signaling.Conn) {
	roomID, peerID := c.Session()
	if roomID == "" {
		return
	}

	// Collect the peer's producer ids before the cascade destroys them, so
	// the presence mirror can drop them individually.
	var producerIDs []string
	if rm, ok := s.registry.Get(roomID); ok {
		if sess, err := rm.GetPeer(peerID); err == nil {
			for _, e := range sess.Producers() {
				producerIDs = append(producerIDs, e.Producer.ID())
			}
		}
	}

	if s.registry.RemovePeer(roomID, peerID) {
		for _, id := range producerIDs {
			s.stateManager.ProducerRemoved(roomID, id)
		}
		s.stateManager.PeerLeft(roomID, peerID)
	}
	c.ClearSession()
	s.updateGauges()
}
