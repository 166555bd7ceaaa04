// Package room owns the authoritative view of a live classroom: which peers
// are joined, which producers exist, and the router that forwards their
// media. All mutation happens under the room's own mutex; rooms never share
// locks, so unrelated classrooms cannot serialize each other.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Bashar444/liveclass-signaling/internals/media"
	"github.com/Bashar444/liveclass-signaling/internals/metrics"
	"github.com/Bashar444/liveclass-signaling/internals/peer"
	"github.com/Bashar444/liveclass-signaling/internals/signaling"
	"go.uber.org/zap"
)

var (
	// ErrRoomUnavailable marks a room mid-teardown. Retryable: the registry
	// will hand out a fresh room on the next get-or-create.
	ErrRoomUnavailable = errors.New("room: room is unavailable")
	// ErrProducerNotFound is the benign consume-after-close race.
	ErrProducerNotFound = errors.New("room: producer not found")
	ErrPeerNotFound     = errors.New("room: peer not found")
)

// Sink receives push events for one peer. Delivery is best effort; events
// enqueued under the room mutex reach each sink in generation order.
type Sink interface {
	SendEvent(signaling.Message)
}

type producerRecord struct {
	peerID string
	kind   media.Kind
	paused bool
}

type Room struct {
	ID        string
	CreatedAt time.Time

	engine media.Engine
	logger *zap.Logger

	// onEmpty is set by the registry so an emptied room drops out of the
	// process-wide table no matter which code path emptied it.
	onEmpty func(*Room)

	mu        sync.Mutex
	router    media.Router
	peers     map[string]*peer.Session
	sinks     map[string]Sink
	byUser    map[string]string
	producers map[string]*producerRecord
	closed    bool
}

func newRoom(id string, engine media.Engine, logger *zap.Logger) *Room {
	return &Room{
		ID:        id,
		CreatedAt: time.Now(),
		engine:    engine,
		logger:    logger,
		peers:     make(map[string]*peer.Session),
		sinks:     make(map[string]Sink),
		byUser:    make(map[string]string),
		producers: make(map[string]*producerRecord),
	}
}

// AddPeer admits a session and returns the join snapshot. The snapshot is
// built and the peer-joined broadcast enqueued under the room mutex, after
// the sink is registered, so the joining peer can never miss a producer that
// existed before its join completed.
//
// A second session for the same user identity evicts the first (duplicate
// tab / page refresh), running the full leave cascade for the old peer.
func (r *Room) AddPeer(ctx context.Context, sess *peer.Session, sink Sink) (*signaling.JoinResponse, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRoomUnavailable
		}
		oldID, dup := r.byUser[sess.UserID]
		if !dup {
			break
		}
		r.mu.Unlock()
		r.RemovePeer(oldID)
	}
	// mu held from here on.

	if r.router == nil {
		router, err := r.engine.CreateRouter(ctx, media.RouterOptions{})
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("create router: %w", err)
		}
		r.router = router
		r.logger.Info("Routing context created",
			zap.String("roomID", r.ID),
			zap.String("routerID", router.ID()),
		)
	}

	r.peers[sess.ID] = sess
	r.sinks[sess.ID] = sink
	r.byUser[sess.UserID] = sess.ID

	r.broadcastLocked(signaling.NewEvent(signaling.MessageTypePeerJoined, signaling.PeerJoinedEvent{
		PeerID: sess.ID,
		Name:   sess.Name,
		Role:   sess.Role,
	}), sess.ID)

	snapshot := &signaling.JoinResponse{
		PeerID:                sess.ID,
		RoomID:                r.ID,
		RouterRtpCapabilities: r.router.RtpCapabilities(),
		Peers:                 make([]signaling.PeerInfo, 0, len(r.peers)-1),
		Producers:             make([]signaling.ProducerInfo, 0, len(r.producers)),
	}
	for id, p := range r.peers {
		if id == sess.ID {
			continue
		}
		snapshot.Peers = append(snapshot.Peers, signaling.PeerInfo{
			PeerID: p.ID, UserID: p.UserID, Name: p.Name, Role: p.Role,
		})
	}
	for id, rec := range r.producers {
		snapshot.Producers = append(snapshot.Producers, signaling.ProducerInfo{
			ProducerID: id, PeerID: rec.peerID, Kind: rec.kind, Paused: rec.paused,
		})
	}
	peerCount := len(r.peers)
	r.mu.Unlock()

	r.logger.Info("Peer joined room",
		zap.String("roomID", r.ID),
		zap.String("peerID", sess.ID),
		zap.String("userID", sess.UserID),
		zap.Int("peerCount", peerCount),
	)
	return snapshot, nil
}

// RemovePeer runs the leave cascade: close the peer's resources, drop other
// peers' consumers of its producers, broadcast peer-left, and tear down the
// router when the room empties. Idempotent: a double leave (explicit leave
// then channel-failure detection) broadcasts peer-left exactly once.
// Returns (removed, emptied).
func (r *Room) RemovePeer(peerID string) (bool, bool) {
	r.mu.Lock()
	sess, ok := r.peers[peerID]
	if !ok {
		empty := r.closed
		r.mu.Unlock()
		return false, empty
	}

	delete(r.peers, peerID)
	delete(r.sinks, peerID)
	delete(r.byUser, sess.UserID)

	var ownedProducers []string
	for id, rec := range r.producers {
		if rec.peerID == peerID {
			ownedProducers = append(ownedProducers, id)
			delete(r.producers, id)
		}
	}

	var others []*peer.Session
	for _, p := range r.peers {
		others = append(others, p)
	}

	r.broadcastLocked(signaling.NewEvent(signaling.MessageTypePeerLeft, signaling.PeerLeftEvent{
		PeerID: peerID,
	}), peerID)

	empty := len(r.peers) == 0
	var router media.Router
	if empty {
		r.closed = true
		router = r.router
		r.router = nil
	}
	peerCount := len(r.peers)
	r.mu.Unlock()

	// Engine teardown happens outside the room mutex; a stuck close must not
	// wedge the room. Failures are logged and the cascade continues.
	sess.Close()
	for _, other := range others {
		for _, producerID := range ownedProducers {
			other.DropConsumersOf(producerID)
		}
	}
	if router != nil {
		if err := router.Close(); err != nil {
			r.logger.Warn("Router close failed",
				zap.String("roomID", r.ID),
				zap.Error(err),
			)
		}
		r.logger.Info("Routing context destroyed", zap.String("roomID", r.ID))
	}
	if empty && r.onEmpty != nil {
		r.onEmpty(r)
	}

	r.logger.Info("Peer left room",
		zap.String("roomID", r.ID),
		zap.String("peerID", peerID),
		zap.Int("peerCount", peerCount),
	)
	return true, empty
}

// RegisterProducer records a producer under a still-joined peer and fans out
// new-producer to everyone else. If the peer departed while the engine call
// was in flight, the registration is refused and the caller must close the
// orphan engine producer.
func (r *Room) RegisterProducer(sess *peer.Session, p media.Producer) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomUnavailable
	}
	if _, ok := r.peers[sess.ID]; !ok {
		r.mu.Unlock()
		return ErrRoomUnavailable
	}
	if err := sess.AddProducer(p); err != nil {
		r.mu.Unlock()
		return ErrRoomUnavailable
	}
	r.producers[p.ID()] = &producerRecord{peerID: sess.ID, kind: p.Kind()}

	r.broadcastLocked(signaling.NewEvent(signaling.MessageTypeNewProducer, signaling.NewProducerEvent{
		ProducerID: p.ID(),
		PeerID:     sess.ID,
		Kind:       p.Kind(),
	}), sess.ID)
	r.mu.Unlock()

	r.logger.Info("Producer registered",
		zap.String("roomID", r.ID),
		zap.String("peerID", sess.ID),
		zap.String("producerID", p.ID()),
		zap.String("kind", string(p.Kind())),
	)
	return nil
}

// LookupProducer resolves a producer id against the room directory.
func (r *Room) LookupProducer(producerID string) (peerID string, kind media.Kind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.producers[producerID]
	if !ok {
		return "", "", ErrProducerNotFound
	}
	return rec.peerID, rec.kind, nil
}

// SetProducerPaused mirrors the pause flag into the room directory so join
// snapshots reflect it.
func (r *Room) SetProducerPaused(producerID string, paused bool) {
	r.mu.Lock()
	if rec, ok := r.producers[producerID]; ok {
		rec.paused = paused
	}
	r.mu.Unlock()
}

// GetPeer returns the session for a peer id.
func (r *Room) GetPeer(peerID string) (*peer.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.peers[peerID]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return sess, nil
}

// Broadcast fans a message out to every peer except excludePeerID.
func (r *Room) Broadcast(msg signaling.Message, excludePeerID string) {
	r.mu.Lock()
	r.broadcastLocked(msg, excludePeerID)
	r.mu.Unlock()
}

// broadcastLocked enqueues under the room mutex so any two events concerning
// the same peer reach every observer in generation order.
func (r *Room) broadcastLocked(msg signaling.Message, excludePeerID string) {
	for id, sink := range r.sinks {
		if id == excludePeerID {
			continue
		}
		sink.SendEvent(msg)
		metrics.RecordEvent(string(msg.Type))
	}
}

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Room) ProducerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.producers)
}

// ConsumerCount sums live consumers across the room's peers.
func (r *Room) ConsumerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, p := range r.peers {
		total += p.ConsumerCount()
	}
	return total
}

// HasRouter reports whether the routing context exists. It exists iff the
// room holds at least one peer.
func (r *Room) HasRouter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.router != nil
}

// RouterCapabilities returns the routing context's capability set.
func (r *Room) RouterCapabilities() (media.RtpCapabilities, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.router == nil {
		return media.RtpCapabilities{}, ErrRoomUnavailable
	}
	return r.router.RtpCapabilities(), nil
}

// CreateTransport makes a webrtc transport on the room's router.
func (r *Room) CreateTransport(ctx context.Context, opts media.TransportOptions) (media.Transport, error) {
	r.mu.Lock()
	router := r.router
	r.mu.Unlock()
	if router == nil {
		return nil, ErrRoomUnavailable
	}
	return router.CreateWebRtcTransport(ctx, opts)
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Stats reports room counters for the observability API.
func (r *Room) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"id":            r.ID,
		"peerCount":     len(r.peers),
		"producerCount": len(r.producers),
		"createdAt":     r.CreatedAt,
	}
}
