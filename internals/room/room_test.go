package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Bashar444/liveclass-signaling/internals/media"
	"github.com/Bashar444/liveclass-signaling/internals/media/localengine"
	"github.com/Bashar444/liveclass-signaling/internals/peer"
	"github.com/Bashar444/liveclass-signaling/internals/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingSink captures pushed events in arrival order.
type recordingSink struct {
	mu     sync.Mutex
	events []signaling.Message
}

func (s *recordingSink) SendEvent(msg signaling.Message) {
	s.mu.Lock()
	s.events = append(s.events, msg)
	s.mu.Unlock()
}

func (s *recordingSink) typesSeen() []signaling.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signaling.MessageType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *recordingSink) count(msgType signaling.MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == msgType {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(localengine.New(zap.NewNop()), zap.NewNop())
}

func joinPeer(t *testing.T, r *Room, userID string) (*peer.Session, *recordingSink, *signaling.JoinResponse) {
	t.Helper()
	sess := peer.NewSession(r.ID, userID, userID, "")
	sink := &recordingSink{}
	snap, err := r.AddPeer(context.Background(), sess, sink)
	require.NoError(t, err)
	return sess, sink, snap
}

func addProducer(t *testing.T, r *Room, sess *peer.Session) media.Producer {
	t.Helper()
	sess.SetCapabilities(r.mustCaps(t))
	tr, err := r.CreateTransport(context.Background(), media.TransportOptions{})
	require.NoError(t, err)
	err = tr.Connect(context.Background(), media.DtlsParameters{
		Fingerprints: []media.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA"}},
	})
	require.NoError(t, err)
	producer, err := tr.Produce(context.Background(), media.KindVideo, media.RtpParameters{
		Codecs: []media.RtpCodecCapability{{MimeType: "video/VP8", ClockRate: 90000}},
	})
	require.NoError(t, err)
	require.NoError(t, r.RegisterProducer(sess, producer))
	return producer
}

// publish is the error-returning half of addProducer, safe to call off the
// test goroutine.
func publish(r *Room, sess *peer.Session, caps media.RtpCapabilities) error {
	sess.SetCapabilities(caps)
	tr, err := r.CreateTransport(context.Background(), media.TransportOptions{})
	if err != nil {
		return err
	}
	if err := tr.Connect(context.Background(), media.DtlsParameters{
		Fingerprints: []media.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA"}},
	}); err != nil {
		return err
	}
	producer, err := tr.Produce(context.Background(), media.KindVideo, media.RtpParameters{
		Codecs: []media.RtpCodecCapability{{MimeType: "video/VP8", ClockRate: 90000}},
	})
	if err != nil {
		return err
	}
	return r.RegisterProducer(sess, producer)
}

func (r *Room) mustCaps(t *testing.T) media.RtpCapabilities {
	t.Helper()
	caps, err := r.RouterCapabilities()
	require.NoError(t, err)
	return caps
}

func TestRouterExistsOnlyWithPeers(t *testing.T) {
	reg := newTestRegistry(t)
	r := reg.GetOrCreate("math-101")
	assert.False(t, r.HasRouter())

	sessA, _, _ := joinPeer(t, r, "alice")
	assert.True(t, r.HasRouter())

	joinPeer(t, r, "bob")
	r.RemovePeer(sessA.ID)
	assert.True(t, r.HasRouter(), "router survives while a peer remains")

	bobID := mustPeerID(t, r, "bob")
	r.RemovePeer(bobID)
	assert.False(t, r.HasRouter())
	assert.True(t, r.Closed())

	// The registry hands out a fresh room under the same id.
	fresh := reg.GetOrCreate("math-101")
	assert.NotSame(t, r, fresh)
}

func mustPeerID(t *testing.T, r *Room, userID string) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUser[userID]
	require.True(t, ok)
	return id
}

func TestJoinSnapshotIncludesExistingProducers(t *testing.T) {
	reg := newTestRegistry(t)
	r := reg.GetOrCreate("math-101")

	sessA, _, snapA := joinPeer(t, r, "alice")
	assert.Empty(t, snapA.Peers)
	assert.Empty(t, snapA.Producers)
	assert.NotEmpty(t, snapA.RouterRtpCapabilities.Codecs)

	producer := addProducer(t, r, sessA)

	_, sinkB, snapB := joinPeer(t, r, "bob")
	require.Len(t, snapB.Peers, 1)
	assert.Equal(t, "alice", snapB.Peers[0].UserID)
	require.Len(t, snapB.Producers, 1)
	assert.Equal(t, producer.ID(), snapB.Producers[0].ProducerID)
	assert.Equal(t, sessA.ID, snapB.Producers[0].PeerID)

	// No duplicate push for a producer already in the snapshot.
	assert.Equal(t, 0, sinkB.count(signaling.MessageTypeNewProducer))
}

func TestNewProducerFanOut(t *testing.T) {
	reg := newTestRegistry(t)
	r := reg.GetOrCreate("math-101")

	sessA, sinkA, _ := joinPeer(t, r, "alice")
	_, sinkB, _ := joinPeer(t, r, "bob")
	_, sinkC, _ := joinPeer(t, r, "carol")

	addProducer(t, r, sessA)

	// Both observers hear about it once; the owner does not.
	assert.Equal(t, 1, sinkB.count(signaling.MessageTypeNewProducer))
	assert.Equal(t, 1, sinkC.count(signaling.MessageTypeNewProducer))
	assert.Equal(t, 0, sinkA.count(signaling.MessageTypeNewProducer))
}

// TestConcurrentProduceFanOut has several peers produce at the same time. The
// observer must receive exactly one new-producer per publisher, and for every
// publisher its peer-joined must have arrived before its producer.
func TestConcurrentProduceFanOut(t *testing.T) {
	reg := newTestRegistry(t)
	r := reg.GetOrCreate("math-101")

	_, observer, _ := joinPeer(t, r, "observer")
	caps := r.mustCaps(t)

	const publishers = 8
	sessions := make([]*peer.Session, publishers)
	for i := range sessions {
		sessions[i], _, _ = joinPeer(t, r, fmt.Sprintf("pub-%d", i))
	}

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *peer.Session) {
			defer wg.Done()
			assert.NoError(t, publish(r, sess, caps))
		}(sess)
	}
	wg.Wait()

	assert.Equal(t, publishers, observer.count(signaling.MessageTypeNewProducer))
	assert.Equal(t, publishers, r.ProducerCount())

	joinedAt := make(map[string]int)
	for i, e := range observer.events {
		switch e.Type {
		case signaling.MessageTypePeerJoined:
			var ev signaling.PeerJoinedEvent
			require.NoError(t, json.Unmarshal(e.Data, &ev))
			joinedAt[ev.PeerID] = i
		case signaling.MessageTypeNewProducer:
			var ev signaling.NewProducerEvent
			require.NoError(t, json.Unmarshal(e.Data, &ev))
			at, ok := joinedAt[ev.PeerID]
			require.True(t, ok, "new-producer arrived before peer-joined for %s", ev.PeerID)
			assert.Less(t, at, i)
		}
	}
}

func TestPeerJoinedPrecedesNewProducer(t *testing.T) {
	reg := newTestRegistry(t)
	r := reg.GetOrCreate("math-101")

	_, sinkA, _ := joinPeer(t, r, "alice")
	sessB, _, _ := joinPeer(t, r, "bob")
	addProducer(t, r, sessB)

	var joinedAt, producedAt = -1, -1
	for i, msgType := range sinkA.typesSeen() {
		switch msgType {
		case signaling.MessageTypePeerJoined:
			if joinedAt == -1 {
				joinedAt = i
			}
		case signaling.MessageTypeNewProducer:
			if producedAt == -1 {
				producedAt = i
			}
		}
	}
	require.NotEqual(t, -1, joinedAt)
	require.NotEqual(t, -1, producedAt)
	assert.Less(t, joinedAt, producedAt)
}

func TestDoubleLeaveBroadcastsPeerLeftOnce(t *testing.T) {
	reg := newTestRegistry(t)
	r := reg.GetOrCreate("math-101")

	sessA, _, _ := joinPeer(t, r, "alice")
	_, sinkB, _ := joinPeer(t, r, "bob")

	removed, _ := r.RemovePeer(sessA.ID)
	assert.True(t, removed)
	removed, _ = r.RemovePeer(sessA.ID)
	assert.False(t, removed)

	assert.Equal(t, 1, sinkB.count(signaling.MessageTypePeerLeft))
	assert.True(t, sessA.Closed())
}

func TestLeaveCascadeDropsObserverConsumers(t *testing.T) {
	reg := newTestRegistry(t)
	r := reg.GetOrCreate("math-101")

	sessA, _, _ := joinPeer(t, r, "alice")
	sessB, _, _ := joinPeer(t, r, "bob")
	producer := addProducer(t, r, sessA)

	// Bob consumes Alice's producer.
	sessB.SetCapabilities(r.mustCaps(t))
	recvT, err := r.CreateTransport(context.Background(), media.TransportOptions{})
	require.NoError(t, err)
	require.NoError(t, recvT.Connect(context.Background(), media.DtlsParameters{
		Fingerprints: []media.DtlsFingerprint{{Algorithm: "sha-256", Value: "BB"}},
	}))
	consumer, err := recvT.Consume(context.Background(), producer.ID(), r.mustCaps(t))
	require.NoError(t, err)
	require.NoError(t, sessB.AddConsumer(consumer))

	r.RemovePeer(sessA.ID)

	assert.True(t, consumer.Closed())
	_, ok := sessB.Consumer(consumer.ID())
	assert.False(t, ok)
	_, _, err = r.LookupProducer(producer.ID())
	assert.ErrorIs(t, err, ErrProducerNotFound)
}

func TestDuplicateIdentityEvictsFirstPeer(t *testing.T) {
	reg := newTestRegistry(t)
	r := reg.GetOrCreate("math-101")

	first, _, _ := joinPeer(t, r, "alice")
	_, observer, _ := joinPeer(t, r, "bob")

	second := peer.NewSession(r.ID, "alice", "alice", "")
	secondSink := &recordingSink{}
	snap, err := r.AddPeer(context.Background(), second, secondSink)
	require.NoError(t, err)

	assert.True(t, first.Closed())
	assert.NotEqual(t, first.ID, snap.PeerID)
	assert.Equal(t, 2, r.PeerCount())

	// The observer saw the old peer leave before the new one joined.
	var leftAt, rejoinedAt = -1, -1
	for i, e := range observer.events {
		switch e.Type {
		case signaling.MessageTypePeerLeft:
			var ev signaling.PeerLeftEvent
			require.NoError(t, json.Unmarshal(e.Data, &ev))
			if ev.PeerID == first.ID {
				leftAt = i
			}
		case signaling.MessageTypePeerJoined:
			var ev signaling.PeerJoinedEvent
			require.NoError(t, json.Unmarshal(e.Data, &ev))
			if ev.PeerID == second.ID {
				rejoinedAt = i
			}
		}
	}
	require.NotEqual(t, -1, leftAt)
	require.NotEqual(t, -1, rejoinedAt)
	assert.Less(t, leftAt, rejoinedAt)
}

func TestRegisterProducerAfterLeaveRefused(t *testing.T) {
	reg := newTestRegistry(t)
	r := reg.GetOrCreate("math-101")

	sessA, _, _ := joinPeer(t, r, "alice")
	joinPeer(t, r, "bob")
	sessA.SetCapabilities(r.mustCaps(t))
	tr, err := r.CreateTransport(context.Background(), media.TransportOptions{})
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background(), media.DtlsParameters{
		Fingerprints: []media.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA"}},
	}))
	producer, err := tr.Produce(context.Background(), media.KindVideo, media.RtpParameters{})
	require.NoError(t, err)

	// The peer departs while the engine call was in flight.
	r.RemovePeer(sessA.ID)

	err = r.RegisterProducer(sessA, producer)
	assert.ErrorIs(t, err, ErrRoomUnavailable)
	assert.Equal(t, 0, r.ProducerCount())
}

func TestClosedRoomRefusesJoin(t *testing.T) {
	reg := newTestRegistry(t)
	r := reg.GetOrCreate("math-101")

	sessA, _, _ := joinPeer(t, r, "alice")
	r.RemovePeer(sessA.ID)
	require.True(t, r.Closed())

	sess := peer.NewSession(r.ID, "bob", "bob", "")
	_, err := r.AddPeer(context.Background(), sess, &recordingSink{})
	assert.ErrorIs(t, err, ErrRoomUnavailable)
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg := newTestRegistry(t)
	r := reg.GetOrCreate("math-101")

	sessA, sinkA, _ := joinPeer(t, r, "alice")
	_, sinkB, _ := joinPeer(t, r, "bob")

	msg := signaling.NewEvent(signaling.MessageTypeChatMessage, signaling.ChatMessageEvent{
		PeerID: sessA.ID, Name: "alice", Text: "hello", SentAt: time.Now(),
	})
	r.Broadcast(msg, sessA.ID)

	assert.Equal(t, 1, sinkB.count(signaling.MessageTypeChatMessage))
	assert.Equal(t, 0, sinkA.count(signaling.MessageTypeChatMessage))
}
