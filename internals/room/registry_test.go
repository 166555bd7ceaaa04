package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Bashar444/liveclass-signaling/internals/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreateIdempotent(t *testing.T) {
	reg := newTestRegistry(t)

	a := reg.GetOrCreate("math-101")
	b := reg.GetOrCreate("math-101")
	assert.Same(t, a, b)
	assert.Equal(t, 1, reg.Count())

	c := reg.GetOrCreate("physics-202")
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, reg.Count())
}

func TestRegistryDropsEmptiedRoom(t *testing.T) {
	reg := newTestRegistry(t)
	r := reg.GetOrCreate("math-101")

	sess, _, _ := joinPeer(t, r, "alice")
	require.Equal(t, 1, reg.Count())

	assert.True(t, reg.RemovePeer("math-101", sess.ID))
	assert.Equal(t, 0, reg.Count())

	_, ok := reg.Get("math-101")
	assert.False(t, ok)
}

func TestRegistryRemovePeerUnknownRoom(t *testing.T) {
	reg := newTestRegistry(t)
	assert.False(t, reg.RemovePeer("nope", "peer"))
}

// TestRegistryConcurrentJoinLeave hammers one room id with concurrent joins
// and leaves. Afterwards every surviving room must satisfy: router exists
// iff the room has peers, and the registry holds no closed rooms.
func TestRegistryConcurrentJoinLeave(t *testing.T) {
	reg := newTestRegistry(t)

	const workers = 16
	const rounds = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", w)
			for i := 0; i < rounds; i++ {
				for {
					r := reg.GetOrCreate("busy-room")
					sess := peer.NewSession("busy-room", userID, userID, "")
					_, err := r.AddPeer(context.Background(), sess, &recordingSink{})
					if errors.Is(err, ErrRoomUnavailable) {
						// Raced a teardown; the next get-or-create makes a
						// fresh room.
						continue
					}
					if !assert.NoError(t, err) {
						return
					}
					r.RemovePeer(sess.ID)
					break
				}
			}
		}(w)
	}
	wg.Wait()

	for _, r := range reg.Rooms() {
		assert.False(t, r.Closed(), "registry must not hold closed rooms")
		assert.Equal(t, r.PeerCount() > 0, r.HasRouter(),
			"router exists iff the room has peers")
	}
}

// TestRegistryConcurrentDistinctRooms verifies rooms do not serialize each
// other: joins into distinct rooms from many goroutines all succeed.
func TestRegistryConcurrentDistinctRooms(t *testing.T) {
	reg := newTestRegistry(t)

	const rooms = 32
	var wg sync.WaitGroup
	for i := 0; i < rooms; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			roomID := fmt.Sprintf("room-%d", i)
			r := reg.GetOrCreate(roomID)
			sess := peer.NewSession(roomID, "solo", "solo", "")
			_, err := r.AddPeer(context.Background(), sess, &recordingSink{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, rooms, reg.Count())
	assert.Equal(t, rooms, reg.PeerCount())
	for _, r := range reg.Rooms() {
		assert.True(t, r.HasRouter())
	}
}

func TestRegistryHooksFire(t *testing.T) {
	reg := newTestRegistry(t)

	var mu sync.Mutex
	created, closed := 0, 0
	reg.OnRoomCreated = func(*Room) { mu.Lock(); created++; mu.Unlock() }
	reg.OnRoomClosed = func(*Room) { mu.Lock(); closed++; mu.Unlock() }

	r := reg.GetOrCreate("math-101")
	sess, _, _ := joinPeer(t, r, "alice")
	reg.RemovePeer("math-101", sess.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, closed)
}
