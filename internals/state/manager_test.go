package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// The mirror is optional at runtime; every method must be a safe no-op on a
// nil manager so callers never branch on Redis availability.
func TestNilManagerIsNoOp(t *testing.T) {
	var m *Manager

	m.PeerJoined(PeerRecord{PeerID: "p1", RoomID: "math-101"})
	m.PeerLeft("math-101", "p1")
	m.ProducerAdded("math-101", "prod1", "p1")
	m.ProducerRemoved("math-101", "prod1")
	m.RoomClosed("math-101")

	assert.NoError(t, m.Ping())
	assert.NoError(t, m.Close())
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "liveclass:room:math-101:peers", RoomPeersKey("math-101"))
	assert.Equal(t, "liveclass:room:math-101:producers", RoomProducersKey("math-101"))
	assert.Equal(t, "liveclass:peer:p1", PeerKey("p1"))
}
