// Package state mirrors room presence into Redis so operators and sibling
// services can see who is in which room without talking to the signaling
// process. The mirror is write-through and asynchronous; the in-process room
// registry stays authoritative, and the whole package is optional at
// runtime — a nil *Manager is a no-op.
package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Bashar444/liveclass-signaling/internals/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PeerRecord is the mirrored view of one joined peer.
type PeerRecord struct {
	PeerID   string    `json:"peer_id"`
	UserID   string    `json:"user_id"`
	RoomID   string    `json:"room_id"`
	Name     string    `json:"name"`
	Role     string    `json:"role,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

type Manager struct {
	redis  *redis.Client
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(addr, password string, db int, logger *zap.Logger) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, err
	}

	logger.Info("Redis presence mirror connected",
		zap.String("addr", addr),
		zap.Int("db", db),
	)

	return &Manager{
		redis:  client,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// PeerJoined mirrors a join. Asynchronous; failures are counted and logged,
// never surfaced to the join path.
func (m *Manager) PeerJoined(rec PeerRecord) {
	if m == nil {
		return
	}
	go func() {
		data, err := json.Marshal(rec)
		if err != nil {
			return
		}
		if err := m.redis.Set(m.ctx, PeerKey(rec.PeerID), data, 0).Err(); err != nil {
			m.mirrorError("peer set", rec.PeerID, err)
			return
		}
		if err := m.redis.SAdd(m.ctx, RoomPeersKey(rec.RoomID), rec.PeerID).Err(); err != nil {
			m.mirrorError("room peers add", rec.PeerID, err)
		}
	}()
}

// PeerLeft mirrors a leave.
func (m *Manager) PeerLeft(roomID, peerID string) {
	if m == nil {
		return
	}
	go func() {
		if err := m.redis.Del(m.ctx, PeerKey(peerID)).Err(); err != nil {
			m.mirrorError("peer del", peerID, err)
		}
		if err := m.redis.SRem(m.ctx, RoomPeersKey(roomID), peerID).Err(); err != nil {
			m.mirrorError("room peers rem", peerID, err)
		}
	}()
}

// ProducerAdded mirrors a producer registration into the room's directory.
func (m *Manager) ProducerAdded(roomID, producerID, peerID string) {
	if m == nil {
		return
	}
	go func() {
		if err := m.redis.HSet(m.ctx, RoomProducersKey(roomID), producerID, peerID).Err(); err != nil {
			m.mirrorError("producer add", producerID, err)
		}
	}()
}

// ProducerRemoved drops a producer from the mirrored directory.
func (m *Manager) ProducerRemoved(roomID, producerID string) {
	if m == nil {
		return
	}
	go func() {
		if err := m.redis.HDel(m.ctx, RoomProducersKey(roomID), producerID).Err(); err != nil {
			m.mirrorError("producer rem", producerID, err)
		}
	}()
}

// RoomClosed wipes the mirrored room directory.
func (m *Manager) RoomClosed(roomID string) {
	if m == nil {
		return
	}
	go func() {
		if err := m.redis.Del(m.ctx, RoomPeersKey(roomID), RoomProducersKey(roomID)).Err(); err != nil {
			m.mirrorError("room del", roomID, err)
		}
	}()
}

func (m *Manager) mirrorError(op, id string, err error) {
	metrics.StateErrorsTotal.Inc()
	m.logger.Warn("Presence mirror write failed",
		zap.String("op", op),
		zap.String("id", id),
		zap.Error(err),
	)
}

// Ping reports mirror health for the health endpoint.
func (m *Manager) Ping() error {
	if m == nil {
		return nil
	}
	return m.redis.Ping(m.ctx).Err()
}

func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.cancel()
	return m.redis.Close()
}
