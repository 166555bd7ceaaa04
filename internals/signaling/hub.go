package signaling

import (
	"sync"

	"go.uber.org/zap"
)

// Hub tracks live signaling connections. Room membership itself is owned by
// the room package; the hub only answers "which channels belong to whom" for
// eviction and observability.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]*Conn),
		logger: logger,
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	h.logger.Info("Signaling channel registered",
		zap.String("connID", c.ID),
		zap.String("userID", c.UserID),
	)
}

func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.ID]
	if ok {
		delete(h.conns, c.ID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	c.closeSend()
	h.logger.Info("Signaling channel unregistered",
		zap.String("connID", c.ID),
		zap.String("userID", c.UserID),
	)
}

func (h *Hub) Get(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// DisconnectByUserID tears down every existing channel for userID except
// excludeConnID. Handles the duplicate-tab and page-refresh cases where a
// new channel arrives before the old one noticed it is dead.
func (h *Hub) DisconnectByUserID(userID, excludeConnID string) {
	h.mu.RLock()
	var stale []*Conn
	for _, c := range h.conns {
		if c.UserID == userID && c.ID != excludeConnID {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Info("Evicting stale signaling channel",
			zap.String("connID", c.ID),
			zap.String("userID", userID),
		)
		c.Close()
		h.Unregister(c)
	}
}
