package signaling

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readLimit     = 262144
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	sendBufferLen = 256
)

// Conn is the server side of one peer's signaling channel. Requests are
// dispatched to OnRequest; each request runs independently so a peer can
// pipeline calls while an engine operation is pending. Disconnect handling
// fires exactly once no matter how closure is detected.
type Conn struct {
	ID     string
	UserID string
	Name   string
	Role   string

	// roomID and peerID are set once the join succeeds. Guarded because
	// pipelined requests are handled on independent goroutines. disconnected
	// lives under the same lock so a join completing against a dead channel
	// can detect that disconnect handling already ran.
	sessMu       sync.RWMutex
	roomID       string
	peerID       string
	disconnected bool

	ws   *websocket.Conn
	send chan Message

	// sendMu lets closeSend exclude in-flight enqueues so the send channel
	// is never written after close.
	sendMu         sync.RWMutex
	closed         atomic.Bool
	closeSendOnce  sync.Once
	disconnectOnce sync.Once
	logger         *zap.Logger

	OnRequest    func(*Conn, Message)
	OnDisconnect func(*Conn)
}

func NewConn(id, userID, name, role string, ws *websocket.Conn, logger *zap.Logger) *Conn {
	return &Conn{
		ID:     id,
		UserID: userID,
		Name:   name,
		Role:   role,
		ws:     ws,
		send:   make(chan Message, sendBufferLen),
		logger: logger,
	}
}

// BindSession records the room membership established by a successful join.
// It reports whether the channel was still connected at bind time. A false
// return means disconnect handling already ran against an unbound session, so
// the leave cascade for this membership is the caller's to run.
func (c *Conn) BindSession(roomID, peerID string) bool {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	c.roomID = roomID
	c.peerID = peerID
	return !c.disconnected
}

// Session returns the bound room and peer IDs, empty before join.
func (c *Conn) Session() (roomID, peerID string) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return c.roomID, c.peerID
}

func (c *Conn) ClearSession() {
	c.BindSession("", "")
}

// ReadPump reads requests until the channel fails, then funnels the failure
// into the disconnect path. Each request is handled on its own goroutine so
// transport setup for independent resources can interleave.
func (c *Conn) ReadPump() {
	defer func() {
		c.fireDisconnect()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(readLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Signaling read failed",
					zap.String("connID", c.ID),
					zap.Error(err),
				)
			}
			return
		}

		if c.OnRequest != nil {
			go c.OnRequest(c, msg)
		}
	}
}

func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug("Signaling write failed",
					zap.String("connID", c.ID),
					zap.Error(err),
				)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendEvent enqueues a push. Delivery is at-most-once best effort: events to
// a full or closed channel are dropped, never retried.
func (c *Conn) SendEvent(msg Message) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("Send buffer full, dropping event",
			zap.String("connID", c.ID),
			zap.String("type", string(msg.Type)),
		)
	}
}

// Reply answers a request. Responses must not be dropped silently; a full
// buffer here means the channel is effectively dead, so it is torn down.
func (c *Conn) Reply(reqID string, payload any) {
	c.deliverResponse(NewResponse(reqID, payload))
}

func (c *Conn) ReplyError(reqID string, code ErrorCode, msg string) {
	c.deliverResponse(NewErrorResponse(reqID, code, msg))
}

func (c *Conn) deliverResponse(msg Message) {
	c.sendMu.RLock()
	if c.closed.Load() {
		c.sendMu.RUnlock()
		return
	}
	select {
	case c.send <- msg:
		c.sendMu.RUnlock()
	default:
		c.sendMu.RUnlock()
		c.logger.Error("Send buffer full on response, closing channel",
			zap.String("connID", c.ID),
		)
		c.Close()
	}
}

// Close tears the connection down and triggers disconnect handling.
func (c *Conn) Close() {
	c.fireDisconnect()
	c.closeSend()
	c.ws.Close()
}

func (c *Conn) closeSend() {
	c.closeSendOnce.Do(func() {
		c.sendMu.Lock()
		c.closed.Store(true)
		close(c.send)
		c.sendMu.Unlock()
	})
}

func (c *Conn) fireDisconnect() {
	c.disconnectOnce.Do(func() {
		c.sessMu.Lock()
		c.disconnected = true
		c.sessMu.Unlock()
		if c.OnDisconnect != nil {
			c.OnDisconnect(c)
		}
	})
}
