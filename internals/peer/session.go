// Package peer holds per-connection session state: negotiated capabilities,
// the send/receive transport pair and the producers and consumers the peer
// owns. A session is created at join and destroyed on leave or channel loss;
// transports are created once and never replaced.
package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/Bashar444/liveclass-signaling/internals/media"
	"github.com/google/uuid"
)

var (
	ErrNotReady      = errors.New("peer: capabilities not exchanged yet")
	ErrAlreadyExists = errors.New("peer: transport already exists for this direction")
	ErrSessionClosed = errors.New("peer: session is closed")
)

type ProducerEntry struct {
	Producer media.Producer
	Kind     media.Kind
	Paused   bool
}

type ConsumerEntry struct {
	Consumer   media.Consumer
	ProducerID string
	Kind       media.Kind
	Paused     bool
}

type Session struct {
	ID       string
	UserID   string
	Name     string
	Role     string
	RoomID   string
	JoinedAt time.Time

	mu        sync.RWMutex
	caps      *media.RtpCapabilities
	send      *Transport
	recv      *Transport
	producers map[string]*ProducerEntry
	consumers map[string]*ConsumerEntry
	closed    bool
	closeOnce sync.Once
}

func NewSession(roomID, userID, name, role string) *Session {
	return &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		Role:      role,
		RoomID:    roomID,
		JoinedAt:  time.Now(),
		producers: make(map[string]*ProducerEntry),
		consumers: make(map[string]*ConsumerEntry),
	}
}

// SetCapabilities records the peer's negotiated capability set. It is set
// once; later calls are ignored so a transport-create retry cannot mutate it.
func (s *Session) SetCapabilities(caps media.RtpCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps == nil {
		s.caps = &caps
	}
}

func (s *Session) Capabilities() (media.RtpCapabilities, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.caps == nil {
		return media.RtpCapabilities{}, false
	}
	return *s.caps, true
}

// AddTransport attaches the engine transport for one direction. At most one
// transport per direction per session.
func (s *Session) AddTransport(direction Direction, raw media.Transport) (*Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.caps == nil {
		return nil, ErrNotReady
	}

	t := newTransport(direction, raw)
	switch direction {
	case DirectionSend:
		if s.send != nil {
			return nil, ErrAlreadyExists
		}
		s.send = t
	case DirectionRecv:
		if s.recv != nil {
			return nil, ErrAlreadyExists
		}
		s.recv = t
	}
	return t, nil
}

func (s *Session) Transport(direction Direction) (*Transport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if direction == DirectionSend {
		return s.send, s.send != nil
	}
	return s.recv, s.recv != nil
}

func (s *Session) AddProducer(p media.Producer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.producers[p.ID()] = &ProducerEntry{Producer: p, Kind: p.Kind()}
	return nil
}

func (s *Session) Producer(id string) (*ProducerEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.producers[id]
	return e, ok
}

func (s *Session) RemoveProducer(id string) (*ProducerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.producers[id]
	if ok {
		delete(s.producers, id)
	}
	return e, ok
}

// Producers returns a snapshot of the peer's producers.
func (s *Session) Producers() []*ProducerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ProducerEntry, 0, len(s.producers))
	for _, e := range s.producers {
		out = append(out, e)
	}
	return out
}

func (s *Session) AddConsumer(c media.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.consumers[c.ID()] = &ConsumerEntry{
		Consumer:   c,
		ProducerID: c.ProducerID(),
		Kind:       c.Kind(),
	}
	return nil
}

func (s *Session) Consumer(id string) (*ConsumerEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.consumers[id]
	return e, ok
}

// DropConsumersOf removes and closes every consumer referencing the given
// producer. Used when a remote producer closes so no consumer outlives it.
func (s *Session) DropConsumersOf(producerID string) []string {
	s.mu.Lock()
	var dropped []*ConsumerEntry
	var ids []string
	for id, e := range s.consumers {
		if e.ProducerID == producerID {
			dropped = append(dropped, e)
			ids = append(ids, id)
			delete(s.consumers, id)
		}
	}
	s.mu.Unlock()

	for _, e := range dropped {
		e.Consumer.Close()
	}
	return ids
}

func (s *Session) ConsumerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.consumers)
}

func (s *Session) SetProducerPaused(id string, paused bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.producers[id]
	if !ok {
		return false
	}
	e.Paused = paused
	return true
}

func (s *Session) SetConsumerPaused(id string, paused bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.consumers[id]
	if !ok {
		return false
	}
	e.Paused = paused
	return true
}

func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close tears down everything the session owns: producers first (cascading
// to their consumers inside the engine), then the peer's own consumers, then
// both transports. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		producers := s.producers
		consumers := s.consumers
		send, recv := s.send, s.recv
		s.producers = make(map[string]*ProducerEntry)
		s.consumers = make(map[string]*ConsumerEntry)
		s.mu.Unlock()

		for _, e := range producers {
			e.Producer.Close()
		}
		for _, e := range consumers {
			e.Consumer.Close()
		}
		if send != nil {
			send.Close()
		}
		if recv != nil {
			recv.Close()
		}
	})
}
