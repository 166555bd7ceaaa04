package peer

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/Bashar444/liveclass-signaling/internals/media"
)

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

type TransportState string

const (
	TransportStateUninitialized TransportState = "uninitialized"
	TransportStateCreated       TransportState = "created"
	TransportStateConnecting    TransportState = "connecting"
	TransportStateConnected     TransportState = "connected"
	TransportStateClosed        TransportState = "closed"
)

var (
	ErrAlreadyConnected = errors.New("peer: transport already connected with different parameters")
	ErrNotConnected     = errors.New("peer: transport is not connected")
	ErrTransportClosed  = errors.New("peer: transport is closed")
)

// Transport wraps an engine transport with the negotiation state machine.
// Concurrent Connect calls on the same transport serialize on its mutex;
// unrelated transports never contend.
type Transport struct {
	id        string
	direction Direction
	raw       media.Transport

	// connectMu serializes whole connect attempts; mu guards state reads.
	connectMu     sync.Mutex
	mu            sync.Mutex
	state         TransportState
	connectedDtls *media.DtlsParameters
}

func newTransport(direction Direction, raw media.Transport) *Transport {
	return &Transport{
		id:        raw.ID(),
		direction: direction,
		raw:       raw,
		state:     TransportStateCreated,
	}
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Direction() Direction { return t.direction }

func (t *Transport) Raw() media.Transport { return t.raw }

func (t *Transport) ConnectionParams() media.ConnectionParams { return t.raw.ConnectionParams() }

func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect drives created -> connecting -> connected. A retry with the same
// DTLS parameters after success is a no-op; different parameters fail with
// ErrAlreadyConnected. On engine failure the transport drops back to created
// so the client may retry.
func (t *Transport) Connect(ctx context.Context, dtls media.DtlsParameters) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.mu.Lock()
	switch t.state {
	case TransportStateClosed:
		t.mu.Unlock()
		return ErrTransportClosed
	case TransportStateConnected:
		same := reflect.DeepEqual(*t.connectedDtls, dtls)
		t.mu.Unlock()
		if same {
			return nil
		}
		return ErrAlreadyConnected
	}
	t.state = TransportStateConnecting
	t.mu.Unlock()

	err := t.raw.Connect(ctx, dtls)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TransportStateClosed {
		return ErrTransportClosed
	}
	if err != nil {
		t.state = TransportStateCreated
		return err
	}
	t.state = TransportStateConnected
	t.connectedDtls = &dtls
	return nil
}

// EnsureConnected gates produce/consume on transport state.
func (t *Transport) EnsureConnected() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TransportStateConnected {
		return ErrNotConnected
	}
	return nil
}

// Close is terminal and idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.state == TransportStateClosed {
		t.mu.Unlock()
		return
	}
	t.state = TransportStateClosed
	t.mu.Unlock()

	t.raw.Close()
}
