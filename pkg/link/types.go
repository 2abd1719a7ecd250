// Package link turns a radio primitive that moves MTU-sized frames into a
// per-peer session that moves whole logical messages.
package link

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

const (
	// DefaultMTU is the ATT MTU every link starts with.
	DefaultMTU = 23
	// RequestedMTU is what initiators ask for right after connecting.
	RequestedMTU = 512
	// MaxMTU is the largest ATT MTU the stack accepts.
	MaxMTU = 517
	// DefaultChunkSize caps frame data even on large-MTU links.
	DefaultChunkSize = 500

	attHeader = 3
)

var (
	ErrClosed       = errors.New("link: session closed")
	ErrNotConnected = errors.New("link: peer not connected")
	ErrWrongRole    = errors.New("link: operation not valid for this role")
	ErrFraming      = errors.New("link: bad frame")
	ErrMTU          = errors.New("link: mtu negotiation failed")
	ErrFrameTooBig  = errors.New("link: frame exceeds mtu")
)

// Addr is the stable address of a remote device.
type Addr string

func (a Addr) String() string { return string(a) }

// Role is this device's role on one link.
type Role int

const (
	RoleInitiator Role = iota + 1
	RoleAcceptor
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleAcceptor:
		return "acceptor"
	default:
		return "none"
	}
}

// State is the transport state of a PeerConnection.
type State int

const (
	StateConnecting State = iota + 1
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	// EventDiscovered: an advertisement was seen. UUID is the advertised
	// device id, zero if it could not be read.
	EventDiscovered EventKind = iota + 1
	// EventConnected: a link is up. Role is the local role.
	EventConnected
	// EventDisconnected: the link is gone.
	EventDisconnected
	// EventWrite: the initiator wrote Frame to us; acknowledge on Ack.
	EventWrite
	// EventReadRequest: the initiator wants one frame; answer on Reply.
	EventReadRequest
	// EventNotify: the acceptor signalled that it has data for us.
	EventNotify
	// EventMTU: the initiator negotiated MTU for this link.
	EventMTU
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventWrite:
		return "write"
	case EventReadRequest:
		return "read_request"
	case EventNotify:
		return "notify"
	case EventMTU:
		return "mtu"
	default:
		return "unknown"
	}
}

// Event is a callback from the radio stack, delivered in order per device.
type Event struct {
	Kind  EventKind
	Peer  Addr
	UUID  uuid.UUID
	Role  Role
	MTU   int
	Frame []byte
	Reply chan<- []byte
	Ack   chan<- error
}

// Primitive is the platform radio stack as seen by one device. Initiators
// Write, RequestRead and RequestMTU; acceptors answer EventReadRequest and
// Notify.
type Primitive interface {
	Addr() Addr
	Advertise(self uuid.UUID) error
	Scan(ctx context.Context) error
	Connect(ctx context.Context, peer Addr) error
	Disconnect(peer Addr) error
	RequestMTU(ctx context.Context, peer Addr, mtu int) (int, error)
	Write(ctx context.Context, peer Addr, frame []byte) error
	RequestRead(ctx context.Context, peer Addr) ([]byte, error)
	Notify(ctx context.Context, peer Addr) error
	Events() <-chan Event
	Close() error
}

// PayloadCapacity is the frame data capacity for an ATT MTU.
func PayloadCapacity(mtu, chunkSize int) int {
	c := mtu - attHeader - chunkOverhead
	if chunkSize > 0 && c > chunkSize {
		c = chunkSize
	}
	if c < 1 {
		c = 1
	}
	return c
}
