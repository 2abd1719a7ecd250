package link

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/juanpablocruz/blesync/pkg/chunk"
	"github.com/juanpablocruz/blesync/pkg/metrics"
)

const chunkOverhead = chunk.FrameOverhead

// MaxFrameLen is the largest attribute value that fits one ATT packet.
func MaxFrameLen(mtu int) int { return mtu - attHeader }

// SessionOption configures a Session.
type SessionOption func(*Session)

func WithChunkSize(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

func WithRequestedMTU(mtu int) SessionOption {
	return func(s *Session) {
		if mtu >= DefaultMTU {
			s.requestMTU = min(mtu, MaxMTU)
		}
	}
}

func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// Session owns the chunk buffers and MTU of one PeerConnection.
//
// Initiators use SendMessage and ReceiveMessage, which drive the primitive
// directly. Acceptors are driven by callbacks: Feed for inbound writes,
// Enqueue and NextFrame to answer read requests.
type Session struct {
	prim Primitive
	peer Addr
	role Role
	log  *zap.Logger

	chunkSize  int
	requestMTU int

	mu         sync.Mutex
	state      State
	mtu        int
	negotiated bool
	inbound    *chunk.Reassembler
	outbound   [][]byte
}

func NewSession(prim Primitive, peer Addr, role Role, opts ...SessionOption) *Session {
	s := &Session{
		prim:       prim,
		peer:       peer,
		role:       role,
		log:        zap.NewNop(),
		chunkSize:  DefaultChunkSize,
		requestMTU: RequestedMTU,
		state:      StateConnecting,
		mtu:        DefaultMTU,
		inbound:    chunk.NewReassembler(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(zap.Stringer("peer", peer), zap.Stringer("role", role))
	return s
}

func (s *Session) Peer() Addr { return s.peer }
func (s *Session) Role() Role { return s.role }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) MarkReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		s.state = StateReady
	}
}

func (s *Session) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

// SetMTU records an MTU negotiated by the remote initiator.
func (s *Session) SetMTU(mtu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mtu >= DefaultMTU {
		s.mtu = min(mtu, MaxMTU)
	}
}

// Capacity is the number of message bytes carried per frame.
func (s *Session) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PayloadCapacity(s.mtu, s.chunkSize)
}

// Negotiate asks for a larger MTU once per connection. Failure keeps the
// default MTU and is not an error for the connection.
func (s *Session) Negotiate(ctx context.Context) int {
	s.mu.Lock()
	if s.negotiated || s.role != RoleInitiator {
		mtu := s.mtu
		s.mu.Unlock()
		return mtu
	}
	s.negotiated = true
	s.mu.Unlock()

	got, err := s.prim.RequestMTU(ctx, s.peer, s.requestMTU)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || got < DefaultMTU {
		s.log.Warn("mtu negotiation failed, using default",
			zap.Int("mtu", DefaultMTU), zap.Error(err))
		metrics.MTUFallbacks.Inc()
		s.mtu = DefaultMTU
		return s.mtu
	}
	s.mtu = min(got, MaxMTU)
	s.log.Debug("mtu negotiated", zap.Int("mtu", s.mtu))
	return s.mtu
}

func (s *Session) checkOpen() error {
	if s.state == StateClosing || s.state == StateClosed {
		return ErrClosed
	}
	return nil
}

// SendMessage writes payload as frames in index order. It succeeds only
// once the final frame write is confirmed; any failure aborts the message.
func (s *Session) SendMessage(ctx context.Context, payload []byte) error {
	if s.role != RoleInitiator {
		return ErrWrongRole
	}
	frames, err := chunk.Pack(payload, s.Capacity())
	if err != nil {
		return err
	}
	for i, f := range frames {
		s.mu.Lock()
		err := s.checkOpen()
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if err := s.prim.Write(ctx, s.peer, f); err != nil {
			metrics.MessagesAborted.WithLabelValues("write").Inc()
			return fmt.Errorf("write frame %d/%d: %w", i+1, len(frames), err)
		}
		metrics.FramesOut.WithLabelValues(s.role.String()).Inc()
	}
	return nil
}

// ReceiveMessage keeps reading frames until one logical message is
// complete. A malformed frame resets the inbound buffer and returns
// ErrFraming.
func (s *Session) ReceiveMessage(ctx context.Context) ([]byte, error) {
	if s.role != RoleInitiator {
		return nil, ErrWrongRole
	}
	for {
		s.mu.Lock()
		err := s.checkOpen()
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		frame, err := s.prim.RequestRead(ctx, s.peer)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		payload, done, err := s.feed(frame)
		if err != nil {
			return nil, err
		}
		if done {
			return payload, nil
		}
	}
}

// Feed handles a frame written to us by the initiator and returns the
// message once complete.
func (s *Session) Feed(frame []byte) ([]byte, bool, error) {
	if s.role != RoleAcceptor {
		return nil, false, ErrWrongRole
	}
	return s.feed(frame)
}

func (s *Session) feed(frame []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	metrics.FramesIn.WithLabelValues(s.role.String()).Inc()
	z, done, err := s.inbound.AddEncoded(frame)
	if err != nil {
		s.inbound.Reset()
		metrics.MessagesDropped.WithLabelValues("framing").Inc()
		return nil, false, fmt.Errorf("%w: %v", ErrFraming, err)
	}
	if !done {
		return nil, false, nil
	}
	payload, err := chunk.Decompress(z)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("decompress").Inc()
		return nil, false, fmt.Errorf("%w: %v", ErrFraming, err)
	}
	return payload, true, nil
}

// Enqueue packs payload into the outbound queue served by NextFrame.
func (s *Session) Enqueue(payload []byte) error {
	if s.role != RoleAcceptor {
		return ErrWrongRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	frames, err := chunk.Pack(payload, PayloadCapacity(s.mtu, s.chunkSize))
	if err != nil {
		return err
	}
	s.outbound = append(s.outbound, frames...)
	return nil
}

// NextFrame pops the next queued outbound frame.
func (s *Session) NextFrame() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkOpen() != nil || len(s.outbound) == 0 {
		return nil, false
	}
	f := s.outbound[0]
	s.outbound[0] = nil
	s.outbound = s.outbound[1:]
	metrics.FramesOut.WithLabelValues(s.role.String()).Inc()
	return f, true
}

// ResetInbound drops a partially received message.
func (s *Session) ResetInbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound.Reset()
}

// ResetOutbound drops frames queued for a message the peer stopped reading.
func (s *Session) ResetOutbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = nil
}

// Pending is the number of queued outbound frames.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound)
}

// Buffered reports whether any inbound or outbound bytes are held.
func (s *Session) Buffered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound.Total() > 0 || len(s.outbound) > 0
}

// Close discards every buffer for the peer. Later calls fail with
// ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.inbound.Reset()
	s.outbound = nil
}

// IsClosed reports whether err came from a closed session or a dead link.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrNotConnected) || errors.Is(err, context.Canceled)
}
