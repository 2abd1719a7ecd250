package reconcile

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/juanpablocruz/blesync/pkg/envelope"
	"github.com/juanpablocruz/blesync/pkg/metrics"
	"github.com/juanpablocruz/blesync/pkg/model"
)

var (
	// ErrNoRound is returned for digests that arrive outside an open round.
	ErrNoRound = errors.New("reconcile: no round open")
	// ErrUnexpected is returned for messages the local role never receives.
	ErrUnexpected = errors.New("reconcile: unexpected message")
	// ErrNotInitiator is returned when an acceptor tries to open a round.
	ErrNotInitiator = errors.New("reconcile: only the initiator opens rounds")
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOpened
	PhaseReconciling
	PhaseDraining
	PhaseSynced
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOpened:
		return "opened"
	case PhaseReconciling:
		return "reconciling"
	case PhaseDraining:
		return "draining"
	case PhaseSynced:
		return "synced"
	default:
		return "unknown"
	}
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Session is the reconciliation state for one peer link. A new link gets a
// new Session; nothing carries over from a previous one.
type Session struct {
	subID     string
	initiator bool
	factory   Factory
	log       *zap.Logger

	mu           sync.Mutex
	phase        Phase
	rec          Reconciler
	pendingSend  *idSet
	pendingFetch *idSet
	outbox       []envelope.Message
	roundOpen    bool
	awaitEOSE    bool
	digests      int
}

func NewSession(subID string, initiator bool, factory Factory, opts ...Option) *Session {
	s := &Session{
		subID:        subID,
		initiator:    initiator,
		factory:      factory,
		log:          zap.NewNop(),
		pendingSend:  newIDSet(),
		pendingFetch: newIDSet(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) SubID() string   { return s.subID }
func (s *Session) Initiator() bool { return s.initiator }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// PendingSend lists the ids owed to the peer, oldest first.
func (s *Session) PendingSend() []model.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingSend.slice()
}

// PendingFetch lists the ids requested from the peer in this round.
func (s *Session) PendingFetch() []model.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingFetch.slice()
}

// Regenerate rebuilds the reconciler from the current local item set.
func (s *Session) Regenerate(items []model.Item) error {
	rec, err := s.factory(items)
	if err != nil {
		return fmt.Errorf("build reconciler: %w", err)
	}
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
	return nil
}

// Open starts a fresh round seeded with items and returns the NEG-OPEN to
// send. Undelivered control messages and the fetch list of any previous
// round are dropped; owed records stay owed.
func (s *Session) Open(items []model.Item) (envelope.Message, error) {
	if !s.initiator {
		return nil, ErrNotInitiator
	}
	if err := s.Regenerate(items); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	digest, err := s.rec.Initiate()
	if err != nil {
		return nil, fmt.Errorf("initiate: %w", err)
	}
	s.resetRound()
	s.phase = PhaseOpened
	s.log.Debug("round opened", zap.Int("digest_len", len(digest)))
	return envelope.NegOpen{SubID: s.subID, Digest: digest}, nil
}

func (s *Session) resetRound() {
	s.outbox = nil
	s.pendingFetch.clear()
	s.roundOpen = true
	s.awaitEOSE = false
	s.digests = 0
}

// Handle applies a control message from the peer. EVENT messages are not
// handled here; the caller ingests them and reports them with Received.
func (s *Session) Handle(msg envelope.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch m := msg.(type) {
	case envelope.NegOpen:
		if s.initiator {
			return fmt.Errorf("%w: %s", ErrUnexpected, m.Type())
		}
		if s.rec == nil {
			return ErrNoRound
		}
		s.resetRound()
		if err := s.reconcile(m.Digest); err != nil {
			return err
		}
		s.phase = PhaseOpened
	case envelope.NegMsg:
		if s.rec == nil || !s.roundOpen || s.phase == PhaseIdle {
			return ErrNoRound
		}
		next, err := s.reconcileNext(m.Digest)
		if err != nil {
			return err
		}
		s.digests++
		switch {
		case !s.initiator || next:
			s.phase = PhaseReconciling
		default:
			s.phase = PhaseDraining
			s.awaitEOSE = true
		}
	case envelope.Req:
		for _, id := range m.IDs {
			s.pendingSend.add(id)
		}
		if len(m.IDs) > 0 {
			s.phase = PhaseDraining
		}
	case envelope.EOSE:
		if !s.initiator {
			return nil
		}
		switch s.phase {
		case PhaseOpened, PhaseReconciling:
			s.log.Warn("peer ended the round before finishing the digest exchange")
			metrics.Rounds.WithLabelValues("aborted").Inc()
			s.roundOpen = false
			s.outbox = nil
			s.phase = PhaseSynced
		default:
			// Records that did not arrive are offered again next round.
			s.pendingFetch.clear()
			s.awaitEOSE = false
		}
	case envelope.Event:
		return fmt.Errorf("%w: %s", ErrUnexpected, m.Type())
	default:
		return fmt.Errorf("%w: %T", ErrUnexpected, msg)
	}
	return nil
}

func (s *Session) reconcile(digest []byte) error {
	_, err := s.reconcileNext(digest)
	return err
}

// reconcileNext feeds digest to the reconciler, queues any reply and REQ,
// and reports whether a reply was queued.
func (s *Session) reconcileNext(digest []byte) (bool, error) {
	res, err := s.rec.Reconcile(digest)
	if err != nil {
		return false, fmt.Errorf("reconcile: %w", err)
	}
	for _, id := range res.SendIDs {
		s.pendingSend.add(id)
	}
	var need []model.ID
	for _, id := range res.NeedIDs {
		if s.pendingFetch.add(id) {
			need = append(need, id)
		}
	}
	if res.Next != nil {
		s.outbox = append(s.outbox, envelope.NegMsg{SubID: s.subID, Digest: res.Next})
	}
	if len(need) > 0 {
		s.outbox = append(s.outbox, envelope.Req{SubID: s.subID, IDs: need})
	}
	s.log.Debug("digest reconciled",
		zap.Int("send", len(res.SendIDs)),
		zap.Int("need", len(need)),
		zap.Bool("reply", res.Next != nil))
	return res.Next != nil, nil
}

// NextOutbound pops the next control message owed to the peer.
func (s *Session) NextOutbound() (envelope.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outbox) == 0 {
		return nil, false
	}
	m := s.outbox[0]
	s.outbox[0] = nil
	s.outbox = s.outbox[1:]
	return m, true
}

// Queue adds id to the records owed to the peer. It reports true when the
// owed queue was empty before, which is when an acceptor notifies.
func (s *Session) Queue(id model.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasEmpty := s.pendingSend.len() == 0 && len(s.outbox) == 0
	if !s.pendingSend.add(id) {
		return false
	}
	if s.phase == PhaseSynced {
		s.phase = PhaseDraining
	}
	return wasEmpty
}

// PopSend takes the most recently queued owed id.
func (s *Session) PopSend() (model.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingSend.popLast()
}

// Received records that id arrived from the peer, so it is neither fetched
// nor sent back.
func (s *Session) Received(id model.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingFetch.remove(id)
	s.pendingSend.remove(id)
}

// MarkStale invalidates the current digest exchange after the local set
// changed. An initiator opens a new round on its next step.
func (s *Session) MarkStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initiator {
		return
	}
	if s.roundOpen && s.phase != PhaseSynced {
		metrics.Rounds.WithLabelValues("stale").Inc()
	}
	s.roundOpen = false
	s.phase = PhaseIdle
}

// Awaiting reports whether the initiator must read before the round can
// make progress.
func (s *Session) Awaiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initiator || len(s.outbox) > 0 {
		return false
	}
	return s.phase == PhaseOpened || s.phase == PhaseReconciling || s.awaitEOSE
}

// Owes reports whether control messages or records are waiting to go out.
func (s *Session) Owes() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox) > 0 || s.pendingSend.len() > 0
}

// Settle moves the session to Synced when nothing is outstanding. It
// reports true when this completes an open round.
func (s *Session) Settle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseIdle || s.phase == PhaseSynced {
		return false
	}
	if len(s.outbox) > 0 || s.pendingSend.len() > 0 || s.pendingFetch.len() > 0 || s.awaitEOSE {
		return false
	}
	if s.initiator && (s.phase == PhaseOpened || s.phase == PhaseReconciling) {
		return false
	}
	s.phase = PhaseSynced
	if !s.roundOpen {
		return false
	}
	s.roundOpen = false
	metrics.Rounds.WithLabelValues("synced").Inc()
	metrics.RoundMessages.Observe(float64(s.digests))
	s.log.Debug("round complete", zap.Int("digests", s.digests))
	return true
}
