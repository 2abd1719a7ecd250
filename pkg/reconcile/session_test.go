package reconcile

import (
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/juanpablocruz/blesync/pkg/envelope"
	"github.com/juanpablocruz/blesync/pkg/model"
)

func id(n byte) model.ID { return sha256.Sum256([]byte{n}) }

func item(ts uint64, n byte) model.Item { return model.Item{Timestamp: ts, ID: id(n)} }

func newPair(t *testing.T) (*Session, *Session) {
	log := zaptest.NewLogger(t)
	ini := NewSession("sub", true, Negentropy(0), WithLogger(log.Named("ini")))
	acc := NewSession("sub", false, Negentropy(0), WithLogger(log.Named("acc")))
	return ini, acc
}

// exchange plays the control messages between ini and acc until the
// initiator has nothing left to say, returning the REQ ids it asked for.
func exchange(t *testing.T, ini, acc *Session, iniItems, accItems []model.Item) []model.ID {
	t.Helper()
	open, err := ini.Open(iniItems)
	require.NoError(t, err)
	require.Equal(t, PhaseOpened, ini.Phase())
	require.True(t, ini.Awaiting())

	require.NoError(t, acc.Regenerate(accItems))
	require.NoError(t, acc.Handle(open))
	require.Equal(t, PhaseOpened, acc.Phase())

	var requested []model.ID
	for i := 0; i < 20; i++ {
		reply, ok := acc.NextOutbound()
		require.True(t, ok, "acceptor always answers a digest")
		require.Equal(t, envelope.TypeNegMsg, reply.Type())
		require.NoError(t, ini.Handle(reply))

		sentDigest := false
		for {
			m, ok := ini.NextOutbound()
			if !ok {
				break
			}
			switch m := m.(type) {
			case envelope.NegMsg:
				require.NoError(t, acc.Handle(m))
				sentDigest = true
			case envelope.Req:
				requested = append(requested, m.IDs...)
				require.NoError(t, acc.Handle(m))
			}
		}
		if !sentDigest {
			return requested
		}
	}
	t.Fatal("exchange did not finish")
	return nil
}

func TestSessionSmallOverlap(t *testing.T) {
	ini, acc := newPair(t)
	requested := exchange(t, ini, acc,
		[]model.Item{item(100, 1), item(101, 2)},
		[]model.Item{item(101, 2), item(102, 3)})

	require.Equal(t, []model.ID{id(3)}, requested, "common record 2 is never requested")
	require.Equal(t, []model.ID{id(1)}, ini.PendingSend())
	require.Equal(t, []model.ID{id(3)}, ini.PendingFetch())
	require.Equal(t, []model.ID{id(3)}, acc.PendingSend())
	require.Equal(t, PhaseDraining, ini.Phase())
	require.True(t, ini.Awaiting(), "waiting for EOSE")

	// Acceptor serves what was asked, then EOSE.
	got, ok := acc.PopSend()
	require.True(t, ok)
	require.Equal(t, id(3), got)
	ini.Received(got)
	require.True(t, acc.Settle(), "acceptor is done once the REQ is served")

	sent, ok := ini.PopSend()
	require.True(t, ok)
	require.Equal(t, id(1), sent)

	require.NoError(t, ini.Handle(envelope.EOSE{SubID: "sub"}))
	require.False(t, ini.Awaiting())
	require.True(t, ini.Settle())
	require.Equal(t, PhaseSynced, ini.Phase())
	require.False(t, ini.Settle(), "already synced")
}

func TestSessionIdentical(t *testing.T) {
	ini, acc := newPair(t)
	items := []model.Item{item(1, 1), item(2, 2), item(3, 3)}
	requested := exchange(t, ini, acc, items, items)
	require.Empty(t, requested)
	require.Empty(t, ini.PendingSend())
	require.Empty(t, acc.PendingSend())

	require.True(t, acc.Settle())
	require.Equal(t, PhaseSynced, acc.Phase())
	require.NoError(t, ini.Handle(envelope.EOSE{SubID: "sub"}))
	require.True(t, ini.Settle())
}

func TestSessionDisjoint(t *testing.T) {
	ini, acc := newPair(t)
	var a, b []model.Item
	for i := byte(0); i < 50; i++ {
		a = append(a, item(uint64(i), i))
		b = append(b, item(uint64(i)+1000, i+100))
	}
	requested := exchange(t, ini, acc, a, b)
	require.Len(t, requested, 50)
	require.Len(t, ini.PendingSend(), 50)
	require.Len(t, acc.PendingSend(), 50)
}

func TestSessionNegMsgBeforeOpen(t *testing.T) {
	ini, acc := newPair(t)
	require.ErrorIs(t, acc.Handle(envelope.NegMsg{SubID: "sub", Digest: []byte{0x61}}), ErrNoRound)
	require.ErrorIs(t, ini.Handle(envelope.NegMsg{SubID: "sub", Digest: []byte{0x61}}), ErrNoRound)
	require.ErrorIs(t, acc.Handle(envelope.NegOpen{SubID: "sub", Digest: []byte{0x61}}), ErrNoRound)
	require.Equal(t, PhaseIdle, acc.Phase())

	// The session is still usable afterwards.
	exchange(t, ini, acc, []model.Item{item(1, 1)}, nil)
	require.Equal(t, []model.ID{id(1)}, ini.PendingSend())
}

func TestSessionRoleGuards(t *testing.T) {
	ini, acc := newPair(t)
	_, err := acc.Open(nil)
	require.ErrorIs(t, err, ErrNotInitiator)
	require.ErrorIs(t, ini.Handle(envelope.NegOpen{SubID: "sub"}), ErrUnexpected)
	require.ErrorIs(t, ini.Handle(envelope.Event{SubID: "sub"}), ErrUnexpected)
	require.NoError(t, acc.Handle(envelope.EOSE{SubID: "sub"}))
}

func TestSessionBadDigest(t *testing.T) {
	ini, acc := newPair(t)
	require.NoError(t, acc.Regenerate(nil))
	require.Error(t, acc.Handle(envelope.NegOpen{SubID: "sub", Digest: []byte{0x61, 0xff}}))

	_, err := ini.Open(nil)
	require.NoError(t, err)
	require.Error(t, ini.Handle(envelope.NegMsg{SubID: "sub", Digest: []byte{0x20}}))
	require.Equal(t, PhaseOpened, ini.Phase())
}

func TestQueueLIFO(t *testing.T) {
	_, acc := newPair(t)
	require.True(t, acc.Queue(id(1)), "first id into an empty queue")
	require.False(t, acc.Queue(id(2)))
	require.False(t, acc.Queue(id(1)), "repeats are ignored")
	require.Equal(t, []model.ID{id(1), id(2)}, acc.PendingSend())

	got, ok := acc.PopSend()
	require.True(t, ok)
	require.Equal(t, id(2), got)
	got, ok = acc.PopSend()
	require.True(t, ok)
	require.Equal(t, id(1), got)
	_, ok = acc.PopSend()
	require.False(t, ok)
	require.True(t, acc.Queue(id(3)))
}

func TestMarkStaleReopens(t *testing.T) {
	ini, acc := newPair(t)
	exchange(t, ini, acc, []model.Item{item(1, 1)}, []model.Item{item(1, 1)})
	require.NoError(t, ini.Handle(envelope.EOSE{SubID: "sub"}))
	require.True(t, ini.Settle())

	ini.Queue(id(9))
	require.Equal(t, PhaseDraining, ini.Phase())
	ini.MarkStale()
	require.Equal(t, PhaseIdle, ini.Phase())
	require.False(t, ini.Awaiting())
	require.Equal(t, []model.ID{id(9)}, ini.PendingSend(), "owed records survive a new round")

	acc.MarkStale()
	require.Equal(t, PhaseOpened, acc.Phase())
}

func TestEOSEAbortsUnfinishedRound(t *testing.T) {
	ini, _ := newPair(t)
	_, err := ini.Open(nil)
	require.NoError(t, err)
	require.NoError(t, ini.Handle(envelope.EOSE{SubID: "sub"}))
	require.Equal(t, PhaseSynced, ini.Phase())
	require.False(t, ini.Awaiting())
	require.False(t, ini.Settle())
}

type fakeReconciler struct{ err error }

func (f fakeReconciler) Initiate() ([]byte, error)         { return []byte{1}, f.err }
func (f fakeReconciler) Reconcile([]byte) (Result, error) { return Result{}, f.err }

func TestOpenFactoryError(t *testing.T) {
	boom := errors.New("boom")
	s := NewSession("sub", true, func([]model.Item) (Reconciler, error) { return nil, boom })
	_, err := s.Open(nil)
	require.ErrorIs(t, err, boom)

	s = NewSession("sub", true, func([]model.Item) (Reconciler, error) { return fakeReconciler{err: boom}, nil })
	_, err = s.Open(nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, PhaseIdle, s.Phase())
}
