// Package reconcile drives one reconciliation session per peer link: the
// NEG-OPEN / NEG-MSG digest exchange, the records owed in each direction and
// the point at which a peer is caught up.
package reconcile

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip77/negentropy"
	"github.com/nbd-wtf/go-nostr/nip77/negentropy/storage/vector"

	"github.com/juanpablocruz/blesync/pkg/model"
)

// MinFrameSizeLimit is the smallest non-zero digest size limit.
const MinFrameSizeLimit = 4096

var (
	ErrFrameSizeLimit = errors.New("reconcile: frame size limit too small")
	ErrExchangeDone   = errors.New("reconcile: exchange already finished")
)

// Result is the outcome of feeding one peer digest to a Reconciler.
type Result struct {
	// Next is the digest to send back, nil when the exchange is finished.
	Next []byte
	// SendIDs are records the peer lacks.
	SendIDs []model.ID
	// NeedIDs are records we lack.
	NeedIDs []model.ID
}

// Reconciler wraps a set-difference digest algorithm seeded with the local
// item set.
type Reconciler interface {
	Initiate() ([]byte, error)
	Reconcile(msg []byte) (Result, error)
}

// Factory builds a Reconciler over a snapshot of local items.
type Factory func(items []model.Item) (Reconciler, error)

// negentropyReconciler adapts the NIP-77 implementation, which reports ids
// on channels while Reconcile runs, to a call that returns them.
type negentropyReconciler struct {
	neg  *negentropy.Negentropy
	done bool
}

// Negentropy returns a Factory for the negentropy v1 protocol. A zero
// frameSizeLimit leaves messages unbounded.
func Negentropy(frameSizeLimit int) Factory {
	return func(items []model.Item) (Reconciler, error) {
		if frameSizeLimit != 0 && frameSizeLimit < MinFrameSizeLimit {
			return nil, fmt.Errorf("%w: %d", ErrFrameSizeLimit, frameSizeLimit)
		}
		st := vector.New()
		seen := make(map[model.ID]struct{}, len(items))
		for _, it := range items {
			if _, dup := seen[it.ID]; dup {
				continue
			}
			seen[it.ID] = struct{}{}
			st.Insert(nostr.Timestamp(it.Timestamp), it.ID.String())
		}
		st.Seal()
		return &negentropyReconciler{neg: negentropy.New(st, frameSizeLimit)}, nil
	}
}

func (r *negentropyReconciler) Initiate() ([]byte, error) {
	return hex.DecodeString(r.neg.Start())
}

func (r *negentropyReconciler) Reconcile(msg []byte) (Result, error) {
	if r.done {
		return Result{}, ErrExchangeDone
	}
	type reply struct {
		out string
		err error
	}
	finished := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				finished <- reply{err: fmt.Errorf("negentropy: %v", p)}
			}
		}()
		out, err := r.neg.Reconcile(hex.EncodeToString(msg))
		finished <- reply{out: out, err: err}
	}()

	var (
		res   Result
		err   error
		haves = r.neg.Haves
		needs = r.neg.HaveNots
	)
	collect := func(dst *[]model.ID, id string, ok bool, ch *chan string) {
		if !ok {
			*ch = nil
			return
		}
		parsed, perr := model.ParseID(id)
		if perr != nil {
			err = perr
			return
		}
		*dst = append(*dst, parsed)
	}
	for {
		select {
		case id, ok := <-haves:
			collect(&res.SendIDs, id, ok, &haves)
		case id, ok := <-needs:
			collect(&res.NeedIDs, id, ok, &needs)
		case rep := <-finished:
			// Reconcile has returned; whatever it reported is buffered.
			for haves != nil || needs != nil {
				select {
				case id, ok := <-haves:
					collect(&res.SendIDs, id, ok, &haves)
				case id, ok := <-needs:
					collect(&res.NeedIDs, id, ok, &needs)
				default:
					haves, needs = nil, nil
				}
			}
			if rep.err != nil {
				return Result{}, rep.err
			}
			if err != nil {
				return Result{}, err
			}
			if rep.out == "" {
				r.done = true
				return res, nil
			}
			next, derr := hex.DecodeString(rep.out)
			if derr != nil {
				return Result{}, derr
			}
			res.Next = next
			return res, nil
		}
	}
}
