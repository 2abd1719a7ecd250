package node

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/juanpablocruz/blesync/pkg/envelope"
	"github.com/juanpablocruz/blesync/pkg/link"
	"github.com/juanpablocruz/blesync/pkg/metrics"
	"github.com/juanpablocruz/blesync/pkg/model"
	"github.com/juanpablocruz/blesync/pkg/reconcile"
)

type cmdKind int

const (
	// cmdLink carries a radio callback for this peer.
	cmdLink cmdKind = iota + 1
	// cmdQueue owes a record to the peer.
	cmdQueue
	// cmdStale invalidates the current round after the local set changed.
	cmdStale
)

type command struct {
	kind cmdKind
	ev   link.Event
	id   model.ID
}

// peer is the actor that owns one PeerConnection. All link and session
// state for the peer is touched from its goroutine only, apart from the
// read-only accessors used by info.
type peer struct {
	n      *Node
	addr   link.Addr
	role   link.Role
	link   *link.Session
	sess   *reconcile.Session
	cancel context.CancelFunc
	log    *zap.Logger
	box    *mailbox[command]

	// wantRead is set when the acceptor notified us and cleared by EOSE.
	wantRead bool
}

func newPeer(n *Node, addr link.Addr, role link.Role, ls *link.Session, rs *reconcile.Session, cancel context.CancelFunc, log *zap.Logger) *peer {
	return &peer{
		n:      n,
		addr:   addr,
		role:   role,
		link:   ls,
		sess:   rs,
		cancel: cancel,
		log:    log,
		box:    newMailbox[command](),
	}
}

// post hands c to the actor. It reports false once the actor has exited.
func (p *peer) post(c command) bool { return p.box.put(c) }

func (p *peer) info() PeerInfo {
	return PeerInfo{
		Addr:         p.addr,
		Role:         p.role,
		State:        p.link.State(),
		MTU:          p.link.MTU(),
		Phase:        p.sess.Phase(),
		PendingSend:  p.sess.PendingSend(),
		PendingFetch: p.sess.PendingFetch(),
	}
}

func (p *peer) run(ctx context.Context) {
	defer p.failPending()
	if p.role == link.RoleInitiator {
		p.runInitiator(ctx)
		return
	}
	p.runAcceptor(ctx)
}

// failPending answers radio requests still queued when the actor exits so
// the remote side never waits on a dead peer.
func (p *peer) failPending() {
	for _, c := range p.box.close() {
		if c.kind == cmdLink {
			refuse(c.ev)
		}
	}
}

func (p *peer) runInitiator(ctx context.Context) {
	mtu := p.link.Negotiate(ctx)
	p.link.MarkReady()
	p.n.arb.MarkReady(p.addr)
	p.log.Debug("link ready", zap.Int("mtu", mtu), zap.Int("capacity", p.link.Capacity()))

	for {
		if ctx.Err() != nil {
			return
		}
		for _, c := range p.box.drain() {
			p.applyInitiator(c)
		}
		progressed, err := p.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if link.IsClosed(err) {
				p.log.Info("link lost", zap.Error(err))
				p.n.dropPeer(p.addr, "link")
				return
			}
			p.log.Warn("round failed, retrying", zap.Error(err))
			metrics.Rounds.WithLabelValues("failed").Inc()
			p.link.ResetInbound()
			p.sess.MarkStale()
			select {
			case <-ctx.Done():
				return
			case <-p.n.clock.After(p.n.retryDelay):
			}
			continue
		}
		if progressed {
			continue
		}
		if p.sess.Settle() {
			p.n.emit(Event{Type: EventRoundComplete, Peer: p.addr, Role: p.role})
		}
		select {
		case <-ctx.Done():
			return
		case <-p.box.wait():
		}
	}
}

func (p *peer) applyInitiator(c command) {
	switch c.kind {
	case cmdLink:
		switch c.ev.Kind {
		case link.EventNotify:
			p.wantRead = true
		default:
			refuse(c.ev)
		}
	case cmdQueue:
		p.sess.Queue(c.id)
	case cmdStale:
		p.sess.MarkStale()
	}
}

// step performs at most one exchange with the acceptor and reports whether
// it did anything. Control messages go out before records and records go
// out before reading, so the acceptor has everything by the time it
// answers with EOSE.
func (p *peer) step(ctx context.Context) (bool, error) {
	if p.sess.Phase() == reconcile.PhaseIdle {
		items, err := p.n.items(ctx)
		if err != nil {
			return true, err
		}
		msg, err := p.sess.Open(items)
		if err != nil {
			return true, err
		}
		p.log.Debug("opening round", zap.Int("items", len(items)))
		return true, p.send(ctx, msg)
	}
	if msg, ok := p.sess.NextOutbound(); ok {
		return true, p.send(ctx, msg)
	}
	if id, ok := p.sess.PopSend(); ok {
		rec, err := p.n.fetch(ctx, id)
		if err != nil {
			p.skip(id, err)
			return true, nil
		}
		return true, p.sendRecord(ctx, rec)
	}
	if p.sess.Awaiting() || p.wantRead {
		payload, err := p.link.ReceiveMessage(ctx)
		if err != nil {
			return true, err
		}
		return true, p.handle(ctx, payload)
	}
	return false, nil
}

func (p *peer) send(ctx context.Context, msg envelope.Message) error {
	b, err := envelope.Encode(msg)
	if err != nil {
		return err
	}
	return p.link.SendMessage(ctx, b)
}

func (p *peer) sendRecord(ctx context.Context, rec *model.Record) error {
	raw, err := rec.Marshal()
	if err != nil {
		return err
	}
	if err := p.send(ctx, envelope.Event{SubID: p.sess.SubID(), Record: raw}); err != nil {
		return err
	}
	p.recordSent(rec.ID)
	return nil
}

func (p *peer) recordSent(id model.ID) {
	p.n.sent.Add(1)
	metrics.RecordsSent.WithLabelValues(p.role.String()).Inc()
	p.n.emit(Event{Type: EventRecordSent, Peer: p.addr, Role: p.role, Record: id})
}

func (p *peer) skip(id model.ID, err error) {
	reason := "fetch"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	metrics.RecordsSkipped.WithLabelValues(reason).Inc()
	p.log.Warn("skipping record", zap.String("record", id.Short()), zap.Error(err))
}

// handle applies one complete message from the peer.
func (p *peer) handle(ctx context.Context, payload []byte) error {
	msg, err := envelope.Decode(payload)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("envelope").Inc()
		p.log.Warn("dropping malformed message", zap.Error(err))
		return nil
	}
	switch m := msg.(type) {
	case envelope.Event:
		p.n.ingest(ctx, p, m.Record)
		return nil
	case envelope.NegOpen:
		items, err := p.n.items(ctx)
		if err != nil {
			return err
		}
		if err := p.sess.Regenerate(items); err != nil {
			return err
		}
		// Frames of a reply the initiator abandoned must not precede the
		// answer to the new round.
		p.link.ResetOutbound()
	case envelope.EOSE:
		p.wantRead = false
	}
	if err := p.sess.Handle(msg); err != nil {
		metrics.MessagesDropped.WithLabelValues("session").Inc()
		return err
	}
	return nil
}

func (p *peer) runAcceptor(ctx context.Context) {
	p.link.MarkReady()
	p.n.arb.MarkReady(p.addr)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.box.wait():
		}
		for _, c := range p.box.drain() {
			p.serve(ctx, c)
		}
	}
}

func (p *peer) serve(ctx context.Context, c command) {
	switch c.kind {
	case cmdLink:
		p.serveLink(ctx, c.ev)
	case cmdQueue:
		if p.sess.Queue(c.id) && p.link.Pending() == 0 {
			if err := p.n.radio.Notify(ctx, p.addr); err != nil {
				p.log.Warn("notify failed", zap.Error(err))
			}
		}
	case cmdStale:
		p.sess.MarkStale()
	}
}

func (p *peer) serveLink(ctx context.Context, ev link.Event) {
	switch ev.Kind {
	case link.EventWrite:
		// The write is acknowledged only after the message it completes has
		// been handled, so the initiator's next read sees the result.
		payload, done, err := p.link.Feed(ev.Frame)
		if err == nil && done {
			if herr := p.handle(ctx, payload); herr != nil {
				p.log.Warn("message rejected", zap.Error(herr))
			}
		}
		if err != nil && !link.IsClosed(err) {
			p.log.Warn("bad frame", zap.Error(err))
		}
		ev.Ack <- err
	case link.EventReadRequest:
		ev.Reply <- p.nextFrame(ctx)
	case link.EventMTU:
		p.link.SetMTU(ev.MTU)
		p.log.Debug("mtu updated", zap.Int("mtu", p.link.MTU()))
	default:
		refuse(ev)
	}
}

// nextFrame answers one read. When nothing is queued it composes the next
// message: pending control messages, then owed records, then EOSE.
func (p *peer) nextFrame(ctx context.Context) []byte {
	if f, ok := p.link.NextFrame(); ok {
		return f
	}
	b, err := envelope.Encode(p.compose(ctx))
	if err != nil {
		p.log.Error("encode reply", zap.Error(err))
		return nil
	}
	if err := p.link.Enqueue(b); err != nil {
		p.log.Warn("enqueue reply", zap.Error(err))
		return nil
	}
	f, _ := p.link.NextFrame()
	return f
}

func (p *peer) compose(ctx context.Context) envelope.Message {
	if m, ok := p.sess.NextOutbound(); ok {
		return m
	}
	for {
		id, ok := p.sess.PopSend()
		if !ok {
			break
		}
		rec, err := p.n.fetch(ctx, id)
		if err != nil {
			p.skip(id, err)
			continue
		}
		raw, err := rec.Marshal()
		if err != nil {
			p.skip(id, err)
			continue
		}
		p.recordSent(id)
		return envelope.Event{SubID: p.sess.SubID(), Record: raw}
	}
	if p.sess.Settle() {
		p.n.emit(Event{Type: EventRoundComplete, Peer: p.addr, Role: p.role})
	}
	return envelope.EOSE{SubID: p.sess.SubID()}
}
