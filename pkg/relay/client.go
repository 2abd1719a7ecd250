// Package relay is a RecordSource backed by a nostr relay reachable over a
// websocket, typically one running on the same device.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/juanpablocruz/blesync/pkg/model"
	"github.com/juanpablocruz/blesync/pkg/store"
)

// DefaultURL is where the host application's local relay listens.
const DefaultURL = "ws://127.0.0.1:4869"

var (
	// ErrRejected is returned when the relay answers OK false.
	ErrRejected = errors.New("relay: record rejected")
	ErrClosed   = errors.New("relay: client closed")
)

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithDialTimeout bounds connection setup when the caller's context has no
// deadline.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialer.HandshakeTimeout = d }
}

// Client talks to one relay. Requests are serialized over a single
// connection, which is dialed lazily and redialed after any I/O error.
type Client struct {
	url    string
	dialer websocket.Dialer
	log    *zap.Logger
	seq    atomic.Uint64

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var _ store.RecordSource = (*Client)(nil)

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:    url,
		dialer: websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch asks the relay for one record by id and reads until EOSE.
func (c *Client) Fetch(ctx context.Context, id model.ID) (*model.Record, error) {
	sub := fmt.Sprintf("blesync-%d", c.seq.Add(1))
	var found *model.Record
	err := c.roundTrip(ctx, []any{"REQ", sub, map[string]any{"ids": []string{id.String()}}}, func(msg []json.RawMessage, label string) (bool, error) {
		switch label {
		case "EVENT":
			if len(msg) < 3 || !sameSub(msg[1], sub) {
				return false, nil
			}
			rec, err := model.UnmarshalRecord(msg[2])
			if err != nil {
				c.log.Warn("relay sent an invalid record", zap.Error(err))
				return false, nil
			}
			if rec.ID == id {
				found = rec
			}
		case "EOSE", "CLOSED":
			return len(msg) >= 2 && sameSub(msg[1], sub), nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	c.closeSub(sub)
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

// Publish sends rec and waits for the relay's OK.
func (c *Client) Publish(ctx context.Context, rec *model.Record) error {
	raw, err := rec.Marshal()
	if err != nil {
		return err
	}
	var rejected string
	err = c.roundTrip(ctx, []any{"EVENT", json.RawMessage(raw)}, func(msg []json.RawMessage, label string) (bool, error) {
		if label != "OK" || len(msg) < 3 {
			return false, nil
		}
		var got model.ID
		if err := json.Unmarshal(msg[1], &got); err != nil || got != rec.ID {
			return false, nil
		}
		var ok bool
		if err := json.Unmarshal(msg[2], &ok); err != nil {
			return false, fmt.Errorf("relay: bad OK: %w", err)
		}
		if !ok {
			var reason string
			if len(msg) > 3 {
				_ = json.Unmarshal(msg[3], &reason)
			}
			// A relay that already has the record says so with OK false.
			if !strings.HasPrefix(reason, "duplicate:") {
				rejected = reason
			}
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if rejected != "" {
		return fmt.Errorf("%w: %s", ErrRejected, rejected)
	}
	return nil
}

// roundTrip writes req and feeds every reply to handle until it reports
// done.
func (c *Client) roundTrip(ctx context.Context, req any, handle func([]json.RawMessage, string) (bool, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	stop := watch(ctx, conn)
	defer stop()

	if err := conn.WriteJSON(req); err != nil {
		c.drop(err)
		return ctxErr(ctx, err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(err)
			return ctxErr(ctx, err)
		}
		var msg []json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil || len(msg) == 0 {
			c.log.Debug("ignoring relay message", zap.ByteString("data", data))
			continue
		}
		var label string
		if err := json.Unmarshal(msg[0], &label); err != nil {
			continue
		}
		if label == "NOTICE" {
			c.log.Info("relay notice", zap.ByteString("data", data))
			continue
		}
		done, err := handle(msg, label)
		if err != nil {
			// The rest of this exchange is still in flight; a fresh
			// connection keeps it away from the next request.
			c.drop(err)
			return err
		}
		if done {
			return nil
		}
	}
}

func (c *Client) closeSub(sub string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteJSON([]any{"CLOSE", sub}); err != nil {
		c.drop(err)
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", c.url, err)
	}
	c.log.Debug("relay connected", zap.String("url", c.url))
	c.conn = conn
	return conn, nil
}

// drop discards a broken connection; the next request redials.
func (c *Client) drop(err error) {
	if c.conn == nil {
		return
	}
	c.log.Warn("relay connection lost", zap.Error(err))
	_ = c.conn.Close()
	c.conn = nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// watch applies ctx's deadline to conn and unblocks pending I/O when ctx is
// cancelled.
func watch(ctx context.Context, conn *websocket.Conn) func() {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		_ = conn.SetWriteDeadline(dl)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}

func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return fmt.Errorf("relay: %w", err)
}

func sameSub(raw json.RawMessage, sub string) bool {
	var s string
	return json.Unmarshal(raw, &s) == nil && s == sub
}
