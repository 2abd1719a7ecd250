package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	sqlite3 "modernc.org/sqlite/lib"
)

// backoff bounds how long a write waits out lock contention beyond the
// driver's own busy timeout.
type backoff struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

var writeBackoff = backoff{attempts: 4, base: 50 * time.Millisecond, max: 500 * time.Millisecond}

// codedError is implemented by *sqlite.Error.
type codedError interface{ Code() int }

// contended reports whether err is a lock conflict worth retrying.
func contended(err error) bool {
	var ce codedError
	if !errors.As(err, &ce) {
		return false
	}
	code := ce.Code()
	if code == sqlite3.SQLITE_IOERR_SHORT_READ {
		return true
	}
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func retryOnContention(ctx context.Context, fn func() error) error {
	return writeBackoff.do(ctx, fn)
}

func (b backoff) do(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < b.attempts; i++ {
		if err = fn(); err == nil || !contended(err) {
			return err
		}
		if i == b.attempts-1 {
			break
		}
		t := time.NewTimer(b.delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}

// delay doubles from base up to max and adds up to base of jitter.
func (b backoff) delay(attempt int) time.Duration {
	d := b.base << uint(attempt)
	if d > b.max || d <= 0 {
		d = b.max
	}
	return d + time.Duration(rand.Int63n(int64(b.base)+1))
}
