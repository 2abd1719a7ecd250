package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juanpablocruz/blesync/pkg/link"
)

// ackAll acknowledges every write delivered to r until the test ends.
func ackAll(t *testing.T, r *Radio) <-chan []byte {
	got := make(chan []byte, 64)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			select {
			case ev := <-r.Events():
				switch ev.Kind {
				case link.EventWrite:
					got <- ev.Frame
					ev.Ack <- nil
				case link.EventReadRequest:
					ev.Reply <- []byte("r")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return got
}

func TestChaosUpDown(t *testing.T) {
	_, a, b := connectedPair(t)
	got := ackAll(t, b)

	chaos := WrapChaos(a, ChaosConfig{Up: false, Seed: 1})
	if err := chaos.Write(context.Background(), "B", []byte("hi")); !errors.Is(err, ErrLinkDown) {
		t.Fatalf("expected ErrLinkDown when link down, got %v", err)
	}
	if chaos.GetConfig().Up {
		t.Fatalf("GetConfig.Up should report false")
	}

	chaos.SetUp(true)
	if !chaos.GetConfig().Up {
		t.Fatalf("GetConfig.Up should report true after SetUp")
	}
	if err := chaos.Write(context.Background(), "B", []byte("hi")); err != nil {
		t.Fatalf("write after SetUp: %v", err)
	}
	if f := <-got; string(f) != "hi" {
		t.Fatalf("recv mismatch: %q", f)
	}
}

func TestChaosLoss(t *testing.T) {
	_, a, b := connectedPair(t)
	got := ackAll(t, b)

	chaos := WrapChaos(a, ChaosConfig{Up: true, Loss: 1, Seed: 1})
	if err := chaos.Write(context.Background(), "B", []byte("y")); !errors.Is(err, ErrDropped) {
		t.Fatalf("expected ErrDropped, got %v", err)
	}
	if _, err := chaos.RequestRead(context.Background(), "B"); !errors.Is(err, ErrDropped) {
		t.Fatalf("expected ErrDropped, got %v", err)
	}
	if chaos.Dropped() != 2 {
		t.Fatalf("dropped = %d", chaos.Dropped())
	}
	select {
	case f := <-got:
		t.Fatalf("expected frame to be dropped, got %q", f)
	case <-time.After(10 * time.Millisecond):
	}

	chaos.SetLoss(0)
	if _, err := chaos.RequestRead(context.Background(), "B"); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestChaosDelayHonoursContext(t *testing.T) {
	_, a, _ := connectedPair(t)
	chaos := WrapChaos(a, ChaosConfig{Up: true, BaseDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := chaos.Write(ctx, "B", []byte("z")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestChaosFailMTU(t *testing.T) {
	_, a, _ := connectedPair(t)
	chaos := WrapChaos(a, ChaosConfig{Up: true, FailMTU: true})
	if _, err := chaos.RequestMTU(context.Background(), "B", link.RequestedMTU); !errors.Is(err, link.ErrMTU) {
		t.Fatalf("expected ErrMTU, got %v", err)
	}
	chaos.SetFailMTU(false)
	if mtu, err := chaos.RequestMTU(context.Background(), "B", link.RequestedMTU); err != nil || mtu != link.RequestedMTU {
		t.Fatalf("mtu: %d %v", mtu, err)
	}
}
