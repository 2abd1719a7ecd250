package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jroimartin/gocui"
)

var errQuit = errors.New("quit")

const (
	viewDevices = "devices"
	viewEvents  = "events"
	viewHelp    = "help"
)

type dashboard struct {
	sim    *simulation
	status string
	chaos  bool
}

// runDashboard draws the fleet until the user quits or ctx ends.
func runDashboard(ctx context.Context, sim *simulation) error {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return fmt.Errorf("start dashboard: %w", err)
	}
	defer g.Close()

	d := &dashboard{sim: sim, chaos: true}
	g.SetManagerFunc(d.layout)
	if err := d.bind(ctx, g); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(250 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				g.Update(func(*gocui.Gui) error { return gocui.ErrQuit })
				return
			case <-t.C:
				g.Update(func(*gocui.Gui) error { return nil })
			}
		}
	}()

	if err := g.MainLoop(); err != nil && !errors.Is(err, gocui.ErrQuit) {
		return err
	}
	return errQuit
}

func (d *dashboard) bind(ctx context.Context, g *gocui.Gui) error {
	quit := func(*gocui.Gui, *gocui.View) error { return gocui.ErrQuit }
	bindings := []struct {
		key any
		fn  func(*gocui.Gui, *gocui.View) error
	}{
		{gocui.KeyCtrlC, quit},
		{'q', quit},
		{'p', func(*gocui.Gui, *gocui.View) error {
			if err := d.sim.publish(ctx); err != nil {
				d.status = "publish failed: " + err.Error()
			} else {
				d.status = "published a record"
			}
			return nil
		}},
		{'b', func(*gocui.Gui, *gocui.View) error {
			if x, y, ok := d.sim.breakRandomLink(); ok {
				d.status = fmt.Sprintf("broke link %s-%s", x, y)
			} else {
				d.status = "no link to break"
			}
			return nil
		}},
		{'s', func(*gocui.Gui, *gocui.View) error {
			for _, dev := range d.sim.devices {
				_ = dev.node.Discover(ctx)
			}
			d.status = "scanning"
			return nil
		}},
		{'c', func(*gocui.Gui, *gocui.View) error {
			d.chaos = !d.chaos
			n := 0
			for _, dev := range d.sim.devices {
				if dev.chaos != nil {
					dev.chaos.SetUp(d.chaos)
					n++
				}
			}
			if n == 0 {
				d.status = "chaos is not enabled"
			} else {
				d.status = fmt.Sprintf("radio links up=%v", d.chaos)
			}
			return nil
		}},
	}
	for _, b := range bindings {
		if err := g.SetKeybinding("", b.key, gocui.ModNone, b.fn); err != nil {
			return err
		}
	}
	return nil
}

func (d *dashboard) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()
	split := len(d.sim.devices) + 4
	if split > maxY/2 {
		split = maxY / 2
	}

	v, err := g.SetView(viewDevices, 0, 0, maxX-1, split)
	if err != nil && !errors.Is(err, gocui.ErrUnknownView) {
		return err
	}
	v.Title = " devices "
	v.Clear()
	d.drawDevices(v)

	v, err = g.SetView(viewEvents, 0, split+1, maxX-1, maxY-4)
	if err != nil && !errors.Is(err, gocui.ErrUnknownView) {
		return err
	}
	v.Title = " events "
	v.Clear()
	_, h := v.Size()
	for _, line := range d.sim.feed.tail(h) {
		fmt.Fprintln(v, line)
	}

	v, err = g.SetView(viewHelp, 0, maxY-3, maxX-1, maxY-1)
	if err != nil && !errors.Is(err, gocui.ErrUnknownView) {
		return err
	}
	v.Frame = true
	v.Clear()
	fmt.Fprintf(v, " p publish  b break link  s scan  c toggle radio  q quit   %s", d.status)
	return nil
}

func (d *dashboard) drawDevices(v *gocui.View) {
	ctx := context.Background()
	fmt.Fprintf(v, "%-5s %8s %6s %8s %8s  %s\n", "NAME", "RECORDS", "PEERS", "SENT", "RECV", "LINKS")
	for _, dev := range d.sim.devices {
		var links []string
		for _, p := range dev.node.Peers() {
			links = append(links, fmt.Sprintf("%s(%s,%s,mtu %d)", p.Addr, p.Role, p.Phase, p.MTU))
		}
		fmt.Fprintf(v, "%-5s %8d %6d %8d %8d  %s\n",
			dev.name, dev.count(ctx), len(links), dev.node.Sent(), dev.node.Received(), strings.Join(links, " "))
	}
	state := "diverged"
	if d.sim.converged(ctx) {
		state = "converged"
	}
	fmt.Fprintf(v, "fleet: %s\n", state)
}
