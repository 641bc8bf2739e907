package zone

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/karin0/ip-roam/monitor"
	"github.com/karin0/ip-roam/tslog"
)

func testLogger() *tslog.Logger {
	return tslog.NewWithHandler(slog.LevelError, true, slog.NewTextHandler(io.Discard, nil))
}

type proxyCall struct {
	op       string // "get" or "set"
	selector string
	target   string
}

// fakeProxy records every query and switch, backed by an in-memory
// selector-to-target map.
type fakeProxy struct {
	active   map[string]string
	calls    []proxyCall
	failGets int
	failSets int
}

func (p *fakeProxy) Active(_ context.Context, selector string) (string, error) {
	p.calls = append(p.calls, proxyCall{op: "get", selector: selector})
	if p.failGets > 0 {
		p.failGets--
		return "", errors.New("controller unreachable")
	}
	return p.active[selector], nil
}

func (p *fakeProxy) SetActive(_ context.Context, selector, target string) error {
	p.calls = append(p.calls, proxyCall{op: "set", selector: selector, target: target})
	if p.failSets > 0 {
		p.failSets--
		return errors.New("controller unreachable")
	}
	p.active[selector] = target
	return nil
}

type fakeSource struct {
	addrCh  chan monitor.Address
	eventCh chan monitor.Event
}

func newFakeSource(addrs []monitor.Address, events []monitor.Event) *fakeSource {
	s := &fakeSource{
		addrCh:  make(chan monitor.Address, len(addrs)),
		eventCh: make(chan monitor.Event, len(events)),
	}
	for _, a := range addrs {
		s.addrCh <- a
	}
	close(s.addrCh)
	for _, ev := range events {
		s.eventCh <- ev
	}
	close(s.eventCh)
	return s
}

func (s *fakeSource) Addresses() <-chan monitor.Address { return s.addrCh }
func (s *fakeSource) Events() <-chan monitor.Event     { return s.eventCh }

func homeSite() Site {
	return Site{
		Selector: "Proxy",
		Rules: []Rule{
			{
				IPMin:       mustAddr("10.0.0.0"),
				IPMax:       mustAddr("10.0.1.0"),
				EnterTarget: "home",
				ExitTarget:  "vpn",
			},
		},
	}
}

func eth0Addr(s string) monitor.Address {
	return monitor.Address{IP: mustAddr(s), Label: "eth0"}
}

func runController(t *testing.T, sites []Site, p *fakeProxy, addrs []monitor.Address, events []monitor.Event) *Controller {
	t.Helper()
	c := NewController("eth0", sites, p, testLogger())
	if err := c.Run(context.Background(), newFakeSource(addrs, events)); !errors.Is(err, ErrEventStreamClosed) {
		t.Fatalf("Run error = %v, want %v", err, ErrEventStreamClosed)
	}
	return c
}

func assertCalls(t *testing.T, p *fakeProxy, want []proxyCall) {
	t.Helper()
	if !slices.Equal(p.calls, want) {
		t.Errorf("proxy calls = %v, want %v", p.calls, want)
	}
}

func assertStatus(t *testing.T, c *Controller, i int, state, target string) {
	t.Helper()
	st := c.Status()[i]
	if st.State != state || st.Target != target {
		t.Errorf("site %d status = %v/%q, want %v/%q", i, st.State, st.Target, state, target)
	}
}

func TestControllerStartupEnter(t *testing.T) {
	p := &fakeProxy{active: map[string]string{"Proxy": "vpn"}}
	c := runController(t, []Site{homeSite()}, p,
		[]monitor.Address{eth0Addr("10.0.0.5")}, nil)

	assertCalls(t, p, []proxyCall{
		{op: "get", selector: "Proxy"},
		{op: "set", selector: "Proxy", target: "home"},
	})
	assertStatus(t, c, 0, "in_zone", "home")
}

func TestControllerStartupFallbackNoAddress(t *testing.T) {
	p := &fakeProxy{active: map[string]string{"Proxy": "home"}}
	c := runController(t, []Site{homeSite()}, p, nil, nil)

	assertCalls(t, p, []proxyCall{
		{op: "get", selector: "Proxy"},
		{op: "set", selector: "Proxy", target: "vpn"},
	})
	assertStatus(t, c, 0, "out_of_zone", "")
}

func TestControllerStartupFallbackNoMatch(t *testing.T) {
	p := &fakeProxy{active: map[string]string{"Proxy": "home"}}
	c := runController(t, []Site{homeSite()}, p,
		[]monitor.Address{eth0Addr("192.168.5.5")}, nil)

	assertCalls(t, p, []proxyCall{
		{op: "get", selector: "Proxy"},
		{op: "set", selector: "Proxy", target: "vpn"},
	})
	assertStatus(t, c, 0, "out_of_zone", "")
}

func TestControllerStartupFallbackAlreadyOut(t *testing.T) {
	p := &fakeProxy{active: map[string]string{"Proxy": "vpn"}}
	c := runController(t, []Site{homeSite()}, p, nil, nil)

	// The selector is already off the enter target; no switch is issued.
	assertCalls(t, p, []proxyCall{
		{op: "get", selector: "Proxy"},
	})
	assertStatus(t, c, 0, "out_of_zone", "")
}

func TestControllerStartupFirstAddressWins(t *testing.T) {
	p := &fakeProxy{active: map[string]string{"Proxy": "vpn"}}
	c := runController(t, []Site{homeSite()}, p,
		[]monitor.Address{
			{IP: mustAddr("172.16.0.1"), Label: "wlan0"},
			eth0Addr("10.0.0.5"),
			eth0Addr("192.168.1.1"),
		}, nil)

	assertCalls(t, p, []proxyCall{
		{op: "get", selector: "Proxy"},
		{op: "set", selector: "Proxy", target: "home"},
	})
	assertStatus(t, c, 0, "in_zone", "home")
}

func TestControllerAddedIdempotent(t *testing.T) {
	p := &fakeProxy{active: map[string]string{"Proxy": "vpn"}}
	c := runController(t, []Site{homeSite()}, p,
		[]monitor.Address{eth0Addr("10.0.0.5")},
		[]monitor.Event{
			{Addr: eth0Addr("10.0.0.6"), Op: monitor.OpAdded},
		})

	// The second enter is suppressed by the query: the selector is
	// already on the enter target.
	assertCalls(t, p, []proxyCall{
		{op: "get", selector: "Proxy"},
		{op: "set", selector: "Proxy", target: "home"},
		{op: "get", selector: "Proxy"},
	})
	assertStatus(t, c, 0, "in_zone", "home")
}

func TestControllerRemovedExit(t *testing.T) {
	p := &fakeProxy{active: map[string]string{"Proxy": "vpn"}}
	c := runController(t, []Site{homeSite()}, p,
		[]monitor.Address{eth0Addr("10.0.0.5")},
		[]monitor.Event{
			{Addr: eth0Addr("10.0.0.5"), Op: monitor.OpRemoved},
		})

	assertCalls(t, p, []proxyCall{
		{op: "get", selector: "Proxy"},
		{op: "set", selector: "Proxy", target: "home"},
		{op: "get", selector: "Proxy"},
		{op: "set", selector: "Proxy", target: "vpn"},
	})
	assertStatus(t, c, 0, "out_of_zone", "")
}

func TestControllerAddedOutsideZones(t *testing.T) {
	p := &fakeProxy{active: map[string]string{"Proxy": "vpn"}}
	c := runController(t, []Site{homeSite()}, p,
		[]monitor.Address{eth0Addr("10.0.0.5")},
		[]monitor.Event{
			{Addr: eth0Addr("172.16.0.9"), Op: monitor.OpAdded},
		})

	// No rule matches; no command, state unchanged.
	assertCalls(t, p, []proxyCall{
		{op: "get", selector: "Proxy"},
		{op: "set", selector: "Proxy", target: "home"},
	})
	assertStatus(t, c, 0, "in_zone", "home")
}

func TestControllerOtherInterfaceIgnored(t *testing.T) {
	p := &fakeProxy{active: map[string]string{"Proxy": "vpn"}}
	c := runController(t, []Site{homeSite()}, p,
		[]monitor.Address{eth0Addr("10.0.0.5")},
		[]monitor.Event{
			{Addr: monitor.Address{IP: mustAddr("10.0.0.7"), Label: "wlan0"}, Op: monitor.OpRemoved},
		})

	assertCalls(t, p, []proxyCall{
		{op: "get", selector: "Proxy"},
		{op: "set", selector: "Proxy", target: "home"},
	})
	assertStatus(t, c, 0, "in_zone", "home")
}

func TestControllerRemovedDifferentZone(t *testing.T) {
	site := Site{
		Selector: "Proxy",
		Rules: []Rule{
			{
				IPMin:       mustAddr("10.0.0.0"),
				IPMax:       mustAddr("10.0.1.0"),
				EnterTarget: "home",
				ExitTarget:  "vpn",
			},
			{
				IPMin:       mustAddr("172.16.0.0"),
				IPMax:       mustAddr("172.17.0.0"),
				EnterTarget: "office",
				ExitTarget:  "vpn",
			},
		},
	}

	p := &fakeProxy{active: map[string]string{"Proxy": "vpn"}}
	c := runController(t, []Site{site}, p,
		[]monitor.Address{eth0Addr("10.0.0.5")},
		[]monitor.Event{
			// Removal of an office-zone address while believed in the
			// home zone must not trigger an exit.
			{Addr: eth0Addr("172.16.0.9"), Op: monitor.OpRemoved},
		})

	assertCalls(t, p, []proxyCall{
		{op: "get", selector: "Proxy"},
		{op: "set", selector: "Proxy", target: "home"},
	})
	assertStatus(t, c, 0, "in_zone", "home")
}

func TestControllerCommandErrorRetriedOnNextEvent(t *testing.T) {
	p := &fakeProxy{active: map[string]string{"Proxy": "vpn"}, failGets: 1}
	c := runController(t, []Site{homeSite()}, p,
		[]monitor.Address{eth0Addr("10.0.0.5")},
		[]monitor.Event{
			{Addr: eth0Addr("10.0.0.5"), Op: monitor.OpAdded},
		})

	// The startup query fails and the belief stays unknown; the next
	// event re-attempts the same decision from scratch.
	assertCalls(t, p, []proxyCall{
		{op: "get", selector: "Proxy"},
		{op: "get", selector: "Proxy"},
		{op: "set", selector: "Proxy", target: "home"},
	})
	assertStatus(t, c, 0, "in_zone", "home")
}

func TestControllerSetErrorLeavesStateUnchanged(t *testing.T) {
	p := &fakeProxy{active: map[string]string{"Proxy": "vpn"}, failSets: 1}
	c := runController(t, []Site{homeSite()}, p,
		[]monitor.Address{eth0Addr("10.0.0.5")}, nil)

	assertCalls(t, p, []proxyCall{
		{op: "get", selector: "Proxy"},
		{op: "set", selector: "Proxy", target: "home"},
	})
	assertStatus(t, c, 0, "unknown", "")
}

func TestControllerMultiSite(t *testing.T) {
	sites := []Site{
		homeSite(),
		{
			Selector: "Media",
			Rules: []Rule{
				{
					IPMin:       mustAddr("172.16.0.0"),
					IPMax:       mustAddr("172.17.0.0"),
					EnterTarget: "direct",
					ExitTarget:  "relay",
				},
			},
		},
	}

	p := &fakeProxy{active: map[string]string{"Proxy": "vpn", "Media": "direct"}}
	c := runController(t, sites, p,
		[]monitor.Address{eth0Addr("10.0.0.5")}, nil)

	// Each site is evaluated independently: the first enters its zone,
	// the second falls back to an exit through its first rule.
	assertCalls(t, p, []proxyCall{
		{op: "get", selector: "Proxy"},
		{op: "set", selector: "Proxy", target: "home"},
		{op: "get", selector: "Media"},
		{op: "set", selector: "Media", target: "relay"},
	})
	assertStatus(t, c, 0, "in_zone", "home")
	assertStatus(t, c, 1, "out_of_zone", "")
}

func TestControllerRunCanceled(t *testing.T) {
	p := &fakeProxy{active: map[string]string{"Proxy": "vpn"}}
	c := NewController("eth0", []Site{homeSite()}, p, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := newFakeSource(nil, nil)
	if err := c.Run(ctx, src); err != nil {
		t.Errorf("Run error = %v, want nil after cancellation", err)
	}
}
