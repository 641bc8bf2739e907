package zone

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/karin0/ip-roam/monitor"
	"github.com/karin0/ip-roam/proxy"
	"github.com/karin0/ip-roam/tslog"
)

// ErrEventStreamClosed is returned by [Controller.Run] when the address event
// stream terminates without the context being canceled. No further zone
// transitions can be detected past this point, so the caller should treat it
// as fatal.
var ErrEventStreamClosed = errors.New("address event stream closed")

// zoneState is the controller's belief about a site's zone membership.
type zoneState uint8

const (
	zoneStateUnknown zoneState = iota
	zoneStateIn
	zoneStateOut
)

func (s zoneState) String() string {
	switch s {
	case zoneStateIn:
		return "in_zone"
	case zoneStateOut:
		return "out_of_zone"
	default:
		return "unknown"
	}
}

type siteState struct {
	state  zoneState
	target string
}

// SiteStatus is a point-in-time view of a site's zone state.
type SiteStatus struct {
	Selector string `json:"selector"`
	State    string `json:"state"`
	Target   string `json:"target,omitempty"`
}

// Controller consumes address snapshots and change events for one network
// interface and drives a proxy controller so that each configured site's
// selector matches the zone the interface is currently in.
//
// Event processing is strictly sequential: one event is fully resolved,
// including any proxy commands, before the next is considered. The state
// mutex only exists so [Controller.Status] can be read concurrently.
type Controller struct {
	ifname string
	sites  []Site
	client proxy.Client
	logger *tslog.Logger

	mu     sync.Mutex
	states []siteState
}

// NewController creates a new [Controller] for the named interface.
func NewController(ifname string, sites []Site, client proxy.Client, logger *tslog.Logger) *Controller {
	return &Controller{
		ifname: ifname,
		sites:  sites,
		client: client,
		logger: logger,
		states: make([]siteState, len(sites)),
	}
}

// Status returns the current belief state of each configured site.
func (c *Controller) Status() []SiteStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SiteStatus, len(c.sites))
	for i := range c.sites {
		out[i] = SiteStatus{
			Selector: c.sites[i].Selector,
			State:    c.states[i].state.String(),
			Target:   c.states[i].target,
		}
	}
	return out
}

func (c *Controller) setState(i int, state zoneState, target string) {
	c.mu.Lock()
	c.states[i] = siteState{state: state, target: target}
	c.mu.Unlock()
}

func (c *Controller) getState(i int) siteState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[i]
}

// Run drains the source's address enumeration to establish the initial zone
// state of every site, then processes change events until the event stream
// ends. It returns nil if the stream ended due to context cancellation, and
// [ErrEventStreamClosed] otherwise.
func (c *Controller) Run(ctx context.Context, src monitor.Source) error {
	c.initialize(ctx, src.Addresses())

	for ev := range src.Events() {
		if ev.Addr.Label != c.ifname {
			if c.logger.Enabled(slog.LevelDebug) {
				c.logger.Debug("Ignoring event for other interface",
					slog.String("label", ev.Addr.Label),
					tslog.Addr("addr", ev.Addr.IP),
				)
			}
			continue
		}

		if c.logger.Enabled(slog.LevelInfo) {
			c.logger.Info("Interface address changed",
				slog.String("op", ev.Op.String()),
				tslog.Addr("addr", ev.Addr.IP),
			)
		}

		switch ev.Op {
		case monitor.OpAdded:
			c.handleAdded(ctx, ev.Addr.IP)
		case monitor.OpRemoved:
			c.handleRemoved(ctx, ev.Addr.IP)
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return ErrEventStreamClosed
}

// initialize drains the enumeration channel, keeping the first address
// reported for the monitored interface, and establishes each site's initial
// state from it. Sites without a matching rule, or all sites when the
// interface has no address, fall back to an exit through their first rule,
// so the proxy controller always starts in a known state.
func (c *Controller) initialize(ctx context.Context, addrs <-chan monitor.Address) {
	var addr netip.Addr
	for a := range addrs {
		if a.Label != c.ifname || addr.IsValid() {
			continue
		}
		addr = a.IP
	}

	if addr.IsValid() {
		c.logger.Info("Found current interface address", tslog.Addr("addr", addr))
	} else {
		c.logger.Info("No current address on interface")
	}

	for i := range c.sites {
		if addr.IsValid() {
			if rule, ok := Match(c.sites[i].Rules, addr); ok {
				c.enter(ctx, i, rule)
				continue
			}
		}
		c.exit(ctx, i, &c.sites[i].Rules[0])
	}
}

// handleAdded evaluates an added address against every site independently.
// Sites without a matching rule are left untouched.
func (c *Controller) handleAdded(ctx context.Context, addr netip.Addr) {
	for i := range c.sites {
		rule, ok := Match(c.sites[i].Rules, addr)
		if !ok {
			if c.logger.Enabled(slog.LevelDebug) {
				c.logger.Debug("Address outside all zones",
					slog.String("selector", c.sites[i].Selector),
					tslog.Addr("addr", addr),
				)
			}
			continue
		}
		c.enter(ctx, i, rule)
	}
}

// handleRemoved exits a site's zone when the removed address belongs to the
// zone the site is currently believed to be in. Removals of addresses from
// unrelated zones do not trigger an exit.
func (c *Controller) handleRemoved(ctx context.Context, addr netip.Addr) {
	for i := range c.sites {
		rule, ok := Match(c.sites[i].Rules, addr)
		if !ok {
			continue
		}

		if st := c.getState(i); st.state == zoneStateIn && st.target != rule.EnterTarget {
			if c.logger.Enabled(slog.LevelDebug) {
				c.logger.Debug("Ignoring removal for different zone",
					slog.String("selector", c.sites[i].Selector),
					tslog.Addr("addr", addr),
					slog.String("target", st.target),
				)
			}
			continue
		}

		c.exit(ctx, i, rule)
	}
}

// enter switches the site's selector to the rule's enter target. The
// controller's authoritative state is queried first; a selector already on
// the target only updates local belief. A failed query or switch leaves the
// belief unchanged, so the next triggering event retries the same decision.
func (c *Controller) enter(ctx context.Context, i int, rule *Rule) {
	site := &c.sites[i]

	now, err := c.client.Active(ctx, site.Selector)
	if err != nil {
		c.logger.Warn("Failed to query active target",
			slog.String("selector", site.Selector),
			tslog.Err(err),
		)
		return
	}

	if now == rule.EnterTarget {
		c.logger.Warn("Selector already on enter target",
			slog.String("selector", site.Selector),
			slog.String("target", now),
		)
		c.setState(i, zoneStateIn, rule.EnterTarget)
		return
	}

	if err = c.client.SetActive(ctx, site.Selector, rule.EnterTarget); err != nil {
		c.logger.Warn("Failed to switch active target",
			slog.String("selector", site.Selector),
			slog.String("target", rule.EnterTarget),
			tslog.Err(err),
		)
		return
	}

	c.logger.Info("Entered zone",
		slog.String("selector", site.Selector),
		slog.String("from", now),
		slog.String("to", rule.EnterTarget),
	)
	c.setState(i, zoneStateIn, rule.EnterTarget)
}

// exit switches the site's selector to the rule's exit target, unless the
// selector is not on the rule's enter target, in which case the zone was
// already left (possibly by an operator) and only belief is updated.
func (c *Controller) exit(ctx context.Context, i int, rule *Rule) {
	site := &c.sites[i]

	now, err := c.client.Active(ctx, site.Selector)
	if err != nil {
		c.logger.Warn("Failed to query active target",
			slog.String("selector", site.Selector),
			tslog.Err(err),
		)
		return
	}

	if now != rule.EnterTarget {
		c.logger.Warn("Selector already off enter target",
			slog.String("selector", site.Selector),
			slog.String("target", now),
		)
		c.setState(i, zoneStateOut, "")
		return
	}

	if err = c.client.SetActive(ctx, site.Selector, rule.ExitTarget); err != nil {
		c.logger.Warn("Failed to switch active target",
			slog.String("selector", site.Selector),
			slog.String("target", rule.ExitTarget),
			tslog.Err(err),
		)
		return
	}

	c.logger.Info("Left zone",
		slog.String("selector", site.Selector),
		slog.String("from", now),
		slog.String("to", rule.ExitTarget),
	)
	c.setState(i, zoneStateOut, "")
}
