// Package iface implements a poll-based address monitor using Go's net
// package. It is the portable fallback for platforms without netlink support,
// synthesizing add and delete events by diffing successive snapshots of a
// network interface's addresses.
package iface

import (
	"context"
	"net"
	"net/netip"
	"time"

	monitorpkg "github.com/karin0/ip-roam/monitor"
	"github.com/karin0/ip-roam/tslog"
)

// DefaultPollInterval is used when the configured poll interval is not positive.
const DefaultPollInterval = 90 * time.Second

// Monitor polls a network interface and reports its IPv4 addresses and
// their changes.
//
// Monitor implements [monitorpkg.Source].
type Monitor struct {
	name      string
	interval  time.Duration
	logger    *tslog.Logger
	listAddrs func() ([]netip.Addr, error)
	addrCh    chan monitorpkg.Address
	eventCh   chan monitorpkg.Event
}

// NewMonitor creates a new poll-based monitor for the named interface.
func NewMonitor(name string, interval time.Duration, logger *tslog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{
		name:     name,
		interval: interval,
		logger:   logger,
		listAddrs: func() ([]netip.Addr, error) {
			return interfaceAddrs(name)
		},
		addrCh:  make(chan monitorpkg.Address),
		eventCh: make(chan monitorpkg.Event),
	}
}

var _ monitorpkg.Source = (*Monitor)(nil)

// Addresses returns the one-shot enumeration channel of current addresses.
//
// Addresses implements [monitorpkg.Source.Addresses].
func (m *Monitor) Addresses() <-chan monitorpkg.Address {
	return m.addrCh
}

// Events returns the live address change channel.
//
// Events implements [monitorpkg.Source.Events].
func (m *Monitor) Events() <-chan monitorpkg.Event {
	return m.eventCh
}

// Run polls the interface until the provided context is canceled.
// Unlike a kernel subscription, polling cannot be disconnected,
// so Run always returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Started polling interface addresses",
		tslog.Int("interval", int64(m.interval/time.Second)),
	)
	defer m.logger.Info("Stopped polling interface addresses")

	prev, err := m.listAddrs()
	if err != nil {
		m.logger.Warn("Failed to enumerate interface addresses", tslog.Err(err))
	}
	for _, ip := range prev {
		m.addrCh <- monitorpkg.Address{IP: ip, Label: m.name}
	}
	close(m.addrCh)

	done := ctx.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			close(m.eventCh)
			return nil

		case <-ticker.C:
			cur, err := m.listAddrs()
			if err != nil {
				// The interface disappearing while roaming is normal;
				// its addresses count as removed.
				m.logger.Debug("Failed to poll interface addresses", tslog.Err(err))
			}

			removed, added := diffAddrs(prev, cur)
			for _, ip := range removed {
				m.eventCh <- monitorpkg.Event{
					Addr: monitorpkg.Address{IP: ip, Label: m.name},
					Op:   monitorpkg.OpRemoved,
				}
			}
			for _, ip := range added {
				m.eventCh <- monitorpkg.Event{
					Addr: monitorpkg.Address{IP: ip, Label: m.name},
					Op:   monitorpkg.OpAdded,
				}
			}
			prev = cur
		}
	}
}

// diffAddrs compares two address snapshots and returns the addresses present
// only in prev (removed) and only in cur (added), in snapshot order.
func diffAddrs(prev, cur []netip.Addr) (removed, added []netip.Addr) {
	inCur := make(map[netip.Addr]struct{}, len(cur))
	for _, ip := range cur {
		inCur[ip] = struct{}{}
	}
	inPrev := make(map[netip.Addr]struct{}, len(prev))
	for _, ip := range prev {
		inPrev[ip] = struct{}{}
	}

	for _, ip := range prev {
		if _, ok := inCur[ip]; !ok {
			removed = append(removed, ip)
		}
	}
	for _, ip := range cur {
		if _, ok := inPrev[ip]; !ok {
			added = append(added, ip)
		}
	}
	return removed, added
}

// interfaceAddrs returns the non-link-local IPv4 addresses of the named interface.
func interfaceAddrs(name string) ([]netip.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}

	var out []netip.Addr
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if !ip.Is4() || ip.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, ip)
	}
	return out, nil
}
