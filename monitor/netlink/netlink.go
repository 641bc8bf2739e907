// Package netlink implements an IPv4 address monitor backed by Linux's
// rtnetlink interface.
package netlink

import (
	"context"
	"errors"

	monitorpkg "github.com/karin0/ip-roam/monitor"
	"github.com/karin0/ip-roam/tslog"
)

// PlatformUnsupportedError is returned when the platform is not supported by netlink.
type PlatformUnsupportedError struct{}

func (PlatformUnsupportedError) Error() string {
	return "netlink is only supported on Linux"
}

func (PlatformUnsupportedError) Is(target error) bool {
	return target == errors.ErrUnsupported
}

var ErrPlatformUnsupported = PlatformUnsupportedError{}

// NewMonitor creates a new monitor that tracks the IPv4 addresses of
// all network interfaces through an rtnetlink subscription.
func NewMonitor(logger *tslog.Logger) (*Monitor, error) {
	return newMonitor(logger)
}

// Monitor subscribes to the kernel's IPv4 address notification group,
// enumerates the current addresses once, and then relays add and delete
// notifications as they arrive.
//
// Monitor implements [monitorpkg.Source].
type Monitor struct {
	monitor
}

var _ monitorpkg.Source = (*Monitor)(nil)

// Addresses returns the one-shot enumeration channel of current addresses.
//
// Addresses implements [monitorpkg.Source.Addresses].
func (m *Monitor) Addresses() <-chan monitorpkg.Address {
	return m.addresses()
}

// Events returns the live address change channel.
//
// Events implements [monitorpkg.Source.Events].
func (m *Monitor) Events() <-chan monitorpkg.Event {
	return m.events()
}

// Run services the netlink connection. It blocks until the provided context
// is canceled or the connection terminates. A termination that was not
// requested through the context is returned as an error, since no further
// address changes can be observed.
func (m *Monitor) Run(ctx context.Context) error {
	return m.run(ctx)
}
