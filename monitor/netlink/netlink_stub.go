//go:build !linux

package netlink

import (
	"context"

	monitorpkg "github.com/karin0/ip-roam/monitor"
	"github.com/karin0/ip-roam/tslog"
)

func newMonitor(_ *tslog.Logger) (*Monitor, error) {
	return nil, ErrPlatformUnsupported
}

type monitor struct{}

func (monitor) addresses() <-chan monitorpkg.Address {
	panic(ErrPlatformUnsupported)
}

func (monitor) events() <-chan monitorpkg.Event {
	panic(ErrPlatformUnsupported)
}

func (monitor) run(_ context.Context) error {
	panic(ErrPlatformUnsupported)
}
