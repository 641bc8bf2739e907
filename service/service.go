// Package service wires the address monitor, zone controller, proxy client
// and status API together according to the loaded configuration.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/karin0/ip-roam/api"
	"github.com/karin0/ip-roam/monitor"
	"github.com/karin0/ip-roam/monitor/iface"
	"github.com/karin0/ip-roam/monitor/netlink"
	"github.com/karin0/ip-roam/proxy/clash"
	"github.com/karin0/ip-roam/tslog"
	"github.com/karin0/ip-roam/zone"
)

// source is an address source with a run loop.
type source interface {
	monitor.Source
	Run(ctx context.Context) error
}

// newSource returns the platform's native address monitor, falling back to
// interface polling where no native monitor is available.
func (cfg *Config) newSource(logger *tslog.Logger) (source, error) {
	m, err := netlink.NewMonitor(logger)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, netlink.ErrPlatformUnsupported) {
		return nil, fmt.Errorf("failed to create netlink monitor: %w", err)
	}

	logger.Info("Native address notifications unavailable, polling interface instead", tslog.Err(err))

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = iface.DefaultPollInterval
	}
	return iface.NewMonitor(cfg.Interface, interval, logger), nil
}

// Run starts the configured service and blocks until the context is
// canceled or a component fails.
func (cfg *Config) Run(ctx context.Context, logger *tslog.Logger) error {
	sites, err := cfg.zoneSites()
	if err != nil {
		return err
	}

	src, err := cfg.newSource(logger)
	if err != nil {
		return err
	}

	client := clash.NewClient(nil, cfg.ExternalController, cfg.Secret)
	ctrl := zone.NewController(cfg.Interface, sites, client, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		srcErr error
		apiErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if srcErr = src.Run(ctx); srcErr != nil {
			logger.Error("Address monitor terminated", tslog.Err(srcErr))
		}
	}()

	if cfg.Listen != "" {
		srv := api.NewServer(cfg.Listen, cfg.Interface, ctrl, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if apiErr = srv.Run(ctx); apiErr != nil {
				logger.Error("Status API server failed", tslog.Err(apiErr))
				cancel()
			}
		}()
	}

	runErr := ctrl.Run(ctx, src)
	cancel()
	wg.Wait()

	// A monitor failure surfaces to the controller as a closed event
	// stream; prefer reporting the underlying cause.
	switch {
	case srcErr != nil:
		return srcErr
	case runErr != nil:
		return runErr
	default:
		return apiErr
	}
}
