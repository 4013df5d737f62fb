package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bitalk/bitalk/internal/agent"
	"github.com/bitalk/bitalk/internal/config"
	"github.com/bitalk/bitalk/internal/discovery"
	"github.com/bitalk/bitalk/internal/ipc"
	"github.com/bitalk/bitalk/internal/notify"
	"github.com/bitalk/bitalk/internal/profile"
	"github.com/bitalk/bitalk/internal/radio"
)

// Daemon states
const (
	StateIdle     = "idle"
	StateWaiting  = "waiting_for_profile"
	StateRunning  = "running"
	StateStopping = "stopping"
)

// Daemon wires the radio, the discovery service, notifications, the profile
// watcher and the IPC server together.
type Daemon struct {
	cfg        config.AgentConfig
	radio      radio.Radio
	service    *agent.Service
	dispatcher *notify.Dispatcher
	server     *ipc.Server
	logger     *slog.Logger

	removeHandler func()

	state   string
	stateMu sync.RWMutex
}

// NewDaemon creates a daemon backed by a LAN radio.
func NewDaemon(cfg config.AgentConfig, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r, err := radio.NewLANRadio(cfg.LANConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create radio: %w", err)
	}
	logger.Info("radio ready", "peer_id", r.ID().String(), "addrs", formatAddrs(r))

	d, err := newDaemon(cfg, r, logger)
	if err != nil {
		r.Close()
		return nil, err
	}
	return d, nil
}

func newDaemon(cfg config.AgentConfig, r radio.Radio, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := discovery.NewRegistry(cfg.RegistryConfig(), discovery.WithLogger(logger))
	svc := agent.NewService(r, reg, cfg.ServiceConfig(), agent.WithLogger(logger))

	dispatcher := notify.NewDispatcherWithLogger(notify.LogSink{Logger: logger}, logger)
	dispatcher.SetEnabled(cfg.Notify.Enabled)

	d := &Daemon{
		cfg:        cfg,
		radio:      r,
		service:    svc,
		dispatcher: dispatcher,
		server:     ipc.NewServerWithLogger(svc, logger),
		logger:     logger,
		state:      StateIdle,
	}
	d.removeHandler = svc.AddHandler(dispatcher)
	return d, nil
}

// Service returns the discovery service.
func (d *Daemon) Service() *agent.Service {
	return d.service
}

// State returns the daemon state.
func (d *Daemon) State() string {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state
}

func (d *Daemon) setState(state string) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.state = state
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.server.Listen(d.cfg.Storage.SocketPath); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- d.server.Serve()
	}()

	profilePath := d.cfg.Storage.ProfilePath
	if err := os.MkdirAll(filepath.Dir(profilePath), 0700); err != nil {
		return errors.Join(fmt.Errorf("failed to create profile directory: %w", err), d.shutdown(nil))
	}

	d.setState(StateWaiting)
	watcher, err := profile.NewWatcher(profilePath, func(p profile.LocalProfile) {
		d.applyProfile(ctx, p)
	})
	if err != nil {
		return errors.Join(fmt.Errorf("failed to watch profile: %w", err), d.shutdown(nil))
	}
	watcher.SetErrorCallback(func(err error) {
		d.logger.Warn("profile reload failed", "path", profilePath, "error", err)
	})
	go watcher.Start(ctx)

	p, err := profile.LoadFile(profilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		d.logger.Info("no profile yet, waiting for one", "path", profilePath)
	case err != nil:
		d.logger.Warn("failed to load profile, waiting for a valid one", "path", profilePath, "error", err)
	default:
		d.applyProfile(ctx, p)
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutting down daemon")
	case err := <-serverErr:
		if err != nil {
			d.logger.Error("server error", "error", err)
		}
	}

	return d.shutdown(watcher)
}

// applyProfile installs p and starts the service the first time a complete
// profile is seen.
func (d *Daemon) applyProfile(ctx context.Context, p profile.LocalProfile) {
	if err := p.Validate(); err != nil {
		d.logger.Warn("ignoring incomplete profile", "error", err)
		return
	}
	if err := d.service.SetProfile(p); err != nil {
		d.logger.Error("failed to apply profile", "error", err)
		return
	}
	if d.service.Running() || ctx.Err() != nil {
		return
	}

	if err := d.service.Start(ctx); err != nil && !errors.Is(err, agent.ErrAlreadyRunning) {
		d.logger.Error("failed to start discovery", "error", err)
		return
	}
	d.setState(StateRunning)
}

// shutdown performs graceful shutdown.
func (d *Daemon) shutdown(watcher *profile.Watcher) error {
	d.setState(StateStopping)
	var errs []error

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close profile watcher: %w", err))
		}
	}

	if err := d.service.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop discovery: %w", err))
	}
	d.removeHandler()
	d.dispatcher.CancelAll()

	if err := d.server.Stop(); err != nil {
		errs = append(errs, err)
	}

	if c, ok := d.radio.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close radio: %w", err))
		}
	}

	d.setState(StateIdle)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func formatAddrs(r *radio.LANRadio) []string {
	addrs := r.Addrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
