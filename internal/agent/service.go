// Package agent runs the scan/advertise lifecycle. The Service advertises the
// local profile, keeps a scan alive through failures and periodic restarts,
// reads the payload of every nearby advertiser, and feeds decoded broadcasts
// into the discovery Registry.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitalk/bitalk/internal/discovery"
	"github.com/bitalk/bitalk/internal/profile"
	"github.com/bitalk/bitalk/internal/radio"
	"github.com/bitalk/bitalk/pkg/broadcast"
)

// Default tuning.
const (
	DefaultCleanupInterval        = 15 * time.Second
	DefaultScanRestartInterval    = 5 * time.Minute
	DefaultScanRetryDelay         = 5 * time.Second
	DefaultRestartGrace           = time.Second
	DefaultMinReadInterval        = 3 * time.Second
	DefaultMaxConcurrentExchanges = 8
	DefaultExchangeTimeout        = 10 * time.Second
)

var (
	// ErrTransportUnavailable is returned by Start when the radio is off or unsupported.
	ErrTransportUnavailable = errors.New("agent: transport unavailable")

	// ErrNoProfile is returned by Start before a profile has been set.
	ErrNoProfile = errors.New("agent: no local profile")

	// ErrAlreadyRunning is returned by Start on a running service.
	ErrAlreadyRunning = errors.New("agent: already running")

	// ErrInvalidConfig is returned by ServiceConfig.Validate.
	ErrInvalidConfig = errors.New("agent: invalid config")
)

// ServiceConfig holds configuration for the Service.
type ServiceConfig struct {
	// MaxFrameSize bounds the advertised and the accepted frame.
	// Default: 512
	MaxFrameSize int

	// UserTimeout is how long a peer may stay silent before it is lost.
	// Default: 45 seconds
	UserTimeout time.Duration

	// CleanupInterval is how often silent peers are swept.
	// Default: 15 seconds
	CleanupInterval time.Duration

	// ScanRestartInterval is how often the scan is restarted.
	// Default: 5 minutes
	ScanRestartInterval time.Duration

	// ScanRetryDelay is the wait before retrying a failed scan.
	// Default: 5 seconds
	ScanRetryDelay time.Duration

	// RestartGrace is the pause between stopping and restarting a scan.
	// Default: 1 second
	RestartGrace time.Duration

	// MinReadInterval skips scan results from an address read more recently.
	// Default: 3 seconds
	MinReadInterval time.Duration

	// MaxConcurrentExchanges bounds parallel payload reads.
	// Default: 8
	MaxConcurrentExchanges int

	// ExchangeTimeout bounds one dial-read-close exchange.
	// Default: 10 seconds
	ExchangeTimeout time.Duration

	// Opportunistic also listens to advertisements without the service id.
	// Those results are counted and dropped.
	Opportunistic bool
}

// DefaultServiceConfig returns the default configuration for the Service.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxFrameSize:           broadcast.DefaultMaxFrameSize,
		UserTimeout:            discovery.DefaultUserTimeout,
		CleanupInterval:        DefaultCleanupInterval,
		ScanRestartInterval:    DefaultScanRestartInterval,
		ScanRetryDelay:         DefaultScanRetryDelay,
		RestartGrace:           DefaultRestartGrace,
		MinReadInterval:        DefaultMinReadInterval,
		MaxConcurrentExchanges: DefaultMaxConcurrentExchanges,
		ExchangeTimeout:        DefaultExchangeTimeout,
		Opportunistic:          true,
	}
}

// Validate checks the configuration. A peer must survive at least one
// sweep, so UserTimeout has to exceed CleanupInterval.
func (c ServiceConfig) Validate() error {
	switch {
	case c.MaxFrameSize < broadcast.PrefixSize+3:
		return fmt.Errorf("%w: max frame size %d too small", ErrInvalidConfig, c.MaxFrameSize)
	case c.UserTimeout <= 0, c.CleanupInterval <= 0, c.ScanRestartInterval <= 0,
		c.ScanRetryDelay <= 0, c.ExchangeTimeout <= 0:
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	case c.RestartGrace < 0, c.MinReadInterval < 0:
		return fmt.Errorf("%w: restart grace and min read interval must not be negative", ErrInvalidConfig)
	case c.UserTimeout <= c.CleanupInterval:
		return fmt.Errorf("%w: user timeout %s must exceed cleanup interval %s",
			ErrInvalidConfig, c.UserTimeout, c.CleanupInterval)
	case c.MaxConcurrentExchanges <= 0:
		return fmt.Errorf("%w: max concurrent exchanges must be positive", ErrInvalidConfig)
	}
	return nil
}

// Stats are running counters for the scan lifecycle.
type Stats struct {
	Running         bool
	Scanning        bool
	Peers           int
	ScanStarts      int64
	ScanFailures    int64
	ScanRestarts    int64
	ExchangesOK     int64
	ExchangesFailed int64
	DecodeErrors    int64
	Ignored         int64
	Throttled       int64
	DroppedEvents   int64
}

type counters struct {
	scanStarts      atomic.Int64
	scanFailures    atomic.Int64
	scanRestarts    atomic.Int64
	exchangesOK     atomic.Int64
	exchangesFailed atomic.Int64
	decodeErrors    atomic.Int64
	ignored         atomic.Int64
	throttled       atomic.Int64
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the time source used for sweeps and read throttling.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service orchestrates advertising, scanning and payload exchanges.
// It is safe for concurrent use.
type Service struct {
	radio  radio.Radio
	reg    *discovery.Registry
	cfg    ServiceConfig
	logger *slog.Logger
	now    func() time.Time

	// lifeMu serializes Start and Stop. It is never held by radio callbacks.
	lifeMu sync.Mutex

	mu       sync.Mutex
	profile  profile.LocalProfile
	running  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	inflight map[string]struct{}
	lastRead map[string]time.Time

	scanMu     sync.Mutex
	scanActive bool

	wg      sync.WaitGroup
	sem     chan struct{}
	retryCh chan struct{}
	stats   counters
}

// NewService creates a Service. Zero config fields take their defaults.
func NewService(r radio.Radio, reg *discovery.Registry, cfg ServiceConfig, opts ...ServiceOption) *Service {
	cfg = withDefaults(cfg)
	s := &Service{
		radio:    r,
		reg:      reg,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		inflight: make(map[string]struct{}),
		lastRead: make(map[string]time.Time),
		sem:      make(chan struct{}, cfg.MaxConcurrentExchanges),
		retryCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func withDefaults(cfg ServiceConfig) ServiceConfig {
	def := DefaultServiceConfig()
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.UserTimeout <= 0 {
		cfg.UserTimeout = def.UserTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.ScanRestartInterval <= 0 {
		cfg.ScanRestartInterval = def.ScanRestartInterval
	}
	if cfg.ScanRetryDelay <= 0 {
		cfg.ScanRetryDelay = def.ScanRetryDelay
	}
	if cfg.RestartGrace < 0 {
		cfg.RestartGrace = def.RestartGrace
	}
	if cfg.MinReadInterval < 0 {
		cfg.MinReadInterval = def.MinReadInterval
	}
	if cfg.MaxConcurrentExchanges <= 0 {
		cfg.MaxConcurrentExchanges = def.MaxConcurrentExchanges
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = def.ExchangeTimeout
	}
	return cfg
}

// Config returns the service's configuration.
func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// Registry returns the registry the service feeds.
func (s *Service) Registry() *discovery.Registry {
	return s.reg
}

// Profile returns a copy of the current local profile.
func (s *Service) Profile() profile.LocalProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile.Clone()
}

// SetProfile replaces the local profile snapshot. A running service
// re-advertises immediately; in-flight exchanges keep the snapshot they
// started with.
func (s *Service) SetProfile(p profile.LocalProfile) error {
	p = p.Clone()

	s.mu.Lock()
	s.profile = p
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}
	if err := s.advertise(p); err != nil {
		return err
	}
	s.logger.Info("profile re-advertised", "user", p.Username, "topics", len(p.Topics))
	return nil
}

// Start begins advertising and scanning. A scan that fails to start is
// retried in the background; only an unavailable transport, a missing
// profile or a failed advertisement make Start fail.
func (s *Service) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := s.radio.Available(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	if s.profile.IsZero() {
		s.mu.Unlock()
		return ErrNoProfile
	}
	p := s.profile
	if err := s.advertise(p); err != nil {
		s.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	// Drain a retry request left over from a previous run.
	select {
	case <-s.retryCh:
	default:
	}

	// Scan callbacks take s.mu, so the scan starts with it released.
	if err := s.startScan(); err != nil {
		s.logger.Warn("initial scan failed, retrying", "error", err, "retry_in", s.cfg.ScanRetryDelay)
		s.requestRetry()
	}

	s.wg.Add(3)
	go s.sweepLoop(runCtx)
	go s.restartLoop(runCtx)
	go s.retryLoop(runCtx)

	s.logger.Info("discovery service started",
		"user", p.Username,
		"topics", len(p.Topics),
		"exact", p.ExactMatchMode,
	)
	return nil
}

// Stop cancels the lifecycle loops and in-flight exchanges, waits for them,
// stops radio activity and clears the registry, emitting Lost for every
// tracked peer. Stopping a stopped service is a no-op.
func (s *Service) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	var errs []error
	if err := s.stopScan(); err != nil {
		errs = append(errs, fmt.Errorf("stop scanning: %w", err))
	}
	if err := s.radio.StopAdvertising(); err != nil {
		errs = append(errs, fmt.Errorf("stop advertising: %w", err))
	}

	s.mu.Lock()
	s.inflight = make(map[string]struct{})
	s.lastRead = make(map[string]time.Time)
	s.mu.Unlock()

	s.reg.Clear(s.now())
	s.logger.Info("discovery service stopped")
	return errors.Join(errs...)
}

// Running reports whether the service is started.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Snapshot returns the current peers, nearest first.
func (s *Service) Snapshot() []discovery.PeerEntry {
	return s.reg.Snapshot()
}

// Subscribe returns a channel of registry events. See Registry.Subscribe.
func (s *Service) Subscribe(buffer int) (<-chan discovery.Event, func()) {
	return s.reg.Subscribe(buffer)
}

// AddHandler registers a synchronous registry event handler.
func (s *Service) AddHandler(h discovery.Handler) func() {
	return s.reg.AddHandler(h)
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Stats {
	s.scanMu.Lock()
	scanning := s.scanActive
	s.scanMu.Unlock()

	return Stats{
		Running:         s.Running(),
		Scanning:        scanning,
		Peers:           s.reg.Len(),
		ScanStarts:      s.stats.scanStarts.Load(),
		ScanFailures:    s.stats.scanFailures.Load(),
		ScanRestarts:    s.stats.scanRestarts.Load(),
		ExchangesOK:     s.stats.exchangesOK.Load(),
		ExchangesFailed: s.stats.exchangesFailed.Load(),
		DecodeErrors:    s.stats.decodeErrors.Load(),
		Ignored:         s.stats.ignored.Load(),
		Throttled:       s.stats.throttled.Load(),
		DroppedEvents:   s.reg.DroppedEvents(),
	}
}

func (s *Service) advertise(p profile.LocalProfile) error {
	frame, err := broadcast.EncodeWithLimit(p.Wire(), s.cfg.MaxFrameSize)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := s.radio.StartAdvertising(frame); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	return nil
}
