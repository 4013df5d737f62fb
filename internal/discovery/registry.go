// Package discovery tracks matched nearby peers. The Registry turns decoded
// broadcasts into a deduplicated peer set keyed by username, smooths signal
// strength per radio address, and ages out peers that fall silent.
package discovery

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bitalk/bitalk/internal/profile"
	"github.com/bitalk/bitalk/pkg/broadcast"
	"github.com/bitalk/bitalk/pkg/proximity"
	"github.com/bitalk/bitalk/pkg/topics"
)

const (
	// DefaultUserTimeout is how long a peer may stay silent before a sweep removes it.
	DefaultUserTimeout = 45 * time.Second
	// DefaultFilterTTL is how long idle signal filter state is kept.
	DefaultFilterTTL = 4 * DefaultUserTimeout
)

// RegistryConfig holds configuration for the Registry.
type RegistryConfig struct {
	// FilterWindow is the number of RSSI samples averaged per address.
	// Default: 5
	FilterWindow int

	// Model converts smoothed RSSI into meters.
	Model proximity.Model

	// FilterTTL evicts filter state for addresses with no sample for this long.
	// Default: 3 minutes
	FilterTTL time.Duration
}

// DefaultRegistryConfig returns the default configuration for the Registry.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		FilterWindow: proximity.DefaultWindow,
		Model:        proximity.DefaultModel(),
		FilterTTL:    DefaultFilterTTL,
	}
}

// PeerEntry is a matched nearby peer. Callers always receive copies.
type PeerEntry struct {
	Username       string
	Description    string
	Topics         []string
	MatchingTopics []string
	MatchScore     float64
	LastRSSI       int
	// DistanceMeters is proximity.Unknown when no estimate is available.
	DistanceMeters float64
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	LastAddress    string
}

// DistanceClass returns the coarse proximity bucket for the entry.
func (p PeerEntry) DistanceClass() proximity.Class {
	return proximity.ClassOf(p.DistanceMeters)
}

func (p PeerEntry) clone() PeerEntry {
	c := p
	c.Topics = append([]string(nil), p.Topics...)
	c.MatchingTopics = append([]string(nil), p.MatchingTopics...)
	return c
}

// Outcome describes what Ingest did with a broadcast.
type Outcome int

const (
	// IgnoredSelf means the broadcast carried the local username.
	IgnoredSelf Outcome = iota
	// IgnoredNoMatch means no topics matched the local profile.
	IgnoredNoMatch
	// Discovered means a new entry was created.
	Discovered
	// Updated means an existing entry was refreshed.
	Updated
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case IgnoredSelf:
		return "IgnoredSelf"
	case IgnoredNoMatch:
		return "IgnoredNoMatch"
	case Discovered:
		return "Discovered"
	case Updated:
		return "Updated"
	default:
		return "Unknown"
	}
}

// IngestResult is returned by Ingest. Peer is only set for Discovered and Updated.
type IngestResult struct {
	Outcome Outcome
	Peer    PeerEntry
}

type filterState struct {
	filter     *proximity.Filter
	lastSample time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the time source used to stamp ingests and events.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry is the discovery state machine. It is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	peers     map[string]*PeerEntry
	filters   map[string]*filterState
	addrOwner map[string]string

	bus    eventBus
	config RegistryConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates a Registry. Zero config fields take their defaults.
func NewRegistry(cfg RegistryConfig, opts ...RegistryOption) *Registry {
	def := DefaultRegistryConfig()
	if cfg.FilterWindow <= 0 {
		cfg.FilterWindow = def.FilterWindow
	}
	if cfg.Model == (proximity.Model{}) {
		cfg.Model = def.Model
	}
	if cfg.FilterTTL <= 0 {
		cfg.FilterTTL = def.FilterTTL
	}

	r := &Registry{
		peers:     make(map[string]*PeerEntry),
		filters:   make(map[string]*filterState),
		addrOwner: make(map[string]string),
		config:    cfg,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the registry's configuration.
func (r *Registry) Config() RegistryConfig {
	return r.config
}

// Ingest applies one decoded broadcast heard at addr with the given raw RSSI.
// A broadcast from the local user or one sharing no topics with local leaves
// the registry, including filter state, untouched.
func (r *Registry) Ingest(addr string, b *broadcast.Broadcast, rssi int, local profile.LocalProfile) IngestResult {
	if b == nil || b.Username == "" {
		return IngestResult{Outcome: IgnoredNoMatch}
	}
	if b.Username == local.Username {
		return IngestResult{Outcome: IgnoredSelf}
	}

	matches := topics.FindMatches(local.Topics, local.ExactMatchMode, b.Topics)
	if len(matches) == 0 {
		return IngestResult{Outcome: IgnoredNoMatch}
	}
	score := topics.MatchScore(local.Topics, b.Topics, matches)

	// deliverMu is taken before mu so handlers may read the registry.
	r.bus.deliverMu.Lock()
	defer r.bus.deliverMu.Unlock()

	r.mu.Lock()
	now := r.now()

	fs, ok := r.filters[addr]
	if !ok {
		fs = &filterState{filter: proximity.NewFilterWithModel(r.config.FilterWindow, r.config.Model)}
		r.filters[addr] = fs
	}
	fs.lastSample = now
	distance := fs.filter.SmoothedDistance(rssi)
	r.addrOwner[addr] = b.Username

	outcome := Updated
	entry, exists := r.peers[b.Username]
	if !exists {
		outcome = Discovered
		entry = &PeerEntry{Username: b.Username, FirstSeenAt: now}
		r.peers[b.Username] = entry
	}
	entry.Description = b.Description
	entry.Topics = append([]string(nil), b.Topics...)
	entry.MatchingTopics = matches
	entry.MatchScore = score
	entry.LastRSSI = rssi
	entry.DistanceMeters = distance
	entry.LastSeenAt = now
	entry.LastAddress = addr

	result := IngestResult{Outcome: outcome, Peer: entry.clone()}

	evType := EventUpdated
	if outcome == Discovered {
		evType = EventDiscovered
	}
	r.mu.Unlock()

	if outcome == Discovered {
		r.logger.Info("peer discovered",
			"peer", b.Username,
			"addr", addr,
			"matches", len(matches),
			"distance", proximity.FormatDistance(distance),
		)
	} else {
		r.logger.Debug("peer updated", "peer", b.Username, "addr", addr, "rssi", rssi)
	}
	r.bus.deliver([]Event{{Type: evType, Peer: result.Peer, At: now}})

	return result
}

// Sweep removes every peer whose last sighting is more than timeout before
// now and emits exactly one Lost event per removed peer. It also evicts
// filter state belonging to removed peers and state idle past FilterTTL.
func (r *Registry) Sweep(timeout time.Duration, now time.Time) []PeerEntry {
	r.bus.deliverMu.Lock()
	defer r.bus.deliverMu.Unlock()

	r.mu.Lock()

	var removed []PeerEntry
	for name, entry := range r.peers {
		if now.Sub(entry.LastSeenAt) > timeout {
			removed = append(removed, entry.clone())
			delete(r.peers, name)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Username < removed[j].Username })

	gone := make(map[string]struct{}, len(removed))
	for _, p := range removed {
		gone[p.Username] = struct{}{}
	}
	evicted := 0
	for addr, fs := range r.filters {
		_, ownerGone := gone[r.addrOwner[addr]]
		if ownerGone || now.Sub(fs.lastSample) > r.config.FilterTTL {
			delete(r.filters, addr)
			delete(r.addrOwner, addr)
			evicted++
		}
	}

	if len(removed) == 0 {
		r.mu.Unlock()
		if evicted > 0 {
			r.logger.Debug("evicted idle signal filters", "count", evicted)
		}
		return nil
	}

	events := make([]Event, 0, len(removed))
	for _, p := range removed {
		events = append(events, Event{Type: EventLost, Peer: p, At: now})
	}

	r.mu.Unlock()

	for _, p := range removed {
		r.logger.Info("peer lost", "peer", p.Username, "last_seen", p.LastSeenAt)
	}
	r.logger.Debug("sweep complete", "removed", len(removed), "evicted_filters", evicted)
	r.bus.deliver(events)

	return removed
}

// Snapshot returns copies of all entries, nearest first. Entries with an
// unknown distance sort last; ties are broken by username.
func (r *Registry) Snapshot() []PeerEntry {
	r.mu.Lock()
	out := make([]PeerEntry, 0, len(r.peers))
	for _, entry := range r.peers {
		out = append(out, entry.clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		di, dj := sortKey(out[i].DistanceMeters), sortKey(out[j].DistanceMeters)
		if di != dj {
			return di < dj
		}
		return out[i].Username < out[j].Username
	})
	return out
}

func sortKey(d float64) float64 {
	if d < 0 || math.IsNaN(d) {
		return math.Inf(1)
	}
	return d
}

// Get returns a copy of the entry for username.
func (r *Registry) Get(username string) (PeerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.peers[username]
	if !ok {
		return PeerEntry{}, false
	}
	return entry.clone(), true
}

// Len returns the number of tracked peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// FilterCount returns the number of addresses with signal filter state.
func (r *Registry) FilterCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.filters)
}

// Reset drops all peers and filter state without emitting events.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers = make(map[string]*PeerEntry)
	r.filters = make(map[string]*filterState)
	r.addrOwner = make(map[string]string)
}

// Clear drops all peers and filter state and emits one Lost event per peer
// that was tracked, in username order.
func (r *Registry) Clear(now time.Time) []PeerEntry {
	r.bus.deliverMu.Lock()
	defer r.bus.deliverMu.Unlock()

	r.mu.Lock()
	removed := make([]PeerEntry, 0, len(r.peers))
	for _, entry := range r.peers {
		removed = append(removed, entry.clone())
	}
	r.peers = make(map[string]*PeerEntry)
	r.filters = make(map[string]*filterState)
	r.addrOwner = make(map[string]string)
	r.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Username < removed[j].Username })

	events := make([]Event, 0, len(removed))
	for _, p := range removed {
		events = append(events, Event{Type: EventLost, Peer: p, At: now})
	}
	r.logger.Info("registry cleared", "lost", len(removed))
	r.bus.deliver(events)

	return removed
}

// AddHandler registers h for synchronous delivery of every future event and
// returns a function that removes it.
func (r *Registry) AddHandler(h Handler) func() {
	return r.bus.addHandler(h)
}

// Subscribe returns a channel receiving future events. Sends never block: when
// the buffer is full the event is dropped and counted by DroppedEvents. The
// cancel function closes the channel.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	return r.bus.subscribe(buffer)
}

// DroppedEvents returns the number of events dropped on full subscriber channels.
func (r *Registry) DroppedEvents() int64 {
	return r.bus.dropped.Load()
}
