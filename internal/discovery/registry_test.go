package discovery

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitalk/bitalk/internal/profile"
	"github.com/bitalk/bitalk/pkg/broadcast"
	"github.com/bitalk/bitalk/pkg/proximity"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewRegistry(DefaultRegistryConfig(), WithClock(clock.Now)), clock
}

func localProfile(topicList ...string) profile.LocalProfile {
	return profile.New("me", "local user", topicList, false)
}

func bcast(username string, topicList ...string) *broadcast.Broadcast {
	return &broadcast.Broadcast{
		Username:    username,
		Description: "hello from " + username,
		Topics:      topicList,
		Timestamp:   time.Now(),
	}
}

// ============================================================
// Ingest Tests
// ============================================================

func TestIngest_SelfIsIgnored(t *testing.T) {
	reg, _ := newTestRegistry(t)
	local := localProfile("music")

	res := reg.Ingest("AA:BB", bcast("me", "music"), -60, local)

	require.Equal(t, IgnoredSelf, res.Outcome)
	require.Zero(t, reg.Len())
	require.Zero(t, reg.FilterCount())
}

func TestIngest_NoMatchLeavesNoState(t *testing.T) {
	reg, _ := newTestRegistry(t)
	events, cancel := reg.Subscribe(4)
	defer cancel()

	res := reg.Ingest("AA:BB", bcast("alice", "knitting"), -60, localProfile("bitcoin"))

	require.Equal(t, IgnoredNoMatch, res.Outcome)
	require.Zero(t, reg.Len())
	require.Zero(t, reg.FilterCount(), "non-matching broadcasts must not create filter state")
	require.Empty(t, events)
}

func TestIngest_NilBroadcast(t *testing.T) {
	reg, _ := newTestRegistry(t)
	res := reg.Ingest("AA:BB", nil, -60, localProfile("music"))
	require.Equal(t, IgnoredNoMatch, res.Outcome)
}

func TestIngest_Discovered(t *testing.T) {
	reg, clock := newTestRegistry(t)
	local := localProfile("Music", "hiking")

	res := reg.Ingest("AA:BB", bcast("alice", "music", "art"), -59, local)

	require.Equal(t, Discovered, res.Outcome)
	p := res.Peer
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, "hello from alice", p.Description)
	assert.Equal(t, []string{"music", "art"}, p.Topics)
	assert.Equal(t, []string{"Music"}, p.MatchingTopics, "matching topics use local spelling")
	assert.InDelta(t, 1.0/3.0, p.MatchScore, 1e-9)
	assert.Equal(t, -59, p.LastRSSI)
	assert.InDelta(t, 1.0, p.DistanceMeters, 1e-9)
	assert.Equal(t, clock.Now(), p.FirstSeenAt)
	assert.Equal(t, clock.Now(), p.LastSeenAt)
	assert.Equal(t, "AA:BB", p.LastAddress)
	assert.Equal(t, 1, reg.Len())
}

func TestIngest_ZeroRSSIGivesUnknownDistance(t *testing.T) {
	reg, _ := newTestRegistry(t)
	res := reg.Ingest("AA:BB", bcast("alice", "music"), 0, localProfile("music"))
	require.Equal(t, proximity.Unknown, res.Peer.DistanceMeters)
	require.Equal(t, proximity.ClassUnknown, res.Peer.DistanceClass())
}

func TestIngest_DedupAcrossAddressRotation(t *testing.T) {
	reg, clock := newTestRegistry(t)
	local := localProfile("music")

	first := reg.Ingest("AA:01", bcast("alice", "music"), -60, local)
	require.Equal(t, Discovered, first.Outcome)

	clock.Advance(10 * time.Second)
	second := reg.Ingest("AA:02", bcast("alice", "music", "jazz"), -70, local)

	require.Equal(t, Updated, second.Outcome)
	require.Equal(t, 1, reg.Len())
	assert.Equal(t, first.Peer.FirstSeenAt, second.Peer.FirstSeenAt)
	assert.True(t, second.Peer.LastSeenAt.After(first.Peer.LastSeenAt))
	assert.Equal(t, "AA:02", second.Peer.LastAddress)
	assert.Equal(t, []string{"music", "jazz"}, second.Peer.Topics)
	assert.Equal(t, 2, reg.FilterCount(), "filters are keyed by address")
}

func TestIngest_SmoothsPerAddress(t *testing.T) {
	reg, _ := newTestRegistry(t)
	local := localProfile("music")

	reg.Ingest("AA:01", bcast("alice", "music"), -50, local)
	res := reg.Ingest("AA:01", bcast("alice", "music"), -70, local)

	// Mean of -50 and -70 is -60.
	want := proximity.DefaultModel().Distance(-60)
	require.InDelta(t, want, res.Peer.DistanceMeters, 1e-9)
	require.Equal(t, -70, res.Peer.LastRSSI)
}

func TestIngest_ExactMode(t *testing.T) {
	reg, _ := newTestRegistry(t)
	local := profile.New("me", "", []string{"bitcoin"}, true)

	res := reg.Ingest("AA:01", bcast("alice", "crypto"), -60, local)
	require.Equal(t, IgnoredNoMatch, res.Outcome)

	res = reg.Ingest("AA:01", bcast("alice", "BITCOIN"), -60, local)
	require.Equal(t, Discovered, res.Outcome)
	require.Equal(t, []string{"bitcoin"}, res.Peer.MatchingTopics)
}

func TestIngest_ConcurrentDistinctPeers(t *testing.T) {
	reg, _ := newTestRegistry(t)
	local := localProfile("music")
	events, cancel := reg.Subscribe(256)
	defer cancel()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("user_%02d", i)
			reg.Ingest(fmt.Sprintf("addr-%02d", i), bcast(name, "music"), -60-i%20, local)
		}(i)
	}
	wg.Wait()

	require.Equal(t, n, reg.Len())

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		e := <-events
		require.Equal(t, EventDiscovered, e.Type)
		require.False(t, seen[e.Peer.Username], "duplicate Discovered for %s", e.Peer.Username)
		seen[e.Peer.Username] = true
	}
	require.Len(t, seen, n)
	require.Zero(t, reg.DroppedEvents())
}

// ============================================================
// Sweep Tests
// ============================================================

func TestSweep_RemovesStalePeersOnce(t *testing.T) {
	reg, clock := newTestRegistry(t)
	local := localProfile("music")
	events, cancel := reg.Subscribe(8)
	defer cancel()

	reg.Ingest("AA:01", bcast("alice", "music"), -60, local)
	<-events

	clock.Advance(30 * time.Second)
	reg.Ingest("AA:02", bcast("bob", "music"), -60, local)
	<-events

	clock.Advance(20 * time.Second)
	removed := reg.Sweep(DefaultUserTimeout, clock.Now())
	require.Len(t, removed, 1)
	require.Equal(t, "alice", removed[0].Username)

	e := <-events
	require.Equal(t, EventLost, e.Type)
	require.Equal(t, "alice", e.Peer.Username)

	// A second sweep at the same instant must not emit again.
	require.Empty(t, reg.Sweep(DefaultUserTimeout, clock.Now()))
	require.Empty(t, events)

	_, ok := reg.Get("bob")
	require.True(t, ok)
}

func TestSweep_BoundaryIsExclusive(t *testing.T) {
	reg, clock := newTestRegistry(t)
	reg.Ingest("AA:01", bcast("alice", "music"), -60, localProfile("music"))

	clock.Advance(DefaultUserTimeout)
	require.Empty(t, reg.Sweep(DefaultUserTimeout, clock.Now()))

	clock.Advance(time.Millisecond)
	require.Len(t, reg.Sweep(DefaultUserTimeout, clock.Now()), 1)
}

func TestSweep_EvictsFilterState(t *testing.T) {
	reg, clock := newTestRegistry(t)
	local := localProfile("music")

	reg.Ingest("AA:01", bcast("alice", "music"), -60, local)
	reg.Ingest("AA:02", bcast("alice", "music"), -60, local)
	require.Equal(t, 2, reg.FilterCount())

	clock.Advance(DefaultUserTimeout + time.Second)
	reg.Sweep(DefaultUserTimeout, clock.Now())
	require.Zero(t, reg.FilterCount(), "filters of a lost peer are dropped")
}

func TestSweep_EvictsIdleFilterOfLivePeer(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultRegistryConfig()
	cfg.FilterTTL = time.Minute
	reg := NewRegistry(cfg, WithClock(clock.Now))
	local := localProfile("music")

	reg.Ingest("AA:01", bcast("alice", "music"), -60, local)
	for i := 0; i < 3; i++ {
		clock.Advance(30 * time.Second)
		reg.Ingest("AA:02", bcast("alice", "music"), -60, local)
	}

	reg.Sweep(DefaultUserTimeout, clock.Now())
	require.Equal(t, 1, reg.Len())
	require.Equal(t, 1, reg.FilterCount())
}

// ============================================================
// Snapshot Tests
// ============================================================

func TestSnapshot_SortedByDistance(t *testing.T) {
	reg, _ := newTestRegistry(t)
	local := localProfile("music")

	reg.Ingest("A", bcast("far", "music"), -90, local)
	reg.Ingest("B", bcast("near", "music"), -50, local)
	reg.Ingest("C", bcast("unknown", "music"), 0, local)
	reg.Ingest("D", bcast("also_near", "music"), -50, local)

	var names []string
	for _, p := range reg.Snapshot() {
		names = append(names, p.Username)
	}
	require.Equal(t, []string{"also_near", "near", "far", "unknown"}, names)
}

func TestSnapshot_ReturnsCopies(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Ingest("A", bcast("alice", "music"), -60, localProfile("music"))

	snap := reg.Snapshot()
	snap[0].Topics[0] = "mutated"
	snap[0].MatchingTopics[0] = "mutated"
	snap[0].Username = "mallory"

	got, ok := reg.Get("alice")
	require.True(t, ok)
	require.Equal(t, []string{"music"}, got.Topics)
	require.Equal(t, []string{"music"}, got.MatchingTopics)
}

func TestReset_DropsEverythingSilently(t *testing.T) {
	reg, _ := newTestRegistry(t)
	events, cancel := reg.Subscribe(4)
	defer cancel()

	reg.Ingest("A", bcast("alice", "music"), -60, localProfile("music"))
	<-events

	reg.Reset()
	require.Zero(t, reg.Len())
	require.Zero(t, reg.FilterCount())
	require.Empty(t, events)
}

func TestClear_EmitsLostForEveryPeer(t *testing.T) {
	reg, clock := newTestRegistry(t)
	events, cancel := reg.Subscribe(8)
	defer cancel()

	reg.Ingest("B", bcast("bob", "music"), -60, localProfile("music"))
	reg.Ingest("A", bcast("alice", "music"), -60, localProfile("music"))
	<-events
	<-events

	removed := reg.Clear(clock.Now())
	require.Len(t, removed, 2)
	require.Zero(t, reg.Len())
	require.Zero(t, reg.FilterCount())

	for _, want := range []string{"alice", "bob"} {
		e := <-events
		require.Equal(t, EventLost, e.Type)
		require.Equal(t, want, e.Peer.Username)
	}
	require.Empty(t, events)

	require.Nil(t, reg.Clear(clock.Now()))
	require.Empty(t, events)
}

// ============================================================
// Event Tests
// ============================================================

func TestEvents_HandlersRunInOrder(t *testing.T) {
	reg, clock := newTestRegistry(t)
	local := localProfile("music")

	var got []string
	remove := reg.AddHandler(HandlerFunc(func(e Event) {
		got = append(got, e.Type.String()+":"+e.Peer.Username)
	}))

	reg.Ingest("A", bcast("alice", "music"), -60, local)
	reg.Ingest("A", bcast("alice", "music"), -61, local)
	clock.Advance(time.Minute)
	reg.Sweep(DefaultUserTimeout, clock.Now())

	remove()
	reg.Ingest("B", bcast("bob", "music"), -60, local)

	require.Equal(t, []string{"Discovered:alice", "Updated:alice", "Lost:alice"}, got)
}

func TestEvents_HandlerMayReadRegistry(t *testing.T) {
	reg, _ := newTestRegistry(t)

	var seen int
	reg.AddHandler(HandlerFunc(func(e Event) {
		seen = len(reg.Snapshot())
	}))

	reg.Ingest("A", bcast("alice", "music"), -60, localProfile("music"))
	require.Equal(t, 1, seen)
}

func TestEvents_FullChannelDropsAndCounts(t *testing.T) {
	reg, _ := newTestRegistry(t)
	local := localProfile("music")
	events, cancel := reg.Subscribe(1)
	defer cancel()

	reg.Ingest("A", bcast("alice", "music"), -60, local)
	reg.Ingest("B", bcast("bob", "music"), -60, local)

	require.Len(t, events, 1)
	require.Equal(t, int64(1), reg.DroppedEvents())
}

func TestEvents_CancelClosesChannel(t *testing.T) {
	reg, _ := newTestRegistry(t)
	events, cancel := reg.Subscribe(1)

	cancel()
	cancel()

	_, open := <-events
	require.False(t, open)

	reg.Ingest("A", bcast("alice", "music"), -60, localProfile("music"))
	require.Zero(t, reg.DroppedEvents())
}

func TestEvents_PayloadIsCopy(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.AddHandler(HandlerFunc(func(e Event) {
		e.Peer.Topics[0] = "mutated"
	}))

	reg.Ingest("A", bcast("alice", "music"), -60, localProfile("music"))

	got, _ := reg.Get("alice")
	require.Equal(t, []string{"music"}, got.Topics)
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "Discovered", EventDiscovered.String())
	assert.Equal(t, "Updated", EventUpdated.String())
	assert.Equal(t, "Lost", EventLost.String())
	assert.Equal(t, "Unknown(9)", EventType(9).String())
}
