package ipc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitalk/bitalk/internal/agent"
	"github.com/bitalk/bitalk/internal/discovery"
	"github.com/bitalk/bitalk/internal/profile"
	"github.com/bitalk/bitalk/pkg/proximity"
)

type fakeBackend struct {
	peers []discovery.PeerEntry
	stats agent.Stats
	prof  profile.LocalProfile
}

func (f *fakeBackend) Snapshot() []discovery.PeerEntry { return f.peers }
func (f *fakeBackend) Stats() agent.Stats              { return f.stats }
func (f *fakeBackend) Profile() profile.LocalProfile   { return f.prof }

func startServer(t *testing.T, backend Backend) *Client {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "a.sock")
	srv := NewServer(backend)
	require.NoError(t, srv.Listen(socket))

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	t.Cleanup(func() {
		require.NoError(t, srv.Stop())
		<-done
	})

	client, err := Dial(socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ============================================================
// Nearby Tests
// ============================================================

func TestNearby(t *testing.T) {
	seen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	backend := &fakeBackend{peers: []discovery.PeerEntry{
		{
			Username:       "alice",
			Description:    "bass player",
			Topics:         []string{"music", "jazz"},
			MatchingTopics: []string{"Music"},
			MatchScore:     0.5,
			LastRSSI:       -65,
			DistanceMeters: 2.0,
			FirstSeenAt:    seen,
			LastSeenAt:     seen.Add(time.Minute),
			LastAddress:    "AA:BB",
		},
		{
			Username:       "bob",
			Topics:         []string{"art"},
			MatchingTopics: []string{"art"},
			DistanceMeters: proximity.Unknown,
		},
	}}
	client := startServer(t, backend)

	peers, err := client.Nearby(testContext(t))
	require.NoError(t, err)
	require.Len(t, peers, 2)

	alice := peers[0]
	assert.Equal(t, "alice", alice.Username)
	assert.Equal(t, "bass player", alice.Description)
	assert.Equal(t, []string{"music", "jazz"}, alice.Topics)
	assert.Equal(t, []string{"Music"}, alice.MatchingTopics)
	assert.Equal(t, 0.5, alice.MatchScore)
	assert.Equal(t, -65, alice.RSSI)
	assert.Equal(t, "~2m", alice.Distance)
	assert.Equal(t, proximity.ClassNear.String(), alice.Class)
	assert.Equal(t, "AA:BB", alice.Address)
	assert.True(t, seen.Equal(alice.FirstSeen))
	assert.True(t, seen.Add(time.Minute).Equal(alice.LastSeen))

	bob := peers[1]
	assert.Equal(t, "?", bob.Distance)
	assert.Equal(t, proximity.Unknown, bob.DistanceMeters)
}

func TestNearby_Empty(t *testing.T) {
	client := startServer(t, &fakeBackend{})

	peers, err := client.Nearby(testContext(t))
	require.NoError(t, err)
	require.Empty(t, peers)
}

// ============================================================
// Status / Profile Tests
// ============================================================

func TestStatus(t *testing.T) {
	backend := &fakeBackend{
		stats: agent.Stats{
			Running:      true,
			Scanning:     true,
			Peers:        3,
			ScanStarts:   4,
			ScanFailures: 1,
			ExchangesOK:  12,
			Ignored:      7,
		},
		prof: profile.New("carol", "", []string{"hiking"}, false),
	}
	client := startServer(t, backend)

	st, err := client.Status(testContext(t))
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.True(t, st.Scanning)
	assert.Equal(t, "carol", st.Username)
	assert.Equal(t, 3, st.Peers)
	assert.Equal(t, int64(4), st.ScanStarts)
	assert.Equal(t, int64(1), st.ScanFailures)
	assert.Equal(t, int64(12), st.ExchangesOK)
	assert.Equal(t, int64(7), st.Ignored)
}

func TestProfile(t *testing.T) {
	backend := &fakeBackend{prof: profile.New("dave", "climber", []string{"climbing", "music"}, true)}
	client := startServer(t, backend)

	p, err := client.Profile(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "dave", p.Username)
	assert.Equal(t, "climber", p.Description)
	assert.Equal(t, []string{"climbing", "music"}, p.Topics)
	assert.True(t, p.ExactMatch)
}

func TestClient_NoServer(t *testing.T) {
	client, err := Dial(filepath.Join(t.TempDir(), "missing.sock"))
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = client.Status(ctx)
	require.Error(t, err)
}

func TestServer_ServeWithoutListen(t *testing.T) {
	srv := NewServer(&fakeBackend{})
	require.Error(t, srv.Serve())
}
