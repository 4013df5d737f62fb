package radio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitalk/bitalk/pkg/broadcast"
)

type recordingHandler struct {
	mu      sync.Mutex
	results []ScanResult
	fails   []error
}

func (h *recordingHandler) HandleScanResult(r ScanResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, r)
}

func (h *recordingHandler) HandleScanFailed(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fails = append(h.fails, err)
}

func (h *recordingHandler) Results() []ScanResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ScanResult(nil), h.results...)
}

func (h *recordingHandler) Fails() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.fails...)
}

var serviceScan = ScanOptions{ServiceID: ServiceID}

// ============================================================
// Medium Tests
// ============================================================

func TestMedium_PulseDeliversAdvertisers(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("A")
	b := m.NewRadio("B")
	c := m.NewRadio("C")

	require.NoError(t, a.StartAdvertising([]byte("a")))
	require.NoError(t, c.StartAdvertising([]byte("c")))
	m.SetRSSI("C", "B", -75)

	h := &recordingHandler{}
	require.NoError(t, b.StartScanning(serviceScan, h))

	m.Pulse()

	results := h.Results()
	require.Len(t, results, 2)
	byAddr := map[string]ScanResult{}
	for _, r := range results {
		byAddr[r.Address] = r
		require.True(t, r.HasService(ServiceID))
	}
	require.Equal(t, DefaultLinkRSSI, byAddr["A"].RSSI)
	require.Equal(t, -75, byAddr["C"].RSSI)
}

func TestMedium_NoSelfResults(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("A")
	require.NoError(t, a.StartAdvertising([]byte("a")))

	h := &recordingHandler{}
	require.NoError(t, a.StartScanning(serviceScan, h))
	m.Pulse()
	require.Empty(t, h.Results())
}

func TestMedium_InjectHonorsOpportunistic(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("A")

	filtered := &recordingHandler{}
	require.NoError(t, a.StartScanning(serviceScan, filtered))
	require.False(t, m.Inject("A", ScanResult{Address: "X", RSSI: -50}))
	require.NoError(t, a.StopScanning())

	opportunistic := &recordingHandler{}
	require.NoError(t, a.StartScanning(ScanOptions{ServiceID: ServiceID, Opportunistic: true}, opportunistic))
	require.True(t, m.Inject("A", ScanResult{Address: "X", RSSI: -50}))

	results := opportunistic.Results()
	require.Len(t, results, 1)
	require.True(t, results[0].Opportunistic)
	require.Empty(t, filtered.Results())
}

func TestMedium_DetachedRadioIsUnreachable(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("A")
	m.NewRadio("B")
	m.Detach("B")

	_, err := a.Dial(context.Background(), "B")
	require.ErrorIs(t, err, ErrUnknownPeer)
}

// ============================================================
// MemoryRadio Tests
// ============================================================

func TestMemoryRadio_ChunkedRead(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("A")
	b := m.NewRadio("B")

	payload := make([]byte, ChunkSize+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, a.StartAdvertising(payload))

	conn, err := b.Dial(context.Background(), "A")
	require.NoError(t, err)
	defer conn.Close()

	first, err := conn.ReadPayload(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, payload[:ChunkSize], first)

	second, err := conn.ReadPayload(context.Background(), ChunkSize)
	require.NoError(t, err)
	require.Equal(t, payload[ChunkSize:], second)

	tail, err := conn.ReadPayload(context.Background(), len(payload))
	require.NoError(t, err)
	require.Empty(t, tail)
}

func TestMemoryRadio_ServesEncodedFrame(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("A")
	b := m.NewRadio("B")

	frame, err := broadcast.Encode(broadcast.Profile{Username: "alice", Topics: []string{"music"}})
	require.NoError(t, err)
	require.NoError(t, a.StartAdvertising(frame))

	conn, err := b.Dial(context.Background(), "A")
	require.NoError(t, err)
	data, err := conn.ReadPayload(context.Background(), 0)
	require.NoError(t, err)

	got, err := broadcast.Decode(data)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Username)
}

func TestMemoryRadio_ReadFromSilentPeer(t *testing.T) {
	m := NewMedium()
	m.NewRadio("A")
	b := m.NewRadio("B")

	conn, err := b.Dial(context.Background(), "A")
	require.NoError(t, err)
	_, err = conn.ReadPayload(context.Background(), 0)
	require.ErrorIs(t, err, ErrNotAdvertising)
}

func TestMemoryRadio_ReadAfterClose(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("A")
	b := m.NewRadio("B")
	require.NoError(t, a.StartAdvertising([]byte("x")))

	conn, err := b.Dial(context.Background(), "A")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = conn.ReadPayload(context.Background(), 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryRadio_ReadDelayHonorsContext(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("A")
	b := m.NewRadio("B")
	require.NoError(t, a.StartAdvertising([]byte("x")))
	a.SetReadDelay(time.Second)

	conn, err := b.Dial(context.Background(), "A")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = conn.ReadPayload(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryRadio_Unavailable(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("A")
	require.NoError(t, a.Available())

	a.SetAvailable(false)
	require.ErrorIs(t, a.Available(), ErrUnavailable)
	require.ErrorIs(t, a.StartAdvertising(nil), ErrUnavailable)
	require.ErrorIs(t, a.StartScanning(serviceScan, &recordingHandler{}), ErrUnavailable)
}

func TestMemoryRadio_ScanFailureInjection(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("A")
	h := &recordingHandler{}

	a.FailScanStarts(1)
	require.Error(t, a.StartScanning(serviceScan, h))
	require.NoError(t, a.StartScanning(serviceScan, h))
	require.ErrorIs(t, a.StartScanning(serviceScan, h), ErrScanning)
	require.Equal(t, 1, a.ScanStarts())

	boom := errors.New("scan aborted")
	a.FailScan(boom)
	require.False(t, a.Scanning())
	require.Equal(t, []error{boom}, h.Fails())
}

func TestMemoryRadio_DialFailureInjection(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("A")
	m.NewRadio("B")

	a.FailDials(1)
	_, err := a.Dial(context.Background(), "B")
	require.Error(t, err)

	conn, err := a.Dial(context.Background(), "B")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.Equal(t, 1, a.Dials())
}

func TestMemoryRadio_PayloadIsCopied(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("A")

	payload := []byte("abc")
	require.NoError(t, a.StartAdvertising(payload))
	payload[0] = 'X'
	require.Equal(t, []byte("abc"), a.Payload())
}
