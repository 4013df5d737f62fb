package radio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitalk/bitalk/pkg/broadcast"
)

// DefaultLinkRSSI is the signal strength of a link with no explicit setting.
const DefaultLinkRSSI = -60

type link struct {
	from, to string
}

// Medium is an in-process broadcast medium shared by MemoryRadios. Scan
// results are only produced when Pulse is called, so tests control timing.
type Medium struct {
	mu     sync.Mutex
	radios map[string]*MemoryRadio
	rssi   map[link]int
}

// NewMedium creates an empty medium.
func NewMedium() *Medium {
	return &Medium{
		radios: make(map[string]*MemoryRadio),
		rssi:   make(map[link]int),
	}
}

// NewRadio attaches a radio with the given address to the medium.
func (m *Medium) NewRadio(addr string) *MemoryRadio {
	r := &MemoryRadio{medium: m, addr: addr, available: true}
	m.mu.Lock()
	m.radios[addr] = r
	m.mu.Unlock()
	return r
}

// Detach removes the radio at addr; it is no longer heard or dialable.
func (m *Medium) Detach(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.radios, addr)
}

// SetRSSI sets the signal strength at which radio to hears radio from.
func (m *Medium) SetRSSI(from, to string, rssi int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rssi[link{from: from, to: to}] = rssi
}

func (m *Medium) linkRSSI(from, to string) int {
	if v, ok := m.rssi[link{from: from, to: to}]; ok {
		return v
	}
	return DefaultLinkRSSI
}

type delivery struct {
	h   ScanHandler
	res ScanResult
}

// Pulse delivers one scan result for every advertising radio to every other
// scanning radio. Handlers run on the caller's goroutine.
func (m *Medium) Pulse() {
	m.mu.Lock()
	var out []delivery
	for _, scanner := range m.radios {
		h, _, ok := scanner.scanState()
		if !ok {
			continue
		}
		for _, adv := range m.radios {
			if adv == scanner || !adv.isAdvertising() {
				continue
			}
			out = append(out, delivery{h: h, res: ScanResult{
				Address:    adv.addr,
				RSSI:       m.linkRSSI(adv.addr, scanner.addr),
				ServiceIDs: []string{ServiceID},
			}})
		}
	}
	m.mu.Unlock()

	for _, d := range out {
		d.h.HandleScanResult(d.res)
	}
}

// Inject delivers an arbitrary scan result to the radio at addr, honoring its
// scan options: results without the scan's service id are only delivered to
// opportunistic scans and are then marked Opportunistic.
func (m *Medium) Inject(addr string, res ScanResult) bool {
	m.mu.Lock()
	r, ok := m.radios[addr]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h, opts, scanning := r.scanState()
	if !scanning {
		return false
	}
	if !res.HasService(opts.ServiceID) {
		if !opts.Opportunistic {
			return false
		}
		res.Opportunistic = true
	}
	h.HandleScanResult(res)
	return true
}

// Run pulses the medium every interval until ctx is done.
func (m *Medium) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Pulse()
		}
	}
}

func (m *Medium) lookup(addr string) (*MemoryRadio, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.radios[addr]
	return r, ok
}

// MemoryRadio is a Radio attached to a Medium.
type MemoryRadio struct {
	medium *Medium
	addr   string

	mu          sync.Mutex
	available   bool
	payload     []byte
	advertising bool
	scanning    bool
	scanOpts    ScanOptions
	handler     ScanHandler

	failScanStarts int
	failDials      int
	readDelay      time.Duration

	scanStarts int
	dials      int
}

var _ Radio = (*MemoryRadio)(nil)

// Address returns the radio's address on the medium.
func (r *MemoryRadio) Address() string {
	return r.addr
}

// SetAvailable toggles the transport on or off. Turning it off stops any
// scan and advertisement.
func (r *MemoryRadio) SetAvailable(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = ok
	if !ok {
		r.advertising = false
		r.scanning = false
		r.handler = nil
	}
}

// FailScanStarts makes the next n StartScanning calls fail.
func (r *MemoryRadio) FailScanStarts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failScanStarts = n
}

// FailDials makes the next n Dial calls on this radio fail.
func (r *MemoryRadio) FailDials(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failDials = n
}

// SetReadDelay delays every payload read served by this radio.
func (r *MemoryRadio) SetReadDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readDelay = d
}

// FailScan reports an asynchronous scan failure to the active handler and
// ends the scan.
func (r *MemoryRadio) FailScan(err error) {
	r.mu.Lock()
	h := r.handler
	r.scanning = false
	r.handler = nil
	r.mu.Unlock()
	if h != nil {
		h.HandleScanFailed(err)
	}
}

// ScanStarts returns how many scans started successfully.
func (r *MemoryRadio) ScanStarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanStarts
}

// Dials returns how many connections this radio opened.
func (r *MemoryRadio) Dials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

// Scanning reports whether a scan is active.
func (r *MemoryRadio) Scanning() bool {
	_, _, ok := r.scanState()
	return ok
}

// Advertising reports whether the radio is advertising.
func (r *MemoryRadio) Advertising() bool {
	return r.isAdvertising()
}

// Payload returns a copy of the advertised payload.
func (r *MemoryRadio) Payload() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.payload...)
}

func (r *MemoryRadio) Available() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.available {
		return fmt.Errorf("%s: %w", r.addr, ErrUnavailable)
	}
	return nil
}

func (r *MemoryRadio) StartAdvertising(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.available {
		return ErrUnavailable
	}
	r.payload = append([]byte(nil), payload...)
	r.advertising = true
	return nil
}

func (r *MemoryRadio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = false
	return nil
}

func (r *MemoryRadio) StartScanning(opts ScanOptions, h ScanHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.available {
		return ErrUnavailable
	}
	if r.scanning {
		return ErrScanning
	}
	if r.failScanStarts > 0 {
		r.failScanStarts--
		return fmt.Errorf("memory radio %s: injected scan start failure", r.addr)
	}
	r.scanning = true
	r.scanOpts = opts
	r.handler = h
	r.scanStarts++
	return nil
}

func (r *MemoryRadio) StopScanning() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = false
	r.handler = nil
	return nil
}

func (r *MemoryRadio) Dial(ctx context.Context, addr string) (PeerConn, error) {
	r.mu.Lock()
	if !r.available {
		r.mu.Unlock()
		return nil, ErrUnavailable
	}
	if r.failDials > 0 {
		r.failDials--
		r.mu.Unlock()
		return nil, fmt.Errorf("dial %s: injected failure", addr)
	}
	r.dials++
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remote, ok := r.medium.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrUnknownPeer)
	}
	return &memoryConn{remote: remote}, nil
}

func (r *MemoryRadio) scanState() (ScanHandler, ScanOptions, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scanning || r.handler == nil {
		return nil, ScanOptions{}, false
	}
	return r.handler, r.scanOpts, true
}

func (r *MemoryRadio) isAdvertising() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertising
}

type memoryConn struct {
	remote *MemoryRadio

	mu     sync.Mutex
	closed bool
}

func (c *memoryConn) ReadPayload(ctx context.Context, offset int) ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	c.remote.mu.Lock()
	delay := c.remote.readDelay
	advertising := c.remote.advertising
	payload := c.remote.payload
	c.remote.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if !advertising {
		return nil, ErrNotAdvertising
	}
	return broadcast.Chunk(payload, offset, ChunkSize), nil
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
