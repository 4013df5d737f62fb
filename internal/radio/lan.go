package radio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/multiformats/go-multiaddr"

	"github.com/bitalk/bitalk/pkg/broadcast"
)

const (
	// DefaultBeaconInterval is how often a scanning LANRadio pings known peers.
	DefaultBeaconInterval = 2 * time.Second
	// DefaultPingTimeout bounds a single ping.
	DefaultPingTimeout = 3 * time.Second

	// DefaultPeerTTL is how long a known peer survives without answering.
	DefaultPeerTTL = 2 * time.Minute

	requestTimeout = 5 * time.Second

	// A known peer is forgotten after this many unanswered pings in a row.
	maxPingFailures = 3
	// Pings in flight at once.
	maxConcurrentPings = 8

	// Emulated signal range for ping round-trip times.
	maxEmulatedRSSI = -30
	minEmulatedRSSI = -100
)

// LANConfig holds configuration for a LANRadio.
type LANConfig struct {
	// Port is the TCP listen port; 0 picks a free one. Ignored when
	// ListenAddrs is set.
	Port int

	// ListenAddrs are multiaddrs to listen on.
	ListenAddrs []string

	// EnableMDNS announces and discovers peers on the local network.
	EnableMDNS bool

	// BeaconInterval is how often known peers are pinged while scanning.
	BeaconInterval time.Duration

	// PingTimeout bounds one ping.
	PingTimeout time.Duration

	// PeerTTL forgets a known peer that has not answered a ping for this
	// long.
	PeerTTL time.Duration
}

// DefaultLANConfig returns the default configuration for a LANRadio.
func DefaultLANConfig() LANConfig {
	return LANConfig{
		EnableMDNS:     true,
		BeaconInterval: DefaultBeaconInterval,
		PingTimeout:    DefaultPingTimeout,
		PeerTTL:        DefaultPeerTTL,
	}
}

// LANRadio emulates the short-range medium on a local network. Peers are
// found with mDNS using ServiceID as the service tag, pinged with libp2p ping
// while scanning, and payloads are read over ProfileProtocolID streams. The
// ping round-trip time stands in for signal strength.
type LANRadio struct {
	h      host.Host
	cfg    LANConfig
	logger *slog.Logger

	mu          sync.Mutex
	payload     []byte
	advertising bool
	mdnsSvc     mdns.Service
	known       map[peer.ID]*knownPeer
	closed      bool

	scanning   bool
	scanCancel context.CancelFunc
	scanDone   chan struct{}
}

var _ Radio = (*LANRadio)(nil)

// knownPeer is the ping history of an announced peer.
type knownPeer struct {
	failures int
	lastSeen time.Time
}

// NewLANRadio creates a libp2p host and registers the payload protocol.
func NewLANRadio(cfg LANConfig, logger *slog.Logger) (*LANRadio, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = DefaultBeaconInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = DefaultPeerTTL
	}

	listen := cfg.ListenAddrs
	if len(listen) == 0 {
		listen = []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)}
	}
	addrs := make([]multiaddr.Multiaddr, 0, len(listen))
	for _, s := range listen {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", s, err)
		}
		addrs = append(addrs, ma)
	}

	h, err := libp2p.New(
		libp2p.ListenAddrs(addrs...),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	r := &LANRadio{
		h:      h,
		cfg:    cfg,
		logger: logger,
		known:  make(map[peer.ID]*knownPeer),
	}
	h.SetStreamHandler(ProfileProtocolID, r.handleStream)
	return r, nil
}

// ID returns the host's peer ID, which is also its scan address.
func (r *LANRadio) ID() peer.ID {
	return r.h.ID()
}

// Addrs returns the listen addresses.
func (r *LANRadio) Addrs() []multiaddr.Multiaddr {
	return r.h.Addrs()
}

// AddrInfo returns the peer.AddrInfo for this radio.
func (r *LANRadio) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{
		ID:    r.h.ID(),
		Addrs: r.h.Addrs(),
	}
}

// AddPeer registers a bitalk peer without waiting for mDNS.
func (r *LANRadio) AddPeer(pi peer.AddrInfo) error {
	if pi.ID == "" {
		return fmt.Errorf("peer ID cannot be empty")
	}
	if len(pi.Addrs) == 0 {
		return fmt.Errorf("peer must have at least one address")
	}
	r.HandlePeerFound(pi)
	return nil
}

// HandlePeerFound implements mdns.Notifee.
func (r *LANRadio) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == r.h.ID() {
		return
	}
	r.h.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.AddressTTL)

	r.mu.Lock()
	_, had := r.known[pi.ID]
	if !had {
		r.known[pi.ID] = &knownPeer{lastSeen: time.Now()}
	}
	r.mu.Unlock()

	if !had {
		r.logger.Debug("lan peer found", "peer", pi.ID.String())
	}
}

func (r *LANRadio) Available() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("lan radio closed: %w", ErrUnavailable)
	}
	if len(r.h.Addrs()) == 0 {
		return fmt.Errorf("lan radio has no listen addresses: %w", ErrUnavailable)
	}
	return nil
}

func (r *LANRadio) StartAdvertising(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if err := r.ensureMDNSLocked(); err != nil {
		return err
	}
	r.payload = append([]byte(nil), payload...)
	r.advertising = true
	return nil
}

func (r *LANRadio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = false
	return nil
}

func (r *LANRadio) StartScanning(opts ScanOptions, h ScanHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.scanning {
		return ErrScanning
	}
	if err := r.ensureMDNSLocked(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.scanning = true
	r.scanCancel = cancel
	r.scanDone = done

	go r.beaconLoop(ctx, opts, h, done)
	return nil
}

func (r *LANRadio) StopScanning() error {
	r.mu.Lock()
	if !r.scanning {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.scanCancel, r.scanDone
	r.scanning = false
	r.scanCancel = nil
	r.scanDone = nil
	r.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (r *LANRadio) Dial(ctx context.Context, addr string) (PeerConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := peer.Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrUnknownPeer)
	}
	if len(r.h.Peerstore().Addrs(id)) == 0 && r.h.Network().Connectedness(id) != network.Connected {
		return nil, fmt.Errorf("dial %s: no addresses: %w", addr, ErrUnknownPeer)
	}
	return &lanConn{h: r.h, id: id}, nil
}

// Close stops scanning and shuts the host down.
func (r *LANRadio) Close() error {
	_ = r.StopScanning()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.advertising = false
	svc := r.mdnsSvc
	r.mdnsSvc = nil
	r.mu.Unlock()

	var errs []error
	if svc != nil {
		errs = append(errs, svc.Close())
	}
	errs = append(errs, r.h.Close())
	return errors.Join(errs...)
}

func (r *LANRadio) ensureMDNSLocked() error {
	if !r.cfg.EnableMDNS || r.mdnsSvc != nil {
		return nil
	}
	svc := mdns.NewMdnsService(r.h, ServiceID, r)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start mdns: %w", err)
	}
	r.mdnsSvc = svc
	r.logger.Info("mdns discovery started", "service", ServiceID)
	return nil
}

func (r *LANRadio) beaconLoop(ctx context.Context, opts ScanOptions, h ScanHandler, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.BeaconInterval)
	defer ticker.Stop()

	r.pingAll(ctx, opts, h)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pingAll(ctx, opts, h)
		}
	}
}

// KnownPeers returns the number of announced peers still being pinged.
func (r *LANRadio) KnownPeers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.known)
}

type pingTarget struct {
	id            peer.ID
	opportunistic bool
}

type pingAnswer struct {
	target pingTarget
	rtt    time.Duration
	err    error
}

// pingAll pings every known peer, at most maxConcurrentPings at a time, and
// reports one scan result per answer. Connected peers that were never
// announced as bitalk peers are only reported to opportunistic scans.
// Results are delivered from the calling goroutine.
func (r *LANRadio) pingAll(ctx context.Context, opts ScanOptions, h ScanHandler) {
	r.mu.Lock()
	targets := make([]pingTarget, 0, len(r.known))
	for id := range r.known {
		targets = append(targets, pingTarget{id: id})
	}
	if opts.Opportunistic {
		for _, id := range r.h.Network().Peers() {
			if _, ok := r.known[id]; !ok {
				targets = append(targets, pingTarget{id: id, opportunistic: true})
			}
		}
	}
	r.mu.Unlock()

	answers := make(chan pingAnswer, len(targets))
	sem := make(chan struct{}, maxConcurrentPings)
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t pingTarget) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			rtt, err := r.ping(ctx, t.id)
			answers <- pingAnswer{target: t, rtt: rtt, err: err}
		}(t)
	}
	go func() {
		wg.Wait()
		close(answers)
	}()

	for a := range answers {
		if ctx.Err() != nil {
			// A cancelled scan says nothing about the peer.
			continue
		}
		if !a.target.opportunistic {
			r.recordPing(a.target.id, a.err)
		}
		if a.err != nil {
			r.logger.Debug("lan ping failed", "peer", a.target.id.String(), "error", a.err)
			continue
		}

		res := ScanResult{Address: a.target.id.String(), RSSI: rttToRSSI(a.rtt)}
		if a.target.opportunistic {
			res.Opportunistic = true
		} else {
			res.ServiceIDs = []string{ServiceID}
		}
		h.HandleScanResult(res)
	}
}

// recordPing updates a known peer's history and forgets it after
// maxPingFailures consecutive failures or PeerTTL without an answer.
func (r *LANRadio) recordPing(id peer.ID, err error) {
	now := time.Now()

	r.mu.Lock()
	kp, ok := r.known[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if err == nil {
		kp.failures = 0
		kp.lastSeen = now
		r.mu.Unlock()
		return
	}
	kp.failures++
	evict := kp.failures >= maxPingFailures || now.Sub(kp.lastSeen) > r.cfg.PeerTTL
	if evict {
		delete(r.known, id)
	}
	failures := kp.failures
	r.mu.Unlock()

	if evict {
		r.h.Peerstore().ClearAddrs(id)
		r.logger.Debug("lan peer forgotten", "peer", id.String(), "failures", failures)
	}
}

func (r *LANRadio) ping(ctx context.Context, id peer.ID) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PingTimeout)
	defer cancel()

	select {
	case res, ok := <-ping.Ping(ctx, r.h, id):
		if !ok {
			return 0, ctx.Err()
		}
		if res.Error != nil {
			return 0, res.Error
		}
		return res.RTT, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// rttToRSSI maps a round-trip time onto a log-distance style signal scale:
// 0ms is -40 dBm and each decade of latency costs 20 dB.
func rttToRSSI(rtt time.Duration) int {
	ms := float64(rtt) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	rssi := int(math.Round(-40 - 20*math.Log10(ms+1)))
	return max(minEmulatedRSSI, min(maxEmulatedRSSI, rssi))
}

// handleStream serves one payload read: a big-endian u32 offset in, at most
// ChunkSize bytes out.
func (r *LANRadio) handleStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(requestTimeout))

	var req [4]byte
	if _, err := io.ReadFull(s, req[:]); err != nil {
		r.logger.Debug("bad payload request", "peer", s.Conn().RemotePeer().String(), "error", err)
		_ = s.Reset()
		return
	}
	offset := int(binary.BigEndian.Uint32(req[:]))

	r.mu.Lock()
	advertising := r.advertising
	chunk := broadcast.Chunk(r.payload, offset, ChunkSize)
	r.mu.Unlock()

	if !advertising {
		_ = s.Reset()
		return
	}
	if _, err := s.Write(chunk); err != nil {
		r.logger.Debug("payload write failed", "peer", s.Conn().RemotePeer().String(), "error", err)
		_ = s.Reset()
	}
}

type lanConn struct {
	h  host.Host
	id peer.ID

	mu     sync.Mutex
	closed bool
}

func (c *lanConn) ReadPayload(ctx context.Context, offset int) ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if offset < 0 || int64(offset) > math.MaxUint32 {
		return nil, fmt.Errorf("invalid offset %d", offset)
	}

	s, err := c.h.NewStream(ctx, c.id, ProfileProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open payload stream: %w", err)
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	} else {
		_ = s.SetDeadline(time.Now().Add(requestTimeout))
	}

	var req [4]byte
	binary.BigEndian.PutUint32(req[:], uint32(offset))
	if _, err := s.Write(req[:]); err != nil {
		_ = s.Reset()
		return nil, fmt.Errorf("send payload request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		_ = s.Reset()
		return nil, fmt.Errorf("send payload request: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(s, ChunkSize+1))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(data) > ChunkSize {
		_ = s.Reset()
		return nil, fmt.Errorf("read payload: chunk exceeds %d bytes", ChunkSize)
	}
	return data, nil
}

func (c *lanConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
