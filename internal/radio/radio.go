// Package radio defines the contract between the discovery service and the
// short-range transport, plus two implementations: an in-process Medium for
// tests and simulation, and a LAN emulation on top of libp2p.
package radio

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// ServiceID identifies bitalk advertisements on the medium.
	ServiceID = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

	// ChunkSize is the largest payload slice returned by one read.
	ChunkSize = 512

	// ProfileProtocolID is the stream protocol LAN peers serve payload reads on.
	ProfileProtocolID = protocol.ID("/bitalk/profile/1.0.0")
)

var (
	// ErrUnavailable is returned when the transport is off or unsupported.
	ErrUnavailable = errors.New("radio: transport unavailable")

	// ErrUnknownPeer is returned when dialing an address the radio cannot reach.
	ErrUnknownPeer = errors.New("radio: unknown peer")

	// ErrNotAdvertising is returned when the remote side serves no payload.
	ErrNotAdvertising = errors.New("radio: peer is not advertising")

	// ErrScanning is returned by StartScanning when a scan is already active.
	ErrScanning = errors.New("radio: scan already active")

	// ErrClosed is returned when using a closed radio or connection.
	ErrClosed = errors.New("radio: closed")
)

// ScanOptions select which advertisements a scan reports.
type ScanOptions struct {
	// ServiceID restricts the filtered stream to advertisers of this id.
	ServiceID string
	// Opportunistic also reports advertisements that carry no service id.
	Opportunistic bool
}

// ScanResult is one sighting of a nearby advertiser.
type ScanResult struct {
	Address       string
	RSSI          int
	ServiceIDs    []string
	Opportunistic bool
}

// HasService reports whether the result advertises id.
func (r ScanResult) HasService(id string) bool {
	for _, s := range r.ServiceIDs {
		if s == id {
			return true
		}
	}
	return false
}

// ScanHandler receives scan callbacks. Implementations must not block.
type ScanHandler interface {
	HandleScanResult(ScanResult)
	HandleScanFailed(error)
}

// PeerConn is a connection used to read a remote payload.
type PeerConn interface {
	// ReadPayload returns up to ChunkSize bytes of the remote payload starting
	// at offset. An empty slice means offset is past the end.
	ReadPayload(ctx context.Context, offset int) ([]byte, error)
	Close() error
}

// Radio is the short-range transport.
type Radio interface {
	// Available returns nil or an error wrapping ErrUnavailable.
	Available() error
	StartAdvertising(payload []byte) error
	StopAdvertising() error
	StartScanning(opts ScanOptions, h ScanHandler) error
	StopScanning() error
	Dial(ctx context.Context, addr string) (PeerConn, error)
}
