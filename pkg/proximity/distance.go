// Package proximity turns raw signal-strength readings into smoothed distance
// estimates using a sliding-window average and a log-distance path-loss model.
package proximity

import (
	"fmt"
	"math"
)

const (
	// DefaultTxPower is the calibrated received power at one meter, in dBm.
	DefaultTxPower = -59.0

	// DefaultPathLossExponent is the free-space path-loss exponent.
	DefaultPathLossExponent = 2.0

	// Unknown is returned when a distance cannot be determined.
	Unknown = -1.0
)

// Model is a log-distance path-loss model.
type Model struct {
	TxPower          float64
	PathLossExponent float64
}

// DefaultModel returns the free-space model calibrated at -59 dBm.
func DefaultModel() Model {
	return Model{TxPower: DefaultTxPower, PathLossExponent: DefaultPathLossExponent}
}

// Distance converts an RSSI reading to meters. A reading of exactly 0 is
// indeterminate and yields Unknown.
func (m Model) Distance(rssi int) float64 {
	if rssi == 0 {
		return Unknown
	}
	n := m.PathLossExponent
	if n <= 0 {
		n = DefaultPathLossExponent
	}
	return math.Pow(10, (m.TxPower-float64(rssi))/(10*n))
}

// RSSIToDistanceLegacy is the ratio-power curve older clients used. It is
// kept so distances reported by those clients can be compared.
func RSSIToDistanceLegacy(rssi int, txPower float64) float64 {
	if rssi == 0 {
		return Unknown
	}
	ratio := float64(rssi) / txPower
	if ratio < 1.0 {
		return math.Pow(ratio, 10)
	}
	return 0.89976*math.Pow(ratio, 7.7095) + 0.111
}

// Class is a coarse proximity bucket derived from a distance estimate.
type Class int

const (
	ClassUnknown Class = iota
	ClassImmediate
	ClassNear
	ClassMedium
	ClassFar
)

// String returns a human-readable name for the class.
func (c Class) String() string {
	switch c {
	case ClassImmediate:
		return "immediate"
	case ClassNear:
		return "near"
	case ClassMedium:
		return "medium"
	case ClassFar:
		return "far"
	default:
		return "unknown"
	}
}

// ClassOf buckets a distance in meters.
func ClassOf(distance float64) Class {
	switch {
	case distance < 0 || math.IsNaN(distance):
		return ClassUnknown
	case distance < 1:
		return ClassImmediate
	case distance < 3:
		return ClassNear
	case distance < 10:
		return ClassMedium
	default:
		return ClassFar
	}
}

// BubbleSize returns a display size multiplier in [0.3, 1.0]; closer peers
// get larger bubbles. Unknown distances get 0.5.
func BubbleSize(distance float64) float64 {
	switch {
	case distance < 0:
		return 0.5
	case distance < 1:
		return 1.0
	case distance < 3:
		return 0.8
	case distance < 6:
		return 0.6
	case distance < 10:
		return 0.4
	default:
		return 0.3
	}
}

// FormatDistance renders a distance for display: "<1m", "~4m", "~20m+".
func FormatDistance(distance float64) string {
	switch {
	case distance < 0:
		return "?"
	case distance < 1:
		return "<1m"
	case distance < 10:
		return fmt.Sprintf("~%dm", int(distance))
	default:
		return fmt.Sprintf("~%dm+", int(distance/10)*10)
	}
}
