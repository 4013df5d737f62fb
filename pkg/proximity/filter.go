package proximity

// DefaultWindow is the number of readings a Filter averages.
const DefaultWindow = 5

// Filter smooths a stream of RSSI readings from one radio with a sliding
// window average. It is not safe for concurrent use.
type Filter struct {
	window   int
	model    Model
	readings []int
}

// NewFilter creates a filter with the default model. A non-positive window
// uses DefaultWindow.
func NewFilter(window int) *Filter {
	return NewFilterWithModel(window, DefaultModel())
}

// NewFilterWithModel creates a filter that converts with the given model.
func NewFilterWithModel(window int, model Model) *Filter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Filter{
		window:   window,
		model:    model,
		readings: make([]int, 0, window),
	}
}

// AddReading records rssi, evicting the oldest reading when the window is
// full, and returns the window mean truncated toward zero.
func (f *Filter) AddReading(rssi int) int {
	if len(f.readings) == f.window {
		copy(f.readings, f.readings[1:])
		f.readings = f.readings[:f.window-1]
	}
	f.readings = append(f.readings, rssi)

	sum := 0
	for _, r := range f.readings {
		sum += r
	}
	return sum / len(f.readings)
}

// SmoothedDistance records rssi and returns the distance for the new mean.
func (f *Filter) SmoothedDistance(rssi int) float64 {
	return f.model.Distance(f.AddReading(rssi))
}

// Len returns the number of readings in the window.
func (f *Filter) Len() int {
	return len(f.readings)
}

// Reset discards all readings.
func (f *Filter) Reset() {
	f.readings = f.readings[:0]
}
