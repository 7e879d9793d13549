// Package rssi turns raw received-signal-strength samples into a smoothed,
// low-frequency stream of significant changes.
package rssi

import (
	"math"

	"archer-volume.klederson.com/internal/config"
)

// Smoother keeps a FIFO window of the most recent samples and reports the
// window mean only when it moves more than the threshold away from the last
// reported value. It is not safe for concurrent use.
type Smoother struct {
	window    []float64
	size      int
	threshold float64
	last      float64
}

// NewSmoother returns a smoother with the configured window and threshold.
func NewSmoother() *Smoother {
	return NewSmootherWith(config.SmoothingWindow, config.SignalThreshold)
}

// NewSmootherWith returns a smoother with an explicit window size and threshold.
func NewSmootherWith(size int, threshold float64) *Smoother {
	if size < 1 {
		size = 1
	}
	return &Smoother{
		window:    make([]float64, 0, size),
		size:      size,
		threshold: threshold,
	}
}

// Observe appends raw to the window and returns the new mean if it differs
// from the last emitted value by more than the threshold.
func (s *Smoother) Observe(raw float64) (float64, bool) {
	if len(s.window) == s.size {
		copy(s.window, s.window[1:])
		s.window = s.window[:s.size-1]
	}
	s.window = append(s.window, raw)

	mean := s.Mean()
	if math.Abs(mean-s.last) <= s.threshold {
		return 0, false
	}
	s.last = mean
	return mean, true
}

// Mean returns the average of the current window, or 0 when empty.
func (s *Smoother) Mean() float64 {
	if len(s.window) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.window {
		sum += v
	}
	return sum / float64(len(s.window))
}

// Reset empties the window and sets the last emitted value back to 0.
func (s *Smoother) Reset() {
	s.window = s.window[:0]
	s.last = 0
}

// Last returns the most recently emitted value.
func (s *Smoother) Last() float64 {
	return s.last
}

// Len returns the number of samples in the window.
func (s *Smoother) Len() int {
	return len(s.window)
}

// Window returns a copy of the window, oldest first.
func (s *Smoother) Window() []float64 {
	return append([]float64(nil), s.window...)
}
