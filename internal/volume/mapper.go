// Package volume maps smoothed signal readings to speaker volume levels and
// delivers them to an output sink.
//
// Mapping policy: a stronger signal means the archer is closer to the
// speaker at the target, so the level goes DOWN as the signal gets stronger.
// Map, Strength and SignalFor all follow that single direction.
package volume

import (
	"fmt"
	"math"

	"archer-volume.klederson.com/internal/config"
)

// Range bounds the levels the mapper may produce.
type Range struct {
	Min int
	Max int
}

// DefaultRange spans every configurable level.
var DefaultRange = Range{Min: config.VolumeFloor, Max: config.VolumeCeil}

// NewRange returns a validated range.
func NewRange(min, max int) (Range, error) {
	r := Range{Min: min, Max: max}
	return r, r.Validate()
}

// Validate checks 1 <= Min <= Max <= 10.
func (r Range) Validate() error {
	if r.Min < config.VolumeFloor || r.Max > config.VolumeCeil || r.Min > r.Max {
		return fmt.Errorf("invalid volume range %d-%d: need %d <= min <= max <= %d",
			r.Min, r.Max, config.VolumeFloor, config.VolumeCeil)
	}
	return nil
}

// Contains reports whether level lies inside the range.
func (r Range) Contains(level int) bool {
	return level >= r.Min && level <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// Normalize places signal on [0, 1] across the operating window, 0 being
// the weak (far) bound and 1 the strong (near) bound.
func Normalize(signal float64) float64 {
	n := (signal - config.WeakSignal) / (config.StrongSignal - config.WeakSignal)
	return math.Max(0, math.Min(1, n))
}

// Map converts a smoothed signal to a level in r. It is pure: the same
// inputs always give the same level. Halves round away from zero.
func Map(signal float64, r Range) int {
	n := Normalize(signal)
	level := float64(r.Max) - n*float64(r.Max-r.Min)
	return clampLevel(int(math.Round(level)), r)
}

// Strength returns the signal as a 0..100 percentage (100 = at the speaker).
func Strength(signal float64) float64 {
	return Normalize(signal) * 100
}

// SignalFor is the inverse of Map for display: the signal at which level is
// produced exactly. Levels outside r are clamped first. A flat range maps
// every level to the weak bound.
func SignalFor(level int, r Range) float64 {
	level = clampLevel(level, r)
	if r.Max == r.Min {
		return config.WeakSignal
	}
	n := float64(r.Max-level) / float64(r.Max-r.Min)
	return config.WeakSignal + n*(config.StrongSignal-config.WeakSignal)
}

func clampLevel(level int, r Range) int {
	if level < r.Min {
		return r.Min
	}
	if level > r.Max {
		return r.Max
	}
	return level
}
