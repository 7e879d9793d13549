package app

import (
	"time"

	"archer-volume.klederson.com/internal/control"
)

// TickMsg triggers a frame update.
type TickMsg time.Time

// StateMsg carries a controller state change.
type StateMsg control.State

// SignalMsg carries a significant smoothed signal update.
type SignalMsg float64

// VolumeMsg carries a level the sink accepted.
type VolumeMsg int

// ErrorMsg carries an error to show in the status bar.
type ErrorMsg struct {
	Err error
}

// opDoneMsg reports the result of a controller call run as a command.
type opDoneMsg struct {
	op  string
	err error
}
