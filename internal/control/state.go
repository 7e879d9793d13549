// Package control runs the connection lifecycle and the automatic
// signal-to-volume loop that is only active while a speaker is connected.
package control

import (
	"errors"
	"fmt"
	"time"

	"archer-volume.klederson.com/internal/bluetooth"
	"archer-volume.klederson.com/internal/volume"
)

// State is the connection lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StatePermissionsRequired
	StateReady
	StateScanning
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StatePermissionsRequired:
		return "PermissionsRequired"
	case StateReady:
		return "Ready"
	case StateScanning:
		return "Scanning"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// current state.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrNotConnected is returned by operations that need a speaker.
	ErrNotConnected = errors.New("no speaker connected")
	// ErrSamplerActive is returned when sampling is started twice.
	ErrSamplerActive = errors.New("signal sampler already running")
	// ErrInterrupted is returned when a reset or disconnect overtook the
	// operation in flight.
	ErrInterrupted = errors.New("interrupted by reset")
)

func invalidState(op string, s State) error {
	return fmt.Errorf("%s in state %s: %w", op, s, ErrInvalidState)
}

// Status is a point-in-time view of the controller for presentation.
type Status struct {
	State          State
	Device         bluetooth.Device
	Connected      bool
	Session        string
	AutoMode       bool
	Range          volume.Range
	TargetDistance int
	InitialVolume  int
	Signal         float64 // last significant smoothed value
	HasSignal      bool
	Volume         int // last level the sink accepted, 0 if none
	Simulated      bool
	Sink           string
	LastError      error
	ConnectedAt    time.Time
}
