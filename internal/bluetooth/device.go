package bluetooth

import (
	"context"
	"strings"
)

// Device identifies the connected speaker.
type Device struct {
	ID   string
	Name string
}

// DisplayName returns the device name or "[unnamed]" if empty.
func (d Device) DisplayName() string {
	if d.Name == "" {
		return "[unnamed]"
	}
	return d.Name
}

// DeviceDescriptor is a single scan result.
type DeviceDescriptor struct {
	ID     string
	Name   string
	Signal float64
}

// Device returns the identity part of the descriptor.
func (d DeviceDescriptor) Device() Device {
	return Device{ID: d.ID, Name: d.Name}
}

// Matches reports whether filter selects this descriptor. An empty filter
// matches everything; otherwise the id must match exactly or the name must
// contain the filter, case-insensitively.
func (d DeviceDescriptor) Matches(filter string) bool {
	if filter == "" {
		return true
	}
	if strings.EqualFold(d.ID, filter) {
		return true
	}
	return strings.Contains(strings.ToLower(d.Name), strings.ToLower(filter))
}

// Platform is the Bluetooth capability the controller drives. Every method
// must honor ctx; Scan closes its channel once ctx is done.
type Platform interface {
	Initialize(ctx context.Context) error
	IsEnabled(ctx context.Context) bool
	RequestEnable(ctx context.Context) (bool, error)
	Scan(ctx context.Context) (<-chan DeviceDescriptor, error)
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
	ReadSignal(ctx context.Context, id string) (float64, error)
	SetVolume(ctx context.Context, level int) error
}
