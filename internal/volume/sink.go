package volume

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"archer-volume.klederson.com/internal/config"
)

// Sink receives volume levels.
type Sink interface {
	SetVolume(ctx context.Context, level int) error
	Name() string
}

// Setter is anything that accepts a volume level, typically the Bluetooth
// platform.
type Setter interface {
	SetVolume(ctx context.Context, level int) error
}

// DeviceSink sends levels to the connected speaker.
type DeviceSink struct {
	s Setter
}

// NewDeviceSink wraps a platform as a sink.
func NewDeviceSink(s Setter) *DeviceSink {
	return &DeviceSink{s: s}
}

func (d *DeviceSink) SetVolume(ctx context.Context, level int) error {
	return d.s.SetVolume(ctx, level)
}

func (d *DeviceSink) Name() string { return config.SinkDevice }

// SystemSink sets the host's default audio output through pactl, which
// also drives a speaker routed as a Bluetooth A2DP sink.
type SystemSink struct {
	sinkID string
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewSystemSink targets the default PulseAudio/PipeWire sink.
func NewSystemSink() *SystemSink {
	return &SystemSink{
		sinkID: config.SystemSinkID,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// SystemSinkAvailable checks if pactl is available on the system.
func SystemSinkAvailable() bool {
	_, err := exec.LookPath("pactl")
	return err == nil
}

func (s *SystemSink) SetVolume(ctx context.Context, level int) error {
	pct := fmt.Sprintf("%d%%", level*100/config.VolumeCeil)
	out, err := s.run(ctx, "pactl", "set-sink-volume", s.sinkID, pct)
	if err != nil {
		return fmt.Errorf("pactl set-sink-volume %s: %w (%s)", pct, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *SystemSink) Name() string { return config.SinkSystem }

// NewSink picks the sink for a configured kind.
func NewSink(kind string, device Setter) (Sink, error) {
	switch kind {
	case config.SinkDevice:
		return NewDeviceSink(device), nil
	case config.SinkSystem:
		return NewSystemSink(), nil
	default:
		return nil, fmt.Errorf("unknown sink %q", kind)
	}
}
