package config

import "time"

const (
	// RSSI to distance estimation
	MeasuredPower = -59.0 // RSSI at 1 meter (dBm)
	PathLossExp   = 2.5   // Path loss exponent (N)

	// Signal operating window used by the volume mapper
	WeakSignal   = -100.0 // dBm treated as "far"
	StrongSignal = -30.0  // dBm treated as "at the speaker"

	// Smoothing
	SmoothingWindow = 5   // Samples in the moving average
	SignalThreshold = 3.0 // Minimum change (dBm) before a smoothed value propagates

	// Volume
	VolumeFloor = 1  // Lowest configurable level
	VolumeCeil  = 10 // Highest configurable level

	// Timing
	SampleInterval = 2 * time.Second  // Signal sampling period while connected
	ScanTimeout    = 10 * time.Second // Hard cap on device discovery
	OpTimeout      = 5 * time.Second  // Per-call budget for platform operations
	SignalStale    = 6 * time.Second  // Cached advertisement RSSI older than this is ignored

	// UI
	HistoryLen   = 60 // Smoothed values kept for the sparkline
	TargetFPS    = 10
	IdleSignal   = -60.0 // Displayed signal when nothing is connected
	SystemSinkID = "@DEFAULT_SINK@"

	// Demo mode
	DemoSpeakerMin = 2
	DemoSpeakerMax = 4

	// App
	AppName    = "ARCHER-VOLUME"
	AppVersion = "1.0"
	EnvPrefix  = "ARCHERVOL"
)

// TargetDistances lists the supported shooting distances in meters.
var TargetDistances = []int{18, 50, 60, 70}

// DefaultTargetDistance is the preset selected at startup.
const DefaultTargetDistance = 50
