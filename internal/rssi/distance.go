package rssi

import (
	"math"

	"archer-volume.klederson.com/internal/config"
)

// ToDistance estimates meters from a signal reading with the log-distance
// path loss model: d = 10^((measuredPower - rssi) / (10 * n)).
func ToDistance(rssi float64) float64 {
	return ToDistanceWith(rssi, config.MeasuredPower, config.PathLossExp)
}

// ToDistanceWith is ToDistance with explicit calibration values.
func ToDistanceWith(rssi, measuredPower, pathLossExp float64) float64 {
	if rssi >= 0 {
		return 0.1
	}
	d := math.Pow(10, (measuredPower-rssi)/(10*pathLossExp))
	if d < 0.1 {
		return 0.1
	}
	return d
}
