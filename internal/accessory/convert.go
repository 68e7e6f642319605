package accessory

import (
	"fmt"
	"math"
)

// ConvertColorTemperature converts between mired and Kelvin. The transform is its own
// inverse up to rounding: round(1_000_000 / v).
func ConvertColorTemperature(v int) int {
	if v <= 0 {
		return 0
	}
	return int(math.Round(1_000_000 / float64(v)))
}

// KelvinColor formats a color temperature for the device's color command.
func KelvinColor(kelvin int) string {
	return fmt.Sprintf("%dk", kelvin)
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
