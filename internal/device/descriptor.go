// Package device owns the connection to a single Yeelight bulb.
//
// A Session serializes every command for one light through a single goroutine, so a
// reconnect can never swap the connection handle out from under an in-flight command.
package device

import (
	"fmt"
	"strconv"
)

// Default color temperature bounds in mired, used when neither the configuration nor
// the model table provides a pair.
const (
	DefaultColorTempMin = 164
	DefaultColorTempMax = 384
)

// Descriptor identifies one physical light and how to reach it.
// It is created from configuration (or the descriptor store) and never mutated by the
// adapter; re-discovery replaces it wholesale through Session.UpdateDevice.
type Descriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Address     string `json:"address"`
	Token       string `json:"token"`
	Model       string `json:"model,omitempty"`
	SupportsRGB bool   `json:"rgb"`

	// Mired bounds accepted by the light. Asymmetric and model specific.
	ColorTempMin int `json:"color_temp_min"`
	ColorTempMax int `json:"color_temp_max"`
}

// WithAddress returns a copy of d pointing at a new address.
func (d Descriptor) WithAddress(address string) Descriptor {
	d.Address = address
	return d
}

// Key is the normalized id. Two descriptors with the same key are the same light.
func (d Descriptor) Key() string {
	return NormalizeID(d.ID)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s@%s)", d.Name, d.ID, d.Address)
}

// modelColorTemp maps known miio models to their mired range.
// Kelvin ranges come from the Yeelight product sheets, converted and rounded inward.
var modelColorTemp = map[string][2]int{
	"yeelink.light.ct2":      {154, 370}, // 2700K-6500K
	"yeelink.light.ceiling1": {154, 370},
	"yeelink.light.mono1":    {370, 370}, // fixed 2700K
	"yeelink.light.color1":   {154, 500}, // 1700K-6500K, capped at the HomeKit maximum
	"yeelink.light.color2":   {154, 500},
	"yeelink.light.strip1":   {154, 500},
}

// ColorTempBounds returns the mired range for a known model.
func ColorTempBounds(model string) (minMired, maxMired int, ok bool) {
	b, ok := modelColorTemp[model]
	if !ok {
		return 0, 0, false
	}
	return b[0], b[1], true
}

// ResolveColorTemp fills in missing color temperature bounds from the model table,
// falling back to the defaults.
func (d Descriptor) ResolveColorTemp() Descriptor {
	if d.ColorTempMin > 0 && d.ColorTempMax > 0 {
		return d
	}
	lo, hi, ok := ColorTempBounds(d.Model)
	if !ok {
		lo, hi = DefaultColorTempMin, DefaultColorTempMax
	}
	if d.ColorTempMin <= 0 {
		d.ColorTempMin = lo
	}
	if d.ColorTempMax <= 0 {
		d.ColorTempMax = hi
	}
	return d
}

// NormalizeID maps a device id ("235111", "0x39667") to the decimal form mDNS reports.
// Ids that are not numbers are returned unchanged.
func NormalizeID(id string) string {
	n, err := strconv.ParseUint(id, 0, 32)
	if err != nil {
		return id
	}
	return strconv.FormatUint(n, 10)
}
