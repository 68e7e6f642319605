package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/dokzlo13/yeebridge/internal/device"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks device entries and bridge settings.
func (cfg *Config) Validate() error {
	var errs []error

	if len(cfg.HomeKit.Pin) != 8 || strings.Trim(cfg.HomeKit.Pin, "0123456789") != "" {
		errs = append(errs, fmt.Errorf("homekit.pin must be 8 digits, got %q", cfg.HomeKit.Pin))
	}
	if cfg.HomeKit.Port < 0 || cfg.HomeKit.Port > 65535 {
		errs = append(errs, fmt.Errorf("homekit.port out of range: %d", cfg.HomeKit.Port))
	}

	for i, d := range cfg.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: id is required", i))
		}
		if d.Address == "" {
			errs = append(errs, fmt.Errorf("devices[%d] %s: address is required", i, d.ID))
		}
		if b, err := hex.DecodeString(d.Token); err != nil || len(b) != 16 {
			errs = append(errs, fmt.Errorf("devices[%d] %s: token must be 32 hex characters", i, d.ID))
		}
		if d.ColorTempMin < 0 || d.ColorTempMax < 0 {
			errs = append(errs, fmt.Errorf("devices[%d] %s: color temperature bounds must be positive", i, d.ID))
		}
		// bounds left out are filled from the model table, so order is checked on the result
		if desc := d.Descriptor(); desc.ColorTempMin > desc.ColorTempMax {
			errs = append(errs, fmt.Errorf("devices[%d] %s: color_temp_min %d exceeds color_temp_max %d",
				i, d.ID, desc.ColorTempMin, desc.ColorTempMax))
		}
	}

	// "235111" and "0x39667" name the same light
	keys := lo.Map(cfg.Devices, func(d DeviceConfig, _ int) string { return device.NormalizeID(d.ID) })
	for _, dup := range lo.FindDuplicates(lo.Compact(keys)) {
		errs = append(errs, fmt.Errorf("duplicate device id %q", dup))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Descriptor converts a device entry, filling in missing names and color bounds.
func (d DeviceConfig) Descriptor() device.Descriptor {
	name := d.Name
	if name == "" {
		name = d.ID
	}
	return device.Descriptor{
		ID:           d.ID,
		Name:         name,
		Address:      d.Address,
		Token:        strings.ToLower(d.Token),
		Model:        d.Model,
		SupportsRGB:  d.RGB,
		ColorTempMin: d.ColorTempMin,
		ColorTempMax: d.ColorTempMax,
	}.ResolveColorTemp()
}

// Descriptors returns the configured lights in declaration order.
func (cfg *Config) Descriptors() []device.Descriptor {
	return lo.Map(cfg.Devices, func(d DeviceConfig, _ int) device.Descriptor {
		return d.Descriptor()
	})
}
