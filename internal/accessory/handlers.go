package accessory

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samber/lo"
)

var errNoColorValue = errors.New("device reported no color value")

func (a *Adapter) setPower(ctx context.Context, value any) error {
	on, err := toBool(value)
	if err != nil {
		return a.invalid(CapabilityPower, value, err)
	}
	a.updateState(func(s *State) { s.On = on })
	a.debugSet(CapabilityPower, on)

	return a.setBoundary(ctx, CapabilityPower, on, func(ctx context.Context) error {
		return a.session.SetPower(ctx, on)
	})
}

func (a *Adapter) getPower(ctx context.Context) (any, error) {
	return getBoundary(ctx, a, CapabilityPower, a.session.Power)
}

func (a *Adapter) setBrightness(ctx context.Context, value any) error {
	bri, err := toInt(value)
	if err != nil {
		return a.invalid(CapabilityBrightness, value, err)
	}
	bri = Clamp(bri, 0, 100)
	a.updateState(func(s *State) { s.Brightness = bri })
	a.debugSet(CapabilityBrightness, bri)

	return a.setBoundary(ctx, CapabilityBrightness, bri, func(ctx context.Context) error {
		return a.session.SetBrightness(ctx, bri)
	})
}

func (a *Adapter) getBrightness(ctx context.Context) (any, error) {
	return getBoundary(ctx, a, CapabilityBrightness, a.session.Brightness)
}

func (a *Adapter) setColorTemperature(ctx context.Context, value any) error {
	mired, err := toInt(value)
	if err != nil {
		return a.invalid(CapabilityColorTemperature, value, err)
	}
	mired = Clamp(mired, a.desc.ColorTempMin, a.desc.ColorTempMax)
	a.updateState(func(s *State) { s.ColorTemperature = mired })
	a.debugSet(CapabilityColorTemperature, mired)

	color := KelvinColor(ConvertColorTemperature(mired))
	return a.setBoundary(ctx, CapabilityColorTemperature, mired, func(ctx context.Context) error {
		return a.session.SetColor(ctx, color)
	})
}

func (a *Adapter) getColorTemperature(ctx context.Context) (any, error) {
	return getBoundary(ctx, a, CapabilityColorTemperature, func(ctx context.Context) (int, error) {
		kelvin, err := a.firstColorValue(ctx)
		if err != nil {
			return 0, err
		}
		if kelvin <= 0 {
			return 0, fmt.Errorf("device reported color temperature %d", kelvin)
		}
		return ConvertColorTemperature(kelvin), nil
	})
}

// Hue and saturation have no real color-space mapping: a set issues a placeholder
// color command carrying the cached color temperature, and a get returns the raw
// color value reported by the device, clamped to the characteristic range.

// Characteristic ranges for hue (degrees) and saturation (percent).
const (
	MaxHue        = 360.0
	MaxSaturation = 100.0
)

func (a *Adapter) setHue(ctx context.Context, value any) error {
	hue, err := toFloat(value)
	if err != nil {
		return a.invalid(CapabilityHue, value, err)
	}
	return a.setColorPlaceholder(ctx, CapabilityHue, hue, func(s *State) { s.Hue = hue })
}

func (a *Adapter) getHue(ctx context.Context) (any, error) {
	return getBoundary(ctx, a, CapabilityHue, a.rawColorValue(MaxHue))
}

func (a *Adapter) setSaturation(ctx context.Context, value any) error {
	sat, err := toFloat(value)
	if err != nil {
		return a.invalid(CapabilitySaturation, value, err)
	}
	return a.setColorPlaceholder(ctx, CapabilitySaturation, sat, func(s *State) { s.Saturation = sat })
}

func (a *Adapter) getSaturation(ctx context.Context) (any, error) {
	return getBoundary(ctx, a, CapabilitySaturation, a.rawColorValue(MaxSaturation))
}

func (a *Adapter) setColorPlaceholder(ctx context.Context, c Capability, value float64, update func(*State)) error {
	var mired int
	a.updateState(func(s *State) {
		update(s)
		mired = s.ColorTemperature
	})
	a.debugSet(c, value)

	color := KelvinColor(ConvertColorTemperature(mired))
	return a.setBoundary(ctx, c, value, func(ctx context.Context) error {
		return a.session.SetColor(ctx, color)
	})
}

func (a *Adapter) rawColorValue(hi float64) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		v, err := a.firstColorValue(ctx)
		if err != nil {
			return 0, err
		}
		return lo.Clamp(float64(v), 0, hi), nil
	}
}

func (a *Adapter) firstColorValue(ctx context.Context) (int, error) {
	color, err := a.session.Color(ctx)
	if err != nil {
		return 0, err
	}
	if len(color.Values) == 0 {
		return 0, errNoColorValue
	}
	return color.Values[0], nil
}

// invalid logs a value the host sent with the wrong type. Like any other set failure it
// is not surfaced.
func (a *Adapter) invalid(c Capability, value any, err error) error {
	a.logger.Error().
		Err(err).
		Str("capability", string(c)).
		Interface("value", value).
		Msg("Ignoring invalid characteristic value")
	return err
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case int:
		return b != 0, nil
	default:
		return false, fmt.Errorf("expected bool, got %T", v)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		return int(math.Round(n)), nil
	case float32:
		return int(math.Round(float64(n))), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
