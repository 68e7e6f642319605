package homekit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/brutella/hap"
	haccessory "github.com/brutella/hap/accessory"
	"github.com/rs/zerolog"

	"github.com/dokzlo13/yeebridge/internal/device"
)

// Options configures the bridge.
type Options struct {
	Name         string
	Pin          string
	Port         int // 0 lets the OS pick
	StoragePath  string
	Manufacturer string
}

// Bridge is the HAP bridge accessory with one lightbulb per light.
type Bridge struct {
	opts   Options
	logger zerolog.Logger

	bridge *haccessory.Bridge
	bulbs  []*Lightbulb
}

// NewBridge builds the accessory tree. Nothing is served until Run.
func NewBridge(opts Options, lights []Light, logger zerolog.Logger) *Bridge {
	b := &Bridge{
		opts:   opts,
		logger: logger,
		bridge: haccessory.NewBridge(haccessory.Info{
			Name:         opts.Name,
			SerialNumber: "yeebridge",
			Manufacturer: opts.Manufacturer,
			Model:        "yeebridge",
		}),
	}
	b.bridge.A.Id = 1

	for _, l := range lights {
		b.bulbs = append(b.bulbs, NewLightbulb(l, opts.Manufacturer))
	}
	return b
}

// Lightbulbs returns the bound accessories in light order.
func (b *Bridge) Lightbulbs() []*Lightbulb {
	return b.bulbs
}

// Refresh reloads the characteristics of the light with the given id from the device.
func (b *Bridge) Refresh(ctx context.Context, deviceID string) error {
	key := device.NormalizeID(deviceID)
	for _, lb := range b.bulbs {
		if device.NormalizeID(lb.DeviceID()) == key {
			return lb.Refresh(ctx)
		}
	}
	return fmt.Errorf("no accessory for light %s", deviceID)
}

// Run serves HAP until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	accs := make([]*haccessory.A, 0, len(b.bulbs))
	for _, lb := range b.bulbs {
		accs = append(accs, lb.A)
	}

	fs := hap.NewFsStore(b.opts.StoragePath)
	server, err := hap.NewServer(fs, b.bridge.A, accs...)
	if err != nil {
		return fmt.Errorf("failed to create HAP server: %w", err)
	}
	server.Pin = b.opts.Pin
	if b.opts.Port > 0 {
		server.Addr = fmt.Sprintf(":%d", b.opts.Port)
	}

	b.logger.Info().
		Str("name", b.opts.Name).
		Str("pin", b.opts.Pin).
		Int("accessories", len(accs)).
		Msg("HomeKit bridge starting")

	err = server.ListenAndServe(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		return fmt.Errorf("HAP server: %w", err)
	}
	return nil
}
