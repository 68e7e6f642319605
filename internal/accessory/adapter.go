// Package accessory maps host-platform characteristics onto device session commands.
//
// Each Adapter owns a registry of capability handlers built once at construction.
// Sets write the advisory cache first and never fail visibly; gets always re-query the
// device and collapse every failure into ErrCommunicationFailure.
package accessory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/dokzlo13/yeebridge/internal/device"
)

// Capability names one exposed characteristic.
type Capability string

const (
	CapabilityPower            Capability = "power"
	CapabilityBrightness       Capability = "brightness"
	CapabilityColorTemperature Capability = "color_temperature"
	CapabilityHue              Capability = "hue"
	CapabilitySaturation       Capability = "saturation"
)

var (
	// ErrCommunicationFailure is the single error a get handler returns. The host
	// integration maps it to its "service communication failure" status.
	ErrCommunicationFailure = errors.New("service communication failure")

	// ErrUnknownCapability is returned for capabilities the adapter did not register.
	ErrUnknownCapability = errors.New("unknown capability")
)

// Session is the device command surface the adapter drives.
type Session interface {
	SetPower(ctx context.Context, on bool) error
	Power(ctx context.Context) (bool, error)
	SetBrightness(ctx context.Context, brightness int) error
	Brightness(ctx context.Context) (int, error)
	SetColor(ctx context.Context, color string) error
	Color(ctx context.Context) (device.Color, error)
}

// Recorder receives the outcome of every command. The ledger implements it.
type Recorder interface {
	RecordCommand(requestID, deviceID string, capability Capability, op string, value any, err error)
}

// GetFunc reads a capability value from the device.
type GetFunc func(ctx context.Context) (any, error)

// SetFunc writes a capability value. The returned error is the failure the set
// boundary swallowed; callers that follow the default policy ignore it.
type SetFunc func(ctx context.Context, value any) error

// Handler is the get/set pair registered for one capability.
type Handler struct {
	Get GetFunc
	Set SetFunc
}

// Options configures an Adapter.
type Options struct {
	// DebugLogging gates the per-set debug messages.
	DebugLogging bool
	Recorder     Recorder
}

// State is the advisory last-known value per capability.
type State struct {
	On               bool
	Brightness       int
	ColorTemperature int
	Hue              float64
	Saturation       float64
}

// Adapter translates capability get/set calls into session commands for one device.
type Adapter struct {
	desc    device.Descriptor
	session Session
	logger  zerolog.Logger
	// debug bypasses the inherited level; nil unless DebugLogging is set
	debug *zerolog.Logger
	opts  Options

	mu    sync.Mutex
	state State

	handlers map[Capability]Handler
}

// New builds an adapter and its handler registry. Hue and saturation handlers are only
// registered when the descriptor declares RGB support.
func New(desc device.Descriptor, session Session, logger zerolog.Logger, opts Options) *Adapter {
	desc = desc.ResolveColorTemp()
	a := &Adapter{
		desc:    desc,
		session: session,
		logger:  logger,
		opts:    opts,
		state: State{
			Brightness:       100,
			ColorTemperature: desc.ColorTempMin,
		},
	}
	if opts.DebugLogging {
		debug := logger.Level(zerolog.DebugLevel)
		a.debug = &debug
	}

	a.handlers = map[Capability]Handler{
		CapabilityPower:            {Get: a.getPower, Set: a.setPower},
		CapabilityBrightness:       {Get: a.getBrightness, Set: a.setBrightness},
		CapabilityColorTemperature: {Get: a.getColorTemperature, Set: a.setColorTemperature},
	}
	if desc.SupportsRGB {
		a.handlers[CapabilityHue] = Handler{Get: a.getHue, Set: a.setHue}
		a.handlers[CapabilitySaturation] = Handler{Get: a.getSaturation, Set: a.setSaturation}
	}

	return a
}

// Descriptor returns the descriptor the adapter was built from.
func (a *Adapter) Descriptor() device.Descriptor {
	return a.desc
}

// Handler returns the handler registered for a capability.
func (a *Adapter) Handler(c Capability) (Handler, bool) {
	h, ok := a.handlers[c]
	return h, ok
}

// Capabilities returns the registered capabilities in a stable order.
func (a *Adapter) Capabilities() []Capability {
	caps := lo.Keys(a.handlers)
	slices.Sort(caps)
	return caps
}

// State returns a copy of the advisory cache.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Get invokes the get handler for c.
func (a *Adapter) Get(ctx context.Context, c Capability) (any, error) {
	h, ok := a.handlers[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, c)
	}
	return h.Get(ctx)
}

// Set invokes the set handler for c. Device failures are logged and swallowed.
func (a *Adapter) Set(ctx context.Context, c Capability, value any) {
	_ = a.SetChecked(ctx, c, value)
}

// SetChecked behaves like Set but hands back the swallowed failure.
func (a *Adapter) SetChecked(ctx context.Context, c Capability, value any) error {
	h, ok := a.handlers[c]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCapability, c)
	}
	return h.Set(ctx, value)
}

func (a *Adapter) updateState(fn func(*State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.state)
}

// debugSet logs a set request when debug logging is enabled.
func (a *Adapter) debugSet(c Capability, value any) {
	if a.debug == nil {
		return
	}
	a.debug.Debug().
		Str("capability", string(c)).
		Interface("value", value).
		Msg("Set characteristic")
}

// setBoundary runs a set command, logging and recording any failure.
func (a *Adapter) setBoundary(ctx context.Context, c Capability, value any, fn func(context.Context) error) error {
	requestID := uuid.NewString()
	err := fn(ctx)
	a.record(requestID, c, "set", value, err)
	if err != nil {
		a.logger.Error().
			Err(err).
			Str("capability", string(c)).
			Str("request_id", requestID).
			Interface("value", value).
			Msg("Failed to set characteristic")
		return err
	}
	a.logger.Info().
		Str("capability", string(c)).
		Interface("value", value).
		Msg("Characteristic set")
	return nil
}

// getBoundary runs a get command and collapses failures into ErrCommunicationFailure.
func getBoundary[T any](ctx context.Context, a *Adapter, c Capability, fn func(context.Context) (T, error)) (T, error) {
	requestID := uuid.NewString()
	v, err := fn(ctx)
	a.record(requestID, c, "get", v, err)
	if err != nil {
		a.logger.Error().
			Err(err).
			Str("capability", string(c)).
			Str("request_id", requestID).
			Msg("Failed to read characteristic")
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrCommunicationFailure, err)
	}
	return v, nil
}

func (a *Adapter) record(requestID string, c Capability, op string, value any, err error) {
	if a.opts.Recorder == nil {
		return
	}
	a.opts.Recorder.RecordCommand(requestID, a.desc.ID, c, op, value, err)
}
