// Package homekit exposes the accessory adapters as HAP lightbulb accessories behind
// one bridge.
package homekit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"

	"github.com/brutella/hap"
	haccessory "github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"

	"github.com/dokzlo13/yeebridge/internal/accessory"
	"github.com/dokzlo13/yeebridge/internal/device"
)

// Light is the adapter surface the shim binds to.
type Light interface {
	Descriptor() device.Descriptor
	State() accessory.State
	Handler(c accessory.Capability) (accessory.Handler, bool)
	Get(ctx context.Context, c accessory.Capability) (any, error)
	Set(ctx context.Context, c accessory.Capability, value any)
}

// Lightbulb is one HAP accessory bound to one adapter.
type Lightbulb struct {
	A       *haccessory.A
	Service *service.Lightbulb

	Brightness       *characteristic.Brightness
	ColorTemperature *characteristic.ColorTemperature
	Hue              *characteristic.Hue
	Saturation       *characteristic.Saturation

	light Light
	bound []binding
}

// binding ties a characteristic to the capability that backs it.
type binding struct {
	capability accessory.Capability
	c          *characteristic.C
}

// NewLightbulb builds the accessory for a light. Hue and saturation characteristics are
// added only when the adapter registered handlers for them.
func NewLightbulb(l Light, manufacturer string) *Lightbulb {
	desc := l.Descriptor()
	state := l.State()

	a := haccessory.New(haccessory.Info{
		Name:         desc.Name,
		SerialNumber: desc.ID,
		Manufacturer: manufacturer,
		Model:        desc.Model,
	}, haccessory.TypeLightbulb)
	a.Id = AccessoryID(desc.ID)

	lb := &Lightbulb{A: a, Service: service.NewLightbulb(), light: l}

	// On is part of the Lightbulb service
	lb.Service.On.SetValue(state.On)
	lb.Service.On.OnValueRemoteUpdate(setBool(l, accessory.CapabilityPower))
	lb.bind(accessory.CapabilityPower, lb.Service.On.C)

	lb.Brightness = characteristic.NewBrightness()
	lb.Brightness.SetValue(state.Brightness)
	lb.Brightness.OnValueRemoteUpdate(setInt(l, accessory.CapabilityBrightness))
	lb.bind(accessory.CapabilityBrightness, lb.Brightness.C)
	lb.Service.AddC(lb.Brightness.C)

	lb.ColorTemperature = characteristic.NewColorTemperature()
	lb.ColorTemperature.SetMinValue(desc.ColorTempMin)
	lb.ColorTemperature.SetMaxValue(desc.ColorTempMax)
	lb.ColorTemperature.SetValue(state.ColorTemperature)
	lb.ColorTemperature.OnValueRemoteUpdate(setInt(l, accessory.CapabilityColorTemperature))
	lb.bind(accessory.CapabilityColorTemperature, lb.ColorTemperature.C)
	lb.Service.AddC(lb.ColorTemperature.C)

	if _, ok := l.Handler(accessory.CapabilityHue); ok {
		lb.Hue = characteristic.NewHue()
		lb.Hue.OnValueRemoteUpdate(setFloat(l, accessory.CapabilityHue))
		lb.bind(accessory.CapabilityHue, lb.Hue.C)
		lb.Service.AddC(lb.Hue.C)
	}
	if _, ok := l.Handler(accessory.CapabilitySaturation); ok {
		lb.Saturation = characteristic.NewSaturation()
		lb.Saturation.OnValueRemoteUpdate(setFloat(l, accessory.CapabilitySaturation))
		lb.bind(accessory.CapabilitySaturation, lb.Saturation.C)
		lb.Service.AddC(lb.Saturation.C)
	}

	a.AddS(lb.Service.S)
	return lb
}

// bind serves reads of c from the device.
func (lb *Lightbulb) bind(capability accessory.Capability, c *characteristic.C) {
	lb.bound = append(lb.bound, binding{capability: capability, c: c})
	c.ValueRequestFunc = func(r *http.Request) (interface{}, int) {
		v, err := lb.sync(requestContext(r), capability, c)
		if err != nil {
			return nil, Status(err)
		}
		return v, hap.JsonStatusSuccess
	}
}

// sync reads a capability from the device and stores it in the characteristic. hap
// drops a write equal to the stored value before any remote-update callback runs, so
// the stored value has to follow the device or such writes never reach it. A nil
// request does not fire remote-update callbacks.
func (lb *Lightbulb) sync(ctx context.Context, capability accessory.Capability, c *characteristic.C) (any, error) {
	v, err := lb.light.Get(ctx, capability)
	if err != nil {
		return nil, err
	}
	c.SetValueRequest(v, nil)
	return v, nil
}

// Refresh reads every bound characteristic from the device. It stops at the first
// failure.
func (lb *Lightbulb) Refresh(ctx context.Context) error {
	for _, b := range lb.bound {
		if _, err := lb.sync(ctx, b.capability, b.c); err != nil {
			return fmt.Errorf("refresh %s: %w", b.capability, err)
		}
	}
	return nil
}

// DeviceID returns the id of the light behind the accessory.
func (lb *Lightbulb) DeviceID() string {
	return lb.light.Descriptor().ID
}

// AccessoryID derives a stable HAP accessory id from the device id. Ids 0 and 1 are
// reserved for the bridge.
func AccessoryID(deviceID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(deviceID))
	id := h.Sum64() >> 1
	if id < 2 {
		id += 2
	}
	return id
}

// Status maps a get failure to the HAP status code.
func Status(err error) int {
	switch {
	case err == nil:
		return hap.JsonStatusSuccess
	case errors.Is(err, accessory.ErrUnknownCapability):
		return hap.JsonStatusResourceDoesNotExist
	default:
		return hap.JsonStatusServiceCommunicationFailure
	}
}

func requestContext(r *http.Request) context.Context {
	if r == nil {
		return context.Background()
	}
	return r.Context()
}

// Remote updates carry no request, and the controller already considers the write
// done, so sets run on a background context.

func setBool(l Light, c accessory.Capability) func(bool) {
	return func(v bool) { l.Set(context.Background(), c, v) }
}

func setInt(l Light, c accessory.Capability) func(int) {
	return func(v int) { l.Set(context.Background(), c, v) }
}

func setFloat(l Light, c accessory.Capability) func(float64) {
	return func(v float64) { l.Set(context.Background(), c, v) }
}
