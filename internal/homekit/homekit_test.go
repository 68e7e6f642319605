package homekit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brutella/hap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/yeebridge/internal/accessory"
	"github.com/dokzlo13/yeebridge/internal/device"
	"github.com/dokzlo13/yeebridge/internal/device/devicetest"
)

func testDescriptor(rgb bool) device.Descriptor {
	return device.Descriptor{
		ID:           "235111",
		Name:         "Desk",
		Address:      "192.168.1.20",
		Token:        "00112233445566778899aabbccddeeff",
		Model:        "yeelink.light.color1",
		SupportsRGB:  rgb,
		ColorTempMin: 170,
		ColorTempMax: 400,
	}
}

func newAdapter(t *testing.T, desc device.Descriptor, light *devicetest.Light) *accessory.Adapter {
	t.Helper()
	dialer := devicetest.NewDialer()
	if light != nil {
		dialer = devicetest.NewDialer(light)
	}
	s := device.NewSession(desc, dialer, zerolog.Nop())
	t.Cleanup(s.Close)
	if light != nil {
		require.NoError(t, s.Connect(context.Background()))
	}
	return accessory.New(desc, s, zerolog.Nop(), accessory.Options{})
}

func TestNewLightbulb_Characteristics(t *testing.T) {
	t.Run("should expose hue and saturation for rgb lights", func(t *testing.T) {
		lb := NewLightbulb(newAdapter(t, testDescriptor(true), nil), "Xiaomi")
		assert.NotNil(t, lb.Hue)
		assert.NotNil(t, lb.Saturation)
	})

	t.Run("should omit hue and saturation for white lights", func(t *testing.T) {
		lb := NewLightbulb(newAdapter(t, testDescriptor(false), nil), "Xiaomi")
		assert.Nil(t, lb.Hue)
		assert.Nil(t, lb.Saturation)
	})

	t.Run("should bound color temperature by the descriptor", func(t *testing.T) {
		lb := NewLightbulb(newAdapter(t, testDescriptor(false), nil), "Xiaomi")
		assert.EqualValues(t, 170, lb.ColorTemperature.MinVal)
		assert.EqualValues(t, 400, lb.ColorTemperature.MaxVal)
		assert.Equal(t, 170, lb.ColorTemperature.Value())
		assert.Equal(t, AccessoryID("235111"), lb.A.Id)
	})
}

func TestValueRequest(t *testing.T) {
	t.Run("should return the device value", func(t *testing.T) {
		light := devicetest.NewLight()
		require.NoError(t, light.SetBrightness(context.Background(), 42))
		lb := NewLightbulb(newAdapter(t, testDescriptor(false), light), "Xiaomi")

		v, status := lb.Brightness.ValueRequestFunc(nil)
		assert.Equal(t, hap.JsonStatusSuccess, status)
		assert.Equal(t, 42, v)
	})

	t.Run("should report communication failure when disconnected", func(t *testing.T) {
		lb := NewLightbulb(newAdapter(t, testDescriptor(true), nil), "Xiaomi")

		for _, fn := range []func() (interface{}, int){
			func() (interface{}, int) { return lb.Service.On.ValueRequestFunc(nil) },
			func() (interface{}, int) { return lb.Brightness.ValueRequestFunc(nil) },
			func() (interface{}, int) { return lb.ColorTemperature.ValueRequestFunc(nil) },
			func() (interface{}, int) { return lb.Hue.ValueRequestFunc(nil) },
			func() (interface{}, int) { return lb.Saturation.ValueRequestFunc(nil) },
		} {
			v, status := fn()
			assert.Nil(t, v)
			assert.Equal(t, hap.JsonStatusServiceCommunicationFailure, status)
		}
	})
}

func TestRemoteUpdateReachesDevice(t *testing.T) {
	light := devicetest.NewLight()
	a := newAdapter(t, testDescriptor(false), light)

	setBool(a, accessory.CapabilityPower)(true)
	setInt(a, accessory.CapabilityBrightness)(55)
	setInt(a, accessory.CapabilityColorTemperature)(1000)

	ctx := context.Background()
	on, err := light.Power(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	bri, err := light.Brightness(ctx)
	require.NoError(t, err)
	assert.Equal(t, 55, bri)
	assert.Equal(t, accessory.KelvinColor(accessory.ConvertColorTemperature(400)), light.LastColor())
}

func TestRemoteWriteAfterDeviceChanged(t *testing.T) {
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodPut, "/characteristics", nil)

	light := devicetest.NewLight()
	lb := NewLightbulb(newAdapter(t, testDescriptor(false), light), "Xiaomi")
	require.False(t, lb.Service.On.Value())
	require.Equal(t, 100, lb.Brightness.Value())

	// the light changes behind the bridge
	require.NoError(t, light.SetPower(ctx, true))
	require.NoError(t, light.SetBrightness(ctx, 30))

	v, status := lb.Service.On.ValueRequest(req)
	require.Equal(t, hap.JsonStatusSuccess, status)
	assert.Equal(t, true, v)
	v, status = lb.Brightness.ValueRequest(req)
	require.Equal(t, hap.JsonStatusSuccess, status)
	assert.Equal(t, 30, v)

	powerCalls := light.Calls("set_power")
	_, status = lb.Service.On.SetValueRequest(false, req)
	assert.Equal(t, hap.JsonStatusSuccess, status)
	_, status = lb.Brightness.SetValueRequest(100, req)
	assert.Equal(t, hap.JsonStatusSuccess, status)

	assert.Equal(t, powerCalls+1, light.Calls("set_power"))
	on, err := light.Power(ctx)
	require.NoError(t, err)
	assert.False(t, on)
	bri, err := light.Brightness(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, bri)
}

func TestLightbulb_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("should load characteristics from the device", func(t *testing.T) {
		light := devicetest.NewLight()
		require.NoError(t, light.SetPower(ctx, true))
		require.NoError(t, light.SetBrightness(ctx, 42))
		require.NoError(t, light.SetColor(ctx, "4000k"))
		lb := NewLightbulb(newAdapter(t, testDescriptor(false), light), "Xiaomi")

		require.NoError(t, lb.Refresh(ctx))
		assert.True(t, lb.Service.On.Value())
		assert.Equal(t, 42, lb.Brightness.Value())
		assert.Equal(t, 250, lb.ColorTemperature.Value())
	})

	t.Run("should fail while disconnected", func(t *testing.T) {
		lb := NewLightbulb(newAdapter(t, testDescriptor(false), nil), "Xiaomi")
		assert.ErrorIs(t, lb.Refresh(ctx), accessory.ErrCommunicationFailure)
		assert.False(t, lb.Service.On.Value())
	})

	t.Run("should find the bulb by either id form", func(t *testing.T) {
		light := devicetest.NewLight()
		require.NoError(t, light.SetBrightness(ctx, 12))
		b := NewBridge(Options{Name: "Test"}, []Light{newAdapter(t, testDescriptor(false), light)}, zerolog.Nop())

		require.NoError(t, b.Refresh(ctx, "0x39667"))
		assert.Equal(t, 12, b.Lightbulbs()[0].Brightness.Value())
		assert.Error(t, b.Refresh(ctx, "1"))
	})
}

func TestStatus(t *testing.T) {
	assert.Equal(t, hap.JsonStatusSuccess, Status(nil))
	assert.Equal(t, hap.JsonStatusServiceCommunicationFailure, Status(accessory.ErrCommunicationFailure))
	assert.Equal(t, hap.JsonStatusServiceCommunicationFailure,
		Status(fmt.Errorf("%w: timeout", accessory.ErrCommunicationFailure)))
	assert.Equal(t, hap.JsonStatusResourceDoesNotExist,
		Status(fmt.Errorf("%w: hue", accessory.ErrUnknownCapability)))
}

func TestAccessoryID(t *testing.T) {
	assert.Equal(t, AccessoryID("235111"), AccessoryID("235111"))
	assert.NotEqual(t, AccessoryID("235111"), AccessoryID("235112"))
	assert.GreaterOrEqual(t, AccessoryID(""), uint64(2))
}

func TestNewBridge(t *testing.T) {
	lights := []Light{
		newAdapter(t, testDescriptor(false), nil),
		newAdapter(t, testDescriptor(true), nil),
	}
	b := NewBridge(Options{Name: "Test", Pin: "00102003", Manufacturer: "Xiaomi"}, lights, zerolog.Nop())
	assert.Len(t, b.Lightbulbs(), 2)
}
