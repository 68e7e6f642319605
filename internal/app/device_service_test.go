package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/yeebridge/internal/accessory"
	"github.com/dokzlo13/yeebridge/internal/config"
	"github.com/dokzlo13/yeebridge/internal/db"
	"github.com/dokzlo13/yeebridge/internal/device"
	"github.com/dokzlo13/yeebridge/internal/device/devicetest"
	"github.com/dokzlo13/yeebridge/internal/eventbus"
	"github.com/dokzlo13/yeebridge/internal/ledger"
	"github.com/dokzlo13/yeebridge/internal/store"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.FatalLevel)
}

type fixture struct {
	devices     *DeviceService
	dialer      *devicetest.Dialer
	descriptors *store.Descriptors
	ledger      *ledger.Ledger
	bus         *eventbus.Bus
}

func desk() device.Descriptor {
	return device.Descriptor{
		ID:           "0x39667", // 235111
		Name:         "Desk",
		Address:      "192.168.1.20",
		Token:        "00112233445566778899aabbccddeeff",
		ColorTempMin: 164,
		ColorTempMax: 384,
	}
}

func newFixture(t *testing.T, dialer *devicetest.Dialer) *fixture {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)

	f := &fixture{
		dialer:      dialer,
		descriptors: store.NewDescriptors(database.DB),
		ledger:      ledger.New(database.DB),
		bus:         eventbus.NewWithConfig(1, 16),
	}
	f.devices = NewDeviceService([]device.Descriptor{desk()}, dialer, f.descriptors, f.ledger, f.bus, DeviceOptions{})

	t.Cleanup(func() {
		f.bus.Close(context.Background())
		f.devices.Close()
		database.Close()
	})
	return f
}

func (f *fixture) session(t *testing.T) *device.Session {
	t.Helper()
	s, ok := f.devices.Session("235111")
	require.True(t, ok, "decimal and hex ids refer to the same light")
	return s
}

func (f *fixture) seen(address string) {
	f.bus.Publish(eventbus.Event{Type: eventbus.EventTypeDeviceSeen, Data: map[string]interface{}{
		"id": "235111", "address": address,
	}})
}

func TestDeviceService_StartConnects(t *testing.T) {
	f := newFixture(t, devicetest.NewDialer())
	f.devices.Start(context.Background())

	require.Eventually(t, f.session(t).Connected, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		entries, err := f.ledger.GetByType(ledger.EventConnected, 10)
		return err == nil && len(entries) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, map[string]bool{"0x39667": true}, f.devices.Status())
	assert.Len(t, f.devices.Lights(), 1)
}

func TestDeviceService_ConnectFailureRecorded(t *testing.T) {
	dialer := devicetest.NewDialer()
	dialer.FailWith(devicetest.ErrUnreachable)
	f := newFixture(t, dialer)
	f.devices.Start(context.Background())

	require.Eventually(t, func() bool {
		entries, err := f.ledger.GetByType(ledger.EventConnectFailed, 10)
		return err == nil && len(entries) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, dialer.Dials(), "no retry without a discovery sighting")
}

func TestDeviceService_DeviceSeen(t *testing.T) {
	t.Run("should update the address without reconnecting a connected light", func(t *testing.T) {
		f := newFixture(t, devicetest.NewDialer())
		f.devices.Start(context.Background())
		require.Eventually(t, f.session(t).Connected, time.Second, 5*time.Millisecond)

		f.seen("192.168.1.42")

		require.Eventually(t, func() bool {
			return f.session(t).Descriptor().Address == "192.168.1.42"
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, f.dialer.Dials())

		require.Eventually(t, func() bool {
			stored, err := f.descriptors.Get("0x39667")
			return err == nil && stored.Address == "192.168.1.42"
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("should reconnect a light that failed to connect", func(t *testing.T) {
		dialer := devicetest.NewDialer()
		dialer.FailWith(devicetest.ErrUnreachable)
		f := newFixture(t, dialer)
		f.devices.Start(context.Background())
		require.Eventually(t, func() bool { return dialer.Dials() == 1 }, time.Second, 5*time.Millisecond)

		dialer.FailWith(nil)
		// a sighting that lands while the failed connect is still unwinding is a no-op,
		// the next periodic browse retries
		require.Eventually(t, func() bool {
			f.seen("192.168.1.42")
			return f.session(t).Connected()
		}, time.Second, 20*time.Millisecond)
		assert.Equal(t, "192.168.1.42", dialer.LastAddress())
	})

	t.Run("should not reconnect a forcibly disconnected light", func(t *testing.T) {
		f := newFixture(t, devicetest.NewDialer())
		f.devices.Start(context.Background())
		require.Eventually(t, f.session(t).Connected, time.Second, 5*time.Millisecond)

		f.session(t).Disconnect()
		f.seen("192.168.1.20")

		time.Sleep(50 * time.Millisecond)
		assert.False(t, f.session(t).Connected())
		assert.Equal(t, 1, f.dialer.Dials())
	})

	t.Run("should ignore unknown lights", func(t *testing.T) {
		f := newFixture(t, devicetest.NewDialer())
		f.devices.Start(context.Background())
		require.Eventually(t, f.session(t).Connected, time.Second, 5*time.Millisecond)

		f.bus.Publish(eventbus.Event{Type: eventbus.EventTypeDeviceSeen, Data: map[string]interface{}{
			"id": "1", "address": "10.0.0.1",
		}})
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, "192.168.1.20", f.session(t).Descriptor().Address)
		assert.Equal(t, 1, f.dialer.Dials())
	})
}

func TestDeviceService_CommandsReachLedger(t *testing.T) {
	f := newFixture(t, devicetest.NewDialer())
	f.devices.Start(context.Background())
	require.Eventually(t, f.session(t).Connected, time.Second, 5*time.Millisecond)

	a, ok := f.devices.Adapter("0x39667")
	require.True(t, ok)
	a.Set(context.Background(), accessory.CapabilityBrightness, 30)

	entries, err := f.ledger.GetByType(ledger.EventCommandCompleted, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "0x39667", entries[0].DeviceID)
	assert.NotEmpty(t, entries[0].RequestID)
}

func TestDeviceService_ResetAddresses(t *testing.T) {
	f := newFixture(t, devicetest.NewDialer())
	f.devices.Start(context.Background())
	require.Eventually(t, f.session(t).Connected, time.Second, 5*time.Millisecond)

	f.seen("192.168.1.42")
	require.Eventually(t, func() bool {
		return f.session(t).Descriptor().Address == "192.168.1.42"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.devices.ResetAddresses([]device.Descriptor{desk()}))
	assert.Equal(t, "192.168.1.20", f.session(t).Descriptor().Address)
}

func TestHomeKitService_LoadsStateOnConnect(t *testing.T) {
	light := devicetest.NewLight()
	require.NoError(t, light.SetPower(context.Background(), true))
	require.NoError(t, light.SetBrightness(context.Background(), 20))

	f := newFixture(t, devicetest.NewDialer(light))
	hk := NewHomeKitService(&config.Config{}, f.devices.Lights(), f.bus)
	lb := hk.Bridge.Lightbulbs()[0]
	require.False(t, lb.Service.On.Value())

	f.devices.Start(context.Background())

	require.Eventually(t, func() bool {
		return lb.Service.On.Value() && lb.Brightness.Value() == 20
	}, time.Second, 5*time.Millisecond)
}

type staticStatus map[string]bool

func (s staticStatus) Status() map[string]bool { return s }

func TestHealthService_Ready(t *testing.T) {
	tests := []struct {
		name     string
		status   staticStatus
		wantCode int
	}{
		{"no_devices", staticStatus{}, http.StatusOK},
		{"one_connected", staticStatus{"a": true, "b": false}, http.StatusOK},
		{"none_connected", staticStatus{"a": false}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthService(&config.Config{}, tt.status).Handler()

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, tt.wantCode, rec.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Len(t, body["devices"], len(tt.status))
		})
	}

	rec := httptest.NewRecorder()
	NewHealthService(&config.Config{}, staticStatus{}).Handler().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
