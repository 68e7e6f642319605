package device_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/yeebridge/internal/device"
	"github.com/dokzlo13/yeebridge/internal/device/devicetest"
)

func testDescriptor() device.Descriptor {
	return device.Descriptor{
		ID:      "0x1234",
		Name:    "Desk",
		Address: "192.168.1.20",
		Token:   "00112233445566778899aabbccddeeff",
	}
}

func newSession(t *testing.T, dialer device.Dialer) *device.Session {
	t.Helper()
	s := device.NewSession(testDescriptor(), dialer, zerolog.Nop())
	t.Cleanup(s.Close)
	return s
}

func TestSession_CommandsBeforeConnectFail(t *testing.T) {
	s := newSession(t, devicetest.NewDialer())
	ctx := context.Background()

	assert.ErrorIs(t, s.SetPower(ctx, true), device.ErrNotConnected)
	_, err := s.Power(ctx)
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.ErrorIs(t, s.SetBrightness(ctx, 10), device.ErrNotConnected)
	_, err = s.Brightness(ctx)
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.ErrorIs(t, s.SetColor(ctx, "4000k"), device.ErrNotConnected)
	_, err = s.Color(ctx)
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.False(t, s.Connected())
}

func TestSession_ForwardsToConnection(t *testing.T) {
	light := devicetest.NewLight()
	s := newSession(t, devicetest.NewDialer(light))
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	require.True(t, s.Connected())

	require.NoError(t, s.SetPower(ctx, true))
	on, err := s.Power(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, s.SetBrightness(ctx, 42))
	bri, err := s.Brightness(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, bri)

	require.NoError(t, s.SetColor(ctx, "2700k"))
	color, err := s.Color(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2700, color.Values[0])

	assert.Equal(t, 1, light.Calls("set_power"))
	assert.Equal(t, 1, light.Calls("power"))
}

func TestSession_ConnectFailureLeavesDisconnected(t *testing.T) {
	dialer := devicetest.NewDialer()
	dialer.FailWith(errors.New("no route to host"))
	s := newSession(t, dialer)

	var events []device.StateEvent
	s.OnStateChange(func(ev device.StateEvent) { events = append(events, ev) })

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, s.Connected())
	require.Len(t, events, 1)
	assert.Error(t, events[0].Err)
	assert.Equal(t, 1, dialer.Dials(), "connect must not retry on its own")
}

func TestSession_ReconnectReplacesHandle(t *testing.T) {
	first := devicetest.NewLight()
	second := devicetest.NewLight()
	s := newSession(t, devicetest.NewDialer(first, second))
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Connect(ctx))

	assert.True(t, first.Closed(), "replaced handle must be closed")
	assert.False(t, second.Closed())

	require.NoError(t, s.SetPower(ctx, true))
	assert.Equal(t, 0, first.Calls("set_power"))
	assert.Equal(t, 1, second.Calls("set_power"))
}

func TestSession_ConnectWhileConnectingIsNoop(t *testing.T) {
	dialer := devicetest.NewDialer()
	dialer.SetDelay(50 * time.Millisecond)
	s := newSession(t, dialer)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Connect(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, dialer.Dials())
	assert.True(t, s.Connected())
}

func TestSession_DisconnectIsForced(t *testing.T) {
	light := devicetest.NewLight()
	s := newSession(t, devicetest.NewDialer(light))
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	s.Disconnect()

	assert.True(t, s.ForcedDisconnect())
	assert.False(t, s.Connected())
	assert.True(t, light.Closed())
	assert.ErrorIs(t, s.SetPower(ctx, true), device.ErrNotConnected)

	// connecting again clears the flag
	require.NoError(t, s.Connect(ctx))
	assert.False(t, s.ForcedDisconnect())
}

func TestSession_DisconnectDuringDialWins(t *testing.T) {
	light := devicetest.NewLight()
	dialer := devicetest.NewDialer(light)
	dialer.SetDelay(50 * time.Millisecond)
	s := newSession(t, dialer)

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	s.Disconnect()

	require.NoError(t, <-done)
	assert.False(t, s.Connected())
	assert.True(t, light.Closed())
}

func TestSession_UpdateDeviceDoesNotReconnect(t *testing.T) {
	dialer := devicetest.NewDialer()
	s := newSession(t, dialer)
	require.NoError(t, s.Connect(context.Background()))

	s.UpdateDevice(testDescriptor().WithAddress("192.168.1.99"))

	assert.Equal(t, "192.168.1.99", s.Descriptor().Address)
	assert.Equal(t, 1, dialer.Dials())
	assert.True(t, s.Connected())
}

func TestSession_CloseFailsPendingCommands(t *testing.T) {
	light := devicetest.NewLight()
	s := device.NewSession(testDescriptor(), devicetest.NewDialer(light), zerolog.Nop())
	require.NoError(t, s.Connect(context.Background()))

	s.Close()
	s.Close()

	assert.True(t, light.Closed())
	assert.ErrorIs(t, s.SetPower(context.Background(), true), device.ErrSessionClosed)
}

func TestSession_CommandsAreSerialized(t *testing.T) {
	light := devicetest.NewLight()
	light.SetLatency(20 * time.Millisecond)
	s := newSession(t, devicetest.NewDialer(light))
	require.NoError(t, s.Connect(context.Background()))

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_ = s.SetBrightness(context.Background(), v)
		}(i * 10)
	}
	wg.Wait()

	// four round trips through one queue cannot overlap
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 4, light.Calls("set_brightness"))
}

func TestSession_CancelledCallerDoesNotAbortCommand(t *testing.T) {
	light := devicetest.NewLight()
	light.SetLatency(50 * time.Millisecond)
	s := newSession(t, devicetest.NewDialer(light))
	require.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.SetBrightness(ctx, 7)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the dequeued command still lands on the device
	bri, err := s.Brightness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, bri)
}

func TestDescriptor_ResolveColorTemp(t *testing.T) {
	tests := []struct {
		name    string
		desc    device.Descriptor
		wantMin int
		wantMax int
	}{
		{"explicit", device.Descriptor{ColorTempMin: 200, ColorTempMax: 300}, 200, 300},
		{"known_model", device.Descriptor{Model: "yeelink.light.ct2"}, 154, 370},
		{"unknown_model", device.Descriptor{Model: "acme.bulb"}, device.DefaultColorTempMin, device.DefaultColorTempMax},
		{"partial", device.Descriptor{Model: "yeelink.light.color1", ColorTempMin: 180}, 180, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.desc.ResolveColorTemp()
			assert.Equal(t, tt.wantMin, got.ColorTempMin)
			assert.Equal(t, tt.wantMax, got.ColorTempMax)
		})
	}
}

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, "235111", device.NormalizeID("235111"))
	assert.Equal(t, "235111", device.NormalizeID("0x39667"))
	assert.Equal(t, "desk", device.NormalizeID("desk"))
	assert.Equal(t, device.Descriptor{ID: "0x39667"}.Key(), device.Descriptor{ID: "235111"}.Key())
}
