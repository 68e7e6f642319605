// Package devicetest provides an in-memory light for tests.
package devicetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dokzlo13/yeebridge/internal/device"
)

// ErrUnreachable is the default failure injected by Fail.
var ErrUnreachable = errors.New("device unreachable")

// Light is a fake bulb implementing device.Conn.
type Light struct {
	mu sync.Mutex

	on         bool
	brightness int
	kelvin     int
	rgb        int
	lastColor  string

	latency time.Duration
	err     error
	closed  bool
	calls   map[string]int
}

// NewLight returns a powered-off light at 100% brightness and 4000K.
func NewLight() *Light {
	return &Light{brightness: 100, kelvin: 4000, calls: make(map[string]int)}
}

// SetLatency delays every command by d.
func (l *Light) SetLatency(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latency = d
}

// Fail makes every following command return err (ErrUnreachable if nil).
func (l *Light) Fail(err error) {
	if err == nil {
		err = ErrUnreachable
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// Calls returns how many times a command was invoked.
func (l *Light) Calls(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[name]
}

// LastColor returns the last color string received by SetColor.
func (l *Light) LastColor() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastColor
}

// Closed reports whether Close was called.
func (l *Light) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Light) begin(name string) error {
	l.mu.Lock()
	l.calls[name]++
	latency, err := l.latency, l.err
	l.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	return err
}

func (l *Light) SetPower(_ context.Context, on bool) error {
	if err := l.begin("set_power"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = on
	return nil
}

func (l *Light) Power(_ context.Context) (bool, error) {
	if err := l.begin("power"); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on, nil
}

func (l *Light) SetBrightness(_ context.Context, brightness int) error {
	if err := l.begin("set_brightness"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.brightness = brightness
	return nil
}

func (l *Light) Brightness(_ context.Context) (int, error) {
	if err := l.begin("brightness"); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.brightness, nil
}

func (l *Light) SetColor(_ context.Context, color string) error {
	if err := l.begin("set_color"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastColor = color

	switch {
	case strings.HasSuffix(color, "k"):
		k, err := strconv.Atoi(strings.TrimSuffix(color, "k"))
		if err != nil {
			return fmt.Errorf("bad color %q: %w", color, err)
		}
		l.kelvin = k
	case strings.HasPrefix(color, "#"):
		v, err := strconv.ParseInt(strings.TrimPrefix(color, "#"), 16, 32)
		if err != nil {
			return fmt.Errorf("bad color %q: %w", color, err)
		}
		l.rgb = int(v)
	default:
		return fmt.Errorf("bad color %q", color)
	}
	return nil
}

func (l *Light) Color(_ context.Context) (device.Color, error) {
	if err := l.begin("color"); err != nil {
		return device.Color{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return device.Color{Values: []int{l.kelvin, l.rgb}}, nil
}

func (l *Light) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Dialer hands out Light connections.
type Dialer struct {
	mu    sync.Mutex
	next  []*Light
	err   error
	delay time.Duration
	dials int
	addrs []string
}

// NewDialer returns a dialer that yields the given lights in order, then fresh ones.
func NewDialer(lights ...*Light) *Dialer {
	return &Dialer{next: lights}
}

// FailWith makes every following dial fail.
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// SetDelay delays every dial by delay.
func (d *Dialer) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// Dials returns the number of dial attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// LastAddress returns the address of the most recent dial.
func (d *Dialer) LastAddress() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.addrs) == 0 {
		return ""
	}
	return d.addrs[len(d.addrs)-1]
}

func (d *Dialer) Dial(ctx context.Context, address, _ string) (device.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.addrs = append(d.addrs, address)
	delay, err := d.delay, d.err
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.next) == 0 {
		return NewLight(), nil
	}
	l := d.next[0]
	d.next = d.next[1:]
	return l, nil
}
