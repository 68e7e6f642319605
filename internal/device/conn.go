package device

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by every command issued while the session has no
	// connection handle.
	ErrNotConnected = errors.New("device not connected")

	// ErrSessionClosed is returned once the session has been torn down.
	ErrSessionClosed = errors.New("device session closed")
)

// Color is the raw color reading reported by the light.
// For color temperature bulbs Values[0] is the temperature in Kelvin.
type Color struct {
	Values []int
}

// Conn is the narrow command surface of a device-control connection.
type Conn interface {
	SetPower(ctx context.Context, on bool) error
	Power(ctx context.Context) (bool, error)
	SetBrightness(ctx context.Context, brightness int) error
	Brightness(ctx context.Context) (int, error)
	// SetColor accepts "<N>k" for a color temperature in Kelvin or "#rrggbb".
	SetColor(ctx context.Context, color string) error
	Color(ctx context.Context) (Color, error)
	Close() error
}

// Dialer opens connections to lights.
type Dialer interface {
	Dial(ctx context.Context, address, token string) (Conn, error)
}
