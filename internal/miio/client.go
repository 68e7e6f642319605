package miio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeebridge/internal/device"
)

// DefaultPort is the miio UDP port.
const DefaultPort = 54321

// ErrTimeout is returned when the device does not answer within the request deadline.
var ErrTimeout = errors.New("miio request timed out")

// transition used for every state change, matching the Yeelight app default.
const (
	effect   = "smooth"
	duration = 500
)

// DeviceError is an error reported by the device in a JSON-RPC reply.
type DeviceError struct {
	Method  string
	Code    int
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("miio %s: %s (code %d)", e.Method, e.Message, e.Code)
}

type command struct {
	ID     uint32 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type response struct {
	ID     uint32          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client is a connection to one miio device. It implements device.Conn.
type Client struct {
	conn    *net.UDPConn
	cs      *cipherSuite
	timeout time.Duration

	mu       sync.Mutex
	deviceID uint32
	stamp    uint32
	stampAt  time.Time
	nextID   uint32
}

var _ device.Conn = (*Client)(nil)

// Dialer opens miio clients with a fixed per-request timeout.
type Dialer struct {
	Timeout time.Duration
}

var _ device.Dialer = Dialer{}

// Dial performs the hello handshake with the device at address and returns a client.
// The address may omit the port.
func (d Dialer) Dial(ctx context.Context, address, token string) (device.Conn, error) {
	c, err := Dial(ctx, address, token, d.Timeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Dial connects to a device and performs the handshake.
func Dial(ctx context.Context, address, token string, timeout time.Duration) (*Client, error) {
	cs, err := newCipherSuite(token)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(DefaultPort))
	}

	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", address, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	c := &Client{conn: conn, cs: cs, timeout: timeout}
	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	log.Debug().
		Str("address", address).
		Uint32("device_id", c.deviceID).
		Msg("miio handshake complete")
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.setDeadline(ctx); err != nil {
		return err
	}
	if _, err := c.conn.Write(helloPacket()); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := c.conn.Read(buf)
	if err != nil {
		return wrapNetErr("hello", err)
	}
	p, err := parseHeader(buf[:n])
	if err != nil {
		return err
	}

	c.deviceID = p.deviceID
	c.stamp = p.stamp
	c.stampAt = time.Now()
	return nil
}

// DeviceID returns the id learned during the handshake.
func (c *Client) DeviceID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *Client) setDeadline(ctx context.Context) error {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.conn.SetDeadline(deadline)
}

// Call sends one JSON-RPC command and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(command{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", method, err)
	}

	stamp := c.stamp + uint32(time.Since(c.stampAt).Seconds())
	data, err := c.cs.encode(c.deviceID, stamp, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", method, err)
	}

	if err := c.setDeadline(ctx); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(data); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, wrapNetErr(method, err)
		}
		p, err := c.cs.decode(buf[:n])
		if err != nil {
			log.Debug().Err(err).Str("method", method).Msg("Dropping undecodable miio reply")
			continue
		}
		if len(p.payload) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(p.payload, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse %s reply: %w", method, err)
		}
		if resp.ID != id {
			// late reply to an earlier, timed out request
			continue
		}
		if resp.Error != nil {
			return nil, &DeviceError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	}
}

// Close releases the UDP socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) SetPower(ctx context.Context, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	return c.expectOK(ctx, "set_power", state, effect, duration)
}

func (c *Client) Power(ctx context.Context) (bool, error) {
	props, err := c.props(ctx, "power")
	if err != nil {
		return false, err
	}
	return props[0] == "on", nil
}

func (c *Client) SetBrightness(ctx context.Context, brightness int) error {
	// the bulbs reject 0; the lowest accepted level is 1
	if brightness < 1 {
		brightness = 1
	}
	if brightness > 100 {
		brightness = 100
	}
	return c.expectOK(ctx, "set_bright", brightness, effect, duration)
}

func (c *Client) Brightness(ctx context.Context) (int, error) {
	props, err := c.props(ctx, "bright")
	if err != nil {
		return 0, err
	}
	return atoiProp("bright", props[0])
}

// SetColor accepts "<N>k" (color temperature in Kelvin) or "#rrggbb".
func (c *Client) SetColor(ctx context.Context, color string) error {
	switch {
	case strings.HasSuffix(color, "k") || strings.HasSuffix(color, "K"):
		kelvin, err := strconv.Atoi(color[:len(color)-1])
		if err != nil {
			return fmt.Errorf("invalid color temperature %q: %w", color, err)
		}
		return c.expectOK(ctx, "set_ct_abx", kelvin, effect, duration)
	case strings.HasPrefix(color, "#"):
		rgb, err := strconv.ParseUint(color[1:], 16, 32)
		if err != nil || len(color) != 7 {
			return fmt.Errorf("invalid rgb color %q", color)
		}
		return c.expectOK(ctx, "set_rgb", int(rgb), effect, duration)
	default:
		return fmt.Errorf("unsupported color %q", color)
	}
}

// Color returns the color temperature in Kelvin followed by the packed RGB value.
func (c *Client) Color(ctx context.Context) (device.Color, error) {
	props, err := c.props(ctx, "ct", "rgb")
	if err != nil {
		return device.Color{}, err
	}
	values := make([]int, 0, len(props))
	for i, p := range props {
		// bulbs without an RGB channel answer with an empty string
		if p == "" {
			continue
		}
		v, err := atoiProp([]string{"ct", "rgb"}[i], p)
		if err != nil {
			return device.Color{}, err
		}
		values = append(values, v)
	}
	return device.Color{Values: values}, nil
}

func (c *Client) expectOK(ctx context.Context, method string, params ...any) error {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	var result []string
	if err := json.Unmarshal(raw, &result); err != nil || len(result) == 0 || result[0] != "ok" {
		return fmt.Errorf("miio %s: unexpected result %s", method, string(raw))
	}
	return nil
}

// props reads properties with get_prop. Values come back as strings or numbers; both
// are normalized to strings.
func (c *Client) props(ctx context.Context, names ...string) ([]string, error) {
	params := make([]any, len(names))
	for i, n := range names {
		params[i] = n
	}
	raw, err := c.Call(ctx, "get_prop", params...)
	if err != nil {
		return nil, err
	}

	var values []any
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("failed to parse get_prop result: %w", err)
	}
	if len(values) != len(names) {
		return nil, fmt.Errorf("get_prop returned %d values for %d props", len(values), len(names))
	}

	out := make([]string, len(values))
	for i, v := range values {
		switch t := v.(type) {
		case string:
			out[i] = t
		case float64:
			out[i] = strconv.FormatFloat(t, 'f', -1, 64)
		case nil:
			out[i] = ""
		default:
			return nil, fmt.Errorf("unexpected %s value %v", names[i], v)
		}
	}
	return out, nil
}

func atoiProp(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, v, err)
	}
	return n, nil
}

func wrapNetErr(method string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, method)
	}
	return fmt.Errorf("miio %s: %w", method, err)
}
