package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// StateEvent describes a change in a session's connection state.
type StateEvent struct {
	DeviceID  string
	Connected bool
	Forced    bool
	Err       error
}

// StateListener is notified after every connection state change.
type StateListener func(StateEvent)

type result[T any] struct {
	val T
	err error
}

// request is one unit of work for the session goroutine.
type request struct {
	name string
	fn   func()
}

// Session owns the single connection to one light.
//
// All commands and all handle mutations run on one goroutine fed by a queue.
// Once a command has been dequeued it runs to completion: the caller's context only
// bounds how long the caller waits.
type Session struct {
	dialer Dialer
	logger zerolog.Logger

	mu       sync.RWMutex
	desc     Descriptor
	listener StateListener

	// owned by the run goroutine
	conn Conn

	connected  atomic.Bool
	connecting atomic.Bool
	forced     atomic.Bool

	queue     chan request
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session bound to desc and starts its command goroutine.
// It does not connect; call Connect (usually in its own goroutine).
func NewSession(desc Descriptor, dialer Dialer, logger zerolog.Logger) *Session {
	s := &Session{
		dialer:  dialer,
		logger:  logger,
		desc:    desc,
		queue:   make(chan request),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			s.dropConn()
			return
		case req := <-s.queue:
			s.logger.Trace().Str("command", req.name).Msg("Running device command")
			req.fn()
		}
	}
}

// OnStateChange registers a listener for connection state changes.
func (s *Session) OnStateChange(fn StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = fn
}

// Descriptor returns the descriptor the session is currently bound to.
func (s *Session) Descriptor() Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.desc
}

// UpdateDevice rebinds the session to a new descriptor. It does not reconnect.
func (s *Session) UpdateDevice(desc Descriptor) {
	s.mu.Lock()
	old := s.desc
	s.desc = desc
	s.mu.Unlock()

	s.logger.Debug().
		Str("old_address", old.Address).
		Str("new_address", desc.Address).
		Msg("Device descriptor updated")
}

// Connected reports whether the session currently holds a connection handle.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// ForcedDisconnect reports whether the last disconnect was requested by the operator.
func (s *Session) ForcedDisconnect() bool {
	return s.forced.Load()
}

// Connect opens a connection using the current descriptor's address and token.
// A call made while another connect is in flight returns immediately. Failures are
// logged and returned, and leave the session disconnected; no retry is scheduled.
func (s *Session) Connect(ctx context.Context) error {
	if !s.connecting.CompareAndSwap(false, true) {
		s.logger.Debug().Msg("Connect already in progress")
		return nil
	}
	defer s.connecting.Store(false)

	s.forced.Store(false)
	desc := s.Descriptor()

	conn, err := s.dialer.Dial(ctx, desc.Address, desc.Token)
	if err != nil {
		s.logger.Error().Err(err).Str("address", desc.Address).Msg("Failed to connect to device")
		s.notify(StateEvent{DeviceID: desc.ID, Err: err})
		return err
	}

	err = s.submit(context.Background(), "install", func() {
		// An operator disconnect that landed while dialing wins.
		if s.forced.Load() {
			_ = conn.Close()
			return
		}
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to close replaced connection")
			}
		}
		s.conn = conn
		s.connected.Store(true)
	})
	if err != nil {
		_ = conn.Close()
		return err
	}

	if !s.Connected() {
		return nil
	}
	s.logger.Info().Str("address", desc.Address).Msg("Opened connection to device")
	s.notify(StateEvent{DeviceID: desc.ID, Connected: true})
	return nil
}

// Disconnect drops the connection handle and marks the disconnect as operator
// initiated, so a later failure is not treated as unexpected.
func (s *Session) Disconnect() {
	s.forced.Store(true)
	err := s.submit(context.Background(), "disconnect", s.dropConn)
	if err != nil {
		return
	}
	s.logger.Info().Msg("Disconnected from device")
	s.notify(StateEvent{DeviceID: s.Descriptor().ID, Forced: true})
}

// Close tears the session down. Pending and future commands fail with ErrSessionClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.forced.Store(true)
		close(s.done)
	})
	<-s.stopped
}

func (s *Session) dropConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close connection")
	}
	s.conn = nil
	s.connected.Store(false)
}

func (s *Session) notify(ev StateEvent) {
	s.mu.RLock()
	fn := s.listener
	s.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// submit queues fn on the session goroutine and waits for it to finish.
func (s *Session) submit(ctx context.Context, name string, fn func()) error {
	finished := make(chan struct{})
	req := request{name: name, fn: func() {
		defer close(finished)
		fn()
	}}

	select {
	case s.queue <- req:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs one command against the current handle on the session goroutine.
func call[T any](ctx context.Context, s *Session, name string, fn func(context.Context, Conn) (T, error)) (T, error) {
	reply := make(chan result[T], 1)
	// Dequeued commands are not cancellable.
	cmdCtx := context.WithoutCancel(ctx)

	err := s.submit(ctx, name, func() {
		if s.conn == nil {
			var zero T
			reply <- result[T]{zero, ErrNotConnected}
			return
		}
		v, err := fn(cmdCtx, s.conn)
		reply <- result[T]{v, err}
	})
	if err != nil {
		var zero T
		return zero, err
	}

	r := <-reply
	return r.val, r.err
}

// SetPower switches the light on or off.
func (s *Session) SetPower(ctx context.Context, on bool) error {
	_, err := call(ctx, s, "set_power", func(ctx context.Context, c Conn) (struct{}, error) {
		return struct{}{}, c.SetPower(ctx, on)
	})
	return err
}

// Power reads the power state.
func (s *Session) Power(ctx context.Context) (bool, error) {
	return call(ctx, s, "power", func(ctx context.Context, c Conn) (bool, error) {
		return c.Power(ctx)
	})
}

// SetBrightness sets the brightness percentage.
func (s *Session) SetBrightness(ctx context.Context, brightness int) error {
	_, err := call(ctx, s, "set_brightness", func(ctx context.Context, c Conn) (struct{}, error) {
		return struct{}{}, c.SetBrightness(ctx, brightness)
	})
	return err
}

// Brightness reads the brightness percentage.
func (s *Session) Brightness(ctx context.Context) (int, error) {
	return call(ctx, s, "brightness", func(ctx context.Context, c Conn) (int, error) {
		return c.Brightness(ctx)
	})
}

// SetColor sends a color command, e.g. "4000k".
func (s *Session) SetColor(ctx context.Context, color string) error {
	_, err := call(ctx, s, "set_color", func(ctx context.Context, c Conn) (struct{}, error) {
		return struct{}{}, c.SetColor(ctx, color)
	})
	return err
}

// Color reads the raw color values.
func (s *Session) Color(ctx context.Context) (Color, error) {
	return call(ctx, s, "color", func(ctx context.Context, c Conn) (Color, error) {
		return c.Color(ctx)
	})
}
