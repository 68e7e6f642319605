package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dokzlo13/yeebridge/internal/accessory"
	"github.com/dokzlo13/yeebridge/internal/device"
	"github.com/dokzlo13/yeebridge/internal/discovery"
	"github.com/dokzlo13/yeebridge/internal/eventbus"
	"github.com/dokzlo13/yeebridge/internal/homekit"
	"github.com/dokzlo13/yeebridge/internal/ledger"
	"github.com/dokzlo13/yeebridge/internal/store"
)

// deviceEntry pairs the session and adapter built for one light.
type deviceEntry struct {
	session *device.Session
	adapter *accessory.Adapter
}

// DeviceService owns one session and adapter per configured light. It connects them at
// start and reacts to discovery and connection events; sessions never retry on their own.
type DeviceService struct {
	descriptors *store.Descriptors
	ledger      *ledger.Ledger
	bus         *eventbus.Bus

	// keyed by Descriptor.Key
	entries map[string]*deviceEntry
	order   []string

	mu  sync.Mutex
	ctx context.Context
	wg  sync.WaitGroup
}

// DeviceOptions configures NewDeviceService.
type DeviceOptions struct {
	DebugLogging bool
}

// NewDeviceService builds sessions and adapters. Nothing is dialed until Start.
func NewDeviceService(
	descs []device.Descriptor,
	dialer device.Dialer,
	descriptors *store.Descriptors,
	l *ledger.Ledger,
	bus *eventbus.Bus,
	opts DeviceOptions,
) *DeviceService {
	s := &DeviceService{
		descriptors: descriptors,
		ledger:      l,
		bus:         bus,
		entries:     make(map[string]*deviceEntry, len(descs)),
		ctx:         context.Background(),
	}

	for _, desc := range descs {
		key := desc.Key()
		if _, dup := s.entries[key]; dup {
			log.Warn().Str("device", desc.ID).Msg("Skipping light with a duplicate id")
			continue
		}

		merged, err := descriptors.Reconcile(desc)
		if err != nil {
			log.Warn().Err(err).Str("device", desc.ID).Msg("Failed to reconcile stored descriptor, using configuration")
			merged = desc
		}
		if merged.Address != desc.Address {
			log.Info().
				Str("device", desc.ID).
				Str("configured", desc.Address).
				Str("address", merged.Address).
				Msg("Using last discovered address")
		}

		logger := log.With().Str("device", desc.ID).Str("name", desc.Name).Logger()
		session := device.NewSession(merged, dialer, logger)
		session.OnStateChange(s.publishState)

		adapter := accessory.New(merged, session, logger, accessory.Options{
			DebugLogging: opts.DebugLogging,
			Recorder:     l,
		})

		s.entries[key] = &deviceEntry{session: session, adapter: adapter}
		s.order = append(s.order, key)
	}

	if removed, err := descriptors.Prune(lo.Map(descs, func(d device.Descriptor, _ int) string { return d.ID })); err != nil {
		log.Warn().Err(err).Msg("Failed to prune stored descriptors")
	} else if removed > 0 {
		log.Info().Int("removed", removed).Msg("Pruned descriptors of unconfigured lights")
	}

	return s
}

// Start subscribes to bus events and connects every session in the background.
func (s *DeviceService) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.bus.Subscribe(eventbus.EventTypeDeviceSeen, s.handleDeviceSeen)
	s.bus.Subscribe(eventbus.EventTypeConnection, s.recordConnection)

	for _, key := range s.order {
		s.connect(s.entries[key])
	}
	log.Info().Int("devices", len(s.order)).Msg("Connecting to lights")
}

// connect dials one session without blocking the caller. Failures are logged by the
// session and published as connection events.
func (s *DeviceService) connect(e *deviceEntry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = e.session.Connect(ctx)
	}()
}

// Lights returns the adapters in configuration order.
func (s *DeviceService) Lights() []homekit.Light {
	return lo.Map(s.order, func(key string, _ int) homekit.Light {
		return s.entries[key].adapter
	})
}

// Adapter returns the adapter for a device id.
func (s *DeviceService) Adapter(id string) (*accessory.Adapter, bool) {
	e, ok := s.entries[device.NormalizeID(id)]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Session returns the session for a device id.
func (s *DeviceService) Session(id string) (*device.Session, bool) {
	e, ok := s.entries[device.NormalizeID(id)]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Status reports the connection state of every light, keyed by configured id.
func (s *DeviceService) Status() map[string]bool {
	out := make(map[string]bool, len(s.entries))
	for _, e := range s.entries {
		out[e.session.Descriptor().ID] = e.session.Connected()
	}
	return out
}

// Close closes every session and waits for pending connects.
func (s *DeviceService) Close() {
	for _, key := range s.order {
		s.entries[key].session.Close()
	}
	s.wg.Wait()
}

func (s *DeviceService) publishState(ev device.StateEvent) {
	data := map[string]interface{}{
		"id":        ev.DeviceID,
		"connected": ev.Connected,
		"forced":    ev.Forced,
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EventTypeConnection, Data: data})
}

func (s *DeviceService) recordConnection(ev eventbus.Event) {
	eventType := ledger.EventDisconnected
	var payload map[string]any
	switch {
	case ev.Bool("connected"):
		eventType = ledger.EventConnected
	case ev.String("error") != "":
		eventType = ledger.EventConnectFailed
		payload = map[string]any{"error": ev.String("error")}
	case ev.Bool("forced"):
		payload = map[string]any{"forced": true}
	}

	if err := s.ledger.Append(eventType, ev.String("id"), "", payload); err != nil {
		log.Warn().Err(err).Str("device", ev.String("id")).Msg("Failed to record connection event")
	}
}

// handleDeviceSeen applies a discovered address. A changed address replaces the session's
// descriptor without reconnecting; a reconnect is only requested for a session that is
// disconnected and was not disconnected on purpose.
func (s *DeviceService) handleDeviceSeen(ev eventbus.Event) {
	id := ev.String("id")
	address := ev.String("address")
	e, ok := s.entries[device.NormalizeID(id)]
	if !ok || address == "" {
		log.Trace().Str("device", id).Str("address", address).Msg("Ignoring unknown light")
		return
	}

	desc := e.session.Descriptor()
	if !discovery.SameHost(desc.Address, address) {
		log.Info().
			Str("device", desc.ID).
			Str("old_address", desc.Address).
			Str("address", address).
			Msg("Light moved to a new address")

		e.session.UpdateDevice(desc.WithAddress(address))
		if err := s.descriptors.SaveAddress(desc.ID, address); err != nil {
			log.Warn().Err(err).Str("device", desc.ID).Msg("Failed to persist discovered address")
		}
		if err := s.ledger.Append(ledger.EventAddressChanged, desc.ID, "", map[string]any{
			"old_address": desc.Address,
			"address":     address,
		}); err != nil {
			log.Warn().Err(err).Str("device", desc.ID).Msg("Failed to record address change")
		}
	}

	if !e.session.Connected() && !e.session.ForcedDisconnect() {
		log.Debug().Str("device", desc.ID).Msg("Reconnecting discovered light")
		s.connect(e)
	}
}

// ResetAddresses forgets learned addresses and points every session back at its
// configured address. Connected sessions keep their handle until the next connect.
func (s *DeviceService) ResetAddresses(descs []device.Descriptor) error {
	if err := s.descriptors.Forget(); err != nil {
		return err
	}
	for _, desc := range descs {
		e, ok := s.entries[desc.Key()]
		if !ok {
			continue
		}
		if _, err := s.descriptors.Reconcile(desc); err != nil {
			return err
		}
		e.session.UpdateDevice(desc)
	}
	return nil
}
