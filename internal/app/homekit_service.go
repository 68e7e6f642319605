package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeebridge/internal/config"
	"github.com/dokzlo13/yeebridge/internal/eventbus"
	"github.com/dokzlo13/yeebridge/internal/homekit"
)

// HomeKitService serves the HAP bridge.
type HomeKitService struct {
	Bridge *homekit.Bridge
}

// NewHomeKitService builds the bridge and one lightbulb accessory per light. Accessories
// are reloaded from the device every time their light connects.
func NewHomeKitService(cfg *config.Config, lights []homekit.Light, bus *eventbus.Bus) *HomeKitService {
	opts := homekit.Options{
		Name:         cfg.HomeKit.Name,
		Pin:          cfg.HomeKit.Pin,
		Port:         cfg.HomeKit.Port,
		StoragePath:  cfg.HomeKit.StoragePath,
		Manufacturer: cfg.HomeKit.Manufacturer,
	}
	logger := log.With().Str("component", "homekit").Logger()
	s := &HomeKitService{Bridge: homekit.NewBridge(opts, lights, logger)}
	bus.Subscribe(eventbus.EventTypeConnection, s.handleConnection)
	return s
}

func (s *HomeKitService) handleConnection(ev eventbus.Event) {
	if !ev.Bool("connected") {
		return
	}
	id := ev.String("id")
	if err := s.Bridge.Refresh(context.Background(), id); err != nil {
		log.Warn().Err(err).Str("device", id).Msg("Failed to load accessory state from light")
	}
}

// Start serves HAP in the background. A server failure is fatal.
func (s *HomeKitService) Start(ctx context.Context, onFatalError func(error)) {
	go func() {
		if err := s.Bridge.Run(ctx); err != nil {
			onFatalError(err)
		}
	}()
}
