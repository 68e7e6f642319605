package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeebridge/internal/config"
	"github.com/dokzlo13/yeebridge/internal/discovery"
	"github.com/dokzlo13/yeebridge/internal/eventbus"
)

// DiscoveryService runs the periodic mDNS browse.
type DiscoveryService struct {
	enabled bool
	Scanner *discovery.Scanner
}

// NewDiscoveryService creates the scanner. It publishes device_seen events on bus.
func NewDiscoveryService(cfg *config.Config, bus *eventbus.Bus) *DiscoveryService {
	logger := log.With().Str("component", "discovery").Logger()
	return &DiscoveryService{
		enabled: cfg.Discovery.Enabled,
		Scanner: discovery.NewScanner(
			cfg.Discovery.Interval.Duration(),
			cfg.Discovery.Timeout.Duration(),
			bus,
			logger,
		),
	}
}

// Start begins browsing if enabled.
func (s *DiscoveryService) Start(ctx context.Context) {
	if !s.enabled {
		log.Info().Msg("Discovery is disabled")
		return
	}
	go s.Scanner.Run(ctx)
}
