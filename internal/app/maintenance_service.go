package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeebridge/internal/config"
	"github.com/dokzlo13/yeebridge/internal/ledger"
)

// MaintenanceService applies the ledger retention policy.
type MaintenanceService struct {
	ledger    *ledger.Ledger
	interval  time.Duration
	retention time.Duration
}

// NewMaintenanceService creates the cleanup loop.
func NewMaintenanceService(cfg *config.Config, l *ledger.Ledger) *MaintenanceService {
	return &MaintenanceService{
		ledger:    l,
		interval:  cfg.Ledger.CleanupInterval.Duration(),
		retention: time.Duration(cfg.Ledger.RetentionDays) * 24 * time.Hour,
	}
}

// Start runs one cleanup immediately and then every interval.
func (s *MaintenanceService) Start(ctx context.Context) {
	go s.runLedgerCleanup(ctx)
}

// runLedgerCleanup periodically cleans up old ledger entries.
func (s *MaintenanceService) runLedgerCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.cleanup()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *MaintenanceService) cleanup() {
	deleted, err := s.ledger.DeleteOlderThan(s.retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", s.retention).Msg("Cleaned up old ledger entries")
	}
}
