package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeebridge/internal/config"
	"github.com/dokzlo13/yeebridge/internal/db"
	"github.com/dokzlo13/yeebridge/internal/device"
	"github.com/dokzlo13/yeebridge/internal/eventbus"
	"github.com/dokzlo13/yeebridge/internal/ledger"
	"github.com/dokzlo13/yeebridge/internal/miio"
	"github.com/dokzlo13/yeebridge/internal/store"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB          *db.DB
	Ledger      *ledger.Ledger
	Descriptors *store.Descriptors
	Bus         *eventbus.Bus

	// High-level services
	Devices     *DeviceService
	HomeKit     *HomeKitService
	Discovery   *DiscoveryService
	Maintenance *MaintenanceService
	Health      *HealthService
}

// NewServices creates all services talking to real lights over miio.
func NewServices(cfg *config.Config) (*Services, error) {
	return NewServicesWithDialer(cfg, miio.Dialer{Timeout: cfg.Miio.Timeout.Duration()})
}

// NewServicesWithDialer creates all services with proper dependency injection.
func NewServicesWithDialer(cfg *config.Config, dialer device.Dialer) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Ledger = ledger.New(database.DB)
	s.Descriptors = store.NewDescriptors(database.DB)
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	s.Devices = NewDeviceService(cfg.Descriptors(), dialer, s.Descriptors, s.Ledger, s.Bus, DeviceOptions{
		DebugLogging: cfg.Log.DebugLogging,
	})
	s.HomeKit = NewHomeKitService(cfg, s.Devices.Lights(), s.Bus)
	s.Discovery = NewDiscoveryService(cfg, s.Bus)
	s.Maintenance = NewMaintenanceService(cfg, s.Ledger)
	s.Health = NewHealthService(cfg, s.Devices)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., the HAP server fails).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	if len(s.cfg.Devices) == 0 {
		log.Warn().Msg("No devices configured, the bridge will expose no lights")
	}

	s.Devices.Start(ctx)
	s.HomeKit.Start(ctx, onFatalError)
	s.Discovery.Start(ctx)
	s.Maintenance.Start(ctx)
	s.Health.Start(ctx)

	return nil
}

// ForgetAddresses drops learned addresses and returns every light to its configured one.
func (s *Services) ForgetAddresses() error {
	return s.Devices.ResetAddresses(s.cfg.Descriptors())
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	return s.Close()
}

// Close releases all resources. The bus is drained before sessions close so no handler
// runs against a closed session.
func (s *Services) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	if s.Bus != nil {
		s.Bus.Close(ctx)
	}
	if s.Devices != nil {
		s.Devices.Close()
	}

	var errs []error
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}
