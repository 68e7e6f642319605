package main

import (
	"flag"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dokzlo13/yeebridge/internal/app"
	"github.com/dokzlo13/yeebridge/internal/config"
)

func main() {
	// Support both -c and --config for config path
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	forgetAddresses := flag.Bool("forget-addresses", false, "Drop addresses learned through discovery on startup")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logging
	setupLogging(cfg.Log)

	log.Info().Str("config", configPath).Int("devices", len(cfg.Devices)).Msg("Starting yeebridge")

	// Create application
	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	if *forgetAddresses {
		log.Info().Msg("Forgetting discovered addresses (--forget-addresses)")
		if err := application.ForgetAddresses(); err != nil {
			log.Warn().Err(err).Msg("Failed to forget discovered addresses")
		}
	}

	// Create context that cancels on shutdown signal
	ctx := app.SignalContext()

	// Start the application
	if err := application.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start application")
	}

	// Wait for shutdown
	application.Wait()

	// Graceful shutdown
	if err := application.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
}

func setupLogging(cfg config.LogConfig) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stderr
	if !cfg.JSON {
		// Text output (with optional colors)
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !cfg.Colors,
		}
	}

	if cfg.File != "" {
		// The file always gets JSON, whatever the console format
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename: cfg.File,
			MaxSize:  cfg.MaxMB,
			MaxAge:   cfg.MaxAge,
			Compress: true,
		})
	}
	log.Logger = newLogger(out, cfg)
}

// newLogger sets the global level and returns the root logger writing to out.
func newLogger(out io.Writer, cfg config.LogConfig) zerolog.Logger {
	global, root := logLevels(cfg)
	zerolog.SetGlobalLevel(global)
	return zerolog.New(out).Level(root).With().Timestamp().Logger()
}

// logLevels returns the global level and the root logger level. With debug_logging the
// global level opens up to debug so per-set messages pass, while the root logger keeps
// the configured level for everything else.
func logLevels(cfg config.LogConfig) (global, root zerolog.Level) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.DebugLogging && level > zerolog.DebugLevel {
		return zerolog.DebugLevel, level
	}
	return level, level
}
