package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/snowingwolf/waveflow/internal/config"
	"github.com/snowingwolf/waveflow/internal/storage"
)

// loadConfigAndLogging loads config from cfgFile and applies its logging
// section to the global zerolog logger, mirroring how a long-running
// waveflow process would configure itself before touching the storage root.
func loadConfigAndLogging() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	return cfg, nil
}

// openStore loads config and opens the storage root it names.
func openStore() (*config.Config, *storage.Store, error) {
	cfg, err := loadConfigAndLogging()
	if err != nil {
		return nil, nil, err
	}

	store, err := storage.NewStore(cfg.Storage.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage root %q: %w", cfg.Storage.Dir, err)
	}

	return cfg, store, nil
}
