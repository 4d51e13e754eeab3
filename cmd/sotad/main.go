package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dougsko/sotacat/pkg/config"
	"github.com/dougsko/sotacat/pkg/engine"
	"github.com/dougsko/sotacat/pkg/logging"
)

const Build = "development"

var (
	configPath = pflag.StringP("config", "c", config.DefaultConfigPath(), "Configuration file path")
	simulate   = pflag.Bool("simulate", false, "Use the built-in TS-570 simulator instead of the serial device")
	device     = pflag.StringP("device", "d", "", "Serial device, overrides radio.device")
	initConfig = pflag.Bool("init", false, "Write a default configuration file and exit")
	version    = pflag.BoolP("version", "v", false, "Show version information")
)

func main() {
	pflag.Parse()

	if *version {
		fmt.Printf("sotad version %s (%s)\n", engine.Version, Build)
		os.Exit(0)
	}

	if *initConfig {
		if err := writeDefaultConfig(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Wrote %s\n", *configPath)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	if pflag.CommandLine.Changed("simulate") {
		cfg.Radio.Simulate = *simulate
	}
	if *device != "" {
		cfg.Radio.Device = *device
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logging system
	if err := logging.InitGlobalLogger(cfg); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.CloseGlobalLogger()

	logging.Info("main", fmt.Sprintf("sotad version %s starting...", engine.Version))
	if cfg.Radio.Simulate {
		logging.Info("main", "Radio: simulated TS-570")
	} else {
		logging.Info("main", fmt.Sprintf("Radio: %s at %d baud", cfg.Radio.Device, cfg.Radio.BaudRate))
	}
	logging.Info("main", fmt.Sprintf("Tuning window: %.3f-%.3f MHz", cfg.Tuning.MinFreqMHz, cfg.Tuning.MaxFreqMHz))
	logging.Info("main", fmt.Sprintf("Web interface: http://%s:%d", cfg.Web.BindAddress, cfg.Web.Port))

	daemon, err := NewSotaDaemon(cfg)
	if err != nil {
		logging.Error("main", fmt.Sprintf("Failed to create daemon: %v", err))
		os.Exit(1)
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx); err != nil {
		logging.Error("main", fmt.Sprintf("Daemon failed: %v", err))
		os.Exit(1)
	}

	logging.Info("main", "sotad stopped")
}

// loadConfig reads path, falling back to defaults when the default path
// does not exist yet.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !pflag.CommandLine.Changed("config") {
		log.Printf("No configuration at %s, using defaults", path)
		return config.Default(), nil
	}
	return nil, err
}

func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return config.Default().Save(path)
}
