package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config represents the sotad configuration
type Config struct {
	Radio struct {
		// Serial line to the transceiver
		Device   string `yaml:"device"`
		BaudRate int    `yaml:"baud_rate"`
		DataBits int    `yaml:"data_bits"`
		Parity   string `yaml:"parity"`
		StopBits string `yaml:"stop_bits"`

		// Talk to the built-in TS-570 simulator instead of a device
		Simulate bool `yaml:"simulate"`
		// Send FR0;FT0; before each tune
		SelectVFO bool `yaml:"select_vfo"`
	} `yaml:"radio"`

	Link struct {
		ResponseTimeoutMs int  `yaml:"response_timeout_ms"`
		CommandGapMs      int  `yaml:"command_gap_ms"`
		Retries           int  `yaml:"retries"`
		RequireEcho       bool `yaml:"require_echo"`
		AutoConnect       bool `yaml:"auto_connect"`
	} `yaml:"link"`

	Spots struct {
		Enabled            bool   `yaml:"enabled"`
		URL                string `yaml:"url"`
		RefreshIntervalSec int    `yaml:"refresh_interval_sec"`
		RequestTimeoutSec  int    `yaml:"request_timeout_sec"`
	} `yaml:"spots"`

	Tuning struct {
		MinFreqMHz float64 `yaml:"min_freq_mhz"`
		MaxFreqMHz float64 `yaml:"max_freq_mhz"`
	} `yaml:"tuning"`

	Web struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
	} `yaml:"web"`

	API struct {
		UnixSocket string `yaml:"unix_socket"`
	} `yaml:"api"`

	Storage struct {
		DatabasePath string `yaml:"database_path"`
		MaxHistory   int    `yaml:"max_history"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		Console    bool   `yaml:"console"`
		Structured bool   `yaml:"structured"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`
}

// DefaultSpotsURL is the SOTAwatch spot feed (last 20 spots, all regions).
const DefaultSpotsURL = "https://api2.sota.org.uk/api/spots/20/%7Bfilter%7D?filter=all"

// Default returns a configuration for a TS-570 on the first USB serial
// adapter.
func Default() *Config {
	var config Config

	config.Radio.Device = "/dev/ttyUSB0"
	config.Radio.BaudRate = 9600
	config.Radio.DataBits = 8
	config.Radio.Parity = "none"
	config.Radio.StopBits = "1"
	config.Radio.SelectVFO = true

	config.Link.ResponseTimeoutMs = 500
	config.Link.CommandGapMs = 80
	config.Link.RequireEcho = true
	config.Link.AutoConnect = true

	config.Spots.Enabled = true
	config.Spots.URL = DefaultSpotsURL
	config.Spots.RefreshIntervalSec = 300
	config.Spots.RequestTimeoutSec = 10

	config.Tuning.MinFreqMHz = 7.0
	config.Tuning.MaxFreqMHz = 28.0

	config.Web.Port = 8080
	config.Web.BindAddress = "0.0.0.0"

	config.API.UnixSocket = DefaultSocketPath()

	config.Storage.DatabasePath = DefaultDatabasePath()
	config.Storage.MaxHistory = 1000

	config.Logging.Level = "info"
	config.Logging.Console = true
	config.Logging.MaxSize = 10
	config.Logging.MaxBackups = 3
	config.Logging.MaxAge = 28

	return &config
}

// LoadConfig loads configuration from a YAML file. Keys missing from the
// file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Radio.Simulate {
		if c.Radio.Device == "" {
			return fmt.Errorf("radio device is required unless radio.simulate is set")
		}
		if c.Radio.BaudRate <= 0 {
			return fmt.Errorf("invalid radio baud rate %d", c.Radio.BaudRate)
		}
	}
	if c.Radio.DataBits != 0 && (c.Radio.DataBits < 5 || c.Radio.DataBits > 8) {
		return fmt.Errorf("invalid radio data bits %d", c.Radio.DataBits)
	}
	switch strings.ToLower(c.Radio.Parity) {
	case "", "none", "odd", "even", "mark", "space":
	default:
		return fmt.Errorf("invalid radio parity %q", c.Radio.Parity)
	}
	switch c.Radio.StopBits {
	case "", "1", "1.5", "2":
	default:
		return fmt.Errorf("invalid radio stop bits %q", c.Radio.StopBits)
	}

	if c.Link.ResponseTimeoutMs <= 0 {
		return fmt.Errorf("link response timeout must be positive")
	}
	if c.Link.CommandGapMs < 0 {
		return fmt.Errorf("link command gap cannot be negative")
	}
	if c.Link.Retries < 0 || c.Link.Retries > 5 {
		return fmt.Errorf("link retries must be between 0 and 5")
	}

	if c.Spots.Enabled {
		if c.Spots.URL == "" {
			return fmt.Errorf("spots url is required when spots are enabled")
		}
		if c.Spots.RefreshIntervalSec <= 0 {
			return fmt.Errorf("spots refresh interval must be positive")
		}
	}
	if c.Spots.RequestTimeoutSec <= 0 {
		c.Spots.RequestTimeoutSec = 10
	}

	if c.Tuning.MinFreqMHz < 0 || c.Tuning.MaxFreqMHz <= c.Tuning.MinFreqMHz {
		return fmt.Errorf("tuning window %.3f-%.3f MHz is invalid", c.Tuning.MinFreqMHz, c.Tuning.MaxFreqMHz)
	}

	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("invalid web port %d", c.Web.Port)
	}
	if c.Storage.MaxHistory <= 0 {
		c.Storage.MaxHistory = 1000
	}
	return nil
}
