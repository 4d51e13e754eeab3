package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment override, e.g.
// SOTACAT_RADIO_DEVICE.
const EnvPrefix = "SOTACAT"

// envOverrides lists the settings that may be changed without editing the
// YAML file. Unset variables leave the pointer nil.
type envOverrides struct {
	RadioDevice   *string `envconfig:"RADIO_DEVICE"`
	RadioBaudRate *int    `envconfig:"RADIO_BAUD_RATE"`
	RadioSimulate *bool   `envconfig:"RADIO_SIMULATE"`
	AutoConnect   *bool   `envconfig:"LINK_AUTO_CONNECT"`
	SpotsEnabled  *bool   `envconfig:"SPOTS_ENABLED"`
	SpotsURL      *string `envconfig:"SPOTS_URL"`
	WebPort       *int    `envconfig:"WEB_PORT"`
	UnixSocket    *string `envconfig:"UNIX_SOCKET"`
	DatabasePath  *string `envconfig:"DATABASE_PATH"`
	LogLevel      *string `envconfig:"LOG_LEVEL"`
}

// ApplyEnv overlays SOTACAT_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if env.RadioDevice != nil {
		c.Radio.Device = *env.RadioDevice
	}
	if env.RadioBaudRate != nil {
		c.Radio.BaudRate = *env.RadioBaudRate
	}
	if env.RadioSimulate != nil {
		c.Radio.Simulate = *env.RadioSimulate
	}
	if env.AutoConnect != nil {
		c.Link.AutoConnect = *env.AutoConnect
	}
	if env.SpotsEnabled != nil {
		c.Spots.Enabled = *env.SpotsEnabled
	}
	if env.SpotsURL != nil {
		c.Spots.URL = *env.SpotsURL
	}
	if env.WebPort != nil {
		c.Web.Port = *env.WebPort
	}
	if env.UnixSocket != nil {
		c.API.UnixSocket = *env.UnixSocket
	}
	if env.DatabasePath != nil {
		c.Storage.DatabasePath = *env.DatabasePath
	}
	if env.LogLevel != nil {
		c.Logging.Level = *env.LogLevel
	}
	return nil
}
