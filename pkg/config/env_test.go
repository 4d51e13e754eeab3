package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestApplyEnv(t *testing.T) {
	t.Run("Overrides Set Variables", func(t *testing.T) {
		t.Setenv("SOTACAT_RADIO_DEVICE", "/dev/ttyACM0")
		t.Setenv("SOTACAT_RADIO_SIMULATE", "true")
		t.Setenv("SOTACAT_WEB_PORT", "9000")

		config := Default()
		if err := config.ApplyEnv(); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if config.Radio.Device != "/dev/ttyACM0" {
			t.Errorf("Expected device override, got %s", config.Radio.Device)
		}
		if !config.Radio.Simulate {
			t.Error("Expected simulate override")
		}
		if config.Web.Port != 9000 {
			t.Errorf("Expected web port 9000, got %d", config.Web.Port)
		}
	})

	t.Run("Unset Variables Keep Config", func(t *testing.T) {
		config := Default()
		config.Radio.BaudRate = 4800
		if err := config.ApplyEnv(); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if config.Radio.BaudRate != 4800 {
			t.Errorf("Expected baud rate to be kept, got %d", config.Radio.BaudRate)
		}
	})

	t.Run("Bad Value", func(t *testing.T) {
		t.Setenv("SOTACAT_RADIO_BAUD_RATE", "fast")

		err := Default().ApplyEnv()
		if err == nil {
			t.Fatal("Expected error for non-numeric baud rate, got nil")
		}
		if !strings.Contains(err.Error(), "environment overrides") {
			t.Errorf("Expected environment error, got: %v", err)
		}
	})
}

func TestDefaultPaths(t *testing.T) {
	if filepath.Base(DefaultConfigPath()) != "config.yaml" {
		t.Errorf("Unexpected config path %s", DefaultConfigPath())
	}
	if !strings.Contains(DefaultDatabasePath(), AppName) {
		t.Errorf("Expected database path under %s, got %s", AppName, DefaultDatabasePath())
	}
	if filepath.Base(DefaultSocketPath()) != "sotad.sock" {
		t.Errorf("Unexpected socket path %s", DefaultSocketPath())
	}
}
