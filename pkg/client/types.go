package client

import (
	"time"

	"github.com/dougsko/sotacat/pkg/spots"
)

// Spot is a cached SOTAwatch spot as served by the daemon.
type Spot = spots.Spot

// LinkStatus mirrors the daemon's serial link status.
type LinkStatus struct {
	State  string    `json:"state"`
	Reason string    `json:"reason,omitempty"`
	Device string    `json:"device,omitempty"`
	Busy   bool      `json:"busy"`
	Since  time.Time `json:"since"`
}

// Window is the allowed tuning range.
type Window struct {
	MinMHz float64 `json:"min_mhz"`
	MaxMHz float64 `json:"max_mhz"`
}

// Status is the daemon status returned by STATUS.
type Status struct {
	Link         LinkStatus `json:"link"`
	Port         string     `json:"port"`
	Simulated    bool       `json:"simulated"`
	Window       Window     `json:"window"`
	SpotsEnabled bool       `json:"spots_enabled"`
	Spots        int        `json:"spots"`
	SpotsUpdated time.Time  `json:"spots_updated"`
	SpotsError   string     `json:"spots_error,omitempty"`
	StartTime    time.Time  `json:"start_time"`
	Uptime       string     `json:"uptime"`
	Version      string     `json:"version"`
}

// TuneResult reports a tune that reached the radio.
type TuneResult struct {
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"`
	Applied   string `json:"applied"`
	Request   struct {
		FrequencyHz int64  `json:"frequency_hz"`
		Mode        string `json:"mode"`
	} `json:"request"`
	ModeError  string `json:"mode_error,omitempty"`
	Spot       *Spot  `json:"spot,omitempty"`
	ModeGuess  bool   `json:"mode_guess,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// HistoryEntry is one recorded tune attempt.
type HistoryEntry struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	FrequencyHz int64     `json:"frequency_hz"`
	Mode        string    `json:"mode"`
	Source      string    `json:"source"`
	Activator   string    `json:"activator,omitempty"`
	Summit      string    `json:"summit,omitempty"`
	Outcome     string    `json:"outcome"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
}
