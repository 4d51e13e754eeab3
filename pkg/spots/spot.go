// Package spots fetches SOTA activator spots from SOTAwatch.
package spots

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dougsko/sotacat/pkg/cat"
)

// Spot is one activator spot with a usable frequency.
type Spot struct {
	ID            int64   `json:"id"`
	Timestamp     string  `json:"timestamp"`
	Activator     string  `json:"activator"`
	ActivatorName string  `json:"activator_name,omitempty"`
	Spotter       string  `json:"spotter,omitempty"`
	Summit        string  `json:"summit"`
	SummitDetails string  `json:"summit_details,omitempty"`
	FrequencyMHz  float64 `json:"frequency_mhz"`
	Mode          string  `json:"mode"`
	Comments      string  `json:"comments,omitempty"`
}

// FrequencyHz converts the spotted frequency to Hz, rounded.
func (s Spot) FrequencyHz() cat.Frequency {
	return cat.Frequency(math.Round(s.FrequencyMHz * 1_000_000))
}

// TimeOfDay returns HH:MM:SS from the ISO timestamp, or the raw text when
// it has no time part.
func (s Spot) TimeOfDay() string {
	t := strings.IndexByte(s.Timestamp, 'T')
	if t < 0 {
		return s.Timestamp
	}
	clock := strings.TrimSuffix(s.Timestamp[t+1:], "Z")
	if i := strings.IndexAny(clock, ".+-"); i >= 0 {
		clock = clock[:i]
	}
	return clock
}

// CATMode maps the spot's mode text onto a transceiver mode.
func (s Spot) CATMode() (cat.Mode, bool) {
	return MapMode(s.Mode)
}

// InWindow reports whether the spot lies within [minMHz, maxMHz].
func (s Spot) InWindow(minMHz, maxMHz float64) bool {
	return s.FrequencyMHz >= minMHz && s.FrequencyMHz <= maxMHz
}

// MapMode converts spot mode text to a CAT mode. Data modes and SSB run on
// USB. exact is false when the text was not recognised and USB was assumed.
func MapMode(mode string) (m cat.Mode, exact bool) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "LSB":
		return cat.ModeLSB, true
	case "USB", "SSB":
		return cat.ModeUSB, true
	case "CW":
		return cat.ModeCW, true
	case "FM":
		return cat.ModeFM, true
	case "AM":
		return cat.ModeAM, true
	case "FT8", "FT4", "PSK31", "RTTY", "DATA":
		return cat.ModeUSB, true
	default:
		return cat.ModeUSB, false
	}
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("unexpected value %s", b)
		}
		*f = flexString(n.String())
	}
	return nil
}

// rawSpot mirrors the SOTAwatch API.
type rawSpot struct {
	ID                int64      `json:"id"`
	TimeStamp         string     `json:"timeStamp"`
	Comments          string     `json:"comments"`
	Callsign          string     `json:"callsign"`
	AssociationCode   string     `json:"associationCode"`
	SummitCode        string     `json:"summitCode"`
	ActivatorCallsign string     `json:"activatorCallsign"`
	ActivatorName     string     `json:"activatorName"`
	Frequency         flexString `json:"frequency"`
	Mode              string     `json:"mode"`
	SummitDetails     string     `json:"summitDetails"`
}

// toSpot returns false for spots without a positive, parseable frequency.
func (r rawSpot) toSpot() (Spot, bool) {
	mhz, err := strconv.ParseFloat(strings.TrimSpace(string(r.Frequency)), 64)
	if err != nil || mhz <= 0 || math.IsInf(mhz, 0) || math.IsNaN(mhz) {
		return Spot{}, false
	}

	summit := r.SummitCode
	if r.AssociationCode != "" && !strings.Contains(summit, "/") {
		summit = r.AssociationCode + "/" + summit
	}

	return Spot{
		ID:            r.ID,
		Timestamp:     r.TimeStamp,
		Activator:     r.ActivatorCallsign,
		ActivatorName: r.ActivatorName,
		Spotter:       r.Callsign,
		Summit:        summit,
		SummitDetails: r.SummitDetails,
		FrequencyMHz:  mhz,
		Mode:          r.Mode,
		Comments:      r.Comments,
	}, true
}

// Parse decodes a SOTAwatch spots document, dropping unusable entries.
func Parse(data []byte) ([]Spot, error) {
	var raw []rawSpot
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse spots: %w", err)
	}

	spots := make([]Spot, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.toSpot(); ok {
			spots = append(spots, s)
		}
	}
	return spots, nil
}
