package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dougsko/sotacat/pkg/cat"
	"github.com/dougsko/sotacat/pkg/link"
	"github.com/dougsko/sotacat/pkg/logging"
	"github.com/dougsko/sotacat/pkg/spots"
	"github.com/dougsko/sotacat/pkg/storage"
)

var (
	// ErrOutsideWindow blocks a tune before any serial I/O.
	ErrOutsideWindow = errors.New("frequency outside tuning window")
	// ErrInvalidWindow is returned by SetWindow for an empty or negative range.
	ErrInvalidWindow = errors.New("invalid tuning window")
	// ErrSpotsDisabled is returned by spot operations when spots.enabled is off.
	ErrSpotsDisabled = errors.New("spot feed disabled")
	// ErrInvalidArgument marks malformed control input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Window is the inclusive range of frequencies the operator allows.
type Window struct {
	MinMHz float64 `json:"min_mhz"`
	MaxMHz float64 `json:"max_mhz"`
}

// Contains reports whether hz lies inside the window.
func (w Window) Contains(hz cat.Frequency) bool {
	mhz := hz.MHz()
	return mhz >= w.MinMHz && mhz <= w.MaxMHz
}

func (w Window) Validate() error {
	if w.MinMHz < 0 || w.MaxMHz <= w.MinMHz {
		return fmt.Errorf("%w: %.6f-%.6f MHz", ErrInvalidWindow, w.MinMHz, w.MaxMHz)
	}
	return nil
}

func (w Window) String() string {
	return fmt.Sprintf("%.3f-%.3f MHz", w.MinMHz, w.MaxMHz)
}

// ErrorKind names the kind of err for the control socket and HTTP API.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOutsideWindow):
		return "outside_window"
	case errors.Is(err, ErrInvalidWindow), errors.Is(err, ErrInvalidArgument),
		errors.Is(err, spots.ErrNoSpot):
		return "invalid_argument"
	case errors.Is(err, ErrSpotsDisabled):
		return "spots_disabled"
	default:
		return link.KindOf(err)
	}
}

// TuneResult reports a tune that reached the radio, or, with an error,
// the request ID under which the failure was recorded.
type TuneResult struct {
	RequestID string `json:"request_id"`
	link.TuningOutcome
	ModeError  string      `json:"mode_error,omitempty"`
	Spot       *spots.Spot `json:"spot,omitempty"`
	ModeGuess  bool        `json:"mode_guess,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

// Window returns the current tuning window.
func (e *CoreEngine) Window() Window {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.window
}

// SetWindow validates, persists and applies a new tuning window.
func (e *CoreEngine) SetWindow(w Window) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if err := e.store.SetWindow(w.MinMHz, w.MaxMHz); err != nil {
		return err
	}

	e.mutex.Lock()
	e.window = w
	e.mutex.Unlock()

	logging.Infof("engine", "Tuning window set to %s", w)
	return nil
}

func (e *CoreEngine) checkWindow(hz cat.Frequency) error {
	w := e.Window()
	if !w.Contains(hz) {
		return fmt.Errorf("%w: %s not in %s", ErrOutsideWindow, hz, w)
	}
	return nil
}

// Tune sets frequency and mode together.
func (e *CoreEngine) Tune(ctx context.Context, req link.TuningRequest) (TuneResult, error) {
	return e.tune(ctx, req, storage.HistoryEntry{Source: storage.SourceManual}, TuneResult{})
}

// TuneSpot tunes to the cached spot at index.
func (e *CoreEngine) TuneSpot(ctx context.Context, index int) (TuneResult, error) {
	if e.poller == nil {
		return TuneResult{}, ErrSpotsDisabled
	}
	spot, err := e.poller.Spot(index)
	if err != nil {
		return TuneResult{}, err
	}

	mode, exact := spot.CATMode()
	if !exact {
		logging.Infof("engine", "Spot mode %q not recognised, using %s", spot.Mode, mode)
	}

	entry := storage.HistoryEntry{
		Source:    storage.SourceSpot,
		Activator: spot.Activator,
		Summit:    spot.Summit,
	}
	result := TuneResult{Spot: &spot, ModeGuess: !exact}
	return e.tune(ctx, link.TuningRequest{Frequency: spot.FrequencyHz(), Mode: mode}, entry, result)
}

func (e *CoreEngine) tune(ctx context.Context, req link.TuningRequest, entry storage.HistoryEntry, result TuneResult) (TuneResult, error) {
	result.RequestID = uuid.NewString()
	ctx = logging.WithRequestID(ctx, result.RequestID)
	log := logging.FromContext(ctx).With(logging.Fields{
		"frequency": req.Frequency,
		"mode":      req.Mode,
		"source":    entry.Source,
	})

	entry.RequestID = result.RequestID
	entry.FrequencyHz = int64(req.Frequency)
	entry.Mode = req.Mode.String()

	if !req.Frequency.Valid() {
		err := fmt.Errorf("%w: frequency %d Hz", cat.ErrOutOfRange, int64(req.Frequency))
		log.Warnf("engine", "Tune rejected: %v", err)
		e.recordFailure(entry, err)
		return result, err
	}
	if err := e.checkWindow(req.Frequency); err != nil {
		log.Warnf("engine", "Tune blocked: %v", err)
		e.recordFailure(entry, err)
		return result, err
	}

	start := time.Now()
	outcome, err := e.link.Tune(ctx, req)
	result.DurationMs = time.Since(start).Milliseconds()
	entry.DurationMs = result.DurationMs

	if err != nil {
		log.Warnf("engine", "Tune failed: %v", err)
		e.recordFailure(entry, err)
		return result, err
	}

	result.TuningOutcome = outcome
	switch outcome.Result {
	case link.PartiallyApplied:
		entry.Outcome = storage.OutcomePartiallyApplied
		if outcome.ModeErr != nil {
			result.ModeError = outcome.ModeErr.Error()
			entry.ErrorKind = link.KindOf(outcome.ModeErr)
			entry.Error = result.ModeError
		}
		log.Warn("engine", "Tuned frequency only")
	default:
		entry.Outcome = storage.OutcomeConfirmed
		log.Info("engine", "Tuned")
	}
	e.record(entry)
	return result, nil
}

// SetMode changes the mode only. The returned request ID names the
// history entry.
func (e *CoreEngine) SetMode(ctx context.Context, mode cat.Mode) (string, error) {
	entry := storage.HistoryEntry{
		RequestID: uuid.NewString(),
		Source:    storage.SourceMode,
		Mode:      mode.String(),
	}

	ctx = logging.WithRequestID(ctx, entry.RequestID)
	start := time.Now()
	err := e.link.SetMode(ctx, mode)
	entry.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		e.recordFailure(entry, err)
		return entry.RequestID, err
	}

	entry.Outcome = storage.OutcomeConfirmed
	e.record(entry)
	return entry.RequestID, nil
}

func (e *CoreEngine) recordFailure(entry storage.HistoryEntry, err error) {
	entry.Outcome = storage.OutcomeFailed
	entry.ErrorKind = ErrorKind(err)
	entry.Error = err.Error()
	e.record(entry)
}

// record stores a history entry. History is best effort; a storage error
// never fails the tune.
func (e *CoreEngine) record(entry storage.HistoryEntry) {
	if _, err := e.store.RecordTune(entry); err != nil {
		logging.Errorf("engine", "Failed to record tune %s: %v", entry.RequestID, err)
	}
}

// History returns the most recent tune attempts, newest first.
func (e *CoreEngine) History(query storage.HistoryQuery) ([]storage.HistoryEntry, error) {
	return e.store.GetHistory(query)
}

// HistoryStats returns lifetime tune counters.
func (e *CoreEngine) HistoryStats() (*storage.HistoryStats, error) {
	return e.store.GetHistoryStats()
}

// Spots returns the cached spot feed.
func (e *CoreEngine) Spots() (spots.Snapshot, error) {
	if e.poller == nil {
		return spots.Snapshot{}, ErrSpotsDisabled
	}
	return e.poller.Snapshot(), nil
}

// RefreshSpots fetches the feed now.
func (e *CoreEngine) RefreshSpots(ctx context.Context) (spots.Snapshot, error) {
	if e.poller == nil {
		return spots.Snapshot{}, ErrSpotsDisabled
	}
	if _, err := e.poller.Refresh(ctx); err != nil {
		return e.poller.Snapshot(), err
	}
	return e.poller.Snapshot(), nil
}
