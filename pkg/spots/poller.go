package spots

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dougsko/sotacat/pkg/logging"
)

// ErrNoSpot is returned for an index outside the cached list.
var ErrNoSpot = errors.New("no such spot")

// Snapshot is the cached spot list and how it was obtained.
type Snapshot struct {
	Spots     []Spot    `json:"spots"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// Poller refreshes spots periodically and caches the latest good list.
// A failed refresh keeps the previous spots.
type Poller struct {
	fetcher  Fetcher
	interval time.Duration

	mu      sync.RWMutex
	spots   []Spot
	updated time.Time
	lastErr error

	// serialises refreshes
	fetchMu sync.Mutex
}

// NewPoller returns a poller; call Run to start refreshing.
func NewPoller(fetcher Fetcher, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{fetcher: fetcher, interval: interval}
}

// Run refreshes immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	logging.Infof("spots", "Refreshing spots every %s", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			logging.Warnf("spots", "Spot refresh failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh fetches now and returns the new list.
func (p *Poller) Refresh(ctx context.Context) ([]Spot, error) {
	p.fetchMu.Lock()
	defer p.fetchMu.Unlock()

	spots, err := p.fetcher.Fetch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err
	if err != nil {
		return nil, err
	}
	p.spots = spots
	p.updated = time.Now()
	return append([]Spot(nil), spots...), nil
}

// Spots returns the cached list.
func (p *Poller) Spots() []Spot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Spot(nil), p.spots...)
}

// Spot returns the cached spot at index.
func (p *Poller) Spot(index int) (Spot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if index < 0 || index >= len(p.spots) {
		return Spot{}, fmt.Errorf("%w: index %d of %d", ErrNoSpot, index, len(p.spots))
	}
	return p.spots[index], nil
}

// Snapshot returns the cache with its age and the last refresh error.
func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap := Snapshot{
		Spots:     append([]Spot{}, p.spots...),
		UpdatedAt: p.updated,
	}
	if p.lastErr != nil {
		snap.Error = p.lastErr.Error()
	}
	return snap
}
