package spots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dougsko/sotacat/pkg/logging"
)

// maxBody caps the feed size; twenty spots are a few kilobytes.
const maxBody = 4 << 20

// Fetcher returns the current spots.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Spot, error)
}

// Client fetches spots over HTTP.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a client for url with a per-request timeout.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

// Fetch downloads and parses the spot list.
func (c *Client) Fetch(ctx context.Context) ([]Spot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build spots request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "sotacat")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spots: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch spots: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read spots: %w", err)
	}

	spots, err := Parse(data)
	if err != nil {
		return nil, err
	}

	logging.Debug("spots", "Fetched spots", map[string]interface{}{
		"count":    len(spots),
		"duration": time.Since(start).Round(time.Millisecond),
	})
	return spots, nil
}
