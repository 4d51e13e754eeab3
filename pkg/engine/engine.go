package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dougsko/sotacat/pkg/config"
	"github.com/dougsko/sotacat/pkg/link"
	"github.com/dougsko/sotacat/pkg/logging"
	"github.com/dougsko/sotacat/pkg/rigsim"
	"github.com/dougsko/sotacat/pkg/serialport"
	"github.com/dougsko/sotacat/pkg/spots"
	"github.com/dougsko/sotacat/pkg/storage"
)

// Version of the daemon reported by STATUS.
const Version = "0.1.0"

// CoreEngine ties the radio link, spot feed and tune history together and
// serves the control socket.
type CoreEngine struct {
	config     *config.Config
	socketPath string
	listener   net.Listener
	running    bool
	mutex      sync.RWMutex
	startTime  time.Time

	link   *link.Manager
	port   link.PortConfig
	sim    *rigsim.Radio
	poller *spots.Poller
	store  *storage.HistoryStore
	window Window

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// Status is the daemon-wide status reported by STATUS and the web API.
type Status struct {
	Link         link.Status `json:"link"`
	Port         string      `json:"port"`
	Simulated    bool        `json:"simulated"`
	Window       Window      `json:"window"`
	SpotsEnabled bool        `json:"spots_enabled"`
	Spots        int         `json:"spots"`
	SpotsUpdated time.Time   `json:"spots_updated"`
	SpotsError   string      `json:"spots_error,omitempty"`
	StartTime    time.Time   `json:"start_time"`
	Uptime       string      `json:"uptime"`
	Version      string      `json:"version"`
}

type options struct {
	opener  link.Opener
	fetcher spots.Fetcher
}

// Option customises NewCoreEngine.
type Option func(*options)

// WithOpener replaces the serial port (or simulator) chosen from config.
func WithOpener(o link.Opener) Option {
	return func(opts *options) { opts.opener = o }
}

// WithFetcher replaces the SOTAwatch client.
func WithFetcher(f spots.Fetcher) Option {
	return func(opts *options) { opts.fetcher = f }
}

// PortConfigFromConfig builds the serial line settings.
func PortConfigFromConfig(cfg *config.Config) (link.PortConfig, error) {
	parity, err := link.ParseParity(cfg.Radio.Parity)
	if err != nil {
		return link.PortConfig{}, err
	}
	stopBits, err := link.ParseStopBits(cfg.Radio.StopBits)
	if err != nil {
		return link.PortConfig{}, err
	}
	dataBits := cfg.Radio.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	device := cfg.Radio.Device
	if cfg.Radio.Simulate && device == "" {
		device = "sim"
	}
	return link.PortConfig{
		Device:   device,
		BaudRate: cfg.Radio.BaudRate,
		DataBits: dataBits,
		Parity:   parity,
		StopBits: stopBits,
	}, nil
}

// PolicyFromConfig builds the link pacing policy.
func PolicyFromConfig(cfg *config.Config) link.Policy {
	return link.Policy{
		ResponseTimeout: time.Duration(cfg.Link.ResponseTimeoutMs) * time.Millisecond,
		CommandGap:      time.Duration(cfg.Link.CommandGapMs) * time.Millisecond,
		Retries:         cfg.Link.Retries,
		RequireEcho:     cfg.Link.RequireEcho,
		SelectVFO:       cfg.Radio.SelectVFO,
	}
}

// NewCoreEngine opens the history store and prepares the link. Nothing
// touches the radio until Start or Connect.
func NewCoreEngine(cfg *config.Config, socketPath string, opts ...Option) (*CoreEngine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	port, err := PortConfigFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid radio settings: %w", err)
	}

	e := &CoreEngine{
		config:     cfg,
		socketPath: socketPath,
		startTime:  time.Now(),
		port:       port,
		window:     Window{MinMHz: cfg.Tuning.MinFreqMHz, MaxMHz: cfg.Tuning.MaxFreqMHz},
		conns:      make(map[net.Conn]struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	opener := o.opener
	if opener == nil {
		if cfg.Radio.Simulate {
			e.sim = rigsim.New()
			opener = e.sim
		} else {
			opener = serialport.Opener{}
		}
	}
	e.link = link.NewManager(opener, PolicyFromConfig(cfg))

	e.store, err = storage.NewHistoryStore(cfg.Storage.DatabasePath, cfg.Storage.MaxHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	if minMHz, maxMHz, ok, err := e.store.GetWindow(); err != nil {
		logging.Warnf("engine", "Ignoring stored tuning window: %v", err)
	} else if ok {
		e.window = Window{MinMHz: minMHz, MaxMHz: maxMHz}
	}

	if cfg.Spots.Enabled {
		fetcher := o.fetcher
		if fetcher == nil {
			fetcher = spots.NewClient(cfg.Spots.URL, time.Duration(cfg.Spots.RequestTimeoutSec)*time.Second)
		}
		e.poller = spots.NewPoller(fetcher, time.Duration(cfg.Spots.RefreshIntervalSec)*time.Second)
	}

	return e, nil
}

// Start opens the control socket and, if configured, the radio link. A
// radio that cannot be opened leaves the link closed; it is not fatal.
func (e *CoreEngine) Start() error {
	e.mutex.Lock()
	e.running = true
	e.mutex.Unlock()

	if e.socketPath != "" {
		if err := e.listen(); err != nil {
			return err
		}
	}

	if e.config.Link.AutoConnect {
		if err := e.Connect(e.ctx); err != nil {
			logging.Warnf("engine", "Radio not connected: %v", err)
		}
	}

	return nil
}

func (e *CoreEngine) listen() error {
	if err := os.MkdirAll(filepath.Dir(e.socketPath), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove existing socket file
	os.Remove(e.socketPath)

	listener, err := net.Listen("unix", e.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}
	e.listener = listener

	if err := os.Chmod(e.socketPath, 0660); err != nil {
		logging.Warnf("engine", "Failed to set socket permissions: %v", err)
	}

	logging.Infof("engine", "Core engine listening on %s", e.socketPath)
	go e.acceptConnections()
	return nil
}

// Run refreshes spots until ctx is done. It returns at once when the spot
// feed is disabled.
func (e *CoreEngine) Run(ctx context.Context) error {
	if e.poller == nil {
		return nil
	}
	return e.poller.Run(ctx)
}

// Stop closes the socket, the link and the store.
func (e *CoreEngine) Stop() error {
	e.mutex.Lock()
	e.running = false
	e.mutex.Unlock()

	e.cancel()

	if e.listener != nil {
		e.listener.Close()
	}

	e.connMu.Lock()
	for conn := range e.conns {
		conn.Close()
	}
	e.connMu.Unlock()

	if err := e.link.Close(); err != nil {
		logging.Warnf("engine", "Failed to close link: %v", err)
	}

	var err error
	if e.store != nil {
		err = e.store.Close()
	}

	if e.socketPath != "" {
		os.Remove(e.socketPath)
	}
	return err
}

// isRunning checks if the engine is running
func (e *CoreEngine) isRunning() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.running
}

// Link exposes the link manager for status subscriptions.
func (e *CoreEngine) Link() *link.Manager {
	return e.link
}

// Simulator returns the built-in radio when radio.simulate is set.
func (e *CoreEngine) Simulator() *rigsim.Radio {
	return e.sim
}

// Connect opens the radio link.
func (e *CoreEngine) Connect(ctx context.Context) error {
	return e.link.Open(ctx, e.port)
}

// Disconnect closes the radio link.
func (e *CoreEngine) Disconnect() error {
	return e.link.Close()
}

// Status returns a snapshot of the link, window and spot feed.
func (e *CoreEngine) Status() Status {
	e.mutex.RLock()
	window := e.window
	e.mutex.RUnlock()

	st := Status{
		Link:         e.link.Status(),
		Port:         e.port.String(),
		Simulated:    e.sim != nil,
		Window:       window,
		SpotsEnabled: e.poller != nil,
		StartTime:    e.startTime,
		Uptime:       time.Since(e.startTime).Round(time.Second).String(),
		Version:      Version,
	}
	if e.poller != nil {
		snap := e.poller.Snapshot()
		st.Spots = len(snap.Spots)
		st.SpotsUpdated = snap.UpdatedAt
		st.SpotsError = snap.Error
	}
	return st
}

// acceptConnections accepts and handles socket connections
func (e *CoreEngine) acceptConnections() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if !e.isRunning() || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Warnf("engine", "Socket accept error: %v", err)
			continue
		}

		e.connMu.Lock()
		e.conns[conn] = struct{}{}
		e.connMu.Unlock()

		go e.handleConnection(conn)
	}
}
