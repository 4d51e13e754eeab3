package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/dougsko/sotacat/pkg/client"
	"github.com/dougsko/sotacat/pkg/config"
	"github.com/dougsko/sotacat/pkg/engine"
	"github.com/dougsko/sotacat/pkg/logging"
)

// SotaDaemon runs the core engine and the web API
type SotaDaemon struct {
	config *config.Config
	ctx    context.Context
	cancel context.CancelFunc

	coreEngine   *engine.CoreEngine
	socketClient *client.SocketClient
	router       *gin.Engine
	webServer    *http.Server

	socketPath string
}

// NewSotaDaemon creates a new daemon instance
func NewSotaDaemon(cfg *config.Config, opts ...engine.Option) (*SotaDaemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	socketPath := cfg.API.UnixSocket
	if socketPath == "" {
		socketPath = config.DefaultSocketPath()
	}

	daemon := &SotaDaemon{
		config:       cfg,
		ctx:          ctx,
		cancel:       cancel,
		socketPath:   socketPath,
		socketClient: client.NewSocketClient(socketPath),
	}

	coreEngine, err := engine.NewCoreEngine(cfg, socketPath, opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	daemon.coreEngine = coreEngine

	daemon.setupWebServer()
	return daemon, nil
}

// Run starts the engine and web server and blocks until ctx is done or
// one of them fails.
func (d *SotaDaemon) Run(ctx context.Context) error {
	logging.Info("daemon", "Starting sotad daemon...")

	if err := d.coreEngine.Start(); err != nil {
		d.coreEngine.Stop()
		return fmt.Errorf("failed to start core engine: %w", err)
	}
	defer func() {
		if err := d.coreEngine.Stop(); err != nil {
			logging.Warnf("daemon", "Core engine shutdown error: %v", err)
		}
	}()

	if !d.socketClient.IsConnected() {
		return fmt.Errorf("failed to connect to core engine socket %s", d.socketPath)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.coreEngine.Run(ctx)
	})

	g.Go(func() error {
		logging.Infof("daemon", "Starting web server on %s", d.webServer.Addr)
		if err := d.webServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logging.Info("daemon", "Stopping daemon...")
		d.cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.webServer.Shutdown(shutdownCtx); err != nil {
			logging.Warnf("daemon", "Web server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

// setupWebServer initializes the web server and routes
func (d *SotaDaemon) setupWebServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(), gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/status", d.handleGetStatus)

		api.POST("/link/connect", d.handleConnect)
		api.POST("/link/disconnect", d.handleDisconnect)
		api.GET("/link/events", d.handleLinkEvents)

		api.POST("/tune", d.handleTune)
		api.POST("/tune/mode", d.handleSetMode)

		api.GET("/spots", d.handleGetSpots)
		api.POST("/spots/refresh", d.handleRefreshSpots)
		api.POST("/spots/:index/tune", d.handleTuneSpot)

		api.GET("/history", d.handleGetHistory)

		api.GET("/window", d.handleGetWindow)
		api.PUT("/window", d.handleSetWindow)

		api.GET("/serial/ports", d.handleGetSerialPorts)
	}

	d.router = router
	d.webServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", d.config.Web.BindAddress, d.config.Web.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// requestLogger logs each API request through the daemon logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("http", "Request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Millisecond),
		})
	}
}
