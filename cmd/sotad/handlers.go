package main

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dougsko/sotacat/pkg/cat"
	"github.com/dougsko/sotacat/pkg/engine"
	"github.com/dougsko/sotacat/pkg/link"
	"github.com/dougsko/sotacat/pkg/logging"
	"github.com/dougsko/sotacat/pkg/serialport"
	"github.com/dougsko/sotacat/pkg/storage"
)

// httpStatus maps an engine or link error onto a response code.
func httpStatus(err error) int {
	switch engine.ErrorKind(err) {
	case "invalid_argument", "out_of_range":
		return http.StatusBadRequest
	case "outside_window":
		return http.StatusUnprocessableEntity
	case "busy", "invalid_state":
		return http.StatusConflict
	case "device_unavailable", "link_fault", "link_closed", "spots_disabled", "canceled":
		return http.StatusServiceUnavailable
	case "timeout":
		return http.StatusGatewayTimeout
	case "device_rejected":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error, extra ...gin.H) {
	body := gin.H{
		"error": err.Error(),
		"kind":  engine.ErrorKind(err),
	}
	for _, h := range extra {
		for k, v := range h {
			body[k] = v
		}
	}
	c.JSON(httpStatus(err), body)
}

func badRequest(c *gin.Context, format string, args ...interface{}) {
	respondError(c, fmt.Errorf("%w: %s", engine.ErrInvalidArgument, fmt.Sprintf(format, args...)))
}

// handleGetStatus returns daemon status
func (d *SotaDaemon) handleGetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, d.coreEngine.Status())
}

// handleConnect opens the serial link
func (d *SotaDaemon) handleConnect(c *gin.Context) {
	if err := d.coreEngine.Connect(c.Request.Context()); err != nil {
		respondError(c, err, gin.H{"link": d.coreEngine.Link().Status()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": d.coreEngine.Link().Status()})
}

// handleDisconnect closes the serial link
func (d *SotaDaemon) handleDisconnect(c *gin.Context) {
	if err := d.coreEngine.Disconnect(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": d.coreEngine.Link().Status()})
}

type tuneRequest struct {
	FrequencyHz  int64   `json:"frequency_hz"`
	FrequencyMHz float64 `json:"frequency_mhz"`
	Mode         string  `json:"mode"`
}

func (r tuneRequest) frequency() (cat.Frequency, error) {
	switch {
	case r.FrequencyHz != 0 && r.FrequencyMHz != 0:
		return 0, fmt.Errorf("give frequency_hz or frequency_mhz, not both")
	case r.FrequencyHz != 0:
		return cat.Frequency(r.FrequencyHz), nil
	case r.FrequencyMHz != 0:
		return cat.Frequency(math.Round(r.FrequencyMHz * 1_000_000)), nil
	default:
		return 0, fmt.Errorf("frequency_hz is required")
	}
}

// handleTune sets frequency and mode
func (d *SotaDaemon) handleTune(c *gin.Context) {
	var req tuneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "%v", err)
		return
	}
	hz, err := req.frequency()
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	mode, err := cat.ParseMode(req.Mode)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}

	result, err := d.coreEngine.Tune(c.Request.Context(), link.TuningRequest{Frequency: hz, Mode: mode})
	if err != nil {
		respondError(c, err, gin.H{"request_id": result.RequestID})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleSetMode changes the mode only
func (d *SotaDaemon) handleSetMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "%v", err)
		return
	}
	mode, err := cat.ParseMode(req.Mode)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}

	id, err := d.coreEngine.SetMode(c.Request.Context(), mode)
	if err != nil {
		respondError(c, err, gin.H{"request_id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": id,
		"mode":       mode,
		"outcome":    storage.OutcomeConfirmed,
	})
}

// handleGetSpots returns the cached spot feed
func (d *SotaDaemon) handleGetSpots(c *gin.Context) {
	snap, err := d.coreEngine.Spots()
	if err != nil {
		respondError(c, err)
		return
	}

	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "0")); err == nil && limit > 0 && len(snap.Spots) > limit {
		snap.Spots = snap.Spots[:limit]
	}

	window := d.coreEngine.Window()
	type spotView struct {
		Index       int    `json:"index"`
		FrequencyHz int64  `json:"frequency_hz"`
		Time        string `json:"time"`
		CATMode     string `json:"cat_mode"`
		InWindow    bool   `json:"in_window"`
	}
	views := make([]gin.H, 0, len(snap.Spots))
	for i, s := range snap.Spots {
		mode, _ := s.CATMode()
		views = append(views, gin.H{
			"spot": s,
			"meta": spotView{
				Index:       i,
				FrequencyHz: int64(s.FrequencyHz()),
				Time:        s.TimeOfDay(),
				CATMode:     mode.String(),
				InWindow:    s.InWindow(window.MinMHz, window.MaxMHz),
			},
		})
	}

	body := gin.H{
		"spots":      views,
		"count":      len(views),
		"updated_at": snap.UpdatedAt,
	}
	if snap.Error != "" {
		body["error"] = snap.Error
	}
	c.JSON(http.StatusOK, body)
}

// handleRefreshSpots fetches the feed now
func (d *SotaDaemon) handleRefreshSpots(c *gin.Context) {
	snap, err := d.coreEngine.RefreshSpots(c.Request.Context())
	if errors.Is(err, engine.ErrSpotsDisabled) {
		respondError(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": err.Error(),
			"spots": snap.Spots,
			"count": len(snap.Spots),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"spots":      snap.Spots,
		"count":      len(snap.Spots),
		"updated_at": snap.UpdatedAt,
	})
}

// handleTuneSpot tunes to a cached spot
func (d *SotaDaemon) handleTuneSpot(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, "spot index %q", c.Param("index"))
		return
	}

	result, err := d.coreEngine.TuneSpot(c.Request.Context(), index)
	if err != nil {
		respondError(c, err, gin.H{"request_id": result.RequestID})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleGetHistory returns tune history
func (d *SotaDaemon) handleGetHistory(c *gin.Context) {
	query := storage.HistoryQuery{
		Source:  c.Query("source"),
		Outcome: c.Query("outcome"),
	}

	var err error
	if query.Limit, err = strconv.Atoi(c.DefaultQuery("limit", "50")); err != nil || query.Limit < 0 {
		badRequest(c, "limit %q", c.Query("limit"))
		return
	}
	if query.Offset, err = strconv.Atoi(c.DefaultQuery("offset", "0")); err != nil || query.Offset < 0 {
		badRequest(c, "offset %q", c.Query("offset"))
		return
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			badRequest(c, "since must be RFC 3339: %v", err)
			return
		}
		query.Since = &t
	}

	entries, err := d.coreEngine.History(query)
	if err != nil {
		respondError(c, err)
		return
	}
	stats, err := d.coreEngine.HistoryStats()
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"history": entries,
		"count":   len(entries),
		"stats":   stats,
	})
}

// handleGetWindow returns the tuning window
func (d *SotaDaemon) handleGetWindow(c *gin.Context) {
	c.JSON(http.StatusOK, d.coreEngine.Window())
}

// handleSetWindow replaces the tuning window
func (d *SotaDaemon) handleSetWindow(c *gin.Context) {
	var w engine.Window
	if err := c.ShouldBindJSON(&w); err != nil {
		badRequest(c, "%v", err)
		return
	}
	if err := d.coreEngine.SetWindow(w); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d.coreEngine.Window())
}

// handleGetSerialPorts returns the serial devices present on this host
func (d *SotaDaemon) handleGetSerialPorts(c *gin.Context) {
	ports, err := serialport.ListPorts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"serial_devices": ports,
		"configured":     d.config.Radio.Device,
	})
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// linkEvent is one message on the link events WebSocket.
type linkEvent struct {
	Type   string      `json:"type"`
	Status link.Status `json:"status"`
}

// handleLinkEvents streams link status changes, starting with the current
// status.
func (d *SotaDaemon) handleLinkEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warnf("http", "WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := d.coreEngine.Link().Subscribe()
	defer unsubscribe()

	logging.Debug("http", "Link events client connected")

	// Reads only detect the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case st, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(linkEvent{Type: "link_status", Status: st}); err != nil {
				logging.Debugf("http", "WebSocket write error: %v", err)
				return
			}

		case <-gone:
			logging.Debug("http", "Link events client disconnected")
			return

		case <-d.ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
