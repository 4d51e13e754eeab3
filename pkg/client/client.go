package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/dougsko/sotacat/pkg/protocol"
)

// SocketClient represents a client connection to the core engine
type SocketClient struct {
	socketPath string
	timeout    time.Duration
}

// NewSocketClient creates a new socket client
func NewSocketClient(socketPath string) *SocketClient {
	return &SocketClient{
		socketPath: socketPath,
		// long enough for a tune with retries
		timeout: 15 * time.Second,
	}
}

// SetTimeout changes the per-command deadline.
func (c *SocketClient) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendCommand sends a command and returns the response
func (c *SocketClient) SendCommand(cmd string) (*protocol.Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return nil, fmt.Errorf("send error: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read error: %w", err)
		}
		return nil, fmt.Errorf("no response received")
	}

	var response protocol.Response
	if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	return &response, nil
}

// Error is a command the engine refused or could not complete.
type Error struct {
	Command string
	Kind    string
	Message string
}

func (e *Error) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("%s error: %s", e.Command, e.Message)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Command, e.Kind, e.Message)
}

// call sends cmd and decodes the data field key into out, if out is set.
func (c *SocketClient) call(name, cmd, key string, out interface{}) (*protocol.Response, error) {
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, &Error{Command: name, Kind: resp.Kind, Message: resp.Error}
	}
	if out == nil {
		return resp, nil
	}

	value, ok := resp.Data[key]
	if !ok {
		return resp, fmt.Errorf("%s not found in response", key)
	}

	// Convert to JSON and back to parse properly
	raw, _ := json.Marshal(value)
	if err := json.Unmarshal(raw, out); err != nil {
		return resp, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return resp, nil
}

// GetStatus gets the current daemon status
func (c *SocketClient) GetStatus() (*Status, error) {
	var status Status
	if _, err := c.call("status", protocol.CmdStatus, "status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Connect opens the radio link.
func (c *SocketClient) Connect() (*LinkStatus, error) {
	var st LinkStatus
	if _, err := c.call("connect", protocol.CmdConnect, "link", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Disconnect closes the radio link.
func (c *SocketClient) Disconnect() (*LinkStatus, error) {
	var st LinkStatus
	if _, err := c.call("disconnect", protocol.CmdDisconnect, "link", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Tune sets frequency (Hz) and mode.
func (c *SocketClient) Tune(hz int64, mode string) (*TuneResult, error) {
	var result TuneResult
	if _, err := c.call("tune", fmt.Sprintf("%s:%d %s", protocol.CmdTune, hz, mode), "tune", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TuneSpot tunes to the spot at index in the daemon's cached list.
func (c *SocketClient) TuneSpot(index int) (*TuneResult, error) {
	var result TuneResult
	if _, err := c.call("spot", fmt.Sprintf("%s:%d", protocol.CmdSpot, index), "tune", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetMode changes the mode only and returns the history request ID.
func (c *SocketClient) SetMode(mode string) (string, error) {
	resp, err := c.call("mode", fmt.Sprintf("%s:%s", protocol.CmdMode, mode), "", nil)
	if err != nil {
		return "", err
	}
	id, _ := resp.Data["request_id"].(string)
	return id, nil
}

// GetSpots returns up to limit cached spots; 0 means all.
func (c *SocketClient) GetSpots(limit int) ([]Spot, error) {
	cmd := protocol.CmdSpots
	if limit > 0 {
		cmd = fmt.Sprintf("%s:%d", protocol.CmdSpots, limit)
	}
	var list []Spot
	if _, err := c.call("spots", cmd, "spots", &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetHistory returns recent tune attempts, newest first.
func (c *SocketClient) GetHistory(limit int) ([]HistoryEntry, error) {
	cmd := protocol.CmdHistory
	if limit > 0 {
		cmd = fmt.Sprintf("%s:%d", protocol.CmdHistory, limit)
	}
	var entries []HistoryEntry
	if _, err := c.call("history", cmd, "history", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetWindow returns the tuning window.
func (c *SocketClient) GetWindow() (*Window, error) {
	var w Window
	if _, err := c.call("window", protocol.CmdWindow, "window", &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// SetWindow changes the tuning window.
func (c *SocketClient) SetWindow(minMHz, maxMHz float64) (*Window, error) {
	var w Window
	cmd := fmt.Sprintf("%s:%g %g", protocol.CmdWindow, minMHz, maxMHz)
	if _, err := c.call("window", cmd, "window", &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Ping tests the connection
func (c *SocketClient) Ping() error {
	_, err := c.call("ping", protocol.CmdPing, "", nil)
	return err
}

// IsConnected tests if the daemon is reachable
func (c *SocketClient) IsConnected() bool {
	return c.Ping() == nil
}
