package protocol

import (
	"encoding/json"
	"strings"
)

// Command represents a command sent to the core engine
type Command struct {
	Type string            `json:"type"`
	Args map[string]string `json:"args,omitempty"`
}

// Response represents a response from the core engine
type Response struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	// Kind classifies Error, e.g. "busy" or "timeout"
	Kind string `json:"kind,omitempty"`
}

// ParseCommand parses a text command such as "TUNE:14285000 USB" into a
// Command. Unknown commands keep their arguments under "raw".
func ParseCommand(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	parts := strings.SplitN(text, ":", 2)

	cmd := &Command{
		Type: strings.ToUpper(strings.TrimSpace(parts[0])),
		Args: make(map[string]string),
	}

	if len(parts) < 2 {
		return cmd, nil
	}
	args := strings.TrimSpace(parts[1])
	if args == "" {
		return cmd, nil
	}

	switch cmd.Type {
	case CmdTune:
		// TUNE:14285000 USB or TUNE:14.285 usb
		fields := strings.Fields(args)
		cmd.Args["frequency"] = fields[0]
		if len(fields) > 1 {
			cmd.Args["mode"] = fields[1]
		}

	case CmdMode:
		cmd.Args["mode"] = args

	case CmdSpot:
		cmd.Args["index"] = args

	case CmdSpots, CmdHistory:
		cmd.Args["limit"] = args

	case CmdWindow:
		// WINDOW:7.0 28.0
		fields := strings.Fields(args)
		cmd.Args["min"] = fields[0]
		if len(fields) > 1 {
			cmd.Args["max"] = fields[1]
		}

	default:
		cmd.Args["raw"] = args
	}

	return cmd, nil
}

// String converts a Response to a JSON line
func (r *Response) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data map[string]interface{}) *Response {
	return &Response{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}

// NewKindErrorResponse creates an error response tagged with an error kind
func NewKindErrorResponse(kind, err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
		Kind:    kind,
	}
}

// Protocol commands
const (
	CmdStatus     = "STATUS"
	CmdConnect    = "CONNECT"
	CmdDisconnect = "DISCONNECT"
	CmdTune       = "TUNE"
	CmdMode       = "MODE"
	CmdSpot       = "SPOT"
	CmdSpots      = "SPOTS"
	CmdRefresh    = "REFRESH"
	CmdHistory    = "HISTORY"
	CmdWindow     = "WINDOW"
	CmdPing       = "PING"
	CmdQuit       = "QUIT"
)

// Commands lists every command the engine understands.
func Commands() []string {
	return []string{
		CmdStatus, CmdConnect, CmdDisconnect, CmdTune, CmdMode, CmdSpot,
		CmdSpots, CmdRefresh, CmdHistory, CmdWindow, CmdPing, CmdQuit,
	}
}
