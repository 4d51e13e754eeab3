package engine

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dougsko/sotacat/pkg/cat"
	"github.com/dougsko/sotacat/pkg/link"
	"github.com/dougsko/sotacat/pkg/logging"
	"github.com/dougsko/sotacat/pkg/protocol"
	"github.com/dougsko/sotacat/pkg/storage"
)

// commandTimeout bounds one socket command, covering every sub-command
// and retry of a tune.
const commandTimeout = 10 * time.Second

// handleConnection handles a single socket connection
func (e *CoreEngine) handleConnection(conn net.Conn) {
	defer func() {
		e.connMu.Lock()
		delete(e.conns, conn)
		e.connMu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			response := protocol.NewKindErrorResponse("invalid_argument", fmt.Sprintf("parse error: %v", err))
			conn.Write([]byte(response.String() + "\n"))
			continue
		}

		logging.Debugf("engine", "Socket command %s", cmd.Type)
		response := e.handleCommand(cmd)
		if _, err := conn.Write([]byte(response.String() + "\n")); err != nil {
			return
		}

		// Close connection after QUIT command
		if cmd.Type == protocol.CmdQuit {
			return
		}
	}
}

// handleCommand processes a single command
func (e *CoreEngine) handleCommand(cmd *protocol.Command) *protocol.Response {
	ctx, cancel := context.WithTimeout(e.ctx, commandTimeout)
	defer cancel()

	switch cmd.Type {
	case protocol.CmdStatus:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"status": e.Status(),
		})

	case protocol.CmdConnect:
		if err := e.Connect(ctx); err != nil {
			return errorResponse(err)
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"link": e.link.Status()})

	case protocol.CmdDisconnect:
		if err := e.Disconnect(); err != nil {
			return errorResponse(err)
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"link": e.link.Status()})

	case protocol.CmdTune:
		return e.handleTune(ctx, cmd)

	case protocol.CmdMode:
		return e.handleMode(ctx, cmd)

	case protocol.CmdSpot:
		index, err := strconv.Atoi(cmd.Args["index"])
		if err != nil {
			return errorResponse(fmt.Errorf("%w: spot index %q", ErrInvalidArgument, cmd.Args["index"]))
		}
		result, err := e.TuneSpot(ctx, index)
		if err != nil {
			return tuneErrorResponse(result, err)
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"tune": result})

	case protocol.CmdSpots:
		return e.handleSpots(cmd)

	case protocol.CmdRefresh:
		snap, err := e.RefreshSpots(ctx)
		if err != nil {
			return errorResponse(err)
		}
		return protocol.NewSuccessResponse(map[string]interface{}{
			"spots": snap.Spots,
			"count": len(snap.Spots),
		})

	case protocol.CmdHistory:
		return e.handleHistory(cmd)

	case protocol.CmdWindow:
		return e.handleWindow(cmd)

	case protocol.CmdPing:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"pong": time.Now().Unix(),
		})

	case protocol.CmdQuit:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"message": "goodbye",
		})

	default:
		return protocol.NewKindErrorResponse("invalid_argument", fmt.Sprintf("unknown command: %s", cmd.Type))
	}
}

func (e *CoreEngine) handleTune(ctx context.Context, cmd *protocol.Command) *protocol.Response {
	hz, err := ParseFrequency(cmd.Args["frequency"])
	if err != nil {
		return errorResponse(err)
	}
	if cmd.Args["mode"] == "" {
		return errorResponse(fmt.Errorf("%w: mode is required, e.g. TUNE:14285000 USB", ErrInvalidArgument))
	}
	mode, err := cat.ParseMode(cmd.Args["mode"])
	if err != nil {
		return errorResponse(fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}

	result, err := e.Tune(ctx, link.TuningRequest{Frequency: hz, Mode: mode})
	if err != nil {
		return tuneErrorResponse(result, err)
	}
	return protocol.NewSuccessResponse(map[string]interface{}{"tune": result})
}

func (e *CoreEngine) handleMode(ctx context.Context, cmd *protocol.Command) *protocol.Response {
	mode, err := cat.ParseMode(cmd.Args["mode"])
	if err != nil {
		return errorResponse(fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	id, err := e.SetMode(ctx, mode)
	if err != nil {
		resp := errorResponse(err)
		resp.Data = map[string]interface{}{"request_id": id}
		return resp
	}
	return protocol.NewSuccessResponse(map[string]interface{}{
		"request_id": id,
		"mode":       mode,
	})
}

func (e *CoreEngine) handleSpots(cmd *protocol.Command) *protocol.Response {
	limit, err := parseLimit(cmd.Args["limit"])
	if err != nil {
		return errorResponse(err)
	}
	snap, err := e.Spots()
	if err != nil {
		return errorResponse(err)
	}

	list := snap.Spots
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	data := map[string]interface{}{
		"spots":      list,
		"count":      len(list),
		"updated_at": snap.UpdatedAt,
	}
	if snap.Error != "" {
		data["error"] = snap.Error
	}
	return protocol.NewSuccessResponse(data)
}

func (e *CoreEngine) handleHistory(cmd *protocol.Command) *protocol.Response {
	limit, err := parseLimit(cmd.Args["limit"])
	if err != nil {
		return errorResponse(err)
	}
	if limit == 0 {
		limit = 20
	}
	entries, err := e.History(storage.HistoryQuery{Limit: limit})
	if err != nil {
		return errorResponse(err)
	}
	return protocol.NewSuccessResponse(map[string]interface{}{
		"history": entries,
		"count":   len(entries),
	})
}

func (e *CoreEngine) handleWindow(cmd *protocol.Command) *protocol.Response {
	if cmd.Args["min"] != "" {
		minMHz, err1 := strconv.ParseFloat(cmd.Args["min"], 64)
		maxMHz, err2 := strconv.ParseFloat(cmd.Args["max"], 64)
		if err1 != nil || err2 != nil {
			return errorResponse(fmt.Errorf("%w: usage WINDOW:<min MHz> <max MHz>", ErrInvalidArgument))
		}
		if err := e.SetWindow(Window{MinMHz: minMHz, MaxMHz: maxMHz}); err != nil {
			return errorResponse(err)
		}
	}
	return protocol.NewSuccessResponse(map[string]interface{}{"window": e.Window()})
}

// ParseFrequency accepts Hz ("14285000") or MHz with a decimal point
// ("14.285").
func ParseFrequency(s string) (cat.Frequency, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: frequency is required", ErrInvalidArgument)
	}
	if strings.Contains(s, ".") {
		mhz, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(mhz) || math.IsInf(mhz, 0) {
			return 0, fmt.Errorf("%w: frequency %q", ErrInvalidArgument, s)
		}
		return cat.Frequency(math.Round(mhz * 1_000_000)), nil
	}
	hz, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: frequency %q", ErrInvalidArgument, s)
	}
	return cat.Frequency(hz), nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit %q", ErrInvalidArgument, s)
	}
	return n, nil
}

func errorResponse(err error) *protocol.Response {
	return protocol.NewKindErrorResponse(ErrorKind(err), err.Error())
}

func tuneErrorResponse(result TuneResult, err error) *protocol.Response {
	resp := errorResponse(err)
	if result.RequestID != "" {
		resp.Data = map[string]interface{}{"request_id": result.RequestID}
	}
	return resp
}
