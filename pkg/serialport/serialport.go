// Package serialport opens real serial devices for the link manager.
package serialport

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.bug.st/serial"

	"github.com/dougsko/sotacat/pkg/link"
	"github.com/dougsko/sotacat/pkg/logging"
)

// ReadTimeout bounds each blocking read so the link's reader can notice
// a close even on drivers where Close does not interrupt Read.
const ReadTimeout = 100 * time.Millisecond

// Opener opens devices with go.bug.st/serial.
type Opener struct{}

// Open configures and opens cfg.Device.
func (Opener) Open(cfg link.PortConfig) (link.Port, error) {
	mode, err := Mode(cfg)
	if err != nil {
		return nil, err
	}

	p, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, describe(cfg.Device, err)
	}
	if err := p.SetReadTimeout(ReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Device, err)
	}
	if err := p.ResetInputBuffer(); err != nil {
		logging.Warnf("serial", "Could not flush input on %s: %v", cfg.Device, err)
	}

	logging.Debug("serial", "Port opened", map[string]interface{}{"device": cfg.Device, "mode": cfg.String()})
	return p, nil
}

// Mode translates a link.PortConfig into a serial.Mode.
func Mode(cfg link.PortConfig) (*serial.Mode, error) {
	if cfg.Device == "" {
		return nil, errors.New("no serial device configured")
	}
	if cfg.BaudRate <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", cfg.BaudRate)
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	if mode.DataBits < 5 || mode.DataBits > 8 {
		return nil, fmt.Errorf("invalid data bits %d", cfg.DataBits)
	}

	switch cfg.Parity {
	case link.ParityNone:
		mode.Parity = serial.NoParity
	case link.ParityOdd:
		mode.Parity = serial.OddParity
	case link.ParityEven:
		mode.Parity = serial.EvenParity
	case link.ParityMark:
		mode.Parity = serial.MarkParity
	case link.ParitySpace:
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unsupported parity %s", cfg.Parity)
	}

	switch cfg.StopBits {
	case link.StopBitsOne:
		mode.StopBits = serial.OneStopBit
	case link.StopBitsOnePointFive:
		mode.StopBits = serial.OnePointFiveStopBits
	case link.StopBitsTwo:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %s", cfg.StopBits)
	}

	return mode, nil
}

// describe turns driver errors into something an operator can act on.
func describe(device string, err error) error {
	var perr *serial.PortError
	if !errors.As(err, &perr) {
		return fmt.Errorf("open %s: %w", device, err)
	}
	switch perr.Code() {
	case serial.PortNotFound:
		return fmt.Errorf("open %s: port not found: %w", device, err)
	case serial.PortBusy:
		return fmt.Errorf("open %s: port in use by another program: %w", device, err)
	case serial.PermissionDenied:
		return fmt.Errorf("open %s: permission denied (check dialout group): %w", device, err)
	case serial.InvalidSpeed:
		return fmt.Errorf("open %s: baud rate not supported: %w", device, err)
	default:
		return fmt.Errorf("open %s: %w", device, err)
	}
}

// ListPorts returns the serial devices present on this host, sorted.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
