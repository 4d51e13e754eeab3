// Package rigsim simulates a Kenwood TS-570 on the far end of a serial
// line. It is used when radio.simulate is set and by tests.
package rigsim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dougsko/sotacat/pkg/cat"
	"github.com/dougsko/sotacat/pkg/link"
	"github.com/dougsko/sotacat/pkg/logging"
)

// ErrUnplugged is returned by reads and opens while the radio is unplugged.
var ErrUnplugged = errors.New("device disconnected")

// Radio holds the simulated transceiver state. It implements link.Opener;
// each Open returns a fresh connection to the same radio.
type Radio struct {
	mutex sync.RWMutex

	frequency cat.Frequency
	mode      cat.Mode
	rxVFO     cat.VFO
	txVFO     cat.VFO

	rejects   map[string]byte
	silent    map[string]bool
	writeErr  error
	latency   time.Duration
	unplugged bool

	commands []string
	conns    map[*conn]struct{}
}

// New returns a radio on 14.285 MHz USB, VFO A.
func New() *Radio {
	return &Radio{
		frequency: 14_285_000,
		mode:      cat.ModeUSB,
		rejects:   make(map[string]byte),
		silent:    make(map[string]bool),
		conns:     make(map[*conn]struct{}),
	}
}

// Open connects to the radio.
func (r *Radio) Open(cfg link.PortConfig) (link.Port, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.unplugged {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, ErrUnplugged)
	}

	logging.Info("rigsim", "Simulated TS-570 connected", map[string]interface{}{
		"device":    cfg.Device,
		"baud":      cfg.BaudRate,
		"frequency": r.frequency,
		"mode":      r.mode,
	})

	c := &conn{
		radio:  r,
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
		gone:   make(chan struct{}),
	}
	r.conns[c] = struct{}{}
	return c, nil
}

// Frequency returns the VFO A frequency.
func (r *Radio) Frequency() cat.Frequency {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.frequency
}

// Mode returns the operating mode.
func (r *Radio) Mode() cat.Mode {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.mode
}

// VFOs returns the receive and transmit VFO selections.
func (r *Radio) VFOs() (rx, tx cat.VFO) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.rxVFO, r.txVFO
}

// Commands returns every well-formed frame received so far.
func (r *Radio) Commands() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]string(nil), r.commands...)
}

// Reject makes the radio answer opcode with an error indicator.
func (r *Radio) Reject(opcode string, code byte) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.rejects[opcode] = code
}

// Silence makes the radio ignore opcode without replying.
func (r *Radio) Silence(opcode string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.silent[opcode] = true
}

// FailWrites makes every write fail with err. Pass nil to recover.
func (r *Radio) FailWrites(err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.writeErr = err
}

// SetLatency delays every reply.
func (r *Radio) SetLatency(d time.Duration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.latency = d
}

// Reset clears all injected faults.
func (r *Radio) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.rejects = make(map[string]byte)
	r.silent = make(map[string]bool)
	r.writeErr = nil
	r.latency = 0
	r.unplugged = false
}

// Unplug breaks every open connection and refuses new ones until Reset.
func (r *Radio) Unplug() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	logging.Warn("rigsim", "Simulated cable pulled")
	r.unplugged = true
	for c := range r.conns {
		c.goneOnce.Do(func() { close(c.gone) })
	}
}

// handle applies one frame and returns the reply, or nil for none.
func (r *Radio) handle(frame cat.Frame) []byte {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.commands = append(r.commands, frame.String())

	if r.silent[frame.Opcode] {
		logging.Debugf("rigsim", "Ignoring %s", frame)
		return nil
	}
	if code, ok := r.rejects[frame.Opcode]; ok {
		logging.Debugf("rigsim", "Rejecting %s", frame)
		return []byte{code, cat.Terminator}
	}

	switch frame.Opcode {
	case cat.OpFrequencyA:
		f, err := frame.Frequency()
		if err != nil {
			return []byte("?;")
		}
		r.frequency = f
		logging.Debugf("rigsim", "Frequency set to %s", f)
	case cat.OpMode:
		m, err := frame.Mode()
		if err != nil {
			return []byte("?;")
		}
		r.mode = m
		logging.Debugf("rigsim", "Mode set to %s", m)
	case cat.OpReceiveVFO:
		r.rxVFO = cat.VFO(frame.Payload[0] - '0')
	case cat.OpTransmitVFO:
		r.txVFO = cat.VFO(frame.Payload[0] - '0')
	}
	return append([]byte(nil), frame.Raw...)
}

func (r *Radio) forget(c *conn) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.conns, c)
}

// conn is one open "serial port" to the radio.
type conn struct {
	radio *Radio

	writeMu sync.Mutex
	framer  cat.Framer

	out       chan []byte
	pending   []byte
	closed    chan struct{}
	closeOnce sync.Once
	gone      chan struct{}
	goneOnce  sync.Once
}

func (c *conn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		select {
		case b := <-c.out:
			c.pending = b
		case <-c.gone:
			return 0, ErrUnplugged
		case <-c.closed:
			return 0, errors.New("port closed")
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *conn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, errors.New("port closed")
	case <-c.gone:
		return 0, ErrUnplugged
	default:
	}

	c.radio.mutex.RLock()
	werr, latency := c.radio.writeErr, c.radio.latency
	c.radio.mutex.RUnlock()
	if werr != nil {
		return 0, werr
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.framer.Feed(p)
	for {
		frame, err := c.framer.Next()
		if errors.Is(err, cat.ErrTruncated) {
			break
		}
		var reply []byte
		if err != nil {
			reply = []byte("?;")
		} else {
			reply = c.radio.handle(frame)
		}
		if reply != nil {
			c.send(reply, latency)
		}
	}
	return len(p), nil
}

func (c *conn) send(reply []byte, latency time.Duration) {
	if latency <= 0 {
		select {
		case c.out <- reply:
		case <-c.closed:
		}
		return
	}
	time.AfterFunc(latency, func() {
		select {
		case c.out <- reply:
		case <-c.closed:
		}
	})
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.radio.forget(c)
		logging.Info("rigsim", "Simulated TS-570 disconnected")
	})
	return nil
}
