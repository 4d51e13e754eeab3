// Package link owns the serial link to a CAT-controlled transceiver and
// serialises command/response exchanges over it.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dougsko/sotacat/pkg/cat"
	"github.com/dougsko/sotacat/pkg/logging"
)

// Policy tunes how exchanges are paced and confirmed.
type Policy struct {
	// ResponseTimeout bounds the wait for each sub-command's reply.
	ResponseTimeout time.Duration
	// CommandGap is the pause between the sub-commands of one request.
	CommandGap time.Duration
	// Retries is how many times a sub-command is resent after a timeout.
	Retries int
	// RequireEcho makes silence a timeout. When false, a sub-command that
	// draws no reply within CommandGap counts as accepted.
	RequireEcho bool
	// SelectVFO sends FR0/FT0 before tuning so VFO A is the active VFO.
	SelectVFO bool
}

// DefaultPolicy returns the TS-570 defaults. NewManager substitutes only
// ResponseTimeout when it is zero; the other fields are taken as given.
func DefaultPolicy() Policy {
	return Policy{
		ResponseTimeout: 500 * time.Millisecond,
		CommandGap:      80 * time.Millisecond,
		RequireEcho:     true,
		SelectVFO:       true,
	}
}

// TuningRequest is a frequency plus mode to apply together.
type TuningRequest struct {
	Frequency cat.Frequency `json:"frequency_hz"`
	Mode      cat.Mode      `json:"mode"`
}

func (r TuningRequest) String() string {
	return fmt.Sprintf("%s %s", r.Frequency, r.Mode)
}

// Result of a tune that did not fail outright.
type Result int

const (
	Confirmed Result = iota + 1
	PartiallyApplied
)

func (r Result) String() string {
	switch r {
	case Confirmed:
		return "confirmed"
	case PartiallyApplied:
		return "partially_applied"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Applied records which parts of a TuningRequest the device accepted.
type Applied int

const (
	AppliedNothing Applied = iota
	FrequencyOnly
	FrequencyAndMode
)

func (a Applied) String() string {
	switch a {
	case AppliedNothing:
		return "nothing"
	case FrequencyOnly:
		return "frequency_only"
	case FrequencyAndMode:
		return "frequency_and_mode"
	default:
		return fmt.Sprintf("Applied(%d)", int(a))
	}
}

func (a Applied) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// TuningOutcome reports a tune that reached the device.
type TuningOutcome struct {
	Result  Result        `json:"outcome"`
	Applied Applied       `json:"applied"`
	Request TuningRequest `json:"request"`
	// ModeErr explains why the mode step failed on a partial application.
	ModeErr error `json:"-"`
}

// Manager drives one serial link. All methods are safe for concurrent use;
// at most one request is ever on the wire.
type Manager struct {
	opener Opener
	policy Policy

	mu      sync.Mutex
	status  Status
	device  string
	sess    *session
	busy    bool
	subs    map[int]chan Status
	nextSub int
}

// NewManager returns a Manager in the Closed state.
func NewManager(opener Opener, policy Policy) *Manager {
	def := DefaultPolicy()
	if policy.ResponseTimeout <= 0 {
		policy.ResponseTimeout = def.ResponseTimeout
	}
	if policy.CommandGap < 0 {
		policy.CommandGap = 0
	}
	if policy.Retries < 0 {
		policy.Retries = 0
	}
	return &Manager{
		opener: opener,
		policy: policy,
		status: Status{State: StateClosed, Since: time.Now()},
		subs:   make(map[int]chan Status),
	}
}

// Policy returns the effective policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// session is one open port plus the goroutine reading from it.
type session struct {
	port   Port
	chunks chan []byte
	errs   chan error
	done   chan struct{}
	once   sync.Once
	framer cat.Framer
}

func newSession(port Port) *session {
	return &session{
		port:   port,
		chunks: make(chan []byte, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// stop releases the port. Safe to call more than once.
func (s *session) stop() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.port.Close()
	})
	return err
}

func (m *Manager) pump(s *session) {
	buf := make([]byte, 256)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			select {
			case s.errs <- err:
			default:
			}
			m.readFailed(s, err)
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
	}
}

// readFailed faults an idle link whose reader died. An exchange in
// progress picks the error up from s.errs instead.
func (m *Manager) readFailed(s *session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s || m.busy {
		return
	}
	m.faultLocked(s, err)
}

// faultLocked must be called with m.mu held.
func (m *Manager) faultLocked(s *session, err error) {
	if m.sess != s {
		return
	}
	m.sess = nil
	m.busy = false
	s.stop()
	logging.Error("link", "Link faulted", logging.Fields{"device": m.device, "error": err})
	m.setState(StateFaulted, err.Error())
}

// Open acquires the serial port described by cfg. Opening an idle link is
// a no-op; while a request is in flight it fails with ErrInvalidState.
func (m *Manager) Open(ctx context.Context, cfg PortConfig) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "open", Kind: ErrDeviceUnavailable, Err: err}
	}

	m.mu.Lock()
	switch st := m.status.State; {
	case st == StateIdle && !m.busy:
		m.mu.Unlock()
		return nil
	case st == StateIdle:
		m.mu.Unlock()
		return &Error{Op: "open", Kind: ErrInvalidState, Err: errors.New("request in flight")}
	case st == StateAwaitingResponse, st == StateOpening, st == StateClosing:
		m.mu.Unlock()
		return &Error{Op: "open", Kind: ErrInvalidState, Err: fmt.Errorf("link is %s", st)}
	}
	m.device = cfg.Device
	m.setState(StateOpening, "")
	m.mu.Unlock()

	logging.Info("link", "Opening serial link", logging.Fields{"port": cfg.String()})
	port, err := m.opener.Open(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.State != StateOpening {
		if port != nil {
			port.Close()
		}
		return &Error{Op: "open", Kind: ErrLinkClosed}
	}
	if err != nil {
		logging.Warn("link", "Failed to open serial link", logging.Fields{"device": cfg.Device, "error": err})
		m.setState(StateClosed, err.Error())
		return &Error{Op: "open", Kind: ErrDeviceUnavailable, Err: err}
	}

	s := newSession(port)
	m.sess = s
	go m.pump(s)
	m.setState(StateIdle, "")
	logging.Info("link", "Serial link open", logging.Fields{"device": cfg.Device})
	return nil
}

// Close releases the port. An exchange in flight fails with ErrLinkClosed.
// Closing a closed link is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.status.State == StateClosed {
		m.mu.Unlock()
		return nil
	}
	s := m.sess
	m.sess = nil
	// the interrupted request's release is a no-op once its session is gone
	m.busy = false
	m.setState(StateClosing, "")
	m.mu.Unlock()

	if s != nil {
		if err := s.stop(); err != nil {
			logging.Warn("link", "Error closing serial port", logging.Fields{"error": err})
		}
	}

	m.mu.Lock()
	m.setState(StateClosed, "")
	m.mu.Unlock()
	logging.Info("link", "Serial link closed")
	return nil
}

// acquire claims the link for one whole request.
func (m *Manager) acquire(op string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy || m.status.State == StateAwaitingResponse {
		return nil, &Error{Op: op, Kind: ErrBusy}
	}
	if m.status.State != StateIdle || m.sess == nil {
		return nil, &Error{Op: op, Kind: ErrInvalidState, Err: fmt.Errorf("link is %s", m.status.State)}
	}
	m.busy = true
	m.setState(StateIdle, "")
	return m.sess, nil
}

// release ends the request started on s. It does nothing when s was
// closed or faulted meanwhile, so it cannot free a later request's claim.
func (m *Manager) release(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s {
		return
	}
	m.busy = false
	select {
	case err := <-s.errs:
		m.faultLocked(s, err)
		return
	default:
	}
	m.setState(m.status.State, m.status.Reason)
}

// Tune sets frequency then mode. A mode step that is rejected or times out
// after the frequency was accepted yields a PartiallyApplied outcome
// rather than an error.
func (m *Manager) Tune(ctx context.Context, req TuningRequest) (TuningOutcome, error) {
	freqCmd := cat.SetFrequency{Hz: req.Frequency}
	modeCmd := cat.SetMode{Mode: req.Mode}
	for _, cmd := range []cat.Command{freqCmd, modeCmd} {
		if _, err := cmd.Encode(); err != nil {
			return TuningOutcome{}, &Error{Op: "tune", Command: cmd.String(), Kind: cat.ErrOutOfRange, Err: err}
		}
	}

	s, err := m.acquire("tune")
	if err != nil {
		return TuningOutcome{}, err
	}
	defer m.release(s)

	logging.FromContext(ctx).With(logging.Fields{"frequency": req.Frequency, "mode": req.Mode}).Info("link", "Tuning")

	if m.policy.SelectVFO {
		for _, cmd := range []cat.Command{cat.SetReceiveVFO{VFO: cat.VFOA}, cat.SetTransmitVFO{VFO: cat.VFOA}} {
			if _, err := m.send(ctx, s, "tune", cmd); err != nil {
				return TuningOutcome{}, err
			}
			if err := m.pause(ctx, s, "tune"); err != nil {
				return TuningOutcome{}, err
			}
		}
	}

	if _, err := m.send(ctx, s, "tune", freqCmd); err != nil {
		return TuningOutcome{}, err
	}
	if err := m.pause(ctx, s, "tune"); err != nil {
		return TuningOutcome{}, err
	}

	if _, err := m.send(ctx, s, "tune", modeCmd); err != nil {
		if errors.Is(err, ErrDeviceRejected) || errors.Is(err, ErrTimeout) {
			logging.FromContext(ctx).With(logging.Fields{"mode": req.Mode, "error": err}).Warn("link", "Mode not applied")
			return TuningOutcome{
				Result:  PartiallyApplied,
				Applied: FrequencyOnly,
				Request: req,
				ModeErr: err,
			}, nil
		}
		return TuningOutcome{}, err
	}

	return TuningOutcome{Result: Confirmed, Applied: FrequencyAndMode, Request: req}, nil
}

// SetFrequency sets VFO A without touching the mode.
func (m *Manager) SetFrequency(ctx context.Context, hz cat.Frequency) error {
	_, err := m.Send(ctx, cat.SetFrequency{Hz: hz})
	return err
}

// SetMode sets the operating mode without touching the frequency.
func (m *Manager) SetMode(ctx context.Context, mode cat.Mode) error {
	_, err := m.Send(ctx, cat.SetMode{Mode: mode})
	return err
}

// Send performs a single exchange and returns the device's echo.
func (m *Manager) Send(ctx context.Context, cmd cat.Command) (cat.Frame, error) {
	if _, err := cmd.Encode(); err != nil {
		return cat.Frame{}, &Error{Op: "send", Command: cmd.String(), Kind: cat.ErrOutOfRange, Err: err}
	}
	s, err := m.acquire("send")
	if err != nil {
		return cat.Frame{}, err
	}
	defer m.release(s)
	return m.send(ctx, s, "send", cmd)
}

// send runs one exchange, resending after timeouts as the policy allows.
func (m *Manager) send(ctx context.Context, s *session, op string, cmd cat.Command) (cat.Frame, error) {
	var (
		frame cat.Frame
		err   error
	)
	for attempt := 0; attempt <= m.policy.Retries; attempt++ {
		if attempt > 0 {
			logging.Debugf("link", "Retrying %s (attempt %d)", cmd, attempt+1)
		}
		frame, err = m.exchange(ctx, s, op, cmd)
		if err == nil || !errors.Is(err, ErrTimeout) {
			return frame, err
		}
	}
	return frame, err
}

// exchange writes cmd and waits for its reply.
func (m *Manager) exchange(ctx context.Context, s *session, op string, cmd cat.Command) (cat.Frame, error) {
	wire, err := cmd.Encode()
	if err != nil {
		return cat.Frame{}, &Error{Op: op, Command: cmd.String(), Kind: cat.ErrOutOfRange, Err: err}
	}
	fail := func(kind, cause error) (cat.Frame, error) {
		return cat.Frame{}, &Error{Op: op, Command: cmd.String(), Kind: kind, Err: cause}
	}

	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return fail(ErrLinkClosed, nil)
	}
	select {
	case rerr := <-s.errs:
		m.faultLocked(s, rerr)
		m.mu.Unlock()
		return fail(ErrLinkFault, rerr)
	default:
	}
	m.drain(s)
	m.setState(StateAwaitingResponse, "")
	m.mu.Unlock()

	logging.Wire(ctx, logging.Sent, wire)
	if _, werr := s.port.Write(wire); werr != nil {
		m.mu.Lock()
		closed := m.sess != s
		m.faultLocked(s, werr)
		m.mu.Unlock()
		if closed {
			return fail(ErrLinkClosed, nil)
		}
		return fail(ErrLinkFault, werr)
	}

	wait := m.policy.ResponseTimeout
	if !m.policy.RequireEcho && m.policy.CommandGap > 0 && m.policy.CommandGap < wait {
		wait = m.policy.CommandGap
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return fail(ErrLinkClosed, nil)

		case <-ctx.Done():
			m.finish(s)
			return fail(ctx.Err(), nil)

		case rerr := <-s.errs:
			m.mu.Lock()
			closed := m.sess != s
			m.faultLocked(s, rerr)
			m.mu.Unlock()
			if closed {
				return fail(ErrLinkClosed, nil)
			}
			return fail(ErrLinkFault, rerr)

		case chunk := <-s.chunks:
			logging.Wire(ctx, logging.Received, chunk)
			s.framer.Feed(chunk)
			for {
				frame, derr := s.framer.Next()
				if errors.Is(derr, cat.ErrTruncated) {
					break
				}
				m.finish(s)
				switch {
				case derr != nil:
					return fail(ErrDeviceRejected, derr)
				case frame.Kind == cat.FrameError:
					return fail(ErrDeviceRejected, frame.Err())
				case frame.Acknowledges(cmd):
					return frame, nil
				default:
					return fail(ErrDeviceRejected, fmt.Errorf("unexpected reply %q", frame.Raw))
				}
			}

		case <-timer.C:
			m.finish(s)
			if !m.policy.RequireEcho {
				return cat.Frame{Kind: cat.FrameEcho, Opcode: cmd.Opcode()}, nil
			}
			return fail(ErrTimeout, fmt.Errorf("after %s", wait))
		}
	}
}

// drain discards bytes left over from an earlier exchange. It must be
// called with m.mu held.
func (m *Manager) drain(s *session) {
	dropped := len(s.framer.Reset())
	for {
		select {
		case c := <-s.chunks:
			dropped += len(c)
			continue
		default:
		}
		break
	}
	if dropped > 0 {
		logging.Debugf("link", "Discarded %d stale bytes", dropped)
	}
}

// finish returns the link to Idle unless it was closed meanwhile.
func (m *Manager) finish(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == s && m.status.State == StateAwaitingResponse {
		m.setState(StateIdle, "")
	}
}

// pause waits out the command gap between sub-commands.
func (m *Manager) pause(ctx context.Context, s *session, op string) error {
	if m.policy.CommandGap <= 0 {
		return nil
	}
	t := time.NewTimer(m.policy.CommandGap)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-s.done:
		return &Error{Op: op, Kind: ErrLinkClosed}
	case <-ctx.Done():
		return &Error{Op: op, Kind: ctx.Err()}
	}
}
