package link

import (
	"fmt"
	"time"

	"github.com/dougsko/sotacat/pkg/logging"
)

// State of the link.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateIdle
	StateAwaitingResponse
	StateClosing
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connected reports whether the port is open.
func (s State) Connected() bool {
	return s == StateIdle || s == StateAwaitingResponse
}

// Status is an observable snapshot of the link.
type Status struct {
	State  State     `json:"state"`
	Reason string    `json:"reason,omitempty"` // fault or open failure
	Device string    `json:"device,omitempty"`
	Busy   bool      `json:"busy"`
	Since  time.Time `json:"since"`
}

// logFields describes a transition for the link log.
func (s Status) logFields(from State) logging.Fields {
	f := logging.Fields{"from": from, "state": s.State, "busy": s.Busy}
	if s.Device != "" {
		f["device"] = s.Device
	}
	if s.Reason != "" {
		f["reason"] = s.Reason
	}
	return f
}

const subscriberBuffer = 8

// Subscribe returns a channel receiving every status change, starting
// with the current status. A slow reader loses the oldest updates, never
// the latest. Call the returned function to unsubscribe.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, subscriberBuffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.status
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// Status returns the current link status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// setState must be called with m.mu held.
func (m *Manager) setState(state State, reason string) {
	if m.status.State == state && m.status.Reason == reason && m.status.Busy == m.busy {
		return
	}
	prev := m.status.State
	m.status = Status{
		State:  state,
		Reason: reason,
		Device: m.device,
		Busy:   m.busy,
		Since:  time.Now(),
	}
	if prev != state {
		logging.Debug("link", "State changed", m.status.logFields(prev))
	}
	m.publish()
}

// publish must be called with m.mu held.
func (m *Manager) publish() {
	for _, ch := range m.subs {
		select {
		case ch <- m.status:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- m.status:
			default:
			}
		}
	}
}
