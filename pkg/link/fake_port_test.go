package link

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePort is a scripted transceiver: every write is recorded and answered
// with whatever chunks reply returns.
type fakePort struct {
	mu       sync.Mutex
	written  []string
	reply    func(cmd string) []string
	writeErr error

	in      chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once
	pending []byte
}

func newFakePort(reply func(cmd string) []string) *fakePort {
	return &fakePort{
		reply:   reply,
		in:      make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// echo answers every command with itself.
func echo(cmd string) []string { return []string{cmd} }

// silentOn echoes everything except commands with the given prefix.
func silentOn(prefix string) func(string) []string {
	return func(cmd string) []string {
		if strings.HasPrefix(cmd, prefix) {
			return nil
		}
		return []string{cmd}
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		select {
		case c := <-p.in:
			p.pending = c
		case err := <-p.readErr:
			return 0, err
		case <-p.closed:
			return 0, io.EOF
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	p.written = append(p.written, string(b))
	reply := p.reply
	p.mu.Unlock()

	if reply != nil {
		for _, c := range reply(string(b)) {
			p.in <- []byte(c)
		}
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *fakePort) writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

func (p *fakePort) setWriteErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

func (p *fakePort) setReply(reply func(string) []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reply = reply
}

func testPolicy() Policy {
	return Policy{
		ResponseTimeout: 100 * time.Millisecond,
		RequireEcho:     true,
	}
}

func openManager(t *testing.T, port *fakePort, policy Policy) *Manager {
	t.Helper()
	m := NewManager(OpenerFunc(func(PortConfig) (Port, error) { return port, nil }), policy)
	require.NoError(t, m.Open(context.Background(), PortConfig{Device: "/dev/fake", BaudRate: 9600, DataBits: 8}))
	t.Cleanup(func() { m.Close() })
	return m
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status().State == want },
		time.Second, 5*time.Millisecond, "state never became %s (now %s)", want, m.Status().State)
}
