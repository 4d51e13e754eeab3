package link

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dougsko/sotacat/pkg/cat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sotaRequest = TuningRequest{Frequency: 14_285_000, Mode: cat.ModeUSB}

func TestOpenClose(t *testing.T) {
	t.Run("Open Failure Leaves Link Closed", func(t *testing.T) {
		m := NewManager(OpenerFunc(func(PortConfig) (Port, error) {
			return nil, errors.New("no such file or directory")
		}), testPolicy())

		err := m.Open(context.Background(), PortConfig{Device: "/dev/missing"})
		require.ErrorIs(t, err, ErrDeviceUnavailable)

		st := m.Status()
		assert.Equal(t, StateClosed, st.State)
		assert.Contains(t, st.Reason, "no such file")
	})

	t.Run("Open Is Idempotent", func(t *testing.T) {
		var opens int32
		port := newFakePort(echo)
		m := NewManager(OpenerFunc(func(PortConfig) (Port, error) {
			atomic.AddInt32(&opens, 1)
			return port, nil
		}), testPolicy())
		defer m.Close()

		require.NoError(t, m.Open(context.Background(), PortConfig{Device: "/dev/fake"}))
		require.NoError(t, m.Open(context.Background(), PortConfig{Device: "/dev/fake"}))
		assert.Equal(t, int32(1), atomic.LoadInt32(&opens))
		assert.Equal(t, StateIdle, m.Status().State)
		assert.Equal(t, "/dev/fake", m.Status().Device)
	})

	t.Run("Close Releases Port", func(t *testing.T) {
		port := newFakePort(echo)
		m := openManager(t, port, testPolicy())

		require.NoError(t, m.Close())
		assert.Equal(t, StateClosed, m.Status().State)
		assert.True(t, port.isClosed())
		assert.NoError(t, m.Close())
	})

	t.Run("Open While Awaiting Response", func(t *testing.T) {
		port := newFakePort(nil)
		policy := testPolicy()
		policy.ResponseTimeout = 5 * time.Second
		m := openManager(t, port, policy)

		done := make(chan error, 1)
		go func() {
			_, err := m.Tune(context.Background(), sotaRequest)
			done <- err
		}()
		waitForState(t, m, StateAwaitingResponse)

		err := m.Open(context.Background(), PortConfig{Device: "/dev/fake"})
		require.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, StateAwaitingResponse, m.Status().State)

		require.NoError(t, m.Close())
		<-done
	})

	t.Run("Open Between Sub-Commands", func(t *testing.T) {
		port := newFakePort(echo)
		policy := testPolicy()
		policy.CommandGap = 5 * time.Second
		m := openManager(t, port, policy)

		done := make(chan error, 1)
		go func() {
			_, err := m.Tune(context.Background(), sotaRequest)
			done <- err
		}()
		require.Eventually(t, func() bool { return len(port.writes()) == 1 && m.Status().State == StateIdle },
			time.Second, time.Millisecond)

		err := m.Open(context.Background(), PortConfig{Device: "/dev/fake"})
		assert.ErrorIs(t, err, ErrInvalidState)

		require.NoError(t, m.Close())
		<-done
	})

	t.Run("Reopen After Close Mid Request", func(t *testing.T) {
		ports := []*fakePort{newFakePort(nil), newFakePort(echo)}
		var opens int32
		m := NewManager(OpenerFunc(func(PortConfig) (Port, error) {
			return ports[atomic.AddInt32(&opens, 1)-1], nil
		}), Policy{ResponseTimeout: 5 * time.Second, RequireEcho: true})
		defer m.Close()
		require.NoError(t, m.Open(context.Background(), PortConfig{Device: "/dev/fake"}))

		done := make(chan error, 1)
		go func() {
			_, err := m.Tune(context.Background(), sotaRequest)
			done <- err
		}()
		waitForState(t, m, StateAwaitingResponse)

		// reopen before the interrupted tune has returned
		require.NoError(t, m.Close())
		require.NoError(t, m.Open(context.Background(), PortConfig{Device: "/dev/fake"}))
		assert.False(t, m.Status().Busy)

		out, err := m.Tune(context.Background(), sotaRequest)
		require.NoError(t, err)
		assert.Equal(t, Confirmed, out.Result)

		assert.ErrorIs(t, <-done, ErrLinkClosed)
		assert.False(t, m.Status().Busy)
		assert.Equal(t, StateIdle, m.Status().State)

		out, err = m.Tune(context.Background(), TuningRequest{Frequency: 7_032_000, Mode: cat.ModeCW})
		require.NoError(t, err)
		assert.Equal(t, Confirmed, out.Result)
	})

	t.Run("Operations Need An Open Link", func(t *testing.T) {
		m := NewManager(OpenerFunc(func(PortConfig) (Port, error) { return newFakePort(echo), nil }), testPolicy())

		_, err := m.Tune(context.Background(), sotaRequest)
		assert.ErrorIs(t, err, ErrInvalidState)

		err = m.SetMode(context.Background(), cat.ModeCW)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestTune(t *testing.T) {
	t.Run("Confirmed", func(t *testing.T) {
		port := newFakePort(echo)
		m := openManager(t, port, testPolicy())

		out, err := m.Tune(context.Background(), sotaRequest)
		require.NoError(t, err)
		assert.Equal(t, Confirmed, out.Result)
		assert.Equal(t, FrequencyAndMode, out.Applied)
		assert.Equal(t, []string{"FA00014285000;", "MD2;"}, port.writes())
		assert.Equal(t, StateIdle, m.Status().State)
		assert.False(t, m.Status().Busy)
	})

	t.Run("Selects VFO A First", func(t *testing.T) {
		port := newFakePort(echo)
		policy := testPolicy()
		policy.SelectVFO = true
		m := openManager(t, port, policy)

		_, err := m.Tune(context.Background(), TuningRequest{Frequency: 7_032_000, Mode: cat.ModeCW})
		require.NoError(t, err)
		assert.Equal(t, []string{"FR0;", "FT0;", "FA00007032000;", "MD3;"}, port.writes())
	})

	t.Run("Replies Split Into Single Bytes", func(t *testing.T) {
		port := newFakePort(func(cmd string) []string {
			var chunks []string
			for i := range cmd {
				chunks = append(chunks, cmd[i:i+1])
			}
			return chunks
		})
		m := openManager(t, port, testPolicy())

		out, err := m.Tune(context.Background(), sotaRequest)
		require.NoError(t, err)
		assert.Equal(t, Confirmed, out.Result)
	})

	t.Run("Mode Rejected Is Partial", func(t *testing.T) {
		port := newFakePort(func(cmd string) []string {
			if cmd == "MD2;" {
				return []string{"?;"}
			}
			return []string{cmd}
		})
		m := openManager(t, port, testPolicy())

		out, err := m.Tune(context.Background(), sotaRequest)
		require.NoError(t, err)
		assert.Equal(t, PartiallyApplied, out.Result)
		assert.Equal(t, FrequencyOnly, out.Applied)
		assert.ErrorIs(t, out.ModeErr, ErrDeviceRejected)
		assert.Equal(t, StateIdle, m.Status().State)
	})

	t.Run("Frequency Rejected Sends No Mode", func(t *testing.T) {
		port := newFakePort(func(cmd string) []string { return []string{"E;"} })
		m := openManager(t, port, testPolicy())

		_, err := m.Tune(context.Background(), sotaRequest)
		require.ErrorIs(t, err, ErrDeviceRejected)

		var devErr *cat.DeviceError
		require.True(t, errors.As(err, &devErr))
		assert.Equal(t, cat.ErrCodeCommunication, devErr.Code)
		assert.Equal(t, []string{"FA00014285000;"}, port.writes())
	})

	t.Run("Malformed Reply Is Rejection", func(t *testing.T) {
		port := newFakePort(func(cmd string) []string { return []string{"FA12;"} })
		m := openManager(t, port, testPolicy())

		_, err := m.Tune(context.Background(), sotaRequest)
		assert.ErrorIs(t, err, ErrDeviceRejected)
		assert.ErrorIs(t, err, cat.ErrMalformed)
		assert.Equal(t, "device_rejected", KindOf(err))
	})

	t.Run("Out Of Range Writes Nothing", func(t *testing.T) {
		port := newFakePort(echo)
		m := openManager(t, port, testPolicy())

		_, err := m.Tune(context.Background(), TuningRequest{Frequency: 100_000_000_000, Mode: cat.ModeUSB})
		assert.ErrorIs(t, err, cat.ErrOutOfRange)

		_, err = m.Tune(context.Background(), TuningRequest{Frequency: 14_285_000, Mode: cat.Mode(0)})
		assert.ErrorIs(t, err, cat.ErrOutOfRange)

		assert.Empty(t, port.writes())
		assert.Equal(t, StateIdle, m.Status().State)
	})

	t.Run("Stale Bytes Are Discarded", func(t *testing.T) {
		port := newFakePort(echo)
		m := openManager(t, port, testPolicy())

		port.in <- []byte("MD1;FA000")
		require.Eventually(t, func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return len(m.sess.chunks) > 0
		}, time.Second, time.Millisecond)

		out, err := m.Tune(context.Background(), sotaRequest)
		require.NoError(t, err)
		assert.Equal(t, Confirmed, out.Result)
	})

	t.Run("Single Step Operations", func(t *testing.T) {
		port := newFakePort(echo)
		m := openManager(t, port, testPolicy())

		require.NoError(t, m.SetFrequency(context.Background(), 10_118_000))
		require.NoError(t, m.SetMode(context.Background(), cat.ModeLSB))
		assert.Equal(t, []string{"FA00010118000;", "MD1;"}, port.writes())

		err := m.SetFrequency(context.Background(), -5)
		assert.ErrorIs(t, err, cat.ErrOutOfRange)
	})
}

func TestTimeout(t *testing.T) {
	t.Run("Recovers After Timeout", func(t *testing.T) {
		port := newFakePort(silentOn("FA"))
		m := openManager(t, port, testPolicy())

		start := time.Now()
		_, err := m.Tune(context.Background(), sotaRequest)
		require.ErrorIs(t, err, ErrTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		assert.Equal(t, StateIdle, m.Status().State)
		assert.Equal(t, []string{"FA00014285000;"}, port.writes())

		port.setReply(echo)
		out, err := m.Tune(context.Background(), sotaRequest)
		require.NoError(t, err)
		assert.Equal(t, Confirmed, out.Result)
	})

	t.Run("Mode Timeout Is Partial", func(t *testing.T) {
		port := newFakePort(silentOn("MD"))
		m := openManager(t, port, testPolicy())

		out, err := m.Tune(context.Background(), sotaRequest)
		require.NoError(t, err)
		assert.Equal(t, PartiallyApplied, out.Result)
		assert.ErrorIs(t, out.ModeErr, ErrTimeout)
	})

	t.Run("Retries Only After Timeout", func(t *testing.T) {
		var dropped int32
		port := newFakePort(func(cmd string) []string {
			if cmd[:2] == "FA" && atomic.CompareAndSwapInt32(&dropped, 0, 1) {
				return nil
			}
			return []string{cmd}
		})
		policy := testPolicy()
		policy.Retries = 1
		m := openManager(t, port, policy)

		out, err := m.Tune(context.Background(), sotaRequest)
		require.NoError(t, err)
		assert.Equal(t, Confirmed, out.Result)
		assert.Equal(t, []string{"FA00014285000;", "FA00014285000;", "MD2;"}, port.writes())
	})

	t.Run("Rejection Is Not Retried", func(t *testing.T) {
		port := newFakePort(func(cmd string) []string { return []string{"?;"} })
		policy := testPolicy()
		policy.Retries = 3
		m := openManager(t, port, policy)

		_, err := m.Tune(context.Background(), sotaRequest)
		require.ErrorIs(t, err, ErrDeviceRejected)
		assert.Len(t, port.writes(), 1)
	})

	t.Run("Silence Accepted Without Echo", func(t *testing.T) {
		port := newFakePort(nil)
		policy := testPolicy()
		policy.RequireEcho = false
		policy.CommandGap = 10 * time.Millisecond
		m := openManager(t, port, policy)

		out, err := m.Tune(context.Background(), sotaRequest)
		require.NoError(t, err)
		assert.Equal(t, Confirmed, out.Result)
		assert.Len(t, port.writes(), 2)
	})

	t.Run("Caller Cancellation", func(t *testing.T) {
		port := newFakePort(nil)
		policy := testPolicy()
		policy.ResponseTimeout = 5 * time.Second
		m := openManager(t, port, policy)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := m.Tune(ctx, sotaRequest)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, "canceled", KindOf(err))
		assert.Equal(t, StateIdle, m.Status().State)
	})
}

func TestBusy(t *testing.T) {
	port := newFakePort(silentOn("FA"))
	policy := testPolicy()
	policy.ResponseTimeout = 2 * time.Second
	m := openManager(t, port, policy)

	type result struct {
		out TuningOutcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := m.Tune(context.Background(), sotaRequest)
		done <- result{out, err}
	}()
	waitForState(t, m, StateAwaitingResponse)

	_, err := m.Tune(context.Background(), TuningRequest{Frequency: 7_032_000, Mode: cat.ModeCW})
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, m.SetMode(context.Background(), cat.ModeCW), ErrBusy)
	assert.Equal(t, []string{"FA00014285000;"}, port.writes())

	port.in <- []byte("FA00014285000;")
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, Confirmed, r.out.Result)
	case <-time.After(time.Second):
		t.Fatal("first tune never completed")
	}
	assert.Equal(t, []string{"FA00014285000;", "MD2;"}, port.writes())
}

func TestCloseDuringFlight(t *testing.T) {
	t.Run("Awaiting Response", func(t *testing.T) {
		port := newFakePort(nil)
		policy := testPolicy()
		policy.ResponseTimeout = 5 * time.Second
		m := openManager(t, port, policy)

		done := make(chan error, 1)
		go func() {
			_, err := m.Tune(context.Background(), sotaRequest)
			done <- err
		}()
		waitForState(t, m, StateAwaitingResponse)

		require.NoError(t, m.Close())
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrLinkClosed)
		case <-time.After(time.Second):
			t.Fatal("tune did not observe close")
		}
		assert.Equal(t, StateClosed, m.Status().State)
		assert.True(t, port.isClosed())
	})

	t.Run("Between Sub-Commands", func(t *testing.T) {
		port := newFakePort(echo)
		policy := testPolicy()
		policy.CommandGap = 5 * time.Second
		m := openManager(t, port, policy)

		done := make(chan error, 1)
		go func() {
			_, err := m.Tune(context.Background(), sotaRequest)
			done <- err
		}()
		require.Eventually(t, func() bool { return len(port.writes()) == 1 && m.Status().State == StateIdle },
			time.Second, time.Millisecond)

		require.NoError(t, m.Close())
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrLinkClosed)
		case <-time.After(time.Second):
			t.Fatal("tune did not observe close")
		}
		assert.Equal(t, []string{"FA00014285000;"}, port.writes())
		assert.Equal(t, StateClosed, m.Status().State)
	})
}

func TestFault(t *testing.T) {
	t.Run("Write Failure", func(t *testing.T) {
		first := newFakePort(echo)
		first.setWriteErr(errors.New("input/output error"))
		second := newFakePort(echo)
		ports := []*fakePort{first, second}

		m := NewManager(OpenerFunc(func(PortConfig) (Port, error) {
			p := ports[0]
			ports = ports[1:]
			return p, nil
		}), testPolicy())
		defer m.Close()
		require.NoError(t, m.Open(context.Background(), PortConfig{Device: "/dev/fake"}))

		_, err := m.Tune(context.Background(), sotaRequest)
		require.ErrorIs(t, err, ErrLinkFault)

		st := m.Status()
		assert.Equal(t, StateFaulted, st.State)
		assert.Contains(t, st.Reason, "input/output error")
		assert.True(t, first.isClosed())

		_, err = m.Tune(context.Background(), sotaRequest)
		assert.ErrorIs(t, err, ErrInvalidState)

		require.NoError(t, m.Open(context.Background(), PortConfig{Device: "/dev/fake"}))
		out, err := m.Tune(context.Background(), sotaRequest)
		require.NoError(t, err)
		assert.Equal(t, Confirmed, out.Result)
	})

	t.Run("Read Failure While Idle", func(t *testing.T) {
		port := newFakePort(echo)
		m := openManager(t, port, testPolicy())

		port.readErr <- errors.New("device disconnected")
		waitForState(t, m, StateFaulted)
		assert.Contains(t, m.Status().Reason, "disconnected")

		_, err := m.Tune(context.Background(), sotaRequest)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("Read Failure Mid Exchange", func(t *testing.T) {
		port := newFakePort(nil)
		policy := testPolicy()
		policy.ResponseTimeout = 5 * time.Second
		m := openManager(t, port, policy)

		done := make(chan error, 1)
		go func() {
			_, err := m.Tune(context.Background(), sotaRequest)
			done <- err
		}()
		waitForState(t, m, StateAwaitingResponse)

		port.readErr <- errors.New("device disconnected")
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrLinkFault)
		case <-time.After(time.Second):
			t.Fatal("tune did not observe fault")
		}
		assert.Equal(t, StateFaulted, m.Status().State)
	})
}

func TestSubscribe(t *testing.T) {
	port := newFakePort(echo)
	m := NewManager(OpenerFunc(func(PortConfig) (Port, error) { return port, nil }), testPolicy())

	ch, unsubscribe := m.Subscribe()
	first := <-ch
	assert.Equal(t, StateClosed, first.State)

	require.NoError(t, m.Open(context.Background(), PortConfig{Device: "/dev/fake"}))

	var seen []State
	timeout := time.After(time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != StateIdle {
		select {
		case st := <-ch:
			seen = append(seen, st.State)
		case <-timeout:
			t.Fatalf("never saw idle, got %v", seen)
		}
	}
	assert.Equal(t, []State{StateOpening, StateIdle}, seen)

	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
	require.NoError(t, m.Close())
}

func TestSlowSubscriberKeepsLatest(t *testing.T) {
	port := newFakePort(echo)
	m := openManager(t, port, testPolicy())

	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	for i := 0; i < 20; i++ {
		_, err := m.Tune(context.Background(), sotaRequest)
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	var last Status
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, StateClosed, last.State)
}

func TestNewManagerPolicy(t *testing.T) {
	m := NewManager(nil, Policy{CommandGap: -time.Second, Retries: -1})
	p := m.Policy()
	assert.Equal(t, DefaultPolicy().ResponseTimeout, p.ResponseTimeout)
	assert.Zero(t, p.CommandGap)
	assert.Zero(t, p.Retries)
	assert.False(t, p.RequireEcho)
	assert.False(t, p.SelectVFO)
}
