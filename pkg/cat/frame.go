package cat

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// FrameKind tells an echo apart from a device error indication.
type FrameKind int

const (
	FrameEcho FrameKind = iota + 1
	FrameError
)

// Device error indicators.
const (
	ErrCodeSyntax        byte = '?'
	ErrCodeCommunication byte = 'E'
	ErrCodeIncomplete    byte = 'O'
)

// DeviceError is the error carried by an error frame.
type DeviceError struct {
	Code byte
}

func (e *DeviceError) Error() string {
	switch e.Code {
	case ErrCodeSyntax:
		return "device rejected command (syntax error)"
	case ErrCodeCommunication:
		return "device reported communication error"
	case ErrCodeIncomplete:
		return "device reported processing incomplete"
	default:
		return fmt.Sprintf("device error %q", e.Code)
	}
}

// Frame is one decoded inbound frame.
type Frame struct {
	Kind    FrameKind
	Opcode  string
	Payload string
	Raw     []byte
}

// Err returns the device error for an error frame and nil otherwise.
func (f Frame) Err() error {
	if f.Kind != FrameError {
		return nil
	}
	return &DeviceError{Code: f.Raw[0]}
}

// Acknowledges reports whether f is the echo of cmd.
func (f Frame) Acknowledges(cmd Command) bool {
	return f.Kind == FrameEcho && f.Opcode == cmd.Opcode()
}

// Frequency returns the frequency carried by an FA frame.
func (f Frame) Frequency() (Frequency, error) {
	if f.Opcode != OpFrequencyA {
		return 0, fmt.Errorf("%w: %s frame has no frequency", ErrMalformed, f.Opcode)
	}
	hz, err := strconv.ParseInt(f.Payload, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Frequency(hz), nil
}

// Mode returns the mode carried by an MD frame.
func (f Frame) Mode() (Mode, error) {
	if f.Opcode != OpMode {
		return 0, fmt.Errorf("%w: %s frame has no mode", ErrMalformed, f.Opcode)
	}
	return ModeFromDigit(f.Payload[0])
}

func (f Frame) String() string {
	return string(f.Raw)
}

// FrameEnd returns the index just past the first terminator in b, or -1
// when no complete frame has arrived yet.
func FrameEnd(b []byte) int {
	i := bytes.IndexByte(b, Terminator)
	if i < 0 {
		return -1
	}
	return i + 1
}

func isErrorCode(c byte) bool {
	return c == ErrCodeSyntax || c == ErrCodeCommunication || c == ErrCodeIncomplete
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// malformed consumes up to and including the next terminator so the
// caller can resynchronise on the following frame.
func malformed(b []byte, reason string) (Frame, int, error) {
	n := FrameEnd(b)
	if n < 0 {
		n = len(b)
	}
	return Frame{}, n, fmt.Errorf("%w: %s in %q", ErrMalformed, reason, b[:n])
}

// DecodeResponse decodes the frame at the front of b and returns it along
// with the number of bytes consumed.
//
// ErrTruncated means b is a valid prefix and more bytes are needed; no
// bytes are consumed. ErrMalformed consumes the offending bytes.
func DecodeResponse(b []byte) (Frame, int, error) {
	if len(b) == 0 {
		return Frame{}, 0, ErrTruncated
	}

	if isErrorCode(b[0]) {
		if len(b) < 2 {
			return Frame{}, 0, ErrTruncated
		}
		if b[1] != Terminator {
			return malformed(b, "unterminated error indicator")
		}
		raw := append([]byte(nil), b[:2]...)
		return Frame{Kind: FrameError, Raw: raw}, 2, nil
	}

	if b[0] < 'A' || b[0] > 'Z' {
		return malformed(b, "bad opcode")
	}
	if len(b) < 2 {
		return Frame{}, 0, ErrTruncated
	}

	op := string(b[:2])
	size, ok := frameLens[op]
	if !ok {
		return malformed(b, "unknown opcode "+op)
	}

	for i := 2; i < len(b) && i < size; i++ {
		if i == size-1 {
			if b[i] != Terminator {
				return malformed(b, "frame too long")
			}
			continue
		}
		if !isDigit(b[i]) {
			if b[i] == Terminator {
				return malformed(b, "frame too short")
			}
			return malformed(b, "non-digit parameter")
		}
	}
	if len(b) < size {
		return Frame{}, 0, ErrTruncated
	}

	raw := append([]byte(nil), b[:size]...)
	frame := Frame{
		Kind:    FrameEcho,
		Opcode:  op,
		Payload: string(raw[2 : size-1]),
		Raw:     raw,
	}
	if op == OpMode {
		if _, err := frame.Mode(); err != nil {
			return Frame{}, size, err
		}
	}
	return frame, size, nil
}

// Framer buffers inbound chunks and hands out whole frames. It is safe to
// feed one byte at a time.
type Framer struct {
	buf []byte
}

// Feed appends received bytes.
func (f *Framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next decodes the next buffered frame. ErrTruncated means wait for more
// bytes; ErrMalformed has already dropped the bad bytes.
func (f *Framer) Next() (Frame, error) {
	frame, n, err := DecodeResponse(f.buf)
	if errors.Is(err, ErrTruncated) {
		return Frame{}, err
	}
	f.buf = append(f.buf[:0], f.buf[n:]...)
	return frame, err
}

// Buffered returns the number of bytes waiting for a terminator.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops everything buffered and returns it.
func (f *Framer) Reset() []byte {
	dropped := append([]byte(nil), f.buf...)
	f.buf = f.buf[:0]
	return dropped
}
