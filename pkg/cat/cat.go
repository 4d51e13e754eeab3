// Package cat encodes and decodes Kenwood-style CAT command frames.
//
// Every frame is a two letter opcode, a fixed number of ASCII decimal
// digits and a ';' terminator. The transceiver echoes accepted set
// commands and answers rejected ones with a one character error frame.
// Nothing in this package performs I/O or keeps state between calls,
// except for Framer which only buffers bytes handed to it.
package cat

import (
	"errors"
	"fmt"
	"strings"
)

// Terminator ends every CAT frame.
const Terminator = ';'

// FrequencyDigits is the width of the frequency field.
const FrequencyDigits = 11

// MaxFrequency is the largest value the 11 digit frequency field can hold.
const MaxFrequency Frequency = 99_999_999_999

// Codec errors
var (
	ErrOutOfRange = errors.New("value out of range")
	ErrMalformed  = errors.New("malformed frame")
	ErrTruncated  = errors.New("truncated frame")
)

// Frequency is a dial frequency in Hz.
type Frequency int64

// Valid reports whether f fits the wire field.
func (f Frequency) Valid() bool {
	return f >= 0 && f <= MaxFrequency
}

// MHz returns the frequency in megahertz.
func (f Frequency) MHz() float64 {
	return float64(f) / 1_000_000.0
}

func (f Frequency) String() string {
	return fmt.Sprintf("%.6f MHz", f.MHz())
}

// Mode is an operating mode with a one digit wire code.
type Mode uint8

// Wire codes from the TS-570 manual.
const (
	ModeLSB Mode = 1
	ModeUSB Mode = 2
	ModeCW  Mode = 3
	ModeFM  Mode = 4
	ModeAM  Mode = 5
)

var modeNames = map[Mode]string{
	ModeLSB: "LSB",
	ModeUSB: "USB",
	ModeCW:  "CW",
	ModeFM:  "FM",
	ModeAM:  "AM",
}

// Modes returns the supported modes in wire code order.
func Modes() []Mode {
	return []Mode{ModeLSB, ModeUSB, ModeCW, ModeFM, ModeAM}
}

// Valid reports whether m is one of the supported modes.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrOutOfRange, m)
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Digit returns the wire digit for m.
func (m Mode) Digit() byte {
	return '0' + byte(m)
}

// ParseMode converts a mode name such as "usb" into a Mode.
func ParseMode(s string) (Mode, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// ModeFromDigit maps a wire digit back to its Mode.
func ModeFromDigit(d byte) (Mode, error) {
	if d < '0' || d > '9' {
		return 0, fmt.Errorf("%w: mode digit %q", ErrMalformed, d)
	}
	m := Mode(d - '0')
	if !m.Valid() {
		return 0, fmt.Errorf("%w: unmapped mode digit %q", ErrMalformed, d)
	}
	return m, nil
}

// EncodeFrequency renders the set frequency command, e.g. "FA00014285000;".
func EncodeFrequency(hz Frequency) ([]byte, error) {
	if !hz.Valid() {
		return nil, fmt.Errorf("%w: frequency %d Hz", ErrOutOfRange, int64(hz))
	}
	return []byte(fmt.Sprintf("FA%0*d;", FrequencyDigits, int64(hz))), nil
}

// EncodeMode renders the set mode command, e.g. "MD2;".
// An invalid Mode is a programming error and panics.
func EncodeMode(m Mode) []byte {
	if !m.Valid() {
		panic(fmt.Sprintf("cat: encode of unsupported %v", m))
	}
	return []byte{'M', 'D', m.Digit(), Terminator}
}
