package link

import (
	"fmt"
	"io"
	"strings"
)

// Parity of the serial line.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	case ParityMark:
		return "mark"
	case ParitySpace:
		return "space"
	default:
		return fmt.Sprintf("Parity(%d)", int(p))
	}
}

// ParseParity accepts none, odd, even, mark or space.
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "n":
		return ParityNone, nil
	case "odd", "o":
		return ParityOdd, nil
	case "even", "e":
		return ParityEven, nil
	case "mark", "m":
		return ParityMark, nil
	case "space", "s":
		return ParitySpace, nil
	default:
		return 0, fmt.Errorf("unknown parity %q", s)
	}
}

// StopBits of the serial line.
type StopBits int

const (
	StopBitsOne StopBits = iota
	StopBitsOnePointFive
	StopBitsTwo
)

func (s StopBits) String() string {
	switch s {
	case StopBitsOne:
		return "1"
	case StopBitsOnePointFive:
		return "1.5"
	case StopBitsTwo:
		return "2"
	default:
		return fmt.Sprintf("StopBits(%d)", int(s))
	}
}

// ParseStopBits accepts 1, 1.5 or 2.
func ParseStopBits(s string) (StopBits, error) {
	switch strings.TrimSpace(s) {
	case "", "1":
		return StopBitsOne, nil
	case "1.5":
		return StopBitsOnePointFive, nil
	case "2":
		return StopBitsTwo, nil
	default:
		return 0, fmt.Errorf("unknown stop bits %q", s)
	}
}

// PortConfig describes the serial line to the transceiver.
type PortConfig struct {
	Device   string
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits StopBits
}

func (c PortConfig) String() string {
	return fmt.Sprintf("%s %d %d%s%s", c.Device, c.BaudRate, c.DataBits,
		strings.ToUpper(c.Parity.String()[:1]), c.StopBits)
}

// Port is an open duplex byte stream to the transceiver. Read may return
// (0, nil) when a read timeout elapses; Close must unblock a pending Read.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the underlying stream. Permission to use the device is
// granted outside of this package.
type Opener interface {
	Open(cfg PortConfig) (Port, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(cfg PortConfig) (Port, error)

func (f OpenerFunc) Open(cfg PortConfig) (Port, error) {
	return f(cfg)
}
