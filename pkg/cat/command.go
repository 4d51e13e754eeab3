package cat

import "fmt"

// Opcodes understood by the codec.
const (
	OpFrequencyA  = "FA"
	OpMode        = "MD"
	OpReceiveVFO  = "FR"
	OpTransmitVFO = "FT"
)

// frameLens holds the total frame length, terminator included, per opcode.
var frameLens = map[string]int{
	OpFrequencyA:  2 + FrequencyDigits + 1,
	OpMode:        4,
	OpReceiveVFO:  4,
	OpTransmitVFO: 4,
}

// Command is one outbound CAT set command. The set of implementations is
// closed to this package.
type Command interface {
	// Opcode is the two letter prefix of the frame.
	Opcode() string
	// Encode renders the complete frame including the terminator.
	Encode() ([]byte, error)
	String() string

	command()
}

// FrameLen returns the fixed frame length for cmd.
func FrameLen(cmd Command) int {
	return frameLens[cmd.Opcode()]
}

// SetFrequency tunes VFO A.
type SetFrequency struct {
	Hz Frequency
}

func (c SetFrequency) Opcode() string          { return OpFrequencyA }
func (c SetFrequency) Encode() ([]byte, error) { return EncodeFrequency(c.Hz) }
func (c SetFrequency) String() string          { return fmt.Sprintf("set frequency %d Hz", int64(c.Hz)) }
func (SetFrequency) command()                  {}

// SetMode selects the operating mode.
type SetMode struct {
	Mode Mode
}

func (c SetMode) Opcode() string { return OpMode }

func (c SetMode) Encode() ([]byte, error) {
	if !c.Mode.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrOutOfRange, c.Mode)
	}
	return EncodeMode(c.Mode), nil
}

func (c SetMode) String() string { return "set mode " + c.Mode.String() }
func (SetMode) command()         {}

// VFO selects a tuning register.
type VFO uint8

const (
	VFOA      VFO = 0
	VFOB      VFO = 1
	VFOMemory VFO = 2
)

func (v VFO) String() string {
	switch v {
	case VFOA:
		return "A"
	case VFOB:
		return "B"
	case VFOMemory:
		return "MEM"
	default:
		return fmt.Sprintf("VFO(%d)", uint8(v))
	}
}

func encodeVFO(op string, v VFO) ([]byte, error) {
	if v > VFOMemory {
		return nil, fmt.Errorf("%w: vfo %d", ErrOutOfRange, uint8(v))
	}
	return []byte{op[0], op[1], '0' + byte(v), Terminator}, nil
}

// SetReceiveVFO selects the VFO used for receive.
type SetReceiveVFO struct {
	VFO VFO
}

func (c SetReceiveVFO) Opcode() string          { return OpReceiveVFO }
func (c SetReceiveVFO) Encode() ([]byte, error) { return encodeVFO(OpReceiveVFO, c.VFO) }
func (c SetReceiveVFO) String() string          { return "receive on VFO " + c.VFO.String() }
func (SetReceiveVFO) command()                  {}

// SetTransmitVFO selects the VFO used for transmit.
type SetTransmitVFO struct {
	VFO VFO
}

func (c SetTransmitVFO) Opcode() string          { return OpTransmitVFO }
func (c SetTransmitVFO) Encode() ([]byte, error) { return encodeVFO(OpTransmitVFO, c.VFO) }
func (c SetTransmitVFO) String() string          { return "transmit on VFO " + c.VFO.String() }
func (SetTransmitVFO) command()                  {}
