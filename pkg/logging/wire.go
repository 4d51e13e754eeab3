package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/dougsko/sotacat/pkg/cat"
)

// Direction of CAT traffic in a wire trace.
type Direction string

const (
	Sent     Direction = "->"
	Received Direction = "<-"
)

// WireText renders a chunk of CAT traffic as its frames separated by
// spaces. Control and non-ASCII bytes are shown as \xNN and an
// unterminated tail is marked with "...".
func WireText(b []byte) (text string, frames int, partial bool) {
	var parts []string
	for len(b) > 0 {
		end := cat.FrameEnd(b)
		if end < 0 {
			parts = append(parts, printable(b)+"...")
			partial = true
			break
		}
		parts = append(parts, printable(b[:end]))
		frames++
		b = b[end:]
	}
	return strings.Join(parts, " "), frames, partial
}

func printable(b []byte) string {
	var s strings.Builder
	for _, c := range b {
		if c >= 0x20 && c < 0x7f {
			s.WriteByte(c)
		} else {
			fmt.Fprintf(&s, `\x%02x`, c)
		}
	}
	return s.String()
}

func hexDump(b []byte) string {
	var s strings.Builder
	for i, c := range b {
		if i > 0 {
			s.WriteByte(' ')
		}
		fmt.Fprintf(&s, "%02x", c)
	}
	return s.String()
}

// Wire traces raw CAT bytes at debug level under the "wire" component,
// tagged with the request ID carried by ctx.
func (l *Logger) Wire(ctx context.Context, dir Direction, b []byte) {
	if !l.Enabled(LevelDebug) || len(b) == 0 {
		return
	}
	text, frames, partial := WireText(b)
	fields := Fields{
		"bytes":  len(b),
		"frames": frames,
		"hex":    hexDump(b),
	}
	if partial {
		fields["partial"] = true
	}
	if id := RequestID(ctx); id != "" {
		fields["request_id"] = id
	}
	l.log(LevelDebug, "wire", fmt.Sprintf("%s %s", dir, text), fields)
}

func Wire(ctx context.Context, dir Direction, b []byte) {
	GetGlobalLogger().Wire(ctx, dir, b)
}
