package stream

import (
	"bytes"
	"strconv"
	"strings"
)

// Frame is one named event on the wire.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

var keepAliveFrame = []byte(": keep-alive\n\n")

// Encode renders f as an SSE frame terminated by a blank line.
func (f Frame) Encode() []byte {
	var buf bytes.Buffer
	if f.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(f.Event)
		buf.WriteByte('\n')
	}
	if f.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(f.ID)
		buf.WriteByte('\n')
	}
	for _, line := range strings.Split(string(f.Data), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

func formatID(epoch string, seq uint64) string {
	return epoch + "-" + strconv.FormatUint(seq, 10)
}

// parseID splits an event id into its process epoch and sequence.
func parseID(id string) (string, uint64, bool) {
	i := strings.LastIndexByte(id, '-')
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id[:i], seq, true
}
