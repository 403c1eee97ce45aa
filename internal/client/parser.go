package client

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Frame is one parsed stream frame. Comment frames carry no event and only
// prove the connection is alive.
type Frame struct {
	Event   string
	ID      string
	Data    []byte
	Comment bool
}

// Parser reads frames from an event-stream body.
type Parser struct {
	scanner *bufio.Scanner
}

// NewParser creates a Parser over r.
func NewParser(r io.Reader) *Parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)
	return &Parser{scanner: scanner}
}

// Next returns the next frame, or io.EOF once the stream ends.
func (p *Parser) Next() (Frame, error) {
	var (
		f         Frame
		dataLines []string
		comment   bool
	)
	for p.scanner.Scan() {
		line := p.scanner.Text()
		if line == "" {
			if len(dataLines) > 0 {
				if f.Event == "" {
					f.Event = "message"
				}
				f.Data = []byte(strings.Join(dataLines, "\n"))
				return f, nil
			}
			if comment {
				return Frame{Comment: true}, nil
			}
			f = Frame{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			comment = true
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = strings.TrimSpace(value)
		case "id":
			f.ID = strings.TrimSpace(value)
		case "data":
			dataLines = append(dataLines, value)
		}
	}
	if err := p.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("read stream: %w", err)
	}
	if len(dataLines) > 0 {
		if f.Event == "" {
			f.Event = "message"
		}
		f.Data = []byte(strings.Join(dataLines, "\n"))
		return f, nil
	}
	return Frame{}, io.EOF
}
