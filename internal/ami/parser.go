package ami

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// maxLineSize bounds a single AMI header line. Some events (VarSet,
// DeviceStateChange with long hints) exceed bufio's 64KiB default.
const maxLineSize = 1 << 20

// Parser reads an AMI byte stream and emits Events.
type Parser struct {
	scanner *bufio.Scanner
}

// NewParser creates a Parser that reads from the given reader.
func NewParser(r io.Reader) *Parser {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &Parser{scanner: s}
}

// Next reads the next message from the stream.
// Returns the message and true if one was read, or a zero Event and false
// at EOF or on a read error (see Err).
func (p *Parser) Next() (Event, bool) {
	var headers []header

	for p.scanner.Scan() {
		line := strings.TrimRight(p.scanner.Text(), "\r")

		// Blank line terminates a message
		if line == "" {
			if len(headers) > 0 {
				return Event{headers: headers}, true
			}
			continue
		}

		idx := strings.Index(line, ": ")
		if idx < 0 {
			// Banner and other framing lines outside a message
			if len(headers) == 0 {
				continue
			}
			// "Key:" with an empty value
			if strings.HasSuffix(line, ":") {
				headers = append(headers, header{Key: strings.TrimSuffix(line, ":")})
				continue
			}
			headers = append(headers, header{Key: "", Value: line})
			continue
		}

		headers = append(headers, header{Key: line[:idx], Value: line[idx+2:]})
	}

	if len(headers) > 0 {
		return Event{headers: headers}, true
	}
	return Event{}, false
}

// Err returns the first non-EOF read error encountered by Next.
func (p *Parser) Err() error {
	return p.scanner.Err()
}

// ParseAll reads all messages from the stream and returns them.
func (p *Parser) ParseAll() []Event {
	var events []Event
	for {
		evt, ok := p.Next()
		if !ok {
			break
		}
		events = append(events, evt)
	}
	return events
}

// ParseBytes is a convenience function that parses all messages from a byte slice.
func ParseBytes(data []byte) []Event {
	return NewParser(bytes.NewReader(data)).ParseAll()
}
