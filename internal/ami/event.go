package ami

import (
	"strconv"
	"strings"
)

// AMI event names the tracker reacts to.
const (
	EventOriginateResponse = "OriginateResponse"
	EventHangup            = "Hangup"
	EventStatus            = "Status"
)

// NullUniqueID is the Uniqueid Asterisk reports when no channel was allocated,
// e.g. an OriginateResponse for a dial that failed immediately.
const NullUniqueID = "<null>"

// Event represents a parsed AMI message as an ordered set of key-value pairs.
// Both events and action responses are carried as Events.
type Event struct {
	headers []header
}

type header struct {
	Key   string
	Value string
}

// NewEvent creates an Event from a flat list of key-value pairs.
func NewEvent(kvs ...string) Event {
	e := Event{}
	for i := 0; i+1 < len(kvs); i += 2 {
		e.headers = append(e.headers, header{Key: kvs[i], Value: kvs[i+1]})
	}
	return e
}

// Get returns the value for the given key, or empty string if not found.
func (e Event) Get(key string) string {
	for _, h := range e.headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Has reports whether the key is present, even with an empty value.
func (e Event) Has(key string) bool {
	for _, h := range e.headers {
		if h.Key == key {
			return true
		}
	}
	return false
}

// Type returns the Event header value (the AMI event type).
func (e Event) Type() string {
	return e.Get("Event")
}

// UniqueID returns the Uniqueid header.
func (e Event) UniqueID() string {
	return e.Get("Uniqueid")
}

// Channel returns the Channel header.
func (e Event) Channel() string {
	return e.Get("Channel")
}

// ActionID returns the ActionID header.
func (e Event) ActionID() string {
	return e.Get("ActionID")
}

// GetInt returns the integer value for the given key, or 0 if not found/parseable.
func (e Event) GetInt(key string) int {
	v, _ := strconv.Atoi(e.Get(key))
	return v
}

// Headers returns all headers as key-value pairs.
func (e Event) Headers() []header {
	return e.headers
}

// IsResponse returns true if this is an AMI response rather than an event.
// OriginateResponse events also carry a Response header, so the absence of
// an Event header is what distinguishes a reply.
func (e Event) IsResponse() bool {
	return !e.Has("Event") && e.Get("Response") != ""
}

// String renders the event in AMI wire format, including the terminating blank line.
func (e Event) String() string {
	var b strings.Builder
	for _, h := range e.headers {
		if h.Key == "" {
			b.WriteString(h.Value)
		} else {
			b.WriteString(h.Key)
			b.WriteString(": ")
			b.WriteString(h.Value)
		}
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}
