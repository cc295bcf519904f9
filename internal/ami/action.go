package ami

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is an outbound AMI request.
type Action struct {
	Name   string
	ID     string
	params []header
}

// NewAction creates an action with a fresh ActionID.
func NewAction(name string) Action {
	return Action{Name: name, ID: uuid.NewString()}
}

// Set appends a parameter. Repeated keys are sent in order, which AMI
// uses for multi-valued parameters such as Variable.
func (a Action) Set(key, value string) Action {
	a.params = append(a.params[:len(a.params):len(a.params)], header{Key: key, Value: value})
	return a
}

// Get returns the first value for key.
func (a Action) Get(key string) string {
	for _, h := range a.params {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Encode renders the action in AMI wire format.
func (a Action) Encode() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\r\n", a.Name)
	if a.ID != "" {
		fmt.Fprintf(&b, "ActionID: %s\r\n", a.ID)
	}
	for _, p := range a.params {
		fmt.Fprintf(&b, "%s: %s\r\n", p.Key, p.Value)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// OriginateParams describes an outbound call request.
type OriginateParams struct {
	Caller string
	Callee string
	// Timeout is how long Asterisk waits for the callee channel to answer.
	Timeout time.Duration
	// Context is the dialplan context the answered call continues in.
	Context string
	// ChannelFormat is a fmt pattern receiving the callee, e.g. "Local/%s@origin".
	ChannelFormat string
	Priority      int
}

// Defaults used when OriginateParams leaves a field empty.
const (
	DefaultOriginateContext = "handler"
	DefaultChannelFormat    = "Local/%s@origin"
	DefaultPriority         = 1
)

// NewOriginate builds an asynchronous Originate action. Async mode makes
// Asterisk acknowledge immediately and report the outcome later through an
// OriginateResponse event carrying the same ActionID.
func NewOriginate(p OriginateParams) Action {
	if p.Context == "" {
		p.Context = DefaultOriginateContext
	}
	if p.ChannelFormat == "" {
		p.ChannelFormat = DefaultChannelFormat
	}
	if p.Priority == 0 {
		p.Priority = DefaultPriority
	}
	return NewAction("Originate").
		Set("Channel", fmt.Sprintf(p.ChannelFormat, p.Callee)).
		Set("Context", p.Context).
		Set("Exten", p.Caller).
		Set("Priority", strconv.Itoa(p.Priority)).
		Set("CallerID", p.Caller).
		Set("Timeout", strconv.FormatInt(p.Timeout.Milliseconds(), 10)).
		Set("Async", "true")
}

// NewStatus builds a Status query for a single channel.
func NewStatus(channel string) Action {
	return NewAction("Status").Set("Channel", channel)
}

// NewLogin builds the authentication action sent right after the banner.
func NewLogin(username, secret string) Action {
	return NewAction("Login").
		Set("Username", username).
		Set("Secret", secret)
}

// Response is the reply Asterisk sends for an action.
type Response struct {
	Event
}

// Success reports whether Asterisk accepted the action.
func (r Response) Success() bool {
	v := r.Get("Response")
	return v == "Success" || v == "Goodbye"
}

// Message returns the human-readable Message header.
func (r Response) Message() string {
	return r.Get("Message")
}
