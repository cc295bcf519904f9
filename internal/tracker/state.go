package tracker

import "time"

// CallState is the tracked lifecycle state reported to observers.
type CallState string

const (
	StateCreated CallState = "created"
	StateClosed  CallState = "closed"
)

// CloseReason says why a call context was closed.
type CloseReason string

const (
	ReasonHangup         CloseReason = "hangup"
	ReasonLivenessFailed CloseReason = "liveness_failed"
)

// Change is emitted to the observer whenever a call context is created or closed.
type Change struct {
	State     CallState `json:"event"`
	CallID    string    `json:"call_id"`
	Channel   string    `json:"channel"`
	ActionID  string    `json:"action_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Closed fields
	Reason           CloseReason `json:"reason,omitempty"`
	Cause            string      `json:"cause,omitempty"`
	CauseDescription string      `json:"cause_description,omitempty"`
	CauseCode        int         `json:"cause_code,omitempty"`
}

// Observer receives lifecycle changes. It is called synchronously from the
// event dispatch path and the poller, possibly concurrently, and must not block.
type Observer func(Change)

// Stats is a point-in-time snapshot of controller counters.
type Stats struct {
	Active               int
	Pending              int
	Created              uint64
	Uncorrelated         uint64
	ClosedByHangup       uint64
	ClosedByLiveness     uint64
	Evicted              uint64
	LivenessQueries      uint64
	InitiationsSucceeded uint64
	InitiationsFailed    uint64
}

// HangupCause maps Asterisk hangup cause codes to names and descriptions.
var HangupCause = map[int]struct {
	Name        string
	Description string
}{
	0:   {"unknown", "Unknown or no cause provided"},
	1:   {"unallocated", "The number dialled is not assigned"},
	16:  {"normal_clearing", "The call was hung up normally by one of the parties"},
	17:  {"user_busy", "The destination was busy"},
	18:  {"no_answer", "The destination did not answer"},
	19:  {"no_answer", "The destination did not answer within the timeout"},
	21:  {"call_rejected", "The call was rejected by the destination"},
	27:  {"destination_out_of_order", "The destination is unreachable"},
	31:  {"normal_unspecified", "Normal call clearing, unspecified cause"},
	34:  {"congestion", "All circuits are busy or no circuit is available"},
	38:  {"network_out_of_order", "The network is not functioning correctly"},
	127: {"interworking", "An interworking error occurred"},
}

func hangupCause(code int) (string, string) {
	if info, ok := HangupCause[code]; ok {
		return info.Name, info.Description
	}
	return "unknown", "Unknown or no cause provided"
}
