package harness

import "encoding/json"

// Trace event types.
const (
	EventNetwork  = "network"
	EventRequest  = "request"
	EventSync     = "sync"
	EventInstall  = "install"
	EventActivate = "activate"
	EventNotify   = "event"
)

// TraceEvent is one observable step of a scenario run.
type TraceEvent struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Method    string          `json:"method,omitempty"`
	Path      string          `json:"path,omitempty"`
	Status    int             `json:"status,omitempty"`
	Source    string          `json:"source,omitempty"`
	Network   string          `json:"network,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Confirmed int             `json:"confirmed,omitempty"`
	Failed    int             `json:"failed,omitempty"`
	Purged    []string        `json:"purged,omitempty"`
	Action    string          `json:"action,omitempty"`
	Record    int64           `json:"record,omitempty"`
	Replaces  int64           `json:"replaces,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains every step outcome and notification in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// add appends ev with the next sequence number.
func (r *Result) add(ev TraceEvent) TraceEvent {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
	return ev
}
