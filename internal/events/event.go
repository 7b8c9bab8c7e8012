package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind names the three event streams the pool produces.
type Kind string

const (
	KindLog   Kind = "log"
	KindWarn  Kind = "warn"
	KindError Kind = "error"
)

// Status is an HTTP status code where zero means the request never got
// one (the client left first). It renders as "-" in that case.
type Status int

func (s Status) String() string {
	if s == 0 {
		return "-"
	}
	return strconv.Itoa(int(s))
}

// MarshalJSON renders a missing status as the string "-".
func (s Status) MarshalJSON() ([]byte, error) {
	if s == 0 {
		return []byte(`"-"`), nil
	}
	return []byte(strconv.Itoa(int(s))), nil
}

// UnmarshalJSON accepts either a number or "-".
func (s *Status) UnmarshalJSON(data []byte) error {
	if string(data) == `"-"` {
		*s = 0
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	*s = Status(n)
	return nil
}

// Record describes one forwarding attempt. Token holds only the last four
// characters of the credential.
type Record struct {
	Token     string `json:"token"`
	Pending   int    `json:"pending"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Reset     int64  `json:"reset"`
	Status    Status `json:"status"`
	Duration  int64  `json:"duration"` // milliseconds
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Event is one item of the pool's event stream.
type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Record  *Record   `json:"record,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Log wraps a forwarding record.
func Log(r Record) Event {
	return Event{Kind: KindLog, Time: time.Now(), Record: &r}
}

// Warn builds a warning event.
func Warn(format string, args ...any) Event {
	return Event{Kind: KindWarn, Time: time.Now(), Message: fmt.Sprintf(format, args...)}
}

// Error builds an error event.
func Error(format string, args ...any) Event {
	return Event{Kind: KindError, Time: time.Now(), Message: fmt.Sprintf(format, args...)}
}

// Sink receives pool events. Emit must not block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})
