// Package events carries coordinator output to presentation consumers.
package events

import (
	"fmt"
	"time"

	"github.com/srg/blestream/internal/decoder"
	"github.com/srg/blestream/internal/device"
	"github.com/srg/blestream/internal/fsm"
)

// Kind discriminates Event payloads
type Kind int

const (
	KindMeasurement Kind = iota + 1
	KindTransition
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindMeasurement:
		return "measurement"
	case KindTransition:
		return "transition"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders the kind name in JSON output
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one record emitted by a coordinator. Exactly one of Measurement, Transition and
// Err is set, matching Kind.
type Event struct {
	Kind        Kind                 `json:"kind"`
	SessionID   string               `json:"session"`
	Target      device.Target        `json:"target"`
	Time        time.Time            `json:"time"`
	Measurement *decoder.Measurement `json:"measurement,omitempty"`
	Transition  *fsm.Transition      `json:"transition,omitempty"`
	Err         error                `json:"-"`
}

// ErrorText returns the error message or an empty string
func (e Event) ErrorText() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Sink accepts events. Implementations must not block the caller.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) {
	f(e)
}

// NewMeasurement builds a measurement event
func NewMeasurement(sessionID string, target device.Target, m decoder.Measurement) Event {
	return Event{Kind: KindMeasurement, SessionID: sessionID, Target: target, Time: m.Timestamp, Measurement: &m}
}

// NewTransition builds a transition event stamped with at
func NewTransition(sessionID string, target device.Target, tr fsm.Transition, at time.Time) Event {
	return Event{Kind: KindTransition, SessionID: sessionID, Target: target, Time: at, Transition: &tr}
}

// NewError builds an error event stamped with at
func NewError(sessionID string, target device.Target, err error, at time.Time) Event {
	return Event{Kind: KindError, SessionID: sessionID, Target: target, Time: at, Err: err}
}
