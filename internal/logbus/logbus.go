// Package logbus implements the Log Bus (C3): a pub/sub channel keyed
// by compilation id that fans line-granular compile events out to
// transient subscribers. Publishers never block on subscribers.
package logbus

import (
	"encoding/json"
	"time"
)

// Kind tags the variant of a Log Event.
type Kind string

const (
	KindLine   Kind = "log"
	KindStatus Kind = "status"
	KindDone   Kind = "done"
)

// Event is a tagged union of the three Log Bus event shapes. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind      Kind      `json:"type"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Status    string    `json:"status,omitempty"`

	PDFURL         string `json:"pdfUrl,omitempty"`
	PositionMapURL string `json:"positionMapUrl,omitempty"`
	DurationMs     int64  `json:"durationMs,omitempty"`
}

// Line builds a {kind: log} event.
func Line(text string) Event {
	return Event{Kind: KindLine, Text: text, Timestamp: time.Now().UTC()}
}

// StatusEvent builds a {kind: status} event.
func StatusEvent(status string) Event {
	return Event{Kind: KindStatus, Status: status}
}

// Done builds the one terminal {kind: done} event for a channel.
func Done(pdfURL, positionMapURL string, durationMs int64) Event {
	return Event{Kind: KindDone, PDFURL: pdfURL, PositionMapURL: positionMapURL, DurationMs: durationMs}
}

// Marshal/Unmarshal are exposed so Redis-backed and in-memory buses
// share one wire encoding.
func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

func Unmarshal(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Bus is the Log Bus contract: publish is fire-and-forget, subscribe
// delivers only events published after the call returns, and a channel
// closes once its Done event has been delivered and drained.
type Bus interface {
	Publish(compilationID string, event Event)
	Subscribe(compilationID string) (events <-chan Event, unsubscribe func())
}
