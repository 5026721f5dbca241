package acquisition

import (
	"time"

	"github.com/shaunagostinho/obdlog/internal/store"
)

// EventType identifies an event emitted by the pipeline.
type EventType int

const (
	// EventStopped ends every run, normal or failed.
	EventStopped EventType = iota + 1
	// EventCouldNotConnect follows EventStopped when the run failed before
	// the link was ever ready.
	EventCouldNotConnect
	// EventSampleRecorded is for in-process forwarders. It is never sent
	// to UI clients.
	EventSampleRecorded
)

func (t EventType) String() string {
	switch t {
	case EventStopped:
		return "stopped"
	case EventCouldNotConnect:
		return "could_not_connect"
	case EventSampleRecorded:
		return "sample_recorded"
	default:
		return "unknown"
	}
}

// Terminal reports whether t ends a run.
func (t EventType) Terminal() bool {
	return t == EventStopped || t == EventCouldNotConnect
}

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// StoppedEvent is the payload of EventStopped.
type StoppedEvent struct {
	Driver    string `json:"driver"`
	Session   int64  `json:"session,omitempty"`
	Samples   int    `json:"samples"`
	Failed    bool   `json:"failed"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// ConnectEvent is the payload of EventCouldNotConnect.
type ConnectEvent struct {
	Address string `json:"address"`
	Error   string `json:"error"`
}

// SampleEvent is the payload of EventSampleRecorded.
type SampleEvent struct {
	Session int64        `json:"session"`
	Sample  store.Sample `json:"sample"`
}
