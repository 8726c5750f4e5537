package tree

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// EventKind is the canonical kind of a filesystem change.
type EventKind int

const (
	// FileAdded reports a new JSON or extension-less file.
	FileAdded EventKind = iota
	// DirAdded reports a new directory.
	DirAdded
	// FileChanged reports a settled write to a JSON file.
	FileChanged
	// FileRemoved reports a removed file.
	FileRemoved
	// DirRemoved reports a removed directory and, implicitly, its subtree.
	DirRemoved
)

var eventWireNames = [...]string{
	FileAdded:   "add",
	DirAdded:    "addDir",
	FileChanged: "change",
	FileRemoved: "unlink",
	DirRemoved:  "unlinkDir",
}

// String returns the protocol name of the kind ("add", "unlinkDir", ...).
func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventWireNames) {
		return "unknown"
	}
	return eventWireNames[k]
}

// ParseEventKind maps a protocol name back to its kind.
func ParseEventKind(s string) (EventKind, error) {
	for k, name := range eventWireNames {
		if name == s {
			return EventKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// IsDir reports whether the kind concerns a directory.
func (k EventKind) IsDir() bool {
	return k == DirAdded || k == DirRemoved
}

// CarriesExtData reports whether events of this kind carry extData.
func (k EventKind) CarriesExtData() bool {
	return k == FileAdded || k == FileChanged
}

// Event is one canonical filesystem change.
type Event struct {
	Kind    EventKind
	Path    string
	ExtData ExtData
	Time    time.Time
}

// TimeLayout is the ISO-8601 form used on the wire (millisecond precision, UTC).
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is the change protocol message pushed to clients.
type Message struct {
	Type        string  `json:"type"`
	Path        string  `json:"path"`
	Basename    string  `json:"basename,omitempty"`
	ExtData     ExtData `json:"extData,omitempty"`
	IsDirectory bool    `json:"isDirectory"`
	Time        string  `json:"time"`
}

// Message converts e to its wire form.
func (e Event) Message() Message {
	m := Message{
		Type:        e.Kind.String(),
		Path:        e.Path,
		IsDirectory: e.Kind.IsDir(),
		Time:        e.Time.UTC().Format(TimeLayout),
	}
	if e.Kind.CarriesExtData() {
		m.ExtData = e.ExtData
	}
	if e.Kind == FileAdded {
		m.Basename = filepath.Base(e.Path)
	}
	return m
}

// Event converts a wire message back to an Event.
func (m Message) Event() (Event, error) {
	kind, err := ParseEventKind(m.Type)
	if err != nil {
		return Event{}, err
	}
	ev := Event{Kind: kind, Path: m.Path}
	if kind.CarriesExtData() {
		ev.ExtData = m.ExtData
	}
	if m.Time != "" {
		t, err := time.Parse(time.RFC3339Nano, m.Time)
		if err != nil {
			return Event{}, fmt.Errorf("parse event time %q: %w", m.Time, err)
		}
		ev.Time = t
	}
	return ev, nil
}

// MarshalJSON encodes e as a protocol message.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Message())
}

// UnmarshalJSON decodes a protocol message.
func (e *Event) UnmarshalJSON(b []byte) error {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	ev, err := m.Event()
	if err != nil {
		return err
	}
	*e = ev
	return nil
}
