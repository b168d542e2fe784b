package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType is the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"

	// EventAll matches every change.
	EventAll EventType = "*"
)

// ParseEventType accepts INSERT, UPDATE, DELETE or "*" in any case. An
// empty string means EventAll.
func ParseEventType(s string) (EventType, error) {
	switch e := EventType(strings.ToUpper(strings.TrimSpace(s))); e {
	case "", EventAll:
		return EventAll, nil
	case EventInsert, EventUpdate, EventDelete:
		return e, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEvent, s)
	}
}

// Matches reports whether a change of kind t is wanted by e.
func (e EventType) Matches(t EventType) bool {
	return e == EventAll || e == t
}

// Change is one row change as published on the change feed.
type Change struct {
	Type            EventType      `json:"type"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp time.Time      `json:"commit_timestamp"`
	Record          map[string]any `json:"record,omitempty"`
	OldRecord       map[string]any `json:"old_record,omitempty"`
}

// Row returns the record the change is about: the old record for a
// delete, the new one otherwise.
func (c Change) Row() map[string]any {
	if c.Type == EventDelete || c.Record == nil {
		return c.OldRecord
	}
	return c.Record
}

func decodeChange(payload []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return Change{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	switch c.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return Change{}, fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, c.Type)
	}
	return c, nil
}

// Filter narrows a subscription to rows whose Column equals Value.
// The zero Filter matches every row.
type Filter struct {
	Column string
	Value  string
}

// ParseFilter parses "column=eq.value". An empty string is the zero Filter.
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Filter{}, nil
	}
	col, rest, ok := strings.Cut(s, "=")
	if !ok || col == "" {
		return Filter{}, fmt.Errorf("%w: %q", ErrInvalidFilter, s)
	}
	val, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return Filter{}, fmt.Errorf("%w: only eq is supported: %q", ErrInvalidFilter, s)
	}
	return Filter{Column: col, Value: val}, nil
}

// String returns the filter in "column=eq.value" form, or "".
func (f Filter) String() string {
	if f.Column == "" {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

// Match reports whether c's row satisfies the filter.
func (f Filter) Match(c Change) bool {
	if f.Column == "" {
		return true
	}
	v, ok := c.Row()[f.Column]
	if !ok {
		return false
	}
	return valueString(v) == f.Value
}

func valueString(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
