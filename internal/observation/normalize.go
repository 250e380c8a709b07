// Package observation assembles and normalizes the text observations handed
// to run providers: per-field and total size caps, unsafe-key rejection, and
// a composite fan-in over multiple sources.
package observation

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/xxh3"
)

// Default limits applied when a Limits field is zero.
const (
	DefaultMaxInputLength      = 10_000
	DefaultMaxEventLength      = 500
	DefaultMaxEvents           = 50
	DefaultMaxTotalStateLength = 50_000
)

// eventsKey is the reserved raw-observation key interpreted as a JSON array.
const eventsKey = "events"

// Limits caps the size and shape of a normalized observation.
type Limits struct {
	MaxInputLength      int
	MaxEventLength      int
	MaxEvents           int
	MaxTotalStateLength int
}

func (l Limits) withDefaults() Limits {
	if l.MaxInputLength <= 0 {
		l.MaxInputLength = DefaultMaxInputLength
	}
	if l.MaxEventLength <= 0 {
		l.MaxEventLength = DefaultMaxEventLength
	}
	if l.MaxEvents <= 0 {
		l.MaxEvents = DefaultMaxEvents
	}
	if l.MaxTotalStateLength <= 0 {
		l.MaxTotalStateLength = DefaultMaxTotalStateLength
	}
	return l
}

// Normalized is a size-capped, safety-validated observation.
type Normalized struct {
	Timestamp time.Time
	State     map[string]string
	Events    []string

	// Digest is a stable xxh3-128 fingerprint of State and Events, useful
	// for change detection and audit correlation.
	Digest string
}

// FieldTooLongError reports a state field exceeding MaxInputLength.
type FieldTooLongError struct {
	Key   string
	Limit int
}

func (e *FieldTooLongError) Error() string {
	return fmt.Sprintf("observation: field %q exceeds %d bytes", e.Key, e.Limit)
}

// TotalTooLongError reports combined state size exceeding MaxTotalStateLength.
type TotalTooLongError struct {
	Limit int
}

func (e *TotalTooLongError) Error() string {
	return fmt.Sprintf("observation: total state exceeds %d bytes", e.Limit)
}

// EventTooLongError reports an event exceeding MaxEventLength.
type EventTooLongError struct {
	Index int
	Limit int
}

func (e *EventTooLongError) Error() string {
	return fmt.Sprintf("observation: event %d exceeds %d bytes", e.Index, e.Limit)
}

// Normalize validates and shapes a raw observation. The reserved "events"
// key is parsed as a JSON array; every other key becomes a state field.
func Normalize(raw map[string]string, now time.Time, limits Limits) (*Normalized, error) {
	limits = limits.withDefaults()

	state := make(map[string]string, len(raw))
	total := 0
	for k, v := range raw {
		if _, bad := forbiddenKeys[k]; bad {
			return nil, &UnsafeKeyError{Key: k}
		}
		if k == eventsKey {
			continue
		}
		if len(v) > limits.MaxInputLength {
			return nil, &FieldTooLongError{Key: k, Limit: limits.MaxInputLength}
		}
		total += len(v)
		state[k] = v
	}
	if total > limits.MaxTotalStateLength {
		return nil, &TotalTooLongError{Limit: limits.MaxTotalStateLength}
	}

	events, err := parseEvents(raw[eventsKey], limits)
	if err != nil {
		return nil, err
	}

	n := &Normalized{Timestamp: now, State: state, Events: events}
	n.Digest = digest(state, events)
	return n, nil
}

// parseEvents interprets the reserved key's value. A missing, unparseable,
// or non-array payload yields no events; oversized elements are an error,
// judged only over the first MaxEvents entries.
func parseEvents(raw string, limits Limits) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, nil
	}
	if err := CheckPayload(v); err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, nil
	}
	if len(arr) > limits.MaxEvents {
		arr = arr[:limits.MaxEvents]
	}
	events := make([]string, 0, len(arr))
	for i, elem := range arr {
		s := coerceString(elem)
		if len(s) > limits.MaxEventLength {
			return nil, &EventTooLongError{Index: i, Limit: limits.MaxEventLength}
		}
		events = append(events, s)
	}
	return events, nil
}

// coerceString converts a decoded JSON value to its canonical string form.
func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// digest computes the xxh3-128 fingerprint over sorted state entries and
// ordered events. Keys and values are NUL-delimited so concatenation cannot
// produce collisions across field boundaries.
func digest(state map[string]string, events []string) string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxh3.New()
	for _, k := range keys {
		h.WriteString(k)
		h.Write([]byte{0})
		h.WriteString(state[k])
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	for _, e := range events {
		h.WriteString(e)
		h.Write([]byte{0})
	}

	sum := h.Sum128()
	var out [16]byte
	binary.LittleEndian.PutUint64(out[:8], sum.Lo)
	binary.LittleEndian.PutUint64(out[8:], sum.Hi)
	return hex.EncodeToString(out[:])
}
