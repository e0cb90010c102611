// Package command implements the slash-delimited control message format
// carried on the broadcast bus.
package command

import (
	"strconv"
	"strings"
)

// Delimiter separates fields in a control message.
const Delimiter = "/"

// Inbound command names.
const (
	Call        = "CALL"
	Queue       = "QUEUE"
	Connected   = "CONNECTED"
	HangupPfx   = "HANGUP"
	UpdateField = "UPDATEFIELD"
	Endpoint    = "ENDPOINT"
	Locked      = "LOCKED"
	Changed     = "CHANGED"
	Failed      = "FAILED"
	Manual      = "MANUAL"
)

var (
	escaper   = strings.NewReplacer("%", "%25", Delimiter, "%2F")
	unescaper = strings.NewReplacer("%2F", Delimiter, "%2f", Delimiter, "%25", "%")
)

// Escape substitutes delimiter characters in a free-text value so it can be
// carried as a single field.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape reverses Escape.
func Unescape(s string) string {
	return unescaper.Replace(s)
}

// Message is a control message as an ordered list of decoded fields.
// No semantic validation is done here; callers match on Name and Len.
type Message struct {
	fields []string
}

// New creates a Message from already-decoded fields.
func New(fields ...string) Message {
	f := make([]string, len(fields))
	copy(f, fields)
	return Message{fields: f}
}

// Parse splits a raw bus message into fields. A trailing line ending is
// dropped; empty input produces an empty Message.
func Parse(raw string) Message {
	raw = strings.TrimRight(raw, "\r\n")
	if raw == "" {
		return Message{}
	}
	parts := strings.Split(raw, Delimiter)
	for i, p := range parts {
		parts[i] = Unescape(p)
	}
	return Message{fields: parts}
}

// Name returns the first field, the command name.
func (m Message) Name() string {
	return m.Field(0)
}

// Len returns the number of fields including the name.
func (m Message) Len() int {
	return len(m.fields)
}

// Field returns field i, or empty string if out of range.
func (m Message) Field(i int) string {
	if i < 0 || i >= len(m.fields) {
		return ""
	}
	return m.fields[i]
}

// Last returns the final field.
func (m Message) Last() string {
	return m.Field(len(m.fields) - 1)
}

// Int parses field i as a base-10 integer.
func (m Message) Int(i int) (int64, bool) {
	v, err := strconv.ParseInt(m.Field(i), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Fields returns a copy of all fields.
func (m Message) Fields() []string {
	f := make([]string, len(m.fields))
	copy(f, m.fields)
	return f
}

// Is reports whether the message has the given name and one of the given
// field counts.
func (m Message) Is(name string, arity ...int) bool {
	if m.Name() != name {
		return false
	}
	for _, n := range arity {
		if len(m.fields) == n {
			return true
		}
	}
	return false
}

// String encodes the message back to its wire form.
func (m Message) String() string {
	return Join(m.fields...)
}

// Join encodes fields into a single wire message, escaping each one.
func Join(fields ...string) string {
	enc := make([]string, len(fields))
	for i, f := range fields {
		enc[i] = Escape(f)
	}
	return strings.Join(enc, Delimiter)
}
