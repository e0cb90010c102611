// Package session holds the per-channel call record and its state machine.
package session

import (
	"sync"
	"time"
)

// Options describes a session at creation.
type Options struct {
	Channel     string
	Mode        Mode
	ConnectedTo string
	Originator  string
	Created     time.Time
	Outgoing    bool
	Manual      bool
}

// Session is one call channel as reconciled from the bus. All methods are
// safe for concurrent use.
type Session struct {
	mu sync.Mutex

	channel     string
	mode        Mode
	before      Mode
	connectedTo string
	originator  string
	created     time.Time
	stage       time.Time
	outgoing    bool
	manual      bool

	personID    *int64
	personReady chan struct{}

	fields map[string]string

	blink    *ticker
	grace    *time.Timer
	graceGen uint64
	closed   bool
}

// New creates a session. A zero Created is replaced by now.
func New(opts Options, now time.Time) *Session {
	created := opts.Created
	if created.IsZero() {
		created = now
	}
	return &Session{
		channel:     opts.Channel,
		mode:        opts.Mode,
		before:      opts.Mode,
		connectedTo: opts.ConnectedTo,
		originator:  opts.Originator,
		created:     created,
		stage:       now,
		outgoing:    opts.Outgoing,
		manual:      opts.Manual,
		personReady: make(chan struct{}),
		fields:      make(map[string]string),
	}
}

// Transition describes a committed mode change.
type Transition struct {
	Channel string
	Event   Event
	From    Mode
	To      Mode
	Actions []Action
}

// Apply runs ev through the transition table. A click snapshots the current
// mode as the rollback target. ok is false when the event does not apply in
// the current mode, or the session was closed.
func (s *Session) Apply(ev Event, now time.Time) (Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Transition{}, false
	}
	from := s.mode
	to, ok := Next(from, s.before, ev)
	if !ok {
		return Transition{}, false
	}
	if ev == EvClick {
		s.before = from
	}
	acts := Actions(from, to, s.before)
	s.mode = to
	if to != from {
		s.stage = now
	}
	return Transition{Channel: s.channel, Event: ev, From: from, To: to, Actions: acts}, true
}

func (s *Session) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) ConnectedTo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedTo
}

func (s *Session) SetConnectedTo(label string) {
	s.mu.Lock()
	s.connectedTo = label
	s.mu.Unlock()
}

func (s *Session) Originator() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.originator
}

func (s *Session) SetOriginator(id string) {
	s.mu.Lock()
	s.originator = id
	s.mu.Unlock()
}

// Rename changes the channel id. Only the registry calls this, while it
// holds its own lock.
func (s *Session) Rename(channel string) {
	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()
}

// SetField stores the latest known value of a free-text field. It reports
// whether the value changed.
func (s *Session) SetField(name, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.fields[name]; ok && old == value {
		return false
	}
	s.fields[name] = value
	return true
}

// Field returns the value of a field.
func (s *Session) Field(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.fields[name]
	return v, ok
}

// SetPerson records the resolved directory person and wakes anything
// waiting on PersonReady.
func (s *Session) SetPerson(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.personID == nil
	s.personID = &id
	if first {
		close(s.personReady)
	}
}

// HasPerson reports whether the directory person is resolved.
func (s *Session) HasPerson() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.personID != nil
}

// PersonReady is closed once the person is resolved.
func (s *Session) PersonReady() <-chan struct{} {
	return s.personReady
}

// Inherit copies history that belongs to the logical call from an older
// leg: creation time, fields and the resolved person.
func (s *Session) Inherit(old *Session) {
	snap := old.Snapshot()
	s.mu.Lock()
	s.created = snap.Created
	for k, v := range snap.Fields {
		if _, ok := s.fields[k]; !ok {
			s.fields[k] = v
		}
	}
	s.mu.Unlock()
	if snap.PersonID != nil && !s.HasPerson() {
		s.SetPerson(*snap.PersonID)
	}
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	Channel     string
	Mode        Mode
	Before      Mode
	ConnectedTo string
	Originator  string
	Created     time.Time
	Stage       time.Time
	Outgoing    bool
	Manual      bool
	PersonID    *int64
	Fields      map[string]string
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Channel:     s.channel,
		Mode:        s.mode,
		Before:      s.before,
		ConnectedTo: s.connectedTo,
		Originator:  s.originator,
		Created:     s.created,
		Stage:       s.stage,
		Outgoing:    s.outgoing,
		Manual:      s.manual,
		Fields:      make(map[string]string, len(s.fields)),
	}
	if s.personID != nil {
		id := *s.personID
		snap.PersonID = &id
	}
	for k, v := range s.fields {
		snap.Fields[k] = v
	}
	return snap
}
