// Package answer picks which waiting call the local user should take next.
package answer

import (
	"fmt"
	"math/rand/v2"

	"github.com/samber/lo"

	"github.com/sweeney/callctl/internal/session"
)

// Role is the operating mode of the local client.
type Role string

const (
	RoleOperator Role = "operator"
	RoleStudio   Role = "studio"
)

// ParseRole validates a configured role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOperator, RoleStudio:
		return Role(s), nil
	case "":
		return RoleOperator, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Option configures a Selector.
type Option func(*Selector)

// WithIntN sets the random source used by Random. fn(n) must return a
// value in [0, n).
func WithIntN(fn func(n int) int) Option {
	return func(s *Selector) { s.intn = fn }
}

// Selector applies the answer policies for one role.
type Selector struct {
	role Role
	intn func(n int) int
}

// New creates a Selector for role.
func New(role Role, opts ...Option) *Selector {
	s := &Selector{role: role, intn: rand.IntN}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Role returns the selector's role.
func (s *Selector) Role() Role {
	return s.role
}

// Eligible is the single mode a call must be in to be answered.
func (s *Selector) Eligible() session.Mode {
	if s.role == RoleStudio {
		return session.Queued
	}
	return session.Ringing
}

// EndsBridgedFirst reports whether the current call is hung up before the
// next one is taken.
func (s *Selector) EndsBridgedFirst() bool {
	return s.role == RoleStudio
}

func (s *Selector) eligible(snaps []session.Snapshot) []session.Snapshot {
	mode := s.Eligible()
	return lo.Filter(snaps, func(snap session.Snapshot, _ int) bool { return snap.Mode == mode })
}

// Next returns the eligible session created first. Ties keep the earlier
// position in snaps.
func (s *Selector) Next(snaps []session.Snapshot) (session.Snapshot, bool) {
	candidates := s.eligible(snaps)
	if len(candidates) == 0 {
		return session.Snapshot{}, false
	}
	return lo.MinBy(candidates, func(a, b session.Snapshot) bool {
		return a.Created.Before(b.Created)
	}), true
}

// Random returns a uniformly chosen eligible session.
func (s *Selector) Random(snaps []session.Snapshot) (session.Snapshot, bool) {
	candidates := s.eligible(snaps)
	if len(candidates) == 0 {
		return session.Snapshot{}, false
	}
	return candidates[s.intn(len(candidates))], true
}
