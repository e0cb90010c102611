// Package reconcile resolves which session a CONNECTED event belongs to.
//
// The server does not say which party of a connect is the caller, and an
// outbound call is announced on a provisional channel before being bridged
// on another one. These rules are a heuristic over that ambiguity:
//
//  1. A is me, B is not: my outbound call was answered by B.
//  2. B is me, A is not: I answered A. If a different channel already shows
//     A, this is a second leg of that call and replaces it.
//  3. Neither is me, one side is tracked and the other is in the directory:
//     the call was answered elsewhere. A dangling leg recorded against A is
//     replaced.
//  4. Anything else is ignored.
//
// A connect on a queued call takes it on air.
package reconcile

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/callctl/internal/registry"
	"github.com/sweeney/callctl/internal/session"
)

// Names is the part of the directory the reconciler needs. It must not block.
type Names interface {
	ExtensionName(extension string) string
}

// Connect is a decoded CONNECTED event.
type Connect struct {
	PartyA  string
	PartyB  string
	Channel string
	Created time.Time
}

// Kind says what the dispatcher must do with a Plan.
type Kind int

const (
	Ignore Kind = iota
	Transition
	Create
	Swap
)

func (k Kind) String() string {
	switch k {
	case Transition:
		return "transition"
	case Create:
		return "create"
	case Swap:
		return "swap"
	}
	return "ignore"
}

// Plan is the reconciler's decision for one event.
type Plan struct {
	Kind        Kind
	Rule        int
	Channel     string
	Event       session.Event
	Mode        session.Mode
	ConnectedTo string
	Originator  string
	Outgoing    bool
	Created     time.Time
	// Replace is the channel of the leg superseded by a Swap.
	Replace string
	Reason  string
}

// Reconciler decides plans against the live registry.
type Reconciler struct {
	reg   *registry.Registry
	names Names
	isMe  func(party string) bool
	log   zerolog.Logger
}

// New creates a Reconciler. isMe reports whether a party identifier is the
// local user.
func New(reg *registry.Registry, names Names, isMe func(string) bool, log zerolog.Logger) *Reconciler {
	return &Reconciler{reg: reg, names: names, isMe: isMe, log: log}
}

// Resolves reports whether a connectedTo label refers to party, either
// literally or through the party's directory name.
func (r *Reconciler) Resolves(label, party string) bool {
	if label == "" || party == "" {
		return false
	}
	if label == party {
		return true
	}
	name := r.names.ExtensionName(party)
	return name != "" && label == name
}

// IsAlreadyConnected reports whether any tracked session already shows
// party as the other side of the call.
func (r *Reconciler) IsAlreadyConnected(party string) bool {
	_, ok := r.reg.Find(func(s *session.Session) bool {
		return r.Resolves(s.ConnectedTo(), party)
	})
	return ok
}

func (r *Reconciler) connectedElsewhere(party, channel string) (*session.Session, bool) {
	return r.reg.Find(func(s *session.Session) bool {
		return s.Channel() != channel && r.Resolves(s.ConnectedTo(), party)
	})
}

func (r *Reconciler) recordedAgainst(party, channel string) (*session.Session, bool) {
	return r.reg.Find(func(s *session.Session) bool {
		return s.Channel() != channel && (s.Originator() == party || r.Resolves(s.ConnectedTo(), party))
	})
}

func (r *Reconciler) tracked(party string) bool {
	_, ok := r.recordedAgainst(party, "")
	return ok
}

func (r *Reconciler) inDirectory(party string) bool {
	return r.names.ExtensionName(party) != ""
}

func plan(kind Kind, rule int, c Connect, ev session.Event) Plan {
	mode, _ := session.Target(ev)
	return Plan{Kind: kind, Rule: rule, Channel: c.Channel, Event: ev, Mode: mode, Created: c.Created}
}

// Connected plans the handling of a CONNECTED event.
func (r *Reconciler) Connected(c Connect) Plan {
	existing, tracked := r.reg.Get(c.Channel)
	aMe, bMe := r.isMe(c.PartyA), r.isMe(c.PartyB)

	if tracked {
		snap := existing.Snapshot()
		if snap.Mode.IsQueued() || (snap.Mode == session.Clicked && snap.Before.IsQueued()) {
			ev := session.EvOnAir
			if aMe || bMe {
				ev = session.EvOnAirMe
			}
			return plan(Transition, 0, c, ev)
		}
	}

	switch {
	case aMe && !bMe:
		return r.outbound(c, existing)
	case bMe && !aMe:
		return r.inbound(c, existing)
	case !aMe && !bMe:
		if p, ok := r.elsewhere(c, existing); ok {
			return p
		}
	}

	r.log.Debug().Str("channel", c.Channel).Str("a", c.PartyA).Str("b", c.PartyB).Msg("unreconciled connect")
	return Plan{Kind: Ignore, Rule: 4, Channel: c.Channel, Reason: "no identity rule matched"}
}

func (r *Reconciler) outbound(c Connect, existing *session.Session) Plan {
	p := plan(Create, 1, c, session.EvAnswerMe)
	p.ConnectedTo = c.PartyB
	p.Originator = c.PartyA
	p.Outgoing = true

	if existing != nil {
		p.Kind = Transition
		return p
	}
	if dup, ok := r.connectedElsewhere(c.PartyB, c.Channel); ok {
		if dup.Mode().IsAnswered() {
			p.Kind = Ignore
			p.Reason = "already connected"
			return p
		}
		p.Kind = Swap
		p.Replace = dup.Channel()
	}
	return p
}

func (r *Reconciler) inbound(c Connect, existing *session.Session) Plan {
	p := plan(Create, 2, c, session.EvAnswerMe)
	p.ConnectedTo = c.PartyA
	p.Originator = c.PartyA

	if existing != nil {
		if generalRinging(existing) {
			p = withEvent(p, session.EvAnswer)
		}
		p.Kind = Transition
		return p
	}
	if dup, ok := r.connectedElsewhere(c.PartyA, c.Channel); ok {
		if generalRinging(dup) {
			p = withEvent(p, session.EvAnswer)
		}
		p.Kind = Swap
		p.Replace = dup.Channel()
	}
	return p
}

func (r *Reconciler) elsewhere(c Connect, existing *session.Session) (Plan, bool) {
	a, b := c.PartyA, c.PartyB
	answerer := ""
	switch {
	case r.inDirectory(b) && (existing != nil || r.tracked(a)):
		answerer = b
	case r.inDirectory(a) && (existing != nil || r.tracked(b)):
		answerer = a
	default:
		return Plan{}, false
	}

	p := plan(Transition, 3, c, session.EvAnswerElsewhere)
	p.ConnectedTo = r.label(answerer)
	if existing != nil {
		return p, true
	}

	leg, ok := r.recordedAgainst(a, c.Channel)
	if !ok {
		leg, ok = r.recordedAgainst(b, c.Channel)
	}
	if !ok {
		return Plan{}, false
	}
	if leg.Mode() == session.AnsweredElsewhere {
		p.Kind = Ignore
		p.Reason = "already connected"
		return p, true
	}
	p.Kind = Swap
	p.Replace = leg.Channel()
	p.Originator = leg.Originator()
	return p, true
}

func (r *Reconciler) label(party string) string {
	if name := r.names.ExtensionName(party); name != "" {
		return name
	}
	return party
}

// generalRinging reports whether s is, or was before a click, ringing for
// everyone rather than for me.
func generalRinging(s *session.Session) bool {
	snap := s.Snapshot()
	return snap.Mode == session.Ringing || (snap.Mode == session.Clicked && snap.Before == session.Ringing)
}

func withEvent(p Plan, ev session.Event) Plan {
	p.Event = ev
	p.Mode, _ = session.Target(ev)
	return p
}
