package dispatcher

import (
	"strings"
	"time"

	"github.com/sweeney/callctl/internal/command"
	"github.com/sweeney/callctl/internal/reconcile"
	"github.com/sweeney/callctl/internal/session"
)

// Reasons a message was ignored.
const (
	ReasonUnrecognized = "unrecognized command"
	ReasonMalformed    = "malformed number"
	ReasonUntracked    = "untracked channel"
	ReasonTracked      = "channel already tracked"
	ReasonNotApplied   = "event does not apply in current mode"
	ReasonClosed       = "dispatcher closed"
)

// Result reports what Handle did with one message.
type Result struct {
	Applied bool
	Command string
	Channel string
	Reason  string
	// Plan is set for CONNECTED messages.
	Plan *reconcile.Plan
}

func applied(cmd, ch string) Result {
	return Result{Applied: true, Command: cmd, Channel: ch}
}

func ignored(cmd, ch, reason string) Result {
	return Result{Command: cmd, Channel: ch, Reason: reason}
}

// Handle processes one raw inbound message. It never blocks on
// collaborators and never fails: anything it cannot use is ignored.
func (d *Dispatcher) Handle(raw string) Result {
	msg := command.Parse(raw)

	var n notes
	d.mu.Lock()
	var res Result
	if d.shut.Load() {
		res = ignored(msg.Name(), "", ReasonClosed)
	} else {
		res = d.route(msg, &n)
	}
	d.mu.Unlock()
	n.fire()

	if !res.Applied {
		d.log.Debug().Str("command", res.Command).Str("channel", res.Channel).Str("reason", res.Reason).Msg("message ignored")
	}
	return res
}

func (d *Dispatcher) route(msg command.Message, n *notes) Result {
	switch {
	case msg.Is(command.Call, 4, 5):
		return d.onCall(msg, n)
	case msg.Is(command.Queue, 4):
		return d.onQueue(msg, n)
	case msg.Is(command.Connected, 4, 5):
		return d.onConnected(msg, n)
	case strings.HasPrefix(msg.Name(), command.HangupPfx) && msg.Len() >= 2:
		return d.onHangup(msg, n)
	case msg.Is(command.UpdateField, 4):
		return d.onUpdateField(msg, n)
	case msg.Is(command.Endpoint, 4):
		return d.onEndpoint(msg, n)
	case msg.Is(command.Locked, 2):
		return d.onLocked(msg, n)
	case msg.Is(command.Changed, 3):
		return d.onChanged(msg)
	case msg.Is(command.Failed, 3):
		return d.onFailed(msg, n)
	case msg.Is(command.Manual, 3):
		return d.onManual(msg, n)
	}
	return ignored(msg.Name(), "", ReasonUnrecognized)
}

// creationTime reads the optional Unix millisecond field at i. A zero
// time means the field is absent.
func creationTime(msg command.Message, i int) (time.Time, bool) {
	if msg.Len() <= i {
		return time.Time{}, true
	}
	ms, ok := msg.Int(i)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (d *Dispatcher) onCall(msg command.Message, n *notes) Result {
	from, to, ch := msg.Field(1), msg.Field(2), msg.Field(3)
	created, ok := creationTime(msg, 4)
	if !ok {
		return ignored(command.Call, ch, ReasonMalformed)
	}
	if _, tracked := d.reg.Get(ch); tracked {
		return ignored(command.Call, ch, ReasonTracked)
	}

	outgoing := d.isMe(from)
	mode := session.Ringing
	if outgoing || d.isMe(to) {
		mode = session.RingingMe
	}
	other := from
	if outgoing {
		other = to
	}
	if _, ok := d.create(session.Options{
		Channel:     ch,
		Mode:        mode,
		ConnectedTo: other,
		Originator:  from,
		Created:     created,
		Outgoing:    outgoing,
	}, n); !ok {
		return ignored(command.Call, ch, ReasonTracked)
	}
	return applied(command.Call, ch)
}

func (d *Dispatcher) onQueue(msg command.Message, n *notes) Result {
	party, ch := msg.Field(2), msg.Field(3)
	ev, mode := session.EvQueue, session.Queued
	if d.isMe(party) {
		ev, mode = session.EvQueueMe, session.QueuedMe
	}

	if s, tracked := d.reg.Get(ch); tracked {
		if _, ok := d.apply(s, ev, n); !ok {
			return ignored(command.Queue, ch, ReasonNotApplied)
		}
		return applied(command.Queue, ch)
	}
	d.create(session.Options{
		Channel:     ch,
		Mode:        mode,
		ConnectedTo: party,
		Originator:  party,
	}, n)
	return applied(command.Queue, ch)
}

func (d *Dispatcher) onConnected(msg command.Message, n *notes) Result {
	ch := msg.Field(3)
	created, ok := creationTime(msg, 4)
	if !ok {
		return ignored(command.Connected, ch, ReasonMalformed)
	}

	p := d.rec.Connected(reconcile.Connect{
		PartyA:  msg.Field(1),
		PartyB:  msg.Field(2),
		Channel: ch,
		Created: created,
	})
	res := d.execute(p, n)
	res.Plan = &p
	return res
}

func (d *Dispatcher) execute(p reconcile.Plan, n *notes) Result {
	opts := session.Options{
		Channel:     p.Channel,
		Mode:        p.Mode,
		ConnectedTo: p.ConnectedTo,
		Originator:  p.Originator,
		Created:     p.Created,
		Outgoing:    p.Outgoing,
	}

	switch p.Kind {
	case reconcile.Transition:
		s, ok := d.reg.Get(p.Channel)
		if !ok {
			return ignored(command.Connected, p.Channel, ReasonUntracked)
		}
		if p.ConnectedTo != "" {
			s.SetConnectedTo(p.ConnectedTo)
		}
		if p.Originator != "" && s.Originator() == "" {
			s.SetOriginator(p.Originator)
		}
		if _, ok := d.apply(s, p.Event, n); !ok {
			return ignored(command.Connected, p.Channel, ReasonNotApplied)
		}
	case reconcile.Create:
		if _, ok := d.create(opts, n); !ok {
			return ignored(command.Connected, p.Channel, ReasonTracked)
		}
	case reconcile.Swap:
		if _, ok := d.swap(p.Replace, opts, n); !ok {
			return ignored(command.Connected, p.Channel, ReasonTracked)
		}
		d.log.Info().Str("channel", p.Channel).Str("replaces", p.Replace).Int("rule", p.Rule).Msg("channel swapped")
	default:
		return ignored(command.Connected, p.Channel, p.Reason)
	}
	return applied(command.Connected, p.Channel)
}

func (d *Dispatcher) onHangup(msg command.Message, n *notes) Result {
	ch := msg.Last()
	if _, ok := d.remove(ch, n); !ok {
		return ignored(msg.Name(), ch, ReasonUntracked)
	}
	return applied(msg.Name(), ch)
}

func (d *Dispatcher) onUpdateField(msg command.Message, n *notes) Result {
	field, ch, value := msg.Field(1), msg.Field(2), msg.Field(3)
	s, ok := d.reg.Get(ch)
	if !ok {
		return ignored(command.UpdateField, ch, ReasonUntracked)
	}
	if s.SetField(field, value) {
		d.noteField(n, Field{Channel: ch, Name: field, Value: value})
	}
	return applied(command.UpdateField, ch)
}

func (d *Dispatcher) onEndpoint(msg command.Message, n *notes) Result {
	prov, bridged, caller := msg.Field(1), msg.Field(2), msg.Field(3)
	s, ok := d.reg.Get(prov)
	if !ok {
		return ignored(command.Endpoint, prov, ReasonUntracked)
	}
	if bridged != prov {
		if _, taken := d.reg.Get(bridged); taken {
			return ignored(command.Endpoint, bridged, ReasonTracked)
		}
		if !d.rename(s, prov, bridged) {
			return ignored(command.Endpoint, bridged, ReasonTracked)
		}
	}
	if caller != "" {
		if s.Originator() == "" {
			s.SetOriginator(caller)
		}
		if s.ConnectedTo() == "" {
			s.SetConnectedTo(caller)
		}
	}
	snap := s.Snapshot()
	if bridged != prov {
		d.log.Debug().Str("channel", bridged).Str("replaces", prov).Msg("channel renamed")
		d.noteChange(n, Change{Session: snap, From: snap.Mode, Replaced: prov})
	}
	return applied(command.Endpoint, bridged)
}

func (d *Dispatcher) onLocked(msg command.Message, n *notes) Result {
	ch := msg.Field(1)
	s, ok := d.reg.Get(ch)
	if !ok {
		return ignored(command.Locked, ch, ReasonUntracked)
	}
	if _, ok := d.apply(s, session.EvClick, n); !ok {
		return ignored(command.Locked, ch, ReasonNotApplied)
	}
	return applied(command.Locked, ch)
}

func (d *Dispatcher) onChanged(msg command.Message) Result {
	ch := msg.Field(1)
	id, ok := msg.Int(2)
	if !ok {
		return ignored(command.Changed, ch, ReasonMalformed)
	}
	s, ok := d.reg.Get(ch)
	if !ok {
		return ignored(command.Changed, ch, ReasonUntracked)
	}
	s.SetPerson(id)
	return applied(command.Changed, ch)
}

func (d *Dispatcher) onFailed(msg command.Message, n *notes) Result {
	ch := msg.Field(1)
	code, ok := msg.Int(2)
	if !ok {
		return ignored(command.Failed, ch, ReasonMalformed)
	}
	s, ok := d.reg.Get(ch)
	if !ok {
		return ignored(command.Failed, ch, ReasonUntracked)
	}
	if _, ok := d.apply(s, session.EvFail, n); !ok {
		return ignored(command.Failed, ch, ReasonNotApplied)
	}
	d.log.Info().Str("channel", ch).Int64("code", code).Msg("call action failed, rolled back")
	return applied(command.Failed, ch)
}

func (d *Dispatcher) onManual(msg command.Message, n *notes) Result {
	ch, name := msg.Field(1), msg.Field(2)
	if _, ok := d.create(session.Options{
		Channel:     ch,
		Mode:        session.AnsweredElsewhere,
		ConnectedTo: name,
		Manual:      true,
	}, n); !ok {
		return ignored(command.Manual, ch, ReasonTracked)
	}
	return applied(command.Manual, ch)
}
