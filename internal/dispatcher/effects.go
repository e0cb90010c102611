package dispatcher

import (
	"errors"
	"time"

	"github.com/sweeney/callctl/internal/directory"
	"github.com/sweeney/callctl/internal/history"
	"github.com/sweeney/callctl/internal/session"
)

// The methods in this file expect d.mu to be held.

func (d *Dispatcher) create(opts session.Options, n *notes) (*session.Session, bool) {
	s := session.New(opts, d.clock())
	if !d.reg.Add(s) {
		return nil, false
	}
	d.run(s, session.EntryActions(opts.Mode), n)
	d.created(s, "", n)
	d.lookup(s)
	return s, true
}

func (d *Dispatcher) created(s *session.Session, replaced string, n *notes) {
	snap := s.Snapshot()
	d.log.Debug().Str("channel", snap.Channel).Str("mode", snap.Mode.String()).Str("replaces", replaced).Msg("session created")
	d.hist.Record(history.Entry{
		Time:        d.clock(),
		Kind:        history.KindTransition,
		Channel:     snap.Channel,
		To:          snap.Mode.String(),
		ConnectedTo: snap.ConnectedTo,
	})
	d.noteChange(n, Change{Session: snap, From: snap.Mode, Created: true, Replaced: replaced})
	d.settle()
}

// apply feeds ev to s and executes the resulting actions. ok is false when
// the event does not apply in the session's mode.
func (d *Dispatcher) apply(s *session.Session, ev session.Event, n *notes) (session.Transition, bool) {
	tr, ok := s.Apply(ev, d.clock())
	if !ok {
		return tr, false
	}
	d.run(s, tr.Actions, n)
	if tr.From == tr.To {
		return tr, true
	}
	snap := s.Snapshot()
	d.log.Debug().Str("channel", tr.Channel).Str("from", tr.From.String()).Str("to", tr.To.String()).Str("event", ev.String()).Msg("transition")
	d.hist.Record(history.Entry{
		Time:        d.clock(),
		Kind:        history.KindTransition,
		Channel:     tr.Channel,
		From:        tr.From.String(),
		To:          tr.To.String(),
		ConnectedTo: snap.ConnectedTo,
	})
	d.noteChange(n, Change{Session: snap, Event: ev, From: tr.From})
	d.settle()
	return tr, true
}

func (d *Dispatcher) remove(channel string, n *notes) (*session.Session, bool) {
	s, ok := d.reg.Remove(channel)
	if !ok {
		return nil, false
	}
	d.destroy(s, n)
	d.settle()
	return s, true
}

// destroy tears down a session that already left the registry.
func (d *Dispatcher) destroy(s *session.Session, n *notes) {
	d.run(s, session.ExitActions(s.Mode()), n)
	s.Close()
	snap := s.Snapshot()
	d.log.Debug().Str("channel", snap.Channel).Str("mode", snap.Mode.String()).Msg("session removed")
	d.hist.Record(history.Entry{
		Time:        d.clock(),
		Kind:        history.KindRemoved,
		Channel:     snap.Channel,
		From:        snap.Mode.String(),
		ConnectedTo: snap.ConnectedTo,
	})
	d.noteRemove(n, snap)
}

// swap replaces the leg tracked under oldCh with a new session described
// by opts. The new session keeps the old leg's position and history.
func (d *Dispatcher) swap(oldCh string, opts session.Options, n *notes) (*session.Session, bool) {
	old, ok := d.reg.Get(oldCh)
	if !ok {
		return nil, false
	}
	s := session.New(opts, d.clock())
	s.Inherit(old)
	if _, ok := d.reg.Swap(oldCh, s); !ok {
		s.Close()
		return nil, false
	}
	d.destroy(old, n)
	d.run(s, session.EntryActions(opts.Mode), n)
	d.created(s, oldCh, n)
	if !s.HasPerson() {
		d.lookup(s)
	}
	return s, true
}

// rename moves a session to a new channel id, keeping the ringing set in
// step.
func (d *Dispatcher) rename(s *session.Session, oldCh, newCh string) bool {
	if !d.reg.Rename(oldCh, newCh) {
		return false
	}
	if s.Mode().IsRinging() {
		d.ring.Remove(oldCh)
		d.ring.Add(newCh)
	}
	return true
}

func (d *Dispatcher) run(s *session.Session, acts []session.Action, n *notes) {
	for _, act := range acts {
		switch act {
		case session.StartBlink:
			s.StartBlink(d.blink, func(lit bool) { d.emitBlink(s, lit) })
		case session.StopBlink:
			s.StopBlink()
		case session.RegisterRinging:
			d.ring.Add(s.Channel())
		case session.UnregisterRinging:
			d.ring.Remove(s.Channel())
		case session.ArmGrace:
			s.ArmGrace(d.grace, func(gen uint64) { d.graceExpired(s, gen) })
		case session.DisarmGrace:
			s.DisarmGrace()
		case session.NotifyAnswer:
			d.wg.Add(1)
			n.add(func() { go d.notifyAnswer(s) })
		}
	}
}

// current reports whether s is still the session tracked under its channel.
func (d *Dispatcher) current(s *session.Session) bool {
	cur, ok := d.reg.Get(s.Channel())
	return ok && cur == s
}

func (d *Dispatcher) graceExpired(s *session.Session, gen uint64) {
	var n notes
	d.mu.Lock()
	if d.current(s) && s.GraceCurrent(gen) {
		if _, ok := d.apply(s, session.EvGraceExpired, &n); ok {
			d.log.Info().Str("channel", s.Channel()).Msg("click not confirmed, rolled back")
		}
	}
	d.mu.Unlock()
	n.fire()
}

// notifyAnswer waits a bounded time for the person lookup, then tells the
// answer listeners regardless of the outcome.
func (d *Dispatcher) notifyAnswer(s *session.Session) {
	defer d.wg.Done()
	for i := 0; i < d.retryAttempts && !s.HasPerson(); i++ {
		t := time.NewTimer(d.retryInterval)
		select {
		case <-s.PersonReady():
		case <-t.C:
		case <-d.done:
			t.Stop()
			return
		}
		t.Stop()
	}
	if s.Closed() {
		return
	}
	d.emitAnswer(s.Snapshot())
}

// lookup resolves the person behind a new session on the worker pool.
func (d *Dispatcher) lookup(s *session.Session) {
	if d.pool == nil {
		return
	}
	snap := s.Snapshot()
	number := snap.Originator
	if snap.Outgoing {
		number = snap.ConnectedTo
	}
	if number == "" || snap.Manual {
		return
	}
	err := d.pool.Lookup(number, func(p *directory.Person, err error) {
		d.resolved(s, number, p, err)
	})
	if err != nil && !errors.Is(err, directory.ErrPoolClosed) {
		d.log.Warn().Err(err).Str("channel", snap.Channel).Str("number", number).Msg("directory lookup dropped")
	}
}

func (d *Dispatcher) resolved(s *session.Session, number string, p *directory.Person, err error) {
	if err != nil {
		d.log.Warn().Err(err).Str("number", number).Msg("directory lookup failed")
		return
	}
	if p == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.current(s) {
		return
	}
	s.SetPerson(p.ID)
}
