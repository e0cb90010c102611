package dispatcher

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sweeney/callctl/internal/command"
	"github.com/sweeney/callctl/internal/session"
)

func (d *Dispatcher) send(ctx context.Context, msg string) error {
	if err := d.out.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending %q: %w", command.Parse(msg).Name(), err)
	}
	return nil
}

func (d *Dispatcher) tracked(ch string) (*session.Session, error) {
	if d.shut.Load() {
		return nil, ErrClosed
	}
	s, ok := d.reg.Get(ch)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	return s, nil
}

// Answer takes the call on channel: the server is asked to transfer it to
// my extension and the session waits in CLICKED for confirmation. A failed
// send rolls the click back.
func (d *Dispatcher) Answer(ctx context.Context, channel string) error {
	var n notes
	d.mu.Lock()
	s, err := d.tracked(channel)
	if err == nil {
		if m := s.Mode(); !m.IsRinging() && !m.IsQueued() {
			err = fmt.Errorf("%w: %s is %s", ErrNotEligible, channel, m)
		} else if _, ok := d.apply(s, session.EvClick, &n); !ok {
			err = fmt.Errorf("%w: %s", ErrNotEligible, channel)
		}
	}
	d.mu.Unlock()
	n.fire()
	if err != nil {
		return err
	}

	if err := d.send(ctx, command.TransferCmd(channel, d.me)); err != nil {
		d.rollback(s)
		return err
	}
	return nil
}

func (d *Dispatcher) rollback(s *session.Session) {
	var n notes
	d.mu.Lock()
	if d.current(s) && s.Mode() == session.Clicked {
		d.apply(s, session.EvReset, &n)
	}
	d.mu.Unlock()
	n.fire()
}

// AnswerNext answers the longest-waiting eligible call. In the studio role
// the call I am on is hung up first.
func (d *Dispatcher) AnswerNext(ctx context.Context) error {
	if d.shut.Load() {
		return ErrClosed
	}
	if err := d.endBridged(ctx); err != nil {
		return err
	}
	snap, ok := d.sel.Next(d.reg.Snapshots())
	if !ok {
		return ErrNotEligible
	}
	return d.Answer(ctx, snap.Channel)
}

// AnswerRandom answers a uniformly chosen eligible call.
func (d *Dispatcher) AnswerRandom(ctx context.Context) error {
	if d.shut.Load() {
		return ErrClosed
	}
	if err := d.endBridged(ctx); err != nil {
		return err
	}
	snap, ok := d.sel.Random(d.reg.Snapshots())
	if !ok {
		return ErrNotEligible
	}
	return d.Answer(ctx, snap.Channel)
}

func (d *Dispatcher) endBridged(ctx context.Context) error {
	if !d.sel.EndsBridgedFirst() {
		return nil
	}
	s, ok := d.bridged()
	if !ok {
		return nil
	}
	return d.Hangup(ctx, s.Channel())
}

// Hangup asks the server to end the call on channel. Manual records have
// no server side and are removed immediately.
func (d *Dispatcher) Hangup(ctx context.Context, channel string) error {
	s, err := d.tracked(channel)
	if err != nil {
		return err
	}
	if err := d.send(ctx, command.HangupCmd(channel)); err != nil {
		return err
	}
	if s.Snapshot().Manual {
		var n notes
		d.mu.Lock()
		if d.current(s) {
			d.remove(channel, &n)
		}
		d.mu.Unlock()
		n.fire()
	}
	return nil
}

// Transfer asks the server to move the call on channel to extension.
func (d *Dispatcher) Transfer(ctx context.Context, channel, extension string) error {
	if _, err := d.tracked(channel); err != nil {
		return err
	}
	return d.send(ctx, command.TransferCmd(channel, extension))
}

// Queue asks the server to park the call on channel in the on-air queue.
func (d *Dispatcher) Queue(ctx context.Context, channel string) error {
	if _, err := d.tracked(channel); err != nil {
		return err
	}
	return d.send(ctx, command.QueueCmd(channel))
}

// Dial asks the server to call number from my extension. The session appears
// once the server announces the call.
func (d *Dispatcher) Dial(ctx context.Context, number string) error {
	if d.shut.Load() {
		return ErrClosed
	}
	return d.send(ctx, command.DialCmd(number, d.me))
}

// UpdateField stores a locally edited field value and stages it for the
// next rate-limited flush.
func (d *Dispatcher) UpdateField(channel, field, value string) error {
	s, err := d.tracked(channel)
	if err != nil {
		return err
	}
	s.SetField(field, value)
	d.coal.Record(channel, field, value)
	return nil
}

// CreateManual records a call that did not come through the telephony
// server and announces it to the other clients. It returns the new channel.
func (d *Dispatcher) CreateManual(ctx context.Context, name string) (string, error) {
	ch := uuid.NewString()
	var n notes
	d.mu.Lock()
	if d.shut.Load() {
		d.mu.Unlock()
		return "", ErrClosed
	}
	d.create(session.Options{
		Channel:     ch,
		Mode:        session.AnsweredElsewhere,
		ConnectedTo: name,
		Manual:      true,
	}, &n)
	d.mu.Unlock()
	n.fire()

	if err := d.send(ctx, command.ManualCmd(ch, name)); err != nil {
		return ch, err
	}
	return ch, nil
}

// Reset restores the session to its mode before an unconfirmed click. It
// returns ErrNotEligible when the session is not waiting on a click.
func (d *Dispatcher) Reset(channel string) error {
	var n notes
	d.mu.Lock()
	s, err := d.tracked(channel)
	if err == nil {
		if _, ok := d.apply(s, session.EvReset, &n); !ok {
			err = fmt.Errorf("%w: %s is %s", ErrNotEligible, channel, s.Mode())
		}
	}
	d.mu.Unlock()
	n.fire()
	return err
}
