// Package dispatcher routes control messages into the session registry and
// turns local user actions into outbound commands.
//
// All state changes happen under one mutex: inbound messages, local actions,
// grace expiry and late directory results. Listener callbacks are queued
// while the lock is held and invoked after it is released, so a listener may
// safely call back into the Dispatcher.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/callctl/internal/answer"
	"github.com/sweeney/callctl/internal/coalescer"
	"github.com/sweeney/callctl/internal/directory"
	"github.com/sweeney/callctl/internal/history"
	"github.com/sweeney/callctl/internal/reconcile"
	"github.com/sweeney/callctl/internal/registry"
	"github.com/sweeney/callctl/internal/ringing"
	"github.com/sweeney/callctl/internal/session"
)

var (
	// ErrUnknownChannel is returned by local actions on an untracked channel.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNotEligible is returned when a session cannot take the action in
	// its current mode, or no session is eligible at all.
	ErrNotEligible = errors.New("no eligible call")
	// ErrClosed is returned by local actions after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Defaults for zero Options durations.
const (
	DefaultClickGrace          = 3 * time.Second
	DefaultBlinkInterval       = 500 * time.Millisecond
	DefaultAnswerRetryInterval = 500 * time.Millisecond
	DefaultAnswerRetryAttempts = 3
)

// Options configures a Dispatcher.
type Options struct {
	// Extension identifies the local user on the bus.
	Extension string
	// Studio is an optional second identity, the studio line this client
	// also answers for.
	Studio string
	Role   answer.Role

	Directory directory.Directory
	// Lookups resolves people asynchronously. Nil disables lookups.
	Lookups *directory.Pool
	Out     coalescer.Sender
	History history.Recorder
	Cue     ringing.Cue

	ClickGrace          time.Duration
	BlinkInterval       time.Duration
	AnswerRetryInterval time.Duration
	AnswerRetryAttempts int
	FlushPoll           time.Duration
	FlushWindow         time.Duration

	Clock  func() time.Time
	IntN   func(n int) int
	Logger zerolog.Logger
}

// Dispatcher is the engine's single entry point.
type Dispatcher struct {
	me     string
	studio string
	dir    directory.Directory
	pool   *directory.Pool
	out    coalescer.Sender
	hist   history.Recorder
	clock  func() time.Time
	log    zerolog.Logger

	grace         time.Duration
	blink         time.Duration
	retryInterval time.Duration
	retryAttempts int

	reg   *registry.Registry
	rec   *reconcile.Reconciler
	ring  *ringing.Arbitrator
	sel   *answer.Selector
	coal  *coalescer.Coalescer
	hooks listeners

	mu   sync.Mutex
	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
	shut atomic.Bool
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		me:            opts.Extension,
		studio:        opts.Studio,
		dir:           opts.Directory,
		pool:          opts.Lookups,
		out:           opts.Out,
		hist:          opts.History,
		clock:         opts.Clock,
		log:           opts.Logger,
		grace:         opts.ClickGrace,
		blink:         opts.BlinkInterval,
		retryInterval: opts.AnswerRetryInterval,
		retryAttempts: opts.AnswerRetryAttempts,
		reg:           registry.New(),
		ring:          ringing.New(opts.Cue),
		done:          make(chan struct{}),
	}
	if d.dir == nil {
		d.dir = directory.NewStatic(nil)
	}
	if d.out == nil {
		d.out = coalescer.SenderFunc(func(context.Context, string) error { return nil })
	}
	if d.hist == nil {
		d.hist = history.Discard{}
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	if d.grace <= 0 {
		d.grace = DefaultClickGrace
	}
	if d.blink <= 0 {
		d.blink = DefaultBlinkInterval
	}
	if d.retryInterval <= 0 {
		d.retryInterval = DefaultAnswerRetryInterval
	}
	if d.retryAttempts <= 0 {
		d.retryAttempts = DefaultAnswerRetryAttempts
	}

	var selOpts []answer.Option
	if opts.IntN != nil {
		selOpts = append(selOpts, answer.WithIntN(opts.IntN))
	}
	d.sel = answer.New(opts.Role, selOpts...)
	d.rec = reconcile.New(d.reg, d.dir, d.isMe, d.log)
	d.coal = coalescer.New(d.out, coalescer.Options{
		Poll:    opts.FlushPoll,
		Window:  opts.FlushWindow,
		Clock:   opts.Clock,
		Logger:  d.log,
		OnFlush: d.flushed,
	})
	return d
}

func (d *Dispatcher) isMe(party string) bool {
	if party == "" {
		return false
	}
	return party == d.me || (d.studio != "" && party == d.studio)
}

// Run drives the field update flush loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.coal.Run(ctx)
}

// Flush sends every pending field update now.
func (d *Dispatcher) Flush(ctx context.Context) int {
	return d.coal.Flush(ctx)
}

// Close cancels every session timer and waits for pending answer
// notifications to give up. Messages and actions after Close are refused.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.shut.Store(true)
		for _, s := range d.reg.All() {
			s.Close()
		}
		d.mu.Unlock()
		close(d.done)
		d.wg.Wait()
	})
}

// Session returns a snapshot of the session tracked under channel.
func (d *Dispatcher) Session(channel string) (session.Snapshot, bool) {
	s, ok := d.reg.Get(channel)
	if !ok {
		return session.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Sessions returns snapshots of every tracked session in arrival order.
func (d *Dispatcher) Sessions() []session.Snapshot {
	return d.reg.Snapshots()
}

// Ringing reports whether the ringing cue is playing.
func (d *Dispatcher) Ringing() bool {
	return d.ring.Playing()
}

// RingingChannels returns the channels currently ringing for me.
func (d *Dispatcher) RingingChannels() []string {
	return d.ring.Channels()
}

// IsAlreadyConnected reports whether any session already shows party as
// the other side of its call.
func (d *Dispatcher) IsAlreadyConnected(party string) bool {
	return d.rec.IsAlreadyConnected(party)
}

// PendingFields returns staged field updates as field -> "channel/value".
func (d *Dispatcher) PendingFields() map[string]string {
	return d.coal.Pending()
}

// bridged returns the first session the local user is on.
func (d *Dispatcher) bridged() (*session.Session, bool) {
	return d.reg.Find(func(s *session.Session) bool { return s.Mode().IsAnswered() })
}

// settle re-evaluates the ringing cue after any registry change.
func (d *Dispatcher) settle() {
	_, on := d.bridged()
	d.ring.SetBridged(on)
}

func (d *Dispatcher) flushed(f coalescer.Flush) {
	d.hist.Record(history.Entry{
		Time:    d.clock(),
		Kind:    history.KindField,
		Channel: f.Channel,
		Field:   f.Field,
		Value:   f.Value,
	})
}
