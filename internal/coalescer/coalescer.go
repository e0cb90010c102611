// Package coalescer rate-limits local field edits into outbound
// UPDATEFIELD messages.
package coalescer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/sweeney/callctl/internal/command"
)

// Sender delivers an encoded outbound message.
type Sender interface {
	Send(ctx context.Context, msg string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg string) error

func (f SenderFunc) Send(ctx context.Context, msg string) error { return f(ctx, msg) }

// Flush describes one emitted field update.
type Flush struct {
	Field   string
	Channel string
	Value   string
}

// Options configures a Coalescer. Zero durations take the defaults.
type Options struct {
	Poll    time.Duration
	Window  time.Duration
	Clock   func() time.Time
	Logger  zerolog.Logger
	OnFlush func(Flush)
}

const (
	DefaultPoll   = 100 * time.Millisecond
	DefaultWindow = 1000 * time.Millisecond
)

type pending struct {
	channel string
	value   string
	seq     uint64
}

// Coalescer keeps one pending value per field name; a newer Record for the
// same field replaces the older one, whichever channel it belongs to.
type Coalescer struct {
	sender  Sender
	poll    time.Duration
	window  time.Duration
	clock   func() time.Time
	log     zerolog.Logger
	onFlush func(Flush)

	mu        sync.Mutex
	pending   map[string]pending
	seq       uint64
	lastFlush time.Time
}

// New creates a Coalescer sending through sender.
func New(sender Sender, opts Options) *Coalescer {
	c := &Coalescer{
		sender:  sender,
		poll:    opts.Poll,
		window:  opts.Window,
		clock:   opts.Clock,
		log:     opts.Logger,
		onFlush: opts.OnFlush,
		pending: make(map[string]pending),
	}
	if c.poll <= 0 {
		c.poll = DefaultPoll
	}
	if c.window <= 0 {
		c.window = DefaultWindow
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c
}

// Record stages value for field on channel. Safe for concurrent use.
func (c *Coalescer) Record(channel, field, value string) {
	c.mu.Lock()
	c.seq++
	c.pending[field] = pending{channel: channel, value: value, seq: c.seq}
	c.mu.Unlock()
}

// Pending returns the staged updates as field -> "channel/value".
func (c *Coalescer) Pending() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.MapValues(c.pending, func(p pending, _ string) string {
		return p.channel + command.Delimiter + p.value
	})
}

// Run flushes on every poll tick once the window has elapsed since the last
// flush. It returns when ctx is cancelled, after a final forced flush.
func (c *Coalescer) Run(ctx context.Context) error {
	tk := time.NewTicker(c.poll)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			c.flush(context.WithoutCancel(ctx), true)
			return nil
		case <-tk.C:
			c.flush(ctx, false)
		}
	}
}

// Flush sends everything pending regardless of the window and returns
// the number of messages sent.
func (c *Coalescer) Flush(ctx context.Context) int {
	return c.flush(ctx, true)
}

func (c *Coalescer) flush(ctx context.Context, force bool) int {
	now := c.clock()

	c.mu.Lock()
	if len(c.pending) == 0 || (!force && now.Sub(c.lastFlush) < c.window) {
		c.mu.Unlock()
		return 0
	}
	batch := c.pending
	c.pending = make(map[string]pending)
	c.lastFlush = now
	c.mu.Unlock()

	fields := lo.Keys(batch)
	slices.Sort(fields)

	sent := 0
	for _, field := range fields {
		p := batch[field]
		msg := command.UpdateFieldCmd(field, p.channel, p.value)
		if err := c.sender.Send(ctx, msg); err != nil {
			c.log.Warn().Err(err).Str("field", field).Str("channel", p.channel).Msg("field flush failed, retrying next cycle")
			c.requeue(field, p)
			continue
		}
		sent++
		if c.onFlush != nil {
			c.onFlush(Flush{Field: field, Channel: p.channel, Value: p.value})
		}
	}
	return sent
}

// requeue puts a failed update back unless a newer one arrived meanwhile.
func (c *Coalescer) requeue(field string, p pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[field]; ok && cur.seq > p.seq {
		return
	}
	c.pending[field] = p
}
