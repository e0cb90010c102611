package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrPoolClosed is returned by Lookup after Close.
var ErrPoolClosed = errors.New("lookup pool closed")

// ErrPoolFull is returned by Lookup when the queue has no room.
var ErrPoolFull = errors.New("lookup queue full")

const lookupTimeout = 2 * time.Second

type job struct {
	number string
	done   func(*Person, error)
}

// Pool runs person lookups on a fixed number of workers. Lookup never
// blocks; concurrent lookups for the same number share one call.
type Pool struct {
	dir    Directory
	log    zerolog.Logger
	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   chan job
	closed bool
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Workers int
	Queue   int
	Logger  zerolog.Logger
}

// NewPool starts the workers.
func NewPool(dir Directory, opts PoolOptions) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Queue < 1 {
		opts.Queue = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		dir:    dir,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, opts.Queue),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Lookup queues a resolution of number. done runs on a worker goroutine.
func (p *Pool) Lookup(number string, done func(*Person, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job{number: number, done: done}:
		return nil
	default:
		return ErrPoolFull
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		v, err, shared := p.group.Do(j.number, func() (any, error) {
			ctx, cancel := context.WithTimeout(p.ctx, lookupTimeout)
			defer cancel()
			return p.dir.ResolvePerson(ctx, j.number)
		})
		if shared {
			p.log.Debug().Str("number", j.number).Msg("shared directory lookup")
		}
		person, _ := v.(*Person)
		j.done(person, err)
	}
}

// Close stops accepting lookups, cancels in-flight ones and waits for the
// workers to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
