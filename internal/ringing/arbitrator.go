// Package ringing decides when the shared ringing cue plays.
package ringing

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Cue is the audio collaborator. Start and Stop are called with the
// arbitrator's lock held and must not call back into it.
type Cue interface {
	Start()
	Stop()
}

// CueFuncs adapts a pair of functions to Cue. Nil functions are skipped.
type CueFuncs struct {
	OnStart func()
	OnStop  func()
}

func (c CueFuncs) Start() {
	if c.OnStart != nil {
		c.OnStart()
	}
}

func (c CueFuncs) Stop() {
	if c.OnStop != nil {
		c.OnStop()
	}
}

// Arbitrator tracks channels ringing for the local user and keeps at most
// one cue playing. Being bridged on a call silences the cue regardless of
// how many channels are still ringing.
type Arbitrator struct {
	mu      sync.Mutex
	cue     Cue
	ringing []string
	bridged bool
	playing bool
}

// New creates an Arbitrator driving cue. A nil cue is allowed.
func New(cue Cue) *Arbitrator {
	if cue == nil {
		cue = CueFuncs{}
	}
	return &Arbitrator{cue: cue}
}

// Add registers a ringing channel. Adding a channel twice has no effect.
func (a *Arbitrator) Add(ch string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.ringing, ch) {
		a.ringing = append(a.ringing, ch)
	}
	a.evaluate()
}

// Remove unregisters a channel that was answered, timed out or hung up.
func (a *Arbitrator) Remove(ch string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ringing = lo.Without(a.ringing, ch)
	a.evaluate()
}

// SetBridged records whether the local user is on an answered call.
func (a *Arbitrator) SetBridged(bridged bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bridged = bridged
	a.evaluate()
}

func (a *Arbitrator) evaluate() {
	want := len(a.ringing) > 0 && !a.bridged
	switch {
	case want && !a.playing:
		a.playing = true
		a.cue.Start()
	case !want && a.playing:
		a.playing = false
		a.cue.Stop()
	}
}

// Playing reports whether the cue is currently on.
func (a *Arbitrator) Playing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playing
}

// Channels returns the ringing channels in registration order.
func (a *Arbitrator) Channels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.ringing)
}
