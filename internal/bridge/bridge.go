// Package bridge suspends a conversation turn until a person answers from
// outside, through a single pending slot.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stellarlinkco/crewchat/internal/display"
	"github.com/stellarlinkco/crewchat/internal/logging"
	"github.com/stellarlinkco/crewchat/internal/metrics"
	"github.com/stellarlinkco/crewchat/internal/persona"
)

var (
	// ErrInputPending rejects a request while another is outstanding.
	ErrInputPending = errors.New("human input already pending")
	ErrInputTimeout = errors.New("timed out waiting for human input")
)

type State int

const (
	Idle State = iota
	Awaiting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Awaiting:
		return "awaiting"
	default:
		return "unknown"
	}
}

type Options struct {
	// Timeout bounds each request; zero waits until resolved or cancelled.
	Timeout time.Duration
	Logger  *logging.Logger
	Metrics *metrics.ChatMetrics
}

type Bridge struct {
	sink    display.Sink
	timeout time.Duration
	logger  *logging.Logger
	metrics *metrics.ChatMetrics

	mu   sync.Mutex
	slot chan string
}

func New(sink display.Sink, opts Options) *Bridge {
	return &Bridge{
		sink:    sink,
		timeout: opts.Timeout,
		logger:  logging.OrDefault(opts.Logger).Component("bridge"),
		metrics: opts.Metrics,
	}
}

// Request shows prompt as a System message and blocks until Resolve supplies
// a value, ctx ends, or the configured timeout passes.
func (b *Bridge) Request(ctx context.Context, prompt string) (string, error) {
	b.mu.Lock()
	if b.slot != nil {
		b.mu.Unlock()
		return "", ErrInputPending
	}
	slot := make(chan string, 1)
	b.slot = slot
	b.mu.Unlock()

	b.metrics.ObserveInputRequest()
	if err := b.sink.Send(prompt, persona.SystemAuthor, ""); err != nil {
		b.logger.Warn("could not show input prompt", "error", err)
	}

	var expired <-chan time.Time
	if b.timeout > 0 {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	start := time.Now()
	select {
	case value := <-slot:
		b.metrics.ObserveInputWait(time.Since(start).Seconds())
		return value, nil
	case <-ctx.Done():
		if value, ok := b.abandon(slot); ok {
			return value, nil
		}
		return "", ctx.Err()
	case <-expired:
		if value, ok := b.abandon(slot); ok {
			return value, nil
		}
		b.logger.Warn("human input timed out", "timeout", b.timeout.String())
		return "", ErrInputTimeout
	}
}

// abandon clears slot if it is still pending. A value that raced in is
// returned instead of being lost.
func (b *Bridge) abandon(slot chan string) (string, bool) {
	b.mu.Lock()
	if b.slot == slot {
		b.slot = nil
	}
	b.mu.Unlock()

	select {
	case value := <-slot:
		return value, true
	default:
		return "", false
	}
}

// Resolve hands value to the pending request. It reports false, and does
// nothing else, when no request is pending.
func (b *Bridge) Resolve(value string) bool {
	b.mu.Lock()
	slot := b.slot
	if slot == nil {
		b.mu.Unlock()
		b.logger.Info("there is currently no input being awaited")
		return false
	}
	b.slot = nil
	b.mu.Unlock()

	slot <- value
	return true
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.slot != nil {
		return Awaiting
	}
	return Idle
}
