// Package session turns external inputs into conversation events: the first
// input starts the conversation, later ones answer pending input requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/crewchat/internal/display"
	"github.com/stellarlinkco/crewchat/internal/logging"
	"github.com/stellarlinkco/crewchat/internal/metrics"
	"github.com/stellarlinkco/crewchat/internal/persona"
)

// Input is one external message, from a channel or a schedule.
type Input struct {
	Text    string
	Author  string
	Channel string
	ChatID  string
}

type Outcome int

const (
	OutcomeStarted Outcome = iota
	OutcomeResolved
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStarted:
		return "started"
	case OutcomeResolved:
		return "resolved"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

type Session struct {
	ID      string
	Opening Input
	Started time.Time
}

// Resolver is the pending input slot the dispatcher answers.
type Resolver interface {
	Resolve(value string) bool
}

// Runner drives the whole conversation and returns why it stopped.
type Runner func(ctx context.Context, s Session) (reason string, err error)

type Options struct {
	// StartDelay pauses between the opening input and the conversation.
	StartDelay time.Duration
	// Sink receives the end-of-conversation notice; optional.
	Sink    display.Sink
	Logger  *logging.Logger
	Metrics *metrics.ChatMetrics
}

type Dispatcher struct {
	slot    Resolver
	run     Runner
	delay   time.Duration
	sink    display.Sink
	logger  *logging.Logger
	metrics *metrics.ChatMetrics

	started atomic.Bool
	done    chan struct{}

	mu      sync.Mutex
	session Session
	err     error
}

func NewDispatcher(slot Resolver, run Runner, opts Options) *Dispatcher {
	return &Dispatcher{
		slot:    slot,
		run:     run,
		delay:   opts.StartDelay,
		sink:    opts.Sink,
		logger:  logging.OrDefault(opts.Logger).Component("session"),
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}
}

// Submit routes one input without blocking. The first input ever starts the
// conversation on its own goroutine, bound to ctx; afterwards inputs resolve
// the pending request or are dropped.
func (d *Dispatcher) Submit(ctx context.Context, in Input) Outcome {
	outcome := d.submit(ctx, in)
	d.metrics.ObserveSubmit(outcome.String())
	return outcome
}

func (d *Dispatcher) submit(ctx context.Context, in Input) Outcome {
	if d.started.CompareAndSwap(false, true) {
		s := Session{ID: uuid.NewString(), Opening: in, Started: time.Now()}
		d.mu.Lock()
		d.session = s
		d.mu.Unlock()

		d.logger.Info("starting conversation", "session", s.ID, "channel", in.Channel, "delay", d.delay.String())
		go d.conversation(ctx, s)
		return OutcomeStarted
	}

	if d.slot.Resolve(in.Text) {
		return OutcomeResolved
	}
	d.logger.Info("no input currently awaited, dropping message", "channel", in.Channel, "author", in.Author)
	return OutcomeDropped
}

func (d *Dispatcher) conversation(ctx context.Context, s Session) {
	defer close(d.done)

	if d.delay > 0 {
		timer := time.NewTimer(d.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			d.finish(s, "", ctx.Err())
			return
		}
	}

	reason, err := d.run(ctx, s)
	d.finish(s, reason, err)
}

func (d *Dispatcher) finish(s Session, reason string, err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()

	var notice string
	switch {
	case err == nil:
		d.metrics.ObserveSessionEnd(reason)
		d.logger.Info("conversation ended", "session", s.ID, "reason", reason)
		notice = fmt.Sprintf("Conversation ended (%s).", reason)
	case errors.Is(err, context.Canceled):
		d.metrics.ObserveSessionEnd("cancelled")
		d.logger.Info("conversation cancelled", "session", s.ID)
		notice = "Conversation cancelled."
	default:
		d.metrics.ObserveSessionEnd("error")
		d.logger.Error("conversation failed", "session", s.ID, "error", err)
		notice = fmt.Sprintf("Conversation stopped: %v", err)
	}

	if d.sink != nil {
		if sendErr := d.sink.Send(notice, persona.SystemAuthor, ""); sendErr != nil {
			d.logger.Warn("could not show end notice", "error", sendErr)
		}
	}
}

func (d *Dispatcher) Started() bool { return d.started.Load() }

// Session returns the running or finished session, if one was started.
func (d *Dispatcher) Session() (Session, bool) {
	if !d.started.Load() {
		return Session{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session, d.session.ID != ""
}

// Done is closed when the conversation goroutine exits.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Err is the conversation's error once Done is closed.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
