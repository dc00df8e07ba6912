package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	KindCron  = "cron"
	KindEvery = "every"
	KindAt    = "at"
)

// Run statuses recorded in JobState.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// DefaultAuthor is the input author used when a payload does not name one.
const DefaultAuthor = "scheduler"

var ErrJobNotFound = errors.New("cron: job not found")

// parser accepts both 5-field and 6-field (leading seconds) expressions.
var parser = rcron.NewParser(
	rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

// Schedule says when a job fires: a cron expression, a fixed interval, or
// a single point in time.
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Validate checks that the schedule can be registered.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if strings.TrimSpace(s.Expr) == "" {
			return fmt.Errorf("cron schedule needs an expression")
		}
		if _, err := parser.Parse(s.Expr); err != nil {
			return fmt.Errorf("parse cron expression %q: %w", s.Expr, err)
		}
	case KindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule needs a positive interval, got %dms", s.EveryMs)
		}
	case KindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule needs a timestamp")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Every builds an interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Kind: KindEvery, EveryMs: d.Milliseconds()}
}

// At builds a one-shot schedule.
func At(t time.Time) Schedule {
	return Schedule{Kind: KindAt, AtMs: t.UnixMilli()}
}

// Expr builds a cron-expression schedule.
func Expr(expr string) Schedule {
	return Schedule{Kind: KindCron, Expr: expr}
}

// Payload is the input a job submits when it fires.
type Payload struct {
	Message string `json:"message"`
	Author  string `json:"author,omitempty"`
}

// AuthorOrDefault returns the payload author, or DefaultAuthor.
func (p Payload) AuthorOrDefault() string {
	if strings.TrimSpace(p.Author) == "" {
		return DefaultAuthor
	}
	return p.Author
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastResult  string `json:"lastResult,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	Runs        int    `json:"runs,omitempty"`
}

// Job is a persisted scheduled input.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
}

// NewJob returns an enabled job with a fresh ID. One-shot jobs are removed
// after they run.
func NewJob(name string, schedule Schedule, payload Payload) Job {
	return Job{
		ID:             uuid.NewString(),
		Name:           name,
		Enabled:        true,
		Schedule:       schedule,
		Payload:        payload,
		CreatedAtMs:    time.Now().UnixMilli(),
		DeleteAfterRun: schedule.Kind == KindAt,
	}
}

// due reports whether an interval or one-shot job should fire at now.
// Cron-expression jobs are driven by robfig/cron and never report due here.
func (j Job) due(nowMs int64) bool {
	if !j.Enabled {
		return false
	}
	switch j.Schedule.Kind {
	case KindEvery:
		return j.Schedule.EveryMs > 0 && nowMs >= j.State.LastRunAtMs+j.Schedule.EveryMs
	case KindAt:
		return j.Schedule.AtMs > 0 && nowMs >= j.Schedule.AtMs
	}
	return false
}
