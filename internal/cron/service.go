// Package cron fires scheduled inputs into the conversation. Jobs are
// persisted as JSON; cron expressions run on robfig/cron, interval and
// one-shot jobs on a one-second tick.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	rcron "github.com/robfig/cron/v3"
)

// Handler receives a fired job. The returned string is recorded as the
// job's last result.
type Handler func(ctx context.Context, job Job) (string, error)

type Service struct {
	storePath string
	handler   Handler
	tick      time.Duration

	mu      sync.Mutex
	jobs    []Job
	cron    *rcron.Cron
	entries map[string]rcron.EntryID // job ID -> cron entry
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService creates a scheduler backed by the JSON file at storePath.
// Jobs are loaded on Start; handler may be nil for list/edit-only use.
func NewService(storePath string, handler Handler) *Service {
	return &Service{
		storePath: storePath,
		handler:   handler,
		tick:      time.Second,
		entries:   make(map[string]rcron.EntryID),
	}
}

// Load reads persisted jobs without starting the scheduler.
func (s *Service) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("cron service already started")
	}
	if err := s.load(); err != nil {
		log.Printf("[cron] warning: failed to load jobs: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.cron = rcron.New(rcron.WithParser(parser))
	s.entries = make(map[string]rcron.EntryID)
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == KindCron {
			s.register(s.jobs[i])
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d jobs", count)

	go s.tickLoop(runCtx, done)
	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

// register adds a cron-expression job to the running scheduler. Caller
// holds s.mu.
func (s *Service) register(job Job) {
	if s.cron == nil {
		return
	}
	id := job.ID
	entryID, err := s.cron.AddFunc(job.Schedule.Expr, func() {
		s.fireByID(id)
	})
	if err != nil {
		log.Printf("[cron] failed to register job %s (%s): %v", job.Name, job.Schedule.Expr, err)
		return
	}
	s.entries[id] = entryID
}

// unregister removes a job's cron entry. Caller holds s.mu.
func (s *Service) unregister(id string) {
	if entryID, ok := s.entries[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entries, id)
	}
}

func (s *Service) fireByID(id string) {
	s.mu.Lock()
	ctx := s.runCtx
	idx := s.indexOf(id)
	if idx < 0 || ctx == nil {
		s.mu.Unlock()
		return
	}
	job := s.jobs[idx]
	s.mu.Unlock()
	s.fire(ctx, job)
}

// fire invokes the handler and records the outcome.
func (s *Service) fire(ctx context.Context, job Job) (Job, error) {
	log.Printf("[cron] firing job %s (%s)", job.Name, job.ID)

	var (
		result string
		err    error
	)
	if s.handler == nil {
		err = fmt.Errorf("no handler configured")
	} else {
		result, err = s.handler(ctx, job)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(job.ID)
	if idx < 0 {
		return job, err
	}
	st := &s.jobs[idx].State
	st.LastRunAtMs = time.Now().UnixMilli()
	st.Runs++
	if err != nil {
		st.LastStatus = StatusError
		st.LastError = err.Error()
		st.LastResult = ""
		log.Printf("[cron] job %s error: %v", job.Name, err)
	} else {
		st.LastStatus = StatusOK
		st.LastError = ""
		st.LastResult = truncate(result, 200)
		log.Printf("[cron] job %s result: %s", job.Name, truncate(result, 100))
	}
	updated := s.jobs[idx]

	if updated.DeleteAfterRun {
		s.unregister(job.ID)
		s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
	}
	if saveErr := s.save(); saveErr != nil {
		log.Printf("[cron] warning: failed to save jobs: %v", saveErr)
	}
	return updated, err
}

func (s *Service) tickLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, job := range s.collectDue(time.Now().UnixMilli()) {
				if ctx.Err() != nil {
					return
				}
				s.fire(ctx, job)
			}
		case <-ctx.Done():
			return
		}
	}
}

// collectDue snapshots the interval and one-shot jobs due at nowMs. One-shot
// jobs are disabled before they fire so a slow handler cannot fire them twice.
func (s *Service) collectDue(nowMs int64) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Job
	for i := range s.jobs {
		if !s.jobs[i].due(nowMs) {
			continue
		}
		if s.jobs[i].Schedule.Kind == KindAt {
			s.jobs[i].Enabled = false
		}
		due = append(due, s.jobs[i])
	}
	return due
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	c := s.cron
	s.cancel = nil
	s.done = nil
	s.runCtx = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for running jobs")
		}
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for tick loop")
		}
	}
	log.Printf("[cron] stopped")
}

// AddJob validates and persists a new job, registering it if the scheduler
// is running.
func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (Job, error) {
	if err := schedule.Validate(); err != nil {
		return Job{}, err
	}
	if payload.Message == "" {
		return Job{}, fmt.Errorf("job %q has an empty message", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewJob(name, schedule, payload)
	if schedule.Kind == KindEvery {
		// first run one interval from now rather than immediately
		job.State.LastRunAtMs = job.CreatedAtMs
	}
	s.jobs = append(s.jobs, job)
	if job.Schedule.Kind == KindCron {
		s.register(job)
	}
	if err := s.save(); err != nil {
		return Job{}, fmt.Errorf("save jobs: %w", err)
	}
	return job, nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return false
	}
	s.unregister(id)
	s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
	if err := s.save(); err != nil {
		log.Printf("[cron] warning: failed to save jobs: %v", err)
	}
	return true
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job := &s.jobs[idx]
	job.Enabled = enabled
	if job.Schedule.Kind == KindCron {
		if enabled {
			if _, ok := s.entries[id]; !ok {
				s.register(*job)
			}
		} else {
			s.unregister(id)
		}
	}
	if err := s.save(); err != nil {
		return Job{}, fmt.Errorf("save jobs: %w", err)
	}
	return *job, nil
}

// RunJob fires a job immediately, regardless of its schedule.
func (s *Service) RunJob(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job := s.jobs[idx]
	s.mu.Unlock()
	return s.fire(ctx, job)
}

func (s *Service) indexOf(id string) int {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse %s: %w", s.storePath, err)
	}
	s.jobs = jobs
	return nil
}

func (s *Service) save() error {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.storePath)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
