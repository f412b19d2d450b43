package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/pkg/logger"
)

// Job is a scheduled reminder. Schedule is a standard cron expression;
// the message is delivered to the owning chat when it fires.
type Job struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Message   string     `json:"message"`
	Channel   string     `json:"channel"`
	ChatID    string     `json:"chat_id"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
}

// FireFunc delivers a due job back into the agent.
type FireFunc func(job Job)

// Service persists jobs to a JSON file and wakes for the nearest tick.
type Service struct {
	path   string
	jobs   map[string]*Job
	mu     sync.Mutex
	fire   FireFunc
	parser *gronx.Gronx
	wake   chan struct{}
}

func NewService(path string, fire FireFunc) *Service {
	s := &Service{
		path:   path,
		jobs:   make(map[string]*Job),
		fire:   fire,
		parser: gronx.New(),
		wake:   make(chan struct{}, 1),
	}
	s.load()
	return s
}

func (s *Service) Add(name, schedule, message, channel, chatID string) (*Job, error) {
	if !s.parser.IsValid(schedule) {
		return nil, fmt.Errorf("invalid cron expression: %s", schedule)
	}

	job := &Job{
		ID:        uuid.New().String()[:8],
		Name:      name,
		Schedule:  schedule,
		Message:   message,
		Channel:   channel,
		ChatID:    chatID,
		Enabled:   true,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.saveLocked()
	s.mu.Unlock()

	s.poke()
	return job, nil
}

func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	s.saveLocked()
	return true
}

// List returns jobs ordered by creation time.
func (s *Service) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Run blocks until ctx is cancelled, firing due jobs.
func (s *Service) Run(ctx context.Context) {
	logger.InfoC("cron", "Cron service started")
	for {
		next, ok := s.nextTick()
		var timer *time.Timer
		if ok {
			timer = time.NewTimer(time.Until(next))
		} else {
			// Nothing scheduled, sleep until a job is added
			timer = time.NewTimer(time.Hour)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			logger.InfoC("cron", "Cron service stopped")
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.fireDue(time.Now())
		}
	}
}

// nextTick finds the soonest upcoming tick across enabled jobs.
func (s *Service) nextTick() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	found := false
	now := time.Now()
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		tick, err := gronx.NextTickAfter(job.Schedule, now, false)
		if err != nil {
			continue
		}
		if !found || tick.Before(next) {
			next = tick
			found = true
		}
	}
	return next, found
}

func (s *Service) fireDue(now time.Time) {
	s.mu.Lock()
	var due []Job
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		ref := job.CreatedAt
		if job.LastRun != nil {
			ref = *job.LastRun
		}
		tick, err := gronx.NextTickAfter(job.Schedule, ref, false)
		if err != nil {
			continue
		}
		if !tick.After(now) {
			t := now
			job.LastRun = &t
			due = append(due, *job)
		}
	}
	if len(due) > 0 {
		s.saveLocked()
	}
	s.mu.Unlock()

	for _, job := range due {
		logger.InfoCF("cron", "Firing job", map[string]interface{}{
			"id":   job.ID,
			"name": job.Name,
		})
		s.fire(job)
	}
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) saveLocked() {
	if s.path == "" {
		return
	}
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		logger.WarnCF("cron", "Failed to save jobs", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Service) load() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
}
