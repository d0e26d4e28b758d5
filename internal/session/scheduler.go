// Package session implements the Session Loop (C8) state machine and the
// cron-driven daemon wrapper around it (DaemonScheduler).
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/skuid87/cloudplow/internal/config"
)

// RunResult captures the outcome of one full Session Loop pass over a
// single uploader (one or more stages, across however many credentials
// were tried before exhaustion, ban, or config.Uploader.MaxStages).
type RunResult struct {
	Status           string    `json:"status"` // "completed", "failed", "skipped"
	DurationSeconds  float64   `json:"duration_seconds"`
	BytesTransferred int64     `json:"bytes_transferred"`
	StagesRun        int       `json:"stages_run"`
	Timestamp        time.Time `json:"timestamp"`
}

// UploadJob pairs a configured uploader with the run-guard and last-result
// state a cron tick and a concurrent CLI invocation must never race on.
type UploadJob struct {
	Name     string
	Uploader config.Uploader

	mu         sync.Mutex
	running    bool
	LastResult *RunResult
}

// RunFunc performs one Session Loop pass for a single uploader. Implemented
// by the top-level session runner; injected here so DaemonScheduler stays
// decoupled from Engine Driver / RC Client wiring, exactly as the teacher's
// scheduler took a runFn closure instead of importing the backup pipeline
// directly.
type RunFunc func(ctx context.Context, name string, uploader config.Uploader, logger *slog.Logger, job *UploadJob) (*RunResult, error)

// DaemonScheduler drives N independent cron jobs, one per configured
// uploader, each invocation running one Session Loop pass (§4.8).
type DaemonScheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	jobs   []*UploadJob
	runFn  RunFunc
}

// NewDaemonScheduler registers one cron entry per uploader in cfg.Uploaders,
// using each uploader's Schedule field (defaulted to "@daily" by
// config.validate). Uploader names are iterated in sorted order so the
// registration log is deterministic.
func NewDaemonScheduler(cfg *config.Config, logger *slog.Logger, runFn RunFunc) (*DaemonScheduler, error) {
	s := &DaemonScheduler{
		logger: logger,
		runFn:  runFn,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	names := make([]string, 0, len(cfg.Uploaders))
	for name := range cfg.Uploaders {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		uploader := cfg.Uploaders[name]
		job := &UploadJob{Name: name, Uploader: uploader}
		s.jobs = append(s.jobs, job)

		jobRef := job
		if _, err := c.AddFunc(uploader.Schedule, func() {
			s.executeJob(jobRef)
		}); err != nil {
			return nil, fmt.Errorf("adding cron job for uploader %q: %w", name, err)
		}

		logger.Info("registered uploader job",
			"uploader", name,
			"remote", uploader.RemotePath,
			"schedule", uploader.Schedule,
			"max_stages", uploader.MaxStages,
		)
	}

	s.cron = c
	return s, nil
}

// Start begins firing cron ticks.
func (s *DaemonScheduler) Start() {
	s.logger.Info("daemon scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop stops the cron scheduler and waits (bounded by ctx) for any
// in-flight Session Loop pass to finish.
func (s *DaemonScheduler) Stop(ctx context.Context) {
	s.logger.Info("daemon scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("daemon scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("daemon scheduler stop timed out waiting for in-flight uploads")
	}
}

// Jobs returns the registered jobs, one per uploader, in sorted name order.
func (s *DaemonScheduler) Jobs() []*UploadJob {
	return s.jobs
}

func (s *DaemonScheduler) executeJob(job *UploadJob) {
	jobLogger := s.logger.With("uploader", job.Name, "remote", job.Uploader.RemotePath)

	job.mu.Lock()
	if job.running {
		job.mu.Unlock()
		jobLogger.Warn("upload already running, skipping scheduled tick")
		job.LastResult = &RunResult{
			Status:    "skipped",
			Timestamp: time.Now(),
		}
		return
	}
	job.running = true
	job.mu.Unlock()

	defer func() {
		job.mu.Lock()
		job.running = false
		job.mu.Unlock()
	}()

	jobLogger.Info("scheduled upload triggered")
	start := time.Now()

	result, err := s.runFn(context.Background(), job.Name, job.Uploader, jobLogger, job)
	duration := time.Since(start)

	if err != nil {
		jobLogger.Error("upload failed", "error", err, "duration", duration)
		job.LastResult = &RunResult{
			Status:          "failed",
			DurationSeconds: duration.Seconds(),
			Timestamp:       time.Now(),
		}
		return
	}

	if result == nil {
		result = &RunResult{Status: "completed"}
	}
	result.DurationSeconds = duration.Seconds()
	result.Timestamp = time.Now()
	jobLogger.Info("upload completed",
		"duration", duration,
		"bytes_transferred", result.BytesTransferred,
		"stages_run", result.StagesRun,
	)
	job.LastResult = result
}
