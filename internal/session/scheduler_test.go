package session

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skuid87/cloudplow/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testConfig() *config.Config {
	return &config.Config{
		Uploaders: map[string]config.Uploader{
			"gdrive": {
				LocalPath:  "/data/media",
				RemotePath: "gdrive:backup",
				MaxStages:  10,
				Schedule:   "@every 1h",
			},
		},
	}
}

func TestNewDaemonScheduler_RegistersOneJobPerUploader(t *testing.T) {
	cfg := testConfig()
	cfg.Uploaders["plex"] = config.Uploader{
		LocalPath:  "/data/plex",
		RemotePath: "gdrive:plex",
		MaxStages:  5,
		Schedule:   "@every 2h",
	}

	var calls int32
	runFn := func(ctx context.Context, name string, u config.Uploader, logger *slog.Logger, job *UploadJob) (*RunResult, error) {
		atomic.AddInt32(&calls, 1)
		return &RunResult{Status: "completed"}, nil
	}

	s, err := NewDaemonScheduler(cfg, testLogger(), runFn)
	if err != nil {
		t.Fatalf("NewDaemonScheduler: %v", err)
	}

	if len(s.Jobs()) != 2 {
		t.Fatalf("expected 2 registered jobs, got %d", len(s.Jobs()))
	}
}

func TestNewDaemonScheduler_InvalidScheduleIsRejected(t *testing.T) {
	cfg := testConfig()
	u := cfg.Uploaders["gdrive"]
	u.Schedule = "not a cron expression"
	cfg.Uploaders["gdrive"] = u

	runFn := func(ctx context.Context, name string, u config.Uploader, logger *slog.Logger, job *UploadJob) (*RunResult, error) {
		return &RunResult{}, nil
	}

	if _, err := NewDaemonScheduler(cfg, testLogger(), runFn); err == nil {
		t.Fatal("expected error for invalid cron schedule")
	}
}

func TestExecuteJob_SkipsWhenAlreadyRunning(t *testing.T) {
	cfg := testConfig()

	release := make(chan struct{})
	entered := make(chan struct{})
	var calls int32

	runFn := func(ctx context.Context, name string, u config.Uploader, logger *slog.Logger, job *UploadJob) (*RunResult, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			close(entered)
			<-release
		}
		return &RunResult{Status: "completed"}, nil
	}

	s, err := NewDaemonScheduler(cfg, testLogger(), runFn)
	if err != nil {
		t.Fatalf("NewDaemonScheduler: %v", err)
	}

	job := s.Jobs()[0]

	go s.executeJob(job)
	<-entered

	// Second tick while the first is still in-flight must be skipped, not queued.
	s.executeJob(job)

	close(release)
	// Give the first goroutine a moment to record its result.
	deadline := time.Now().Add(time.Second)
	for job.LastResult == nil || job.LastResult.Status == "skipped" {
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected runFn invoked exactly once while a run was in-flight, got %d calls", calls)
	}
}

func TestExecuteJob_RecordsFailure(t *testing.T) {
	cfg := testConfig()

	runFn := func(ctx context.Context, name string, u config.Uploader, logger *slog.Logger, job *UploadJob) (*RunResult, error) {
		return nil, errTestRunFailed
	}

	s, err := NewDaemonScheduler(cfg, testLogger(), runFn)
	if err != nil {
		t.Fatalf("NewDaemonScheduler: %v", err)
	}

	job := s.Jobs()[0]
	s.executeJob(job)

	if job.LastResult == nil || job.LastResult.Status != "failed" {
		t.Fatalf("expected failed result, got %+v", job.LastResult)
	}
}

var errTestRunFailed = &testRunError{}

type testRunError struct{}

func (e *testRunError) Error() string { return "simulated run failure" }
