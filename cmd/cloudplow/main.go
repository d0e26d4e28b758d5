// Command cloudplow is the upload orchestrator's entry point: it wires the
// C1-C9 components together and dispatches to one of a handful of
// subcommands, mirroring the teacher's os.Args[1]-before-flag.Parse pattern.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/skuid87/cloudplow/internal/ban"
	"github.com/skuid87/cloudplow/internal/chunker"
	"github.com/skuid87/cloudplow/internal/config"
	"github.com/skuid87/cloudplow/internal/distribution"
	"github.com/skuid87/cloudplow/internal/engine"
	"github.com/skuid87/cloudplow/internal/logging"
	"github.com/skuid87/cloudplow/internal/monitor"
	"github.com/skuid87/cloudplow/internal/publisher"
	"github.com/skuid87/cloudplow/internal/quota"
	"github.com/skuid87/cloudplow/internal/rcclient"
	"github.com/skuid87/cloudplow/internal/session"
)

const unimplementedMessage = "not implemented in this build: handled by an external collaborator"

// stopGracePeriod bounds how long --daemon waits for an in-flight upload
// pass to finish before giving up during shutdown.
const stopGracePeriod = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: cloudplow <upload|run|cleanup|move> [flags]")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "upload":
		runUpload(os.Args[2:])
	case "run", "cleanup", "move":
		fmt.Fprintln(os.Stderr, unimplementedMessage)
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runUpload(args []string) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	configPath := fs.String("config", "/etc/cloudplow/cloudplow.yaml", "path to the YAML configuration file")
	daemon := fs.Bool("daemon", false, "run as a cron-driven daemon instead of a single pass over every uploader")
	only := fs.String("uploader", "", "when set, run only this single uploader instead of all configured ones (ignored in --daemon mode)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := engine.EnsureStandaloneControlPlane(ctx, cfg.Core.EngineBinaryPath, engine.StandaloneConfig{
		Enabled: cfg.RC.Standalone.Enabled,
		Addr:    cfg.RC.Standalone.Addr,
		WebGUI:  cfg.RC.Standalone.WebGUI,
		NoAuth:  cfg.RC.Standalone.NoAuth,
		User:    cfg.RC.Standalone.User,
		Pass:    cfg.RC.Standalone.Pass,
	}, logger); err != nil {
		logger.Error("could not bring up the standalone control plane", "error", err)
		os.Exit(1)
	}

	loop, sysmon := buildLoop(cfg, logger)
	sysmon.Start()
	defer sysmon.Stop()

	if *daemon {
		runDaemon(ctx, cfg, logger, loop)
		return
	}

	runOnce(ctx, cfg, logger, loop, *only)
}

// buildLoop constructs the C1-C9 components from the loaded configuration
// and returns the single Loop that drives every uploader, plus the system
// monitor whose lifecycle the caller owns.
func buildLoop(cfg *config.Config, logger *slog.Logger) (*session.Loop, *monitor.SystemMonitor) {
	ledger := quota.NewLedger(cfg.Core.StateDir, cfg.QuotaCapBytesResolved, config.DefaultSafetyMarginFraction, logger)
	bans := ban.NewSet(cfg.Core.StateDir, logger)
	dist := distribution.NewStore(cfg.Core.StateDir, logger)
	ck := chunker.New(cfg.Core.EngineBinaryPath, cfg.Core.StateDir, logger)
	rc := rcclient.New(cfg.RC.URL, cfg.RC.User, cfg.RC.Pass, 4, logger)
	driver := engine.New(cfg.Core.EngineBinaryPath, rc, engine.RateLimitDelay(cfg.RateLimit), logger)
	pub := publisher.New(cfg.Core.StateDir, logger)
	sysmon := monitor.NewSystemMonitor(logger, cfg.Core.StateDir)
	retryPartial := cfg.Policy.RetryPartialStageFailures != nil && *cfg.Policy.RetryPartialStageFailures

	loop := session.NewLoop(cfg.QuotaCapBytesResolved, ledger, bans, dist, ck, driver, rc, pub, sysmon, cfg.Logging.Dir, retryPartial, logger)
	return loop, sysmon
}

// runOnce drives a single Session Loop pass over every configured uploader
// (or just the one named by --uploader), in deterministic sorted order.
func runOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, loop *session.Loop, only string) {
	names := make([]string, 0, len(cfg.Uploaders))
	for name := range cfg.Uploaders {
		if only != "" && name != only {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if only != "" && len(names) == 0 {
		fmt.Fprintf(os.Stderr, "unknown uploader %q\n", only)
		os.Exit(2)
	}

	exitCode := 0
	for _, name := range names {
		uploaderLogger := logger.With("uploader", name)
		result, err := loop.Run(ctx, name, cfg.Uploaders[name], uploaderLogger, &session.UploadJob{Name: name, Uploader: cfg.Uploaders[name]})
		if err != nil {
			uploaderLogger.Error("upload pass failed", "error", err)
			exitCode = 1
			continue
		}
		uploaderLogger.Info("upload pass finished",
			"status", result.Status,
			"stages_run", result.StagesRun,
			"bytes_transferred", result.BytesTransferred,
			"duration_seconds", result.DurationSeconds,
		)
		if result.Status == "failed" {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

// runDaemon hands every configured uploader to a cron-driven DaemonScheduler
// and blocks until ctx is cancelled (SIGINT/SIGTERM).
func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, loop *session.Loop) {
	scheduler, err := session.NewDaemonScheduler(cfg, logger, loop.Run)
	if err != nil {
		logger.Error("could not build the daemon scheduler", "error", err)
		os.Exit(1)
	}

	scheduler.Start()
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
	defer cancel()
	scheduler.Stop(stopCtx)
}
