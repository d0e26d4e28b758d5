package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/skuid87/cloudplow/internal/rcclient"
)

// StandaloneConfig mirrors rc.standalone from the operator configuration
// (§6).
type StandaloneConfig struct {
	Enabled bool
	Addr    string
	WebGUI  bool
	NoAuth  bool
	User    string
	Pass    string
}

// EnsureStandaloneControlPlane probes the configured addr via rc/noop and,
// if nothing answers, spawns a long-lived `rcd` process. It is started at
// most once per orchestrator lifetime and is intentionally never torn down
// — it is supervised, not owned (§4.6, §9 non-goal on control-plane
// lifecycle).
func EnsureStandaloneControlPlane(ctx context.Context, engineBinaryPath string, cfg StandaloneConfig, logger *slog.Logger) error {
	if !cfg.Enabled {
		return nil
	}
	logger = logger.With("component", "control_plane_supervisor")

	probeClient := rcclient.New("http://"+cfg.Addr, cfg.User, cfg.Pass, 1, logger)
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	alive := probeClient.Noop(probeCtx)
	cancel()
	if alive {
		logger.Info("standalone control plane already listening, not spawning", "addr", cfg.Addr)
		return nil
	}

	args := []string{"rcd", "--rc-addr=" + cfg.Addr}
	if cfg.WebGUI {
		args = append(args, "--rc-web-gui")
	}
	if cfg.NoAuth {
		args = append(args, "--rc-no-auth")
	} else if cfg.User != "" {
		args = append(args, "--rc-user="+cfg.User, "--rc-pass="+cfg.Pass)
	}

	cmd := exec.Command(engineBinaryPath, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning standalone control plane: %w", err)
	}
	logger.Info("spawned standalone control plane", "addr", cfg.Addr, "pid", cmd.Process.Pid)

	// Deliberately not waited on or killed: the daemon outlives this
	// process by design.
	go func() { _ = cmd.Wait() }()

	for i := 0; i < 10; i++ {
		time.Sleep(300 * time.Millisecond)
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		up := probeClient.Noop(checkCtx)
		cancel()
		if up {
			return nil
		}
	}
	return fmt.Errorf("standalone control plane did not respond to rc/noop after spawn")
}
