// Package engine implements the Engine Driver (C5): spawns one child
// process per stage, classifies its combined log stream into events, and
// enforces the mandatory early-termination protocol once the engine signals
// it has hit its byte cap.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/skuid87/cloudplow/internal/rcclient"
	"github.com/skuid87/cloudplow/internal/strategy"
)

// earlyTerminationDelay is the fixed 5s arming window from §4.5.
const earlyTerminationDelay = 5 * time.Second

// killGracePeriod bounds how long the driver waits for the child to exit
// after a terminate signal before force-killing it (§5 (ii)).
const killGracePeriod = 5 * time.Second

// StageParams is everything the driver needs to spawn and drive one stage.
type StageParams struct {
	Uploader      string
	Credential    string // credential file path
	SourcePath    string
	DestPath      string
	Bundle        strategy.Bundle
	EngineExtras  map[string]string // passed through verbatim, per §6
	ChunkListPath string            // non-empty when chunking is enabled

	// StageLogger, when non-nil, receives every classified engine output
	// line at DEBUG — the dedicated per-stage JSONL file that §4.5's
	// session logging requires is wired up by the caller (C8) via
	// internal/logging.NewStageLogger, which fans this logger out to both
	// the global log and the stage file.
	StageLogger *slog.Logger
}

// StageResult is the per-stage outcome, per §4.5.
type StageResult struct {
	Success         bool
	TransferCount   int
	TotalBytes      uint64
	Duration        time.Duration
	AvgSpeed        float64
	RateLimitKind   string // "" unless RateLimited
	RateLimited     bool
	DelayHours      int
	EarlyTerminated bool
	Fatal           bool
	FatalMessage    string
}

// FileCompleteFunc is invoked synchronously, in engine emission order, for
// every file_complete event — the real-time accounting hook C8 wires to C1
// and C3 (§4.8).
type FileCompleteFunc func(path string, size uint64)

// RateLimitDelay maps a rate_limit substring to a ban duration in hours.
// The zero value or a missing key falls back to a 24h default per §7 item 3.
type RateLimitDelay map[string]int

// Driver spawns and supervises the transfer engine's child process.
type Driver struct {
	engineBinaryPath string
	rc               *rcclient.Client
	delays           RateLimitDelay
	logger           *slog.Logger
}

// New creates a Driver. rc may be nil, in which case early-termination
// polling and size-fallback lookups are skipped (control-plane unreachable
// degrades per §7 item 4 — never aborts).
func New(engineBinaryPath string, rc *rcclient.Client, delays RateLimitDelay, logger *slog.Logger) *Driver {
	return &Driver{
		engineBinaryPath: engineBinaryPath,
		rc:               rc,
		delays:           delays,
		logger:           logger.With("component", "engine_driver"),
	}
}

// RunStage spawns the engine for one stage and drives it to completion,
// invoking onFileComplete for every file_complete event as it is classified.
func (d *Driver) RunStage(ctx context.Context, p StageParams, onFileComplete FileCompleteFunc) (*StageResult, error) {
	args := d.buildArgs(p)

	stageCtx, cancelStage := context.WithCancel(ctx)
	defer cancelStage()

	cmd := exec.CommandContext(stageCtx, d.engineBinaryPath, args...)
	// The engine runs in its own process group and cancellation kills the
	// whole group: a descendant that inherited the output pipes would
	// otherwise keep them open and hold the read loop below until it exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting engine process: %w", err)
	}

	lines := make(chan string, 256)
	var readWG sync.WaitGroup
	readWG.Add(2)
	go pumpLines(stdout, lines, &readWG)
	go pumpLines(stderr, lines, &readWG)
	go func() {
		readWG.Wait()
		close(lines)
	}()

	result := &StageResult{}
	start := time.Now()

	var armed bool
	fireCh := make(chan struct{}, 1)

	decided := false
	var graceCh <-chan time.Time
	terminate := func() {
		d.terminateChild(cmd)
		if graceCh == nil {
			graceCh = time.After(killGracePeriod)
		}
	}

	// Drains every line the engine emits, including everything already
	// buffered before a terminate signal is sent, until both pipes report
	// EOF — only then is cmd.Wait() called below. This is the §5(i)/P5
	// flush requirement: every file_complete event already in flight is
	// classified and forwarded before the stage reports an outcome. It also
	// keeps cmd.Wait() from racing the reads: per the os/exec docs, Wait
	// closes the stdout/stderr pipes as soon as it observes the process has
	// exited, which can truncate a pumpLines goroutine still scanning them.
loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if p.StageLogger != nil {
				p.StageLogger.Debug("engine output", "line", line)
			}

			ev := Classify(line)
			switch ev.Kind {
			case EventFileComplete:
				size := d.resolveSize(ctx, p, ev.Path)
				result.TransferCount++
				result.TotalBytes += size
				if onFileComplete != nil {
					onFileComplete(ev.Path, size)
				}
			case EventRateLimit:
				if !decided {
					decided = true
					result.RateLimited = true
					result.RateLimitKind = ev.RateLimitKind
					result.DelayHours = d.delayFor(ev.RateLimitKind)
					terminate()
				}
			case EventFatal:
				if !decided {
					decided = true
					result.Fatal = true
					result.FatalMessage = ev.Message
					terminate()
				}
			case EventMaxTransferReached:
				if !armed {
					armed = true
					go func() {
						select {
						case <-time.After(earlyTerminationDelay):
							select {
							case fireCh <- struct{}{}:
							default:
							}
						case <-stageCtx.Done():
						}
					}()
				}
			}

		case <-fireCh:
			if !decided && d.shouldEarlyTerminate(ctx) {
				decided = true
				result.EarlyTerminated = true
				result.Success = true
				terminate()
			}

		case <-graceCh:
			graceCh = nil
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}
	}

	// All reads have completed (both pipes are at EOF): safe to reap the
	// process now.
	waitErr := cmd.Wait()
	result.Duration = time.Since(start)
	if !decided {
		result.Success = waitErr == nil
	}
	if result.Duration > 0 {
		result.AvgSpeed = float64(result.TotalBytes) / result.Duration.Seconds()
	}

	return result, nil
}

func (d *Driver) delayFor(kind string) int {
	if d.delays != nil {
		if h, ok := d.delays[kind]; ok {
			return h
		}
	}
	return 24 // default daily/user-rate delay, §7 item 3
}

// shouldEarlyTerminate polls C6 once and applies §4.5's early-termination
// predicate. A control-plane poll failure degrades to "do not terminate"
// (§7 item 4: never aborts, just loses the optimization).
func (d *Driver) shouldEarlyTerminate(ctx context.Context) bool {
	if d.rc == nil {
		return false
	}
	stats := d.rc.Stats(ctx)
	if !stats.Known {
		return false
	}
	return len(stats.Transferring) == 0 && stats.Speed == 0 && len(stats.Checking) > 0
}

// resolveSize parses a size from the log line when present; here the
// classifier does not capture an inline size (rclone's verbose "Copied"
// lines carry none), so the driver falls back to the size of the matching
// entry in the control-plane's transferring list and finally the local
// filesystem, per §4.5.
func (d *Driver) resolveSize(ctx context.Context, p StageParams, path string) uint64 {
	if d.rc != nil {
		stats := d.rc.Stats(ctx)
		if stats.Known {
			for _, t := range stats.Transferring {
				if t.Name == path {
					return uint64(t.Size)
				}
			}
		}
	}
	if fi, err := os.Stat(filepath.Join(p.SourcePath, path)); err == nil {
		return uint64(fi.Size())
	}
	return 0
}

func (d *Driver) terminateChild(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
}

func pumpLines(r io.Reader, out chan<- string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// buildArgs composes the child's flag set from the parameter bundle plus
// the fixed operator configuration, per §6's engine-agnostic contract.
func (d *Driver) buildArgs(p StageParams) []string {
	args := []string{"copy", p.SourcePath, p.DestPath}

	args = append(args, "--transfers", strconv.Itoa(p.Bundle.Concurrency))
	// --max-transfer is never omitted: an absent cap means the engine runs
	// with no aggregate byte ceiling at all, which can blow straight through
	// the credential's remaining quota. A non-positive StageByteCap (which
	// Select should never produce once the caller enforces remaining >
	// safety_margin before starting a stage, but which a future caller bug
	// could still manufacture) is floored at 1 byte so the engine halts
	// almost immediately instead of running unbounded.
	stageCap := p.Bundle.StageByteCap
	if stageCap <= 0 {
		stageCap = 1
	}
	args = append(args, "--max-transfer", fmt.Sprintf("%dB", stageCap))
	if p.Bundle.PerFileSizeCap > 0 {
		args = append(args, "--max-size", fmt.Sprintf("%dB", p.Bundle.PerFileSizeCap))
	}
	if p.Bundle.OrderBy == strategy.OrderSizeDesc {
		args = append(args, "--order-by=size,desc")
	}
	args = append(args, "--cutoff-mode=cautious")
	args = append(args, "--stats=60s")
	args = append(args, "-v")

	if p.Credential != "" {
		args = append(args, "--drive-service-account-file", p.Credential)
	}
	if p.ChunkListPath != "" {
		args = append(args, "--files-from", p.ChunkListPath)
	}

	for _, k := range sortedKeys(p.EngineExtras) {
		args = append(args, "--"+k, p.EngineExtras[k])
	}

	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
