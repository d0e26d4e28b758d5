package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

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
	"github.com/skuid87/cloudplow/internal/strategy"
)

// Loop wires C1-C7/C9 together into the state machine of §4.8. One Loop
// serves every configured uploader; per-uploader state lives in the
// wrapped components (all keyed by uploader name).
type Loop struct {
	quotaCap int64

	ledger  *quota.Ledger
	bans    *ban.Set
	dist    *distribution.Store
	chunker *chunker.Chunker
	driver  *engine.Driver
	rc      *rcclient.Client
	pub     *publisher.Publisher
	sysmon  *monitor.SystemMonitor
	logger  *slog.Logger

	// sessionLogDir, when non-empty, turns on the per-stage JSONL logging
	// described by §4.5: {sessionLogDir}/{uploader}/{credential}-stage{n}-{timestamp}.log.
	sessionLogDir string

	// retryPartialFailures resolves §9's Open Question: whether a stage that
	// exited unsuccessfully without a fatal/rate-limit/early-termination
	// classification, but whose partial progress was already accounted via
	// onFileComplete, is retried on the same credential and stage slot.
	retryPartialFailures bool
}

// minChunkArtifactFreeBytes is the local free-disk floor consulted before
// materializing a chunk batch's file-list artifact (§4.4): below this, the
// Session Loop falls back to an unchunked stage rather than risk filling the
// volume holding the persisted caches.
const minChunkArtifactFreeBytes = 1 << 30 // 1 GiB

// maxPartialStageRetries bounds how many times a single stage slot is
// retried on a partial failure before the credential moves on regardless,
// so a persistently broken credential can never stall an uploader's pass.
const maxPartialStageRetries = 1

// NewLoop builds a Loop from the already-constructed C1/C2/C3/C4/C5/C6/C9
// components, per SPEC_FULL.md's wiring in cmd/cloudplow. sessionLogDir may
// be empty, which disables per-stage session log files. sysmon may be nil,
// which disables the disk-space guard and system-health publishing.
func NewLoop(quotaCap int64, ledger *quota.Ledger, bans *ban.Set, dist *distribution.Store, ck *chunker.Chunker, driver *engine.Driver, rc *rcclient.Client, pub *publisher.Publisher, sysmon *monitor.SystemMonitor, sessionLogDir string, retryPartialFailures bool, logger *slog.Logger) *Loop {
	return &Loop{
		quotaCap:             quotaCap,
		ledger:               ledger,
		bans:                 bans,
		dist:                 dist,
		chunker:              ck,
		driver:               driver,
		rc:                   rc,
		pub:                  pub,
		sysmon:               sysmon,
		sessionLogDir:        sessionLogDir,
		retryPartialFailures: retryPartialFailures,
		logger:               logger.With("component", "session_loop"),
	}
}

// Run performs one full Session Loop pass for a single uploader, and
// satisfies RunFunc so DaemonScheduler (and a direct CLI invocation) can
// drive it identically.
func (l *Loop) Run(ctx context.Context, name string, uploader config.Uploader, logger *slog.Logger, job *UploadJob) (*RunResult, error) {
	start := time.Now()
	cumulative := &RunResult{}
	l.logger.Debug("session loop pass starting", "uploader", name)

	// §4.2: quota_expired(x) ⇒ ¬is_banned(x), enforced in the same logical
	// step at the top of every pass, before credential selection.
	expired := l.ledger.Sweep()
	l.bans.ClearPaired(expired)
	l.bans.Refresh()

	credentials, err := listCredentials(uploader.CredentialPath)
	if err != nil {
		return nil, fmt.Errorf("listing credentials for uploader %q: %w", name, err)
	}
	if len(credentials) == 0 {
		return nil, fmt.Errorf("uploader %q has no credential files under %q", name, uploader.CredentialPath)
	}

	minViable, err := config.MinViableBytesFor(uploader)
	if err != nil {
		return nil, fmt.Errorf("uploader %q min_viable_bytes: %w", name, err)
	}

	l.pub.StartSession(name, len(credentials))
	defer l.pub.EndSession()
	if l.sysmon != nil {
		l.pub.UpdateSystemHealth(l.sysmon.Snapshot())
	}

	capturerStop := l.maybeStartQueueCapturer(ctx, name, uploader)
	defer func() {
		if capturerStop != nil {
			capturerStop()
		}
	}()

	sessionID := name + "-" + uuid.NewString()

	// A credential that runs its full max_stages allotment without being
	// banned or going quota-ineligible would otherwise be reselected forever
	// (nothing else changes its eligibility). max_stages is therefore a
	// per-credential, per-pass ceiling: once reached, the credential is
	// parked for the rest of this pass so SELECT_CRED always makes forward
	// progress (documented as an open-question resolution).
	exhaustedThisPass := make(map[string]bool)

	stageTotal := 0
	fatalAbort := false
	for {
		cred, credIndex, ok := l.selectCredential(name, credentials, exhaustedThisPass)
		if !ok {
			break
		}
		l.pub.UpdateCredential(credIndex, filepath.Base(cred))
		logger = logger.With("credential", filepath.Base(cred))

		aborted, failErr := l.runCredential(ctx, name, cred, uploader, minViable, sessionID, logger, cumulative, &stageTotal)
		if failErr != nil {
			return nil, failErr
		}
		if aborted {
			fatalAbort = true
			break
		}
		exhaustedThisPass[cred] = true
	}

	l.dist.Persist(name)

	switch {
	case fatalAbort:
		cumulative.Status = "failed"
	case stageTotal == 0:
		cumulative.Status = "skipped"
	default:
		cumulative.Status = "completed"
	}
	cumulative.StagesRun = stageTotal
	cumulative.DurationSeconds = time.Since(start).Seconds()
	return cumulative, nil
}

// runCredential drives stages against a single credential until it is
// banned, exhausted below min_viable, fatally aborts the uploader, or hits
// max_stages. Returns aborted=true if the uploader-level loop should stop
// entirely (fatal engine error).
func (l *Loop) runCredential(ctx context.Context, name, cred string, uploader config.Uploader, minViable int64, sessionID string, logger *slog.Logger, cumulative *RunResult, stageTotal *int) (aborted bool, err error) {
	var batches []chunker.Batch
	useChunking := uploader.ChunkedUpload.Enabled
	if useChunking && l.sysmon != nil && !l.sysmon.HasSufficientDiskSpace(minChunkArtifactFreeBytes) {
		logger.Warn("insufficient local disk space for chunk-artifact creation, falling back to a single unchunked stage")
		useChunking = false
	}
	if useChunking {
		names, listErr := l.chunker.ListSource(ctx, uploader.LocalPath)
		if listErr != nil {
			logger.Warn("chunk source listing failed, falling back to a single unchunked stage", "error", listErr)
			useChunking = false
		} else {
			planned, planErr := l.chunker.Plan(names, uploader.ChunkedUpload.ChunkSize, sessionID+"-"+filepath.Base(cred))
			if planErr != nil {
				logger.Warn("chunk planning failed, falling back to a single unchunked stage", "error", planErr)
				useChunking = false
			} else {
				batches = planned
			}
		}
	}
	if useChunking {
		defer l.chunker.Cleanup(batches)
	}

	maxStages := uploader.MaxStages
	if useChunking && len(batches) < maxStages {
		maxStages = len(batches)
	}

	// safetyMargin mirrors C7's own held-back fraction (§3, §4.7): re-entering
	// a stage with remaining at or below it would force Select's critical
	// branch to compute a StageByteCap of 0 (remaining - safetyMargin <= 0),
	// which the engine driver would otherwise have to run with no real
	// aggregate transfer cap. min_viable alone does not guarantee this —
	// its ~10 GiB default sits below the ~37.5 GiB safety margin on a fresh
	// 750 GiB quota — so both thresholds gate stage re-entry.
	safetyMargin := int64(float64(l.quotaCap) * strategy.SafetyMarginFraction)

	partialRetries := 0
	for stage := 1; stage <= maxStages; {
		remaining := l.ledger.Remaining(name, cred)
		if remaining < minViable || remaining <= safetyMargin {
			return false, nil
		}

		queueSnap := l.dist.Queue(name).Snapshot()
		var snapPtr *distribution.Snapshot
		if queueSnap.Count > 0 {
			snapPtr = &queueSnap
		}
		bundle := strategy.Select(remaining, l.quotaCap, snapPtr, stage)

		l.pub.UpdateStage(stage)

		params := stageParamsFrom(uploader, cred, bundle)
		if useChunking {
			params.ChunkListPath = batches[stage-1].Path
		}

		stageLogID := fmt.Sprintf("%s-stage%d-%d", filepath.Base(cred), stage, time.Now().Unix())
		stageLogger, closer, logPath, logErr := logging.NewStageLogger(l.logger, l.sessionLogDir, name, stageLogID)
		if logErr != nil {
			logger.Warn("could not open per-stage session log, continuing without it", "error", logErr)
			stageLogger, closer, logPath = l.logger, nil, ""
		}
		params.StageLogger = stageLogger

		onFileComplete := func(path string, size uint64) {
			l.ledger.Add(name, cred, int64(size))
			l.dist.History(name).Observe(size)
		}

		result, runErr := l.driver.RunStage(ctx, params, onFileComplete)
		if closer != nil {
			closer.Close()
		}
		if runErr != nil {
			return false, fmt.Errorf("running stage %d for uploader %q: %w", stage, name, runErr)
		}
		if logPath != "" {
			if result.Success {
				if compErr := logging.CompressStageLog(l.sessionLogDir, name, stageLogID); compErr != nil {
					logger.Warn("failed to compress stage log", "error", compErr)
				}
			}
		}

		cumulative.BytesTransferred += int64(result.TotalBytes)
		*stageTotal++

		switch {
		case result.Fatal:
			logger.Error("engine reported a fatal error, aborting uploader", "message", result.FatalMessage)
			return true, nil
		case result.RateLimited:
			until := time.Now().Add(time.Duration(result.DelayHours) * time.Hour)
			l.bans.Ban(name, cred, until)
			logger.Warn("credential rate-limited, banning and rotating", "kind", result.RateLimitKind, "until", until)
			return false, nil
		case result.EarlyTerminated:
			logger.Info("stage ended via early termination after max-transfer signal", "stage", stage)
		case !result.Success:
			if l.retryPartialFailures && partialRetries < maxPartialStageRetries {
				partialRetries++
				logger.Warn("stage failed with partial progress already accounted, retrying the same stage on this credential", "stage", stage, "attempt", partialRetries)
				continue
			}
			logger.Warn("stage failed with partial progress already accounted, moving on", "stage", stage)
		}

		partialRetries = 0
		stage++
	}

	return false, nil
}

// selectCredential implements §4.8's deterministic selection: filter banned
// (after Refresh), quota-ineligible, and already-exhausted-this-pass
// credentials, preserve input order, pick first.
func (l *Loop) selectCredential(uploader string, credentials []string, exhaustedThisPass map[string]bool) (cred string, index int, ok bool) {
	l.bans.Refresh()
	for i, c := range credentials {
		if exhaustedThisPass[c] {
			continue
		}
		if l.bans.IsBanned(uploader, c) {
			continue
		}
		if !l.ledger.Eligible(uploader, c) {
			continue
		}
		return c, i, true
	}
	return "", 0, false
}

func listCredentials(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, filepath.Join(dir, e.Name()))
	}
	sort.Strings(names)
	return names, nil
}

// maybeStartQueueCapturer starts the background queue-distribution
// capturer described in §4.8 when no useful cached distribution exists yet.
// It polls C6 and feeds unseen Transferring sizes into C3 until stopped,
// generate_list_timeout elapses (600s when unset), or a successful poll
// reports an empty Checking list. Returns a stop function, or nil if no
// capturer was started (no rc client, or a sufficiently confident cached
// snapshot already exists).
func (l *Loop) maybeStartQueueCapturer(ctx context.Context, name string, uploader config.Uploader) func() {
	if l.rc == nil {
		return nil
	}
	if existing := l.dist.LastQueueSnapshot(name); existing.Confidence == distribution.ConfidenceHigh || existing.Confidence == distribution.ConfidenceVeryHigh {
		return nil
	}

	timeout := uploader.ChunkedUpload.GenerateListTimeoutResolved
	if timeout <= 0 {
		timeout = 600 * time.Second
	}

	capCtx, cancel := context.WithTimeout(ctx, timeout)
	tracker := l.dist.Queue(name)
	seen := make(map[string]struct{})

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		emptyTicks := 0
		for {
			select {
			case <-capCtx.Done():
				return
			case <-ticker.C:
				stats := l.rc.Stats(capCtx)
				if !stats.Known {
					continue
				}
				for _, t := range stats.Transferring {
					if _, ok := seen[t.Name]; ok {
						continue
					}
					seen[t.Name] = struct{}{}
					if t.Size > 0 {
						tracker.Observe(uint64(t.Size))
					}
				}
				if len(stats.Checking) == 0 {
					emptyTicks++
					if emptyTicks >= 1 {
						return
					}
				} else {
					emptyTicks = 0
				}
			}
		}
	}()

	return cancel
}

// stageParamsFrom builds one stage's engine.StageParams from the uploader's
// static configuration, the selected credential, and C7's computed bundle.
func stageParamsFrom(uploader config.Uploader, cred string, bundle strategy.Bundle) engine.StageParams {
	return engine.StageParams{
		Credential:   cred,
		SourcePath:   uploader.LocalPath,
		DestPath:     uploader.RemotePath,
		Bundle:       bundle,
		EngineExtras: uploader.EngineExtras,
	}
}
