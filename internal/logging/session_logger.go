package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. Used by StageLogger to write simultaneously to the global
// handler and to a stage's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check each handler's Enabled() independently so DEBUG records are not
	// sent to the primary handler when it only accepts INFO or above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Write errors on the stage file must never block the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewStageLogger creates a logger that writes to both the base (global)
// logger and a file dedicated to one stage (§4.5). The file is created at:
//
//	{sessionLogDir}/{uploader}/{stageLogID}.log
//
// Returns the enriched logger, an io.Closer that MUST be called (defer) when
// the stage ends, and the path of the created file.
//
// If sessionLogDir is empty, returns the base logger unmodified (no-op).
func NewStageLogger(baseLogger *slog.Logger, sessionLogDir, uploader, stageLogID string) (*slog.Logger, io.Closer, string, error) {
	if sessionLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(sessionLogDir, uploader)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating stage log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, stageLogID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening stage log file %s: %w", logPath, err)
	}

	// The stage file always uses JSON at DEBUG level for maximum capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// CompressStageLog gzip-compresses a completed, successful stage's log file
// in place (logPath -> logPath+".gz") and removes the uncompressed original.
// No-op if sessionLogDir is empty or the file is already gone. Failed stages
// should NOT call this — their log is left uncompressed for immediate
// post-mortem reading (§4.5's error taxonomy is easier to debug that way).
func CompressStageLog(sessionLogDir, uploader, stageLogID string) error {
	if sessionLogDir == "" {
		return nil
	}
	logPath := filepath.Join(sessionLogDir, uploader, stageLogID+".log")

	src, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening stage log for compression %s: %w", logPath, err)
	}
	defer src.Close()

	dstPath := logPath + ".gz"
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("creating compressed stage log %s: %w", dstPath, err)
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("compressing stage log %s: %w", logPath, err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("finalizing compressed stage log %s: %w", dstPath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing compressed stage log %s: %w", dstPath, err)
	}

	src.Close()
	if err := os.Remove(logPath); err != nil {
		return fmt.Errorf("removing uncompressed stage log %s: %w", logPath, err)
	}

	return nil
}
