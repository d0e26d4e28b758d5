// Package quota implements the Quota Ledger (C1): a durable, per-credential
// rolling 24-hour byte counter. It is the sole writer of sa_quota_cache.json
// and is safe for concurrent use by the Engine Driver's stream reader and
// the Session Loop.
package quota

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/skuid87/cloudplow/internal/atomicfile"
)

const window = 24 * time.Hour

// Record is one (uploader, credential) quota window.
type Record struct {
	BytesUsed     int64     `json:"bytes_used"`
	WindowStart   time.Time `json:"window_start"`
	ResetAt       time.Time `json:"reset_at"`
	FirstUploadAt time.Time `json:"first_upload_at"`
}

// Key identifies one (uploader, credential) pair.
type Key struct {
	Uploader   string
	Credential string
}

type onDisk struct {
	// uploader -> credential -> record
	Uploaders map[string]map[string]Record `json:"uploaders"`
}

// Ledger is the C1 component. Zero value is not usable; construct with
// NewLedger.
type Ledger struct {
	mu       sync.Mutex
	records  map[string]map[string]Record
	cap      int64
	safety   float64
	path     string
	logger   *slog.Logger
}

// NewLedger loads (or initializes empty) the ledger persisted at
// {stateDir}/sa_quota_cache.json. quotaCapBytes and safetyMarginFraction
// come from core.quota_cap_bytes / the spec's fixed 5% default.
func NewLedger(stateDir string, quotaCapBytes int64, safetyMarginFraction float64, logger *slog.Logger) *Ledger {
	l := &Ledger{
		records: make(map[string]map[string]Record),
		cap:     quotaCapBytes,
		safety:  safetyMarginFraction,
		path:    filepath.Join(stateDir, "sa_quota_cache.json"),
		logger:  logger.With("component", "quota_ledger"),
	}

	var disk onDisk
	if err := atomicfile.ReadJSON(l.path, &disk); err != nil {
		l.logger.Warn("failed to read quota cache, starting empty", "error", err)
		return l
	}
	if disk.Uploaders != nil {
		l.records = disk.Uploaders
	}
	return l
}

// Add records bytes uploaded by credential under uploader, creating the
// record on first use. Per §4.1, the mutation and persistence happen in the
// same critical section; persistence failures are logged only — in-memory
// state wins per §7.6.
func (l *Ledger) Add(uploader, credential string, bytes int64) {
	if bytes <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.getLocked(uploader, credential, time.Now())
	rec.BytesUsed += bytes
	l.setLocked(uploader, credential, rec)
	l.persistLocked()
}

// Remaining returns max(0, cap - bytes_used) after lazy expiry.
func (l *Ledger) Remaining(uploader, credential string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.getLocked(uploader, credential, time.Now())
	remaining := l.cap - rec.BytesUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Eligible reports whether bytes_used < cap - safety_margin.
func (l *Ledger) Eligible(uploader, credential string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.getLocked(uploader, credential, time.Now())
	threshold := l.cap - int64(float64(l.cap)*l.safety)
	return rec.BytesUsed < threshold
}

// Sweep lazily expires every record whose reset_at has passed, resetting it
// to a fresh zero-usage window, and returns the keys that were expired.
// Idempotent: a record already reset in a prior Sweep call is not reported
// again. Callers (the Session Loop) must forward the result to the Ban Set
// so the canonical quota_expired ⇒ ¬is_banned invariant holds (§4.2).
func (l *Ledger) Sweep() []Key {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	var expired []Key
	for uploader, creds := range l.records {
		for credential, rec := range creds {
			if rec.ResetAt.IsZero() || now.Before(rec.ResetAt) {
				continue
			}
			creds[credential] = Record{
				BytesUsed:     0,
				WindowStart:   now,
				ResetAt:       now.Add(window),
				FirstUploadAt: rec.FirstUploadAt,
			}
			expired = append(expired, Key{Uploader: uploader, Credential: credential})
		}
	}
	if len(expired) > 0 {
		l.persistLocked()
	}
	return expired
}

// getLocked returns the current record for (uploader, credential),
// performing lazy expiry in-place if the window has rolled over. Must be
// called with l.mu held.
func (l *Ledger) getLocked(uploader, credential string, now time.Time) Record {
	creds := l.records[uploader]
	rec, ok := creds[credential]
	if !ok {
		return Record{WindowStart: now, ResetAt: now.Add(window), FirstUploadAt: now}
	}
	if !rec.ResetAt.IsZero() && !now.Before(rec.ResetAt) {
		return Record{WindowStart: now, ResetAt: now.Add(window), FirstUploadAt: rec.FirstUploadAt}
	}
	return rec
}

func (l *Ledger) setLocked(uploader, credential string, rec Record) {
	if l.records[uploader] == nil {
		l.records[uploader] = make(map[string]Record)
	}
	l.records[uploader][credential] = rec
}

func (l *Ledger) persistLocked() {
	disk := onDisk{Uploaders: l.records}
	if err := atomicfile.WriteJSON(l.path, disk); err != nil {
		l.logger.Warn("failed to persist quota cache", "error", err)
	}
}
