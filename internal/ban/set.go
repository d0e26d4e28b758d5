// Package ban implements the Ban Set (C2): a durable set of currently
// suspended (uploader, credential) pairs, kept synchronized with the Quota
// Ledger (C1) per the canonical invariant quota_expired(x) ⇒ ¬is_banned(x).
package ban

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/skuid87/cloudplow/internal/atomicfile"
	"github.com/skuid87/cloudplow/internal/quota"
)

// Key identifies one (uploader, credential) pair. Aliased to quota.Key so
// callers can pass Sweep's results directly to ClearPaired without
// converting between identical shapes.
type Key = quota.Key

type onDisk struct {
	// uploader -> credential -> unban_at (RFC3339); absent means not banned.
	Uploaders map[string]map[string]time.Time `json:"uploaders"`
}

// Set is the C2 component. Zero value is not usable; construct with NewSet.
type Set struct {
	mu      sync.Mutex
	unbanAt map[string]map[string]time.Time
	path    string
	logger  *slog.Logger
}

// NewSet loads (or initializes empty) the ban set persisted at
// {stateDir}/ban_cache.json.
func NewSet(stateDir string, logger *slog.Logger) *Set {
	s := &Set{
		unbanAt: make(map[string]map[string]time.Time),
		path:    filepath.Join(stateDir, "ban_cache.json"),
		logger:  logger.With("component", "ban_set"),
	}

	var disk onDisk
	if err := atomicfile.ReadJSON(s.path, &disk); err != nil {
		s.logger.Warn("failed to read ban cache, starting empty", "error", err)
		return s
	}
	if disk.Uploaders != nil {
		s.unbanAt = disk.Uploaders
	}
	return s
}

// Ban suspends credential under uploader until the given deadline.
func (s *Set) Ban(uploader, credential string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unbanAt[uploader] == nil {
		s.unbanAt[uploader] = make(map[string]time.Time)
	}
	s.unbanAt[uploader][credential] = until
	s.persistLocked()
}

// Unban clears any ban on (uploader, credential), no-op if not banned.
func (s *Set) Unban(uploader, credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked(uploader, credential)
	s.persistLocked()
}

// IsBanned reports whether (uploader, credential) is currently suspended.
// A ban whose deadline has already passed is reported as not-banned but is
// left on disk for Refresh to clear and report — callers that only need a
// boolean should call Refresh first (per §4.2, "before credential
// selection, not after").
func (s *Set) IsBanned(uploader, credential string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.unbanAt[uploader][credential]
	if !ok {
		return false
	}
	return time.Now().Before(until)
}

// Refresh clears every ban whose deadline has passed and returns the keys
// that were just unbanned. Must be called before credential selection.
func (s *Set) Refresh() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var cleared []Key
	for uploader, creds := range s.unbanAt {
		for credential, until := range creds {
			if now.Before(until) {
				continue
			}
			delete(creds, credential)
			cleared = append(cleared, Key{Uploader: uploader, Credential: credential})
		}
	}
	if len(cleared) > 0 {
		s.persistLocked()
	}
	return cleared
}

// ClearPaired clears bans for exactly the keys given, regardless of their
// deadline. The Session Loop calls this immediately after quota.Ledger.Sweep
// with its returned keys, enforcing quota_expired(x) ⇒ ¬is_banned(x) in the
// same logical step (§4.2).
func (s *Set) ClearPaired(keys []Key) {
	if len(keys) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, k := range keys {
		if _, ok := s.unbanAt[k.Uploader][k.Credential]; ok {
			s.clearLocked(k.Uploader, k.Credential)
			changed = true
		}
	}
	if changed {
		s.persistLocked()
	}
}

func (s *Set) clearLocked(uploader, credential string) {
	if creds, ok := s.unbanAt[uploader]; ok {
		delete(creds, credential)
	}
}

func (s *Set) persistLocked() {
	disk := onDisk{Uploaders: s.unbanAt}
	if err := atomicfile.WriteJSON(s.path, disk); err != nil {
		s.logger.Warn("failed to persist ban cache", "error", err)
	}
}
