// Package publisher implements the Session State Publisher (C9): a
// write-only snapshot sink summarizing "what is happening now" for any
// out-of-process reader (e.g. a dashboard). The core never reads this blob
// back.
package publisher

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/skuid87/cloudplow/internal/atomicfile"
	"github.com/skuid87/cloudplow/internal/monitor"
)

// Snapshot is the published session_state.json document (§3).
type Snapshot struct {
	Active           bool             `json:"active"`
	Uploader         string           `json:"uploader"`
	CurrentCredential string          `json:"current_credential"`
	CredentialIndex  int              `json:"credential_index"`
	CredentialTotal  int              `json:"credential_total"`
	Stage            int              `json:"stage"`
	StartedAt        time.Time        `json:"started_at"`
	CredentialsUsed  []string         `json:"credentials_used"`
	SystemHealth     *monitor.Snapshot `json:"system_health,omitempty"`
}

// Publisher owns session_state.json and atomically replaces it on every
// mutation (write temp + rename) so readers never observe a torn state.
type Publisher struct {
	mu       sync.Mutex
	path     string
	logger   *slog.Logger
	current  Snapshot
}

// New creates a Publisher writing to {stateDir}/session_state.json.
func New(stateDir string, logger *slog.Logger) *Publisher {
	return &Publisher{
		path:   filepath.Join(stateDir, "session_state.json"),
		logger: logger.With("component", "session_publisher"),
	}
}

// StartSession marks a new session active for uploader.
func (p *Publisher) StartSession(uploader string, credentialTotal int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = Snapshot{
		Active:          true,
		Uploader:        uploader,
		CredentialTotal: credentialTotal,
		StartedAt:       time.Now(),
	}
	p.persistLocked()
}

// UpdateCredential records the credential now active and its position in
// the uploader's configured pool.
func (p *Publisher) UpdateCredential(index int, credentialID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current.CredentialIndex = index
	p.current.CurrentCredential = credentialID
	p.current.Stage = 0
	p.current.CredentialsUsed = append(p.current.CredentialsUsed, credentialID)
	p.persistLocked()
}

// UpdateStage records the stage number now running against the current
// credential.
func (p *Publisher) UpdateStage(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current.Stage = n
	p.persistLocked()
}

// UpdateSystemHealth folds the latest local system-health sample into the
// published snapshot, so a reader can see "why did it skip chunking" without
// grepping logs.
func (p *Publisher) UpdateSystemHealth(snap monitor.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current.SystemHealth = &snap
	p.persistLocked()
}

// EndSession marks the session inactive, preserving the final snapshot
// fields (uploader, credentials_used, etc.) for post-mortem inspection.
func (p *Publisher) EndSession() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current.Active = false
	p.persistLocked()
}

func (p *Publisher) persistLocked() {
	if err := atomicfile.WriteJSON(p.path, p.current); err != nil {
		p.logger.Warn("failed to persist session state snapshot", "error", err)
	}
}
