// Package rcclient implements the RC Client (C6): a minimal HTTP client for
// the transfer engine's loopback control-plane API. Every failure mode
// degrades to "unknown" rather than propagating, per §7's component
// contract for C6.
package rcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// defaultTimeout bounds every call per §4.6 ("≤5s").
const defaultTimeout = 5 * time.Second

// Transferring describes one in-flight transfer from core/stats.
type Transferring struct {
	Name  string  `json:"name"`
	Size  int64   `json:"size"`
	Bytes int64   `json:"bytes"`
	Speed float64 `json:"speed"`
	ETA   int64   `json:"eta"`
}

// Stats is the decoded core/stats response (§4.6).
type Stats struct {
	Bytes        int64          `json:"bytes"`
	Speed        float64        `json:"speed"`
	ETA          int64          `json:"eta"`
	Transferring []Transferring `json:"transferring"`
	Checking     []string       `json:"checking"`
	TotalBytes   int64          `json:"totalBytes"`

	// Known reports whether the poll actually succeeded; callers must check
	// this before trusting the zero-valued fields above.
	Known bool `json:"-"`
}

// Client is a stateless HTTP client for one control-plane endpoint. Safe
// for concurrent use.
type Client struct {
	baseURL  string
	user     string
	pass     string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New builds a Client targeting baseURL (e.g. "http://127.0.0.1:5572"),
// with an optional basic-auth user/pass. requestsPerSecond bounds the
// polling cadence so a retry storm during a flaky stage can never exceed a
// configured request ceiling — grounded on the teacher's ThrottledWriter
// token-bucket pattern, applied here to outbound HTTP calls instead of byte
// throughput.
func New(baseURL, user, pass string, requestsPerSecond float64, logger *slog.Logger) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1 // 2-3s cadence per §4.6; 1rps is a generous ceiling
	}
	return &Client{
		baseURL: baseURL,
		user:    user,
		pass:    pass,
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:  logger.With("component", "rc_client"),
	}
}

// Stats polls core/stats. On any failure, returns a Stats with Known=false
// rather than an error — per §7, C6 never propagates failures.
func (c *Client) Stats(ctx context.Context) Stats {
	var stats Stats
	if err := c.post(ctx, "core/stats", nil, &stats); err != nil {
		c.logger.Debug("core/stats poll failed, reporting unknown", "error", err)
		return Stats{Known: false}
	}
	stats.Known = true
	return stats
}

// Noop probes rc/noop for liveness. Returns false on any failure.
func (c *Client) Noop(ctx context.Context) bool {
	if err := c.post(ctx, "rc/noop", nil, nil); err != nil {
		c.logger.Debug("rc/noop probe failed", "error", err)
		return false
	}
	return true
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	} else {
		reqBody.WriteString("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, &reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
