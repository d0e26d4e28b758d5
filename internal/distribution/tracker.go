// Package distribution implements the Distribution Tracker (C3): a
// reservoir-sampled histogram of file sizes, answering percentile and
// large-file-fraction queries for the Strategy Selector (C7).
package distribution

import (
	"log/slog"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/skuid87/cloudplow/internal/atomicfile"
)

// DefaultReservoirSize is the fixed sample cap from §4.3.
const DefaultReservoirSize = 10000

// Source distinguishes the two independent tracker instances per uploader.
type Source string

const (
	SourceCheckerQueue       Source = "checker_queue"
	SourceCompletedTransfers Source = "completed_transfers"
)

// Confidence reflects how much the observed sample count should be trusted.
type Confidence string

const (
	ConfidenceLow       Confidence = "low"
	ConfidenceMedium    Confidence = "medium"
	ConfidenceHigh      Confidence = "high"
	ConfidenceVeryHigh  Confidence = "very_high"
)

// bucket boundaries, in bytes: [0,100MB) [100MB,1GB) [1GB,10GB) [10GB,50GB) [50GB,+inf)
var bucketUpperBounds = []uint64{
	100 * 1024 * 1024,
	1024 * 1024 * 1024,
	10 * 1024 * 1024 * 1024,
	50 * 1024 * 1024 * 1024,
}

const numBuckets = 5

// Snapshot is the computed distribution summary (§3).
type Snapshot struct {
	Count             int64      `json:"count"`
	TotalBytes        uint64     `json:"total_bytes"`
	P50               uint64     `json:"p50"`
	P75               uint64     `json:"p75"`
	P90               uint64     `json:"p90"`
	P95               uint64     `json:"p95"`
	P99               uint64     `json:"p99"`
	SizeBuckets       [numBuckets]int64 `json:"size_buckets"`
	LargeFileFraction float64    `json:"large_file_fraction"`
	Confidence        Confidence `json:"confidence"`
	Source            Source     `json:"source"`
	CapturedAt        time.Time  `json:"captured_at"`
}

// Tracker maintains one reservoir sample plus exact running totals. Safe
// for concurrent Observe/Snapshot calls.
type Tracker struct {
	mu            sync.Mutex
	source        Source
	reservoirSize int
	reservoir     []uint64
	count         int64
	totalBytes    uint64
	buckets       [numBuckets]int64
	rng           *rand.Rand
}

// NewTracker creates a Tracker of the given source with the default
// reservoir size.
func NewTracker(source Source) *Tracker {
	return NewTrackerSized(source, DefaultReservoirSize)
}

// NewTrackerSized creates a Tracker with a custom reservoir size (tests use
// small sizes to exercise eviction cheaply).
func NewTrackerSized(source Source, reservoirSize int) *Tracker {
	return &Tracker{
		source:        source,
		reservoirSize: reservoirSize,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Observe records one file-size sample in O(1) expected time via
// reservoir sampling (Algorithm R).
func (t *Tracker) Observe(size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	t.totalBytes += size
	t.buckets[bucketFor(size)]++

	if len(t.reservoir) < t.reservoirSize {
		t.reservoir = append(t.reservoir, size)
		return
	}
	j := t.rng.Int63n(t.count)
	if j < int64(t.reservoirSize) {
		t.reservoir[j] = size
	}
}

func bucketFor(size uint64) int {
	for i, upper := range bucketUpperBounds {
		if size < upper {
			return i
		}
	}
	return numBuckets - 1
}

// Snapshot computes percentiles from the current reservoir sample and
// returns the full distribution summary.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	sorted := make([]uint64, len(t.reservoir))
	copy(sorted, t.reservoir)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var largeFraction float64
	if t.count > 0 {
		largeFraction = float64(t.buckets[numBuckets-1]) / float64(t.count)
	}

	return Snapshot{
		Count:             t.count,
		TotalBytes:        t.totalBytes,
		P50:               percentile(sorted, 0.50),
		P75:               percentile(sorted, 0.75),
		P90:               percentile(sorted, 0.90),
		P95:               percentile(sorted, 0.95),
		P99:               percentile(sorted, 0.99),
		SizeBuckets:       t.buckets,
		LargeFileFraction: largeFraction,
		Confidence:        confidenceFor(t.count),
		Source:            t.source,
		CapturedAt:        time.Now(),
	}
}

func percentile(sorted []uint64, p float64) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func confidenceFor(count int64) Confidence {
	switch {
	case count >= 1000:
		return ConfidenceVeryHigh
	case count >= 100:
		return ConfidenceHigh
	case count >= 10:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

type uploaderCaches struct {
	QueueDistribution  Snapshot `json:"queue_distribution"`
	TransferHistory    Snapshot `json:"transfer_history"`
}

type onDisk struct {
	Uploaders map[string]uploaderCaches `json:"uploaders"`
}

// Store owns the persisted learned_sizes_cache.json and the two Tracker
// instances (queue, history) per uploader (§4.3).
type Store struct {
	mu       sync.Mutex
	path     string
	logger   *slog.Logger
	queue    map[string]*Tracker
	history  map[string]*Tracker
	lastSnap map[string]uploaderCaches // last-persisted snapshot, for reload/inspection
}

// NewStore opens (or initializes) the distribution cache persisted at
// {stateDir}/learned_sizes_cache.json. Per-uploader Trackers start empty;
// only the last snapshot (not raw samples) survives a restart, since the
// reservoir itself is not persisted.
func NewStore(stateDir string, logger *slog.Logger) *Store {
	s := &Store{
		path:     filepath.Join(stateDir, "learned_sizes_cache.json"),
		logger:   logger.With("component", "distribution_tracker"),
		queue:    make(map[string]*Tracker),
		history:  make(map[string]*Tracker),
		lastSnap: make(map[string]uploaderCaches),
	}

	var disk onDisk
	if err := atomicfile.ReadJSON(s.path, &disk); err != nil {
		s.logger.Warn("failed to read distribution cache, starting empty", "error", err)
		return s
	}
	if disk.Uploaders != nil {
		s.lastSnap = disk.Uploaders
	}
	return s
}

// Queue returns (creating if absent) the checker-queue tracker for uploader.
// This is the variant C7 consults.
func (s *Store) Queue(uploader string) *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue[uploader] == nil {
		s.queue[uploader] = NewTracker(SourceCheckerQueue)
	}
	return s.queue[uploader]
}

// History returns (creating if absent) the completed-transfers tracker for
// uploader. Analytic only; never read by C7/C8.
func (s *Store) History(uploader string) *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history[uploader] == nil {
		s.history[uploader] = NewTracker(SourceCompletedTransfers)
	}
	return s.history[uploader]
}

// LastQueueSnapshot returns the most recently persisted queue snapshot for
// uploader, or the zero Snapshot if none was ever persisted (e.g. a fresh
// state directory, or mid-session before the first Persist call).
func (s *Store) LastQueueSnapshot(uploader string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSnap[uploader].QueueDistribution
}

// Persist computes and atomically writes both trackers' current snapshots
// for uploader.
func (s *Store) Persist(uploader string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	caches := s.lastSnap[uploader]
	if t := s.queue[uploader]; t != nil {
		caches.QueueDistribution = t.Snapshot()
	}
	if t := s.history[uploader]; t != nil {
		caches.TransferHistory = t.Snapshot()
	}
	s.lastSnap[uploader] = caches

	if err := atomicfile.WriteJSON(s.path, onDisk{Uploaders: s.lastSnap}); err != nil {
		s.logger.Warn("failed to persist distribution cache", "uploader", uploader, "error", err)
	}
}
