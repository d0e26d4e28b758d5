// Package monitor samples local system health (CPU, memory, disk, load) on
// a fixed interval. The Session Loop (C8) consults it before materializing
// chunk-artifact file-lists (C4) on the same volume, and its latest snapshot
// is folded into the Session State Publisher (C9) blob so an operator can
// see "why did it skip chunking" without reading logs.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot holds the most recently collected system metrics.
type Snapshot struct {
	CPUPercent       float64   `json:"cpu_percent"`
	MemoryPercent    float64   `json:"memory_percent"`
	DiskUsagePercent float64   `json:"disk_usage_percent"`
	DiskFreeBytes    uint64    `json:"disk_free_bytes"`
	LoadAverage      float64   `json:"load_average"`
	CollectedAt      time.Time `json:"collected_at"`
}

// SystemMonitor collects local system metrics periodically on a background
// goroutine and exposes the latest snapshot without blocking on collection.
type SystemMonitor struct {
	logger   *slog.Logger
	diskPath string // filesystem path checked for free space; typically core.state_dir

	close chan struct{}
	wg    sync.WaitGroup

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewSystemMonitor creates a SystemMonitor that samples the filesystem
// containing diskPath (normally the orchestrator's state_dir, since that is
// where chunk-artifact file-lists and the persisted caches live).
func NewSystemMonitor(logger *slog.Logger, diskPath string) *SystemMonitor {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemMonitor{
		logger:   logger.With("component", "system_monitor"),
		diskPath: diskPath,
		close:    make(chan struct{}),
	}
}

// Start begins periodic metric collection.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor and waits for the collection goroutine to exit.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Snapshot returns the latest collected metrics.
func (sm *SystemMonitor) Snapshot() Snapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshot
}

// HasSufficientDiskSpace reports whether the monitored filesystem has at
// least minFreeBytes available, per the latest snapshot. Returns true when
// no snapshot has been collected yet, so a cold start never blocks the
// Session Loop's first stage on a monitor race.
func (sm *SystemMonitor) HasSufficientDiskSpace(minFreeBytes uint64) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.snapshot.CollectedAt.IsZero() {
		return true
	}
	return sm.snapshot.DiskFreeBytes >= minFreeBytes
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	snap := Snapshot{CollectedAt: time.Now()}

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		snap.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage(sm.diskPath); err == nil {
		snap.DiskUsagePercent = d.UsedPercent
		snap.DiskFreeBytes = d.Free
	} else {
		sm.logger.Debug("failed to collect disk stats", "path", sm.diskPath, "error", err)
	}

	if l, err := load.Avg(); err == nil {
		snap.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.snapshot = snap
	sm.mu.Unlock()
}
