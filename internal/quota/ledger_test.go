package quota

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

const capBytes = 750 * 1024 * 1024 * 1024 // 750gb
const safetyMargin = 0.05

func TestAdd_AccumulatesAndRemainingReflectsIt(t *testing.T) {
	l := NewLedger(t.TempDir(), capBytes, safetyMargin, testLogger())

	l.Add("gdrive", "sa1", 100*1024*1024*1024)
	l.Add("gdrive", "sa1", 50*1024*1024*1024)

	got := l.Remaining("gdrive", "sa1")
	want := int64(capBytes - 150*1024*1024*1024)
	if got != want {
		t.Errorf("Remaining = %d, want %d", got, want)
	}
}

func TestRemaining_NeverNegative(t *testing.T) {
	l := NewLedger(t.TempDir(), capBytes, safetyMargin, testLogger())
	l.Add("gdrive", "sa1", capBytes*2)

	if got := l.Remaining("gdrive", "sa1"); got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}
}

func TestEligible_RespectsSafetyMargin(t *testing.T) {
	l := NewLedger(t.TempDir(), capBytes, safetyMargin, testLogger())

	threshold := capBytes - int64(float64(capBytes)*safetyMargin)
	l.Add("gdrive", "sa1", threshold-1)
	if !l.Eligible("gdrive", "sa1") {
		t.Error("expected eligible just under the safety margin threshold")
	}

	l.Add("gdrive", "sa1", 2) // crosses the threshold
	if l.Eligible("gdrive", "sa1") {
		t.Error("expected ineligible once usage crosses cap - safety_margin")
	}
}

func TestSweep_ExpiresStaleWindowAndResetsUsage(t *testing.T) {
	l := NewLedger(t.TempDir(), capBytes, safetyMargin, testLogger())
	l.Add("gdrive", "sa1", 500*1024*1024*1024)

	// Force the window into the past directly (unexported field access —
	// same-package test).
	l.mu.Lock()
	rec := l.records["gdrive"]["sa1"]
	rec.ResetAt = time.Now().Add(-time.Minute)
	l.records["gdrive"]["sa1"] = rec
	l.mu.Unlock()

	expired := l.Sweep()
	if len(expired) != 1 || expired[0] != (Key{Uploader: "gdrive", Credential: "sa1"}) {
		t.Fatalf("expected sa1 to be expired, got %+v", expired)
	}

	if got := l.Remaining("gdrive", "sa1"); got != capBytes {
		t.Errorf("expected full quota restored after sweep, got %d", got)
	}
}

func TestSweep_IsIdempotent(t *testing.T) {
	l := NewLedger(t.TempDir(), capBytes, safetyMargin, testLogger())
	l.Add("gdrive", "sa1", 10)

	l.mu.Lock()
	rec := l.records["gdrive"]["sa1"]
	rec.ResetAt = time.Now().Add(-time.Minute)
	l.records["gdrive"]["sa1"] = rec
	l.mu.Unlock()

	first := l.Sweep()
	second := l.Sweep()

	if len(first) != 1 {
		t.Fatalf("expected one expiry on first sweep, got %d", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("expected no expiry on second sweep, got %d", len(second))
	}
}

func TestNewLedger_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	l1 := NewLedger(dir, capBytes, safetyMargin, testLogger())
	l1.Add("gdrive", "sa1", 42)

	l2 := NewLedger(dir, capBytes, safetyMargin, testLogger())
	if got := l2.Remaining("gdrive", "sa1"); got != capBytes-42 {
		t.Errorf("expected persisted usage to survive reload, got remaining=%d", got)
	}
}

func TestNewLedger_MissingCacheFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	l := NewLedger(filepath.Join(dir, "nonexistent"), capBytes, safetyMargin, testLogger())
	if got := l.Remaining("gdrive", "sa1"); got != capBytes {
		t.Errorf("expected fresh ledger with full quota, got %d", got)
	}
}
