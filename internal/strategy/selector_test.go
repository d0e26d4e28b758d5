package strategy

import (
	"testing"

	"github.com/skuid87/cloudplow/internal/distribution"
)

const quotaCap = 750 * gib

func lightSnapshot() *distribution.Snapshot {
	return &distribution.Snapshot{LargeFileFraction: 0.002, Confidence: distribution.ConfidenceHigh}
}

func heavySnapshot() *distribution.Snapshot {
	return &distribution.Snapshot{LargeFileFraction: 0.05, Confidence: distribution.ConfidenceHigh}
}

// Scenario 1 from §8: fresh credential, light distribution.
func TestSelect_FreshLight(t *testing.T) {
	b := Select(750*gib, quotaCap, lightSnapshot(), 1)
	if b.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", b.Concurrency)
	}
	if b.StageByteCap != 375*gib {
		t.Errorf("StageByteCap = %d, want 375gib", b.StageByteCap)
	}
	if b.PerFileSizeCap != 600*gib {
		t.Errorf("PerFileSizeCap = %d, want 600gib", b.PerFileSizeCap)
	}
	if b.OrderBy != OrderSizeDesc {
		t.Errorf("OrderBy = %q, want size_desc", b.OrderBy)
	}
}

// Scenario 2 from §8: mid-quota, heavy distribution.
func TestSelect_MidHeavy(t *testing.T) {
	b := Select(500*gib, quotaCap, heavySnapshot(), 2)
	if b.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", b.Concurrency)
	}
	if b.StageByteCap != 450*gib {
		t.Errorf("StageByteCap = %d, want 450gib", b.StageByteCap)
	}
	if b.PerFileSizeCap != 375*gib {
		t.Errorf("PerFileSizeCap = %d, want 375gib", b.PerFileSizeCap)
	}
}

// Scenario 3 from §8: critical tier forces a remaining-derived cap and no ordering.
func TestSelect_Critical(t *testing.T) {
	b := Select(80*gib, quotaCap, nil, 5)
	if b.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", b.Concurrency)
	}
	if b.OrderBy != OrderNone {
		t.Errorf("OrderBy = %q, want none", b.OrderBy)
	}
	wantCap := int64(80*gib) - int64(0.05*float64(quotaCap))
	if b.StageByteCap != wantCap {
		t.Errorf("StageByteCap = %d, want %d", b.StageByteCap, wantCap)
	}
}

func TestSelect_SafetyMarginInvariant(t *testing.T) {
	// P3: stage_byte_cap <= remaining - 0.05*quota_cap, for every tier/regime.
	remainders := []int64{750 * gib, 500 * gib, 300 * gib, 100 * gib, 10 * gib}
	snaps := []*distribution.Snapshot{nil, lightSnapshot(), heavySnapshot()}

	for _, remaining := range remainders {
		for _, snap := range snaps {
			b := Select(remaining, quotaCap, snap, 1)
			maxAllowed := remaining - int64(0.05*float64(quotaCap))
			if maxAllowed < 0 {
				maxAllowed = 0
			}
			if b.StageByteCap > maxAllowed {
				t.Errorf("remaining=%d snap=%v: StageByteCap=%d exceeds invariant max %d", remaining, snap, b.StageByteCap, maxAllowed)
			}
		}
	}
}

func TestSelect_Deterministic(t *testing.T) {
	// P8: pure function of its inputs.
	snap := heavySnapshot()
	a := Select(500*gib, quotaCap, snap, 3)
	b := Select(500*gib, quotaCap, snap, 3)
	if a != b {
		t.Errorf("Select is not deterministic: %+v != %+v", a, b)
	}
}

func TestQuotaTierFor(t *testing.T) {
	cases := []struct {
		remaining int64
		want      QuotaTier
	}{
		{750 * gib, TierFresh},
		{600 * gib, TierMid},
		{500 * gib, TierMid},
		{375 * gib, TierMid},
		{300 * gib, TierLow},
		{200 * gib, TierLow},
		{100 * gib, TierCritical},
	}
	for _, c := range cases {
		if got := QuotaTierFor(c.remaining, quotaCap); got != c.want {
			t.Errorf("QuotaTierFor(%d) = %q, want %q", c.remaining, got, c.want)
		}
	}
}

func TestDistributionRegimeFor_NilSnapshotIsConservative(t *testing.T) {
	if got := DistributionRegimeFor(nil); got != RegimeConservative {
		t.Errorf("DistributionRegimeFor(nil) = %q, want conservative", got)
	}
}

func TestDistributionRegimeFor_LowConfidenceIsConservative(t *testing.T) {
	snap := &distribution.Snapshot{LargeFileFraction: 0.5, Confidence: distribution.ConfidenceLow}
	if got := DistributionRegimeFor(snap); got != RegimeConservative {
		t.Errorf("DistributionRegimeFor(low confidence) = %q, want conservative", got)
	}
}

func TestDistributionRegimeFor_Thresholds(t *testing.T) {
	cases := []struct {
		frac float64
		want DistributionRegime
	}{
		{0.001, RegimeLight},
		{0.005, RegimeBalanced},
		{0.015, RegimeBalanced},
		{0.05, RegimeHeavy},
		{0.10, RegimeHeavy},
		{0.15, RegimeUltraHeavy},
	}
	for _, c := range cases {
		snap := &distribution.Snapshot{LargeFileFraction: c.frac, Confidence: distribution.ConfidenceHigh}
		if got := DistributionRegimeFor(snap); got != c.want {
			t.Errorf("DistributionRegimeFor(%.3f) = %q, want %q", c.frac, got, c.want)
		}
	}
}
