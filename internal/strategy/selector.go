// Package strategy implements the Strategy Selector (C7): a pure function
// mapping (remaining quota, distribution snapshot, stage index) to a
// concrete parameter bundle for the next stage.
package strategy

import "github.com/skuid87/cloudplow/internal/distribution"

const gib = 1024 * 1024 * 1024

// SafetyMarginFraction is the fixed 5% held back per §4.7's cross-table.
const SafetyMarginFraction = 0.05

// QuotaTier classifies remaining/cap.
type QuotaTier string

const (
	TierFresh    QuotaTier = "fresh"    // >80%
	TierMid      QuotaTier = "mid"      // 50-80%
	TierLow      QuotaTier = "low"      // 25-50%
	TierCritical QuotaTier = "critical" // <25%
)

// DistributionRegime classifies large_file_fraction.
type DistributionRegime string

const (
	RegimeUltraHeavy   DistributionRegime = "ultra_heavy"   // >10%
	RegimeHeavy        DistributionRegime = "heavy"         // 2-10%
	RegimeBalanced     DistributionRegime = "balanced"      // 0.5-2%
	RegimeLight        DistributionRegime = "light"         // <0.5%
	RegimeConservative DistributionRegime = "conservative"  // no usable snapshot
)

// OrderBy is the engine's transfer ordering preference.
type OrderBy string

const (
	OrderSizeDesc OrderBy = "size_desc"
	OrderNone     OrderBy = "none"
)

// Bundle is the concrete stage parameter set produced by Select (§3).
type Bundle struct {
	Concurrency    int
	StageByteCap   int64
	PerFileSizeCap int64 // 0 means none
	OrderBy        OrderBy
	CutoffMode     string
	StrategyTag    string
}

// QuotaTierFor classifies remaining/cap per §4.7 step 1.
func QuotaTierFor(remaining, quotaCap int64) QuotaTier {
	if quotaCap <= 0 {
		return TierCritical
	}
	frac := float64(remaining) / float64(quotaCap)
	switch {
	case frac > 0.80:
		return TierFresh
	case frac >= 0.50:
		return TierMid
	case frac >= 0.25:
		return TierLow
	default:
		return TierCritical
	}
}

// DistributionRegimeFor classifies large_file_fraction per §4.7 step 2. A
// nil snapshot, or one below medium confidence, yields RegimeConservative.
func DistributionRegimeFor(snap *distribution.Snapshot) DistributionRegime {
	if snap == nil {
		return RegimeConservative
	}
	switch snap.Confidence {
	case distribution.ConfidenceLow:
		return RegimeConservative
	}

	frac := snap.LargeFileFraction * 100 // fraction -> percent, matching the spec's percent thresholds
	switch {
	case frac > 10:
		return RegimeUltraHeavy
	case frac >= 2:
		return RegimeHeavy
	case frac >= 0.5:
		return RegimeBalanced
	default:
		return RegimeLight
	}
}

// Select is the C7 pure function: (remaining_bytes, distribution_snapshot_or_nil, stage_index) -> Bundle.
// stageIndex is 1-based. Deterministic: identical inputs always yield an
// identical Bundle (§8 P8).
func Select(remaining, quotaCap int64, snap *distribution.Snapshot, stageIndex int) Bundle {
	safetyMargin := int64(float64(quotaCap) * SafetyMarginFraction)
	maxCap := remaining - safetyMargin
	if maxCap < 0 {
		maxCap = 0
	}

	tier := QuotaTierFor(remaining, quotaCap)
	regime := DistributionRegimeFor(snap)

	if tier == TierCritical {
		sizeCap := 150 * gib
		if half := remaining / 2; half < int64(sizeCap) {
			sizeCap = int(half)
		}
		return Bundle{
			Concurrency:    8,
			StageByteCap:   maxCap,
			PerFileSizeCap: int64(sizeCap),
			OrderBy:        OrderNone,
			CutoffMode:     "cautious",
			StrategyTag:    tagFor(tier, regime),
		}
	}

	bundle := baseTable[tableKey{tier, regime}]
	bundle.StageByteCap = clampCap(bundle.StageByteCap, maxCap)
	bundle.CutoffMode = "cautious"
	bundle.StrategyTag = tagFor(tier, regime)
	return bundle
}

func clampCap(proposed, max int64) int64 {
	if proposed > max {
		return max
	}
	return proposed
}

func tagFor(tier QuotaTier, regime DistributionRegime) string {
	return string(tier) + "_" + string(regime)
}

type tableKey struct {
	tier   QuotaTier
	regime DistributionRegime
}

// baseTable holds the fresh/mid/low × ultra_heavy/heavy/balanced/light/conservative
// cross-table from §4.7. StageByteCap entries are pre-safety-margin nominal
// values; Select always clamps them to remaining-safety_margin.
var baseTable = map[tableKey]Bundle{
	{TierFresh, RegimeLight}:        {Concurrency: 8, StageByteCap: 375 * gib, PerFileSizeCap: 600 * gib, OrderBy: OrderSizeDesc},
	{TierFresh, RegimeBalanced}:     {Concurrency: 6, StageByteCap: 375 * gib, PerFileSizeCap: 450 * gib, OrderBy: OrderSizeDesc},
	{TierFresh, RegimeHeavy}:        {Concurrency: 4, StageByteCap: 340 * gib, PerFileSizeCap: 300 * gib, OrderBy: OrderSizeDesc},
	{TierFresh, RegimeUltraHeavy}:   {Concurrency: 2, StageByteCap: 300 * gib, PerFileSizeCap: 150 * gib, OrderBy: OrderSizeDesc},
	{TierFresh, RegimeConservative}: {Concurrency: 4, StageByteCap: 375 * gib, PerFileSizeCap: 0, OrderBy: OrderNone},

	{TierMid, RegimeLight}:        {Concurrency: 8, StageByteCap: 450 * gib, PerFileSizeCap: 500 * gib, OrderBy: OrderSizeDesc},
	{TierMid, RegimeBalanced}:     {Concurrency: 6, StageByteCap: 450 * gib, PerFileSizeCap: 400 * gib, OrderBy: OrderSizeDesc},
	{TierMid, RegimeHeavy}:        {Concurrency: 4, StageByteCap: 450 * gib, PerFileSizeCap: 375 * gib, OrderBy: OrderSizeDesc},
	{TierMid, RegimeUltraHeavy}:   {Concurrency: 2, StageByteCap: 350 * gib, PerFileSizeCap: 175 * gib, OrderBy: OrderSizeDesc},
	{TierMid, RegimeConservative}: {Concurrency: 4, StageByteCap: 400 * gib, PerFileSizeCap: 0, OrderBy: OrderNone},

	{TierLow, RegimeLight}:        {Concurrency: 8, StageByteCap: 250 * gib, PerFileSizeCap: 300 * gib, OrderBy: OrderSizeDesc},
	{TierLow, RegimeBalanced}:     {Concurrency: 6, StageByteCap: 230 * gib, PerFileSizeCap: 200 * gib, OrderBy: OrderSizeDesc},
	{TierLow, RegimeHeavy}:        {Concurrency: 4, StageByteCap: 200 * gib, PerFileSizeCap: 150 * gib, OrderBy: OrderSizeDesc},
	{TierLow, RegimeUltraHeavy}:   {Concurrency: 2, StageByteCap: 180 * gib, PerFileSizeCap: 90 * gib, OrderBy: OrderNone},
	{TierLow, RegimeConservative}: {Concurrency: 4, StageByteCap: 200 * gib, PerFileSizeCap: 0, OrderBy: OrderNone},
}
