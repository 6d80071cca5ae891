package telemetry

import (
	"fmt"
	"time"
)

// TierStats aggregates calls and cost for one tier.
type TierStats struct {
	Calls      int64
	CostMicros int64
}

// StatsReport summarizes ledger activity over a window.
type StatsReport struct {
	// ByTier maps tier name to call count and cost.
	ByTier map[string]TierStats

	// TotalCalls is the number of entries in the window.
	TotalCalls int64

	// CacheHitRate is hits / total, 0 when the window is empty.
	CacheHitRate float64

	// AvgDurationMS is the mean call duration in the window.
	AvgDurationMS float64
}

// SavingsReport compares actual spend against the premium baseline.
//
// The baseline is a well-defined counterfactual: every recorded call priced
// at the premium reference rates using its recorded token counts. Cache hits
// contribute their stored tokens to the baseline at zero actual cost, which
// is exactly the spend they avoided.
type SavingsReport struct {
	// BaselineCostMicros is what the window would have cost at premium.
	BaselineCostMicros int64

	// ActualCostMicros is what the window actually cost.
	ActualCostMicros int64

	// AbsoluteSavingsMicros is baseline minus actual.
	AbsoluteSavingsMicros int64

	// PercentSavings is (baseline - actual) / baseline, 0 for an empty
	// baseline.
	PercentSavings float64

	// CacheSavingsMicros is the portion of savings attributable to cache
	// hits: the cost the hit calls would have incurred at their own
	// model's rates.
	CacheSavingsMicros int64
}

// Recent returns the newest n entries, newest first.
func (l *Ledger) Recent(n int) []Entry {
	if n <= 0 {
		return nil
	}
	all := l.readAll()
	out := make([]Entry, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out
}

// Stats aggregates entries newer than now-window. A zero window means all
// entries.
func (l *Ledger) Stats(window time.Duration) StatsReport {
	report := StatsReport{ByTier: make(map[string]TierStats)}

	var hits int64
	var durationTotal int64
	for _, e := range l.entriesInWindow(window) {
		report.TotalCalls++
		ts := report.ByTier[e.Tier]
		ts.Calls++
		ts.CostMicros += e.CostMicros()
		report.ByTier[e.Tier] = ts
		if e.Cache.Hit {
			hits++
		}
		durationTotal += e.DurationMS
	}

	if report.TotalCalls > 0 {
		report.CacheHitRate = float64(hits) / float64(report.TotalCalls)
		report.AvgDurationMS = float64(durationTotal) / float64(report.TotalCalls)
	}
	return report
}

// Savings computes the savings report over a window. Requires a Pricer.
func (l *Ledger) Savings(window time.Duration) (SavingsReport, error) {
	if l.pricer == nil {
		return SavingsReport{}, fmt.Errorf("savings analytics require a pricer")
	}

	premIn, premOut := l.pricer.PremiumRates()

	var report SavingsReport
	for _, e := range l.entriesInWindow(window) {
		baseline := int64(e.Tokens.Input)*premIn/1_000_000 +
			int64(e.Tokens.Output)*premOut/1_000_000
		report.BaselineCostMicros += baseline
		report.ActualCostMicros += e.CostMicros()

		if e.Cache.Hit {
			if in, out, ok := l.pricer.ModelRates(e.Model); ok {
				report.CacheSavingsMicros += int64(e.Tokens.Input)*in/1_000_000 +
					int64(e.Tokens.Output)*out/1_000_000
			}
		}
	}

	report.AbsoluteSavingsMicros = report.BaselineCostMicros - report.ActualCostMicros
	if report.BaselineCostMicros > 0 {
		report.PercentSavings = float64(report.AbsoluteSavingsMicros) / float64(report.BaselineCostMicros)
	}
	return report, nil
}

func (l *Ledger) entriesInWindow(window time.Duration) []Entry {
	all := l.readAll()
	if window <= 0 {
		return all
	}
	cutoff := time.Now().Add(-window)
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.TS.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}
