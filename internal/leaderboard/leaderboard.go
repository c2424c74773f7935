// Package leaderboard computes ambassador rankings from raw referral
// counters. The computation is a pure function over a snapshot: nothing is
// persisted and repeated runs over the same input rank identically.
package leaderboard

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-pipeline/internal/model"
)

// Metric selects the ranking key.
type Metric string

const (
	MetricComposite Metric = "composite"
	MetricSignups   Metric = "signups"
	MetricDomains   Metric = "active_domains"
	MetricLeads     Metric = "leads_processed"
	MetricRevenue   Metric = "revenue_recovered"
)

// Weights holds the composite score weighting. Zero-value weights rank
// everyone equal; use DefaultWeights unless config overrides them.
type Weights struct {
	Signups   float64
	Domains   float64
	Retention float64
	Leads     float64
	Revenue   float64
}

// DefaultWeights is the standard composite weighting.
var DefaultWeights = Weights{
	Signups:   0.25,
	Domains:   0.20,
	Retention: 0.20,
	Leads:     0.15,
	Revenue:   0.20,
}

// Compute derives the ranked leaderboard from a stats snapshot. Output is
// capped to limit; rank numbers are 1-based and contiguous. Ties on the
// ranking key break by signups descending, then ambassador id ascending,
// so the order is fully deterministic.
func Compute(stats []model.AmbassadorStats, metric Metric, limit int, w Weights) ([]model.LeaderboardEntry, error) {
	if metric == "" {
		metric = MetricComposite
	}
	switch metric {
	case MetricComposite, MetricSignups, MetricDomains, MetricLeads, MetricRevenue:
	default:
		return nil, eris.Errorf("leaderboard: unknown metric %q", metric)
	}

	entries := make([]model.LeaderboardEntry, 0, len(stats))
	for _, s := range stats {
		entries = append(entries, model.LeaderboardEntry{
			AmbassadorID:     s.ID,
			Name:             s.Name,
			Signups:          s.Signups,
			ActiveDomains:    s.ActiveDomains,
			RetentionRate:    ratio(float64(s.ActiveDomains), float64(s.Signups)),
			LeadsProcessed:   s.LeadsProcessed,
			LeadsPerDomain:   ratio(float64(s.LeadsProcessed), float64(s.ActiveDomains)),
			RevenueRecovered: s.RevenueRecovered,
		})
	}

	scoreComposite(entries, w)

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		ka, kb := sortKey(a, metric), sortKey(b, metric)
		if ka != kb {
			return ka > kb
		}
		if a.Signups != b.Signups {
			return a.Signups > b.Signups
		}
		return a.AmbassadorID < b.AmbassadorID
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// scoreComposite fills CompositeScore as a weighted combination of each
// metric normalized against the snapshot's maximum.
func scoreComposite(entries []model.LeaderboardEntry, w Weights) {
	var maxSignups, maxDomains, maxRetention, maxLeadsPer, maxRevenue float64
	for _, e := range entries {
		maxSignups = max(maxSignups, float64(e.Signups))
		maxDomains = max(maxDomains, float64(e.ActiveDomains))
		maxRetention = max(maxRetention, e.RetentionRate)
		maxLeadsPer = max(maxLeadsPer, e.LeadsPerDomain)
		maxRevenue = max(maxRevenue, e.RevenueRecovered)
	}

	for i := range entries {
		e := &entries[i]
		e.CompositeScore = w.Signups*ratio(float64(e.Signups), maxSignups) +
			w.Domains*ratio(float64(e.ActiveDomains), maxDomains) +
			w.Retention*ratio(e.RetentionRate, maxRetention) +
			w.Leads*ratio(e.LeadsPerDomain, maxLeadsPer) +
			w.Revenue*ratio(e.RevenueRecovered, maxRevenue)
	}
}

func sortKey(e model.LeaderboardEntry, metric Metric) float64 {
	switch metric {
	case MetricSignups:
		return float64(e.Signups)
	case MetricDomains:
		return float64(e.ActiveDomains)
	case MetricLeads:
		return float64(e.LeadsProcessed)
	case MetricRevenue:
		return e.RevenueRecovered
	default:
		return e.CompositeScore
	}
}

// ratio divides with a zero-denominator guard.
func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
