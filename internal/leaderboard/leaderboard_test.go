package leaderboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-pipeline/internal/model"
)

func sampleStats() []model.AmbassadorStats {
	return []model.AmbassadorStats{
		{ID: "amb-1", Name: "Avery", Signups: 40, ActiveDomains: 30, LeadsProcessed: 900, RevenueRecovered: 12000},
		{ID: "amb-2", Name: "Blake", Signups: 100, ActiveDomains: 20, LeadsProcessed: 400, RevenueRecovered: 8000},
		{ID: "amb-3", Name: "Casey", Signups: 10, ActiveDomains: 10, LeadsProcessed: 100, RevenueRecovered: 30000},
	}
}

func TestCompute_DefaultsToComposite(t *testing.T) {
	entries, err := Compute(sampleStats(), "", 10, DefaultWeights)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Ranks are 1-based and contiguous.
	for i, e := range entries {
		assert.Equal(t, i+1, e.Rank)
	}
	// Scores are non-increasing.
	for i := 1; i < len(entries); i++ {
		assert.GreaterOrEqual(t, entries[i-1].CompositeScore, entries[i].CompositeScore)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	first, err := Compute(sampleStats(), MetricComposite, 10, DefaultWeights)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Compute(sampleStats(), MetricComposite, 10, DefaultWeights)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCompute_SingleMetricOrdering(t *testing.T) {
	entries, err := Compute(sampleStats(), MetricSignups, 10, DefaultWeights)
	require.NoError(t, err)
	assert.Equal(t, "amb-2", entries[0].AmbassadorID)
	assert.Equal(t, "amb-1", entries[1].AmbassadorID)
	assert.Equal(t, "amb-3", entries[2].AmbassadorID)

	entries, err = Compute(sampleStats(), MetricRevenue, 10, DefaultWeights)
	require.NoError(t, err)
	assert.Equal(t, "amb-3", entries[0].AmbassadorID)
}

func TestCompute_TieBreaks(t *testing.T) {
	stats := []model.AmbassadorStats{
		{ID: "amb-b", Name: "B", Signups: 50, ActiveDomains: 10, LeadsProcessed: 200, RevenueRecovered: 100},
		{ID: "amb-a", Name: "A", Signups: 50, ActiveDomains: 10, LeadsProcessed: 200, RevenueRecovered: 100},
		{ID: "amb-c", Name: "C", Signups: 80, ActiveDomains: 10, LeadsProcessed: 200, RevenueRecovered: 100},
	}

	entries, err := Compute(stats, MetricLeads, 10, DefaultWeights)
	require.NoError(t, err)

	// All tie on leads; signups breaks first, then id ascending.
	assert.Equal(t, "amb-c", entries[0].AmbassadorID)
	assert.Equal(t, "amb-a", entries[1].AmbassadorID)
	assert.Equal(t, "amb-b", entries[2].AmbassadorID)
}

func TestCompute_LimitCapsOutput(t *testing.T) {
	entries, err := Compute(sampleStats(), MetricComposite, 2, DefaultWeights)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, 2, entries[1].Rank)
}

func TestCompute_UnknownMetric(t *testing.T) {
	_, err := Compute(sampleStats(), "blended", 10, DefaultWeights)
	assert.Error(t, err)
}

func TestCompute_ZeroDenominators(t *testing.T) {
	stats := []model.AmbassadorStats{
		{ID: "amb-1", Name: "Zero", Signups: 0, ActiveDomains: 0, LeadsProcessed: 0, RevenueRecovered: 0},
	}
	entries, err := Compute(stats, MetricComposite, 10, DefaultWeights)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Zero(t, entries[0].RetentionRate)
	assert.Zero(t, entries[0].LeadsPerDomain)
	assert.Zero(t, entries[0].CompositeScore)
}

func TestCompute_EmptyInput(t *testing.T) {
	entries, err := Compute(nil, MetricComposite, 10, DefaultWeights)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCompute_DerivedRatios(t *testing.T) {
	entries, err := Compute(sampleStats(), MetricComposite, 10, DefaultWeights)
	require.NoError(t, err)

	for _, e := range entries {
		if e.AmbassadorID == "amb-1" {
			assert.InDelta(t, 0.75, e.RetentionRate, 1e-9) // 30/40
			assert.InDelta(t, 30.0, e.LeadsPerDomain, 1e-9) // 900/30
		}
	}
}
