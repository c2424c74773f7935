package model

// AmbassadorStats is a snapshot of one ambassador's raw referral counters.
type AmbassadorStats struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Signups          int     `json:"signups"`
	ActiveDomains    int     `json:"active_domains"`
	LeadsProcessed   int     `json:"leads_processed"`
	RevenueRecovered float64 `json:"revenue_recovered"`
}

// LeaderboardEntry is one ranked row of the ambassador leaderboard. It is
// derived on every read and never persisted.
type LeaderboardEntry struct {
	Rank             int     `json:"rank"`
	AmbassadorID     string  `json:"ambassador_id"`
	Name             string  `json:"name"`
	Signups          int     `json:"signups"`
	ActiveDomains    int     `json:"active_domains"`
	RetentionRate    float64 `json:"retention_rate"`
	LeadsProcessed   int     `json:"leads_processed"`
	LeadsPerDomain   float64 `json:"leads_per_domain"`
	RevenueRecovered float64 `json:"revenue_recovered"`
	CompositeScore   float64 `json:"composite_score"`
}
