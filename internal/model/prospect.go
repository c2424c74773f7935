// Package model defines the domain types shared across the prospect pipeline.
package model

import "time"

// ProspectStatus represents a prospect's position in the sales pipeline.
type ProspectStatus string

const (
	StatusNew        ProspectStatus = "new"
	StatusReview     ProspectStatus = "review"
	StatusEnriching  ProspectStatus = "enriching"
	StatusEnriched   ProspectStatus = "enriched"
	StatusContacted  ProspectStatus = "contacted"
	StatusInterested ProspectStatus = "interested"
	StatusProposal   ProspectStatus = "proposal"
	StatusClosedWon  ProspectStatus = "closed_won"
	StatusClosedLost ProspectStatus = "closed_lost"
	StatusNotViable  ProspectStatus = "not_viable"
	StatusOnHold     ProspectStatus = "on_hold"
)

// statusQualified is a legacy value still present in older rows. It is
// normalized to StatusInterested at every read boundary and never written.
const statusQualified ProspectStatus = "qualified"

// NormalizeStatus maps legacy stored values onto the current status set.
// It must be applied whenever a status is read from the store so that
// legacy rows stay valid without a migration.
func NormalizeStatus(s ProspectStatus) ProspectStatus {
	if s == statusQualified {
		return StatusInterested
	}
	return s
}

// IsTerminal reports whether no automated transition may leave s.
func (s ProspectStatus) IsTerminal() bool {
	switch s {
	case StatusClosedWon, StatusClosedLost, StatusNotViable:
		return true
	}
	return false
}

// IsPreContact reports whether s precedes first sales contact. Only
// pre-contact prospects may be dead-ended to not_viable.
func (s ProspectStatus) IsPreContact() bool {
	switch s {
	case StatusNew, StatusReview, StatusEnriching, StatusEnriched:
		return true
	}
	return false
}

// Valid reports whether s is a known status after normalization.
func (s ProspectStatus) Valid() bool {
	switch NormalizeStatus(s) {
	case StatusNew, StatusReview, StatusEnriching, StatusEnriched,
		StatusContacted, StatusInterested, StatusProposal,
		StatusClosedWon, StatusClosedLost, StatusNotViable, StatusOnHold:
		return true
	}
	return false
}

// forward holds the normal-progression edges of the pipeline.
var forward = map[ProspectStatus][]ProspectStatus{
	StatusNew:        {StatusReview, StatusEnriching},
	StatusReview:     {StatusEnriching},
	StatusEnriching:  {StatusEnriched, StatusReview},
	StatusEnriched:   {StatusContacted},
	StatusContacted:  {StatusInterested},
	StatusInterested: {StatusProposal},
	StatusProposal:   {StatusClosedWon, StatusClosedLost},
}

// CanTransition reports whether moving a prospect from one status to
// another is legal. Same-status transitions are always legal so external
// workflow writes stay idempotent. Terminal states have no exits.
func CanTransition(from, to ProspectStatus) bool {
	from = NormalizeStatus(from)
	to = NormalizeStatus(to)

	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}

	// on_hold is reachable from, and returns to, any non-terminal state.
	if to == StatusOnHold {
		return true
	}
	if from == StatusOnHold {
		return !to.IsTerminal()
	}

	// not_viable dead-ends any pre-contact prospect.
	if to == StatusNotViable {
		return from.IsPreContact()
	}

	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProspectRecord is one lead/domain under consideration. The lock fields
// are either both null or both set; at most one worker holds the lease at
// any instant.
type ProspectRecord struct {
	ID                   string         `json:"id"`
	Domain               string         `json:"domain"`
	Name                 string         `json:"name,omitempty"`
	Status               ProspectStatus `json:"status"`
	EnrichmentRetryCount int            `json:"enrichment_retry_count"`
	LastEnrichmentAt     *time.Time     `json:"last_enrichment_attempt,omitempty"`
	LockOwner            *string        `json:"lock_owner,omitempty"`
	LockAcquiredAt       *time.Time     `json:"lock_acquired_at,omitempty"`
	Notes                string         `json:"notes,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Locked reports whether the record currently carries lease fields.
// Expiry is a separate question answered against a lease duration.
func (p *ProspectRecord) Locked() bool {
	return p.LockOwner != nil && p.LockAcquiredAt != nil
}

// LeaseExpired reports whether the held lease lapsed before now. An
// unlocked record has no lease to expire.
func (p *ProspectRecord) LeaseExpired(leaseDuration time.Duration, now time.Time) bool {
	if !p.Locked() {
		return false
	}
	return !p.LockAcquiredAt.Add(leaseDuration).After(now)
}
