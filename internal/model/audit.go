package model

import "time"

// AuditEntry is one append-only record of an automated or bulk mutation.
// Bulk operations write exactly one entry per invocation summarizing the
// effect, never one per affected row.
type AuditEntry struct {
	ID              string    `json:"id"`
	Table           string    `json:"table"`
	RecordID        string    `json:"record_id,omitempty"`
	ActionType      string    `json:"action_type"`
	BusinessContext string    `json:"business_context"`
	ChangedBy       string    `json:"changed_by"`
	CreatedAt       time.Time `json:"created_at"`
}
