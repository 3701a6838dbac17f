package hooks

import (
	"context"
	"time"
)

// AuditEntry is one line of the promotion audit trail.
type AuditEntry struct {
	Time        time.Time         `json:"time"`
	Event       string            `json:"event"`
	RequestID   string            `json:"request_id,omitempty"`
	CandidateID string            `json:"candidate_id,omitempty"`
	Override    bool              `json:"override,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// AuditSink persists audit entries. Record must not return before the
// entry is durable.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}
