package approver

import "time"

// JobContent is the engine's view of a job's reviewable content. The content
// signature is computed from Name, Description, Tags and CodeFiles only;
// requester identity and timestamps never participate in content identity.
type JobContent struct {
	JobID          string            `json:"uid"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Tags           []string          `json:"tags"`
	RequesterEmail string            `json:"requester_email"`
	CreatedAt      time.Time         `json:"created_at"`
	CodeFiles      map[string]string `json:"code_files"`
}

// AllowlistEntry is one trusted sender record.
type AllowlistEntry struct {
	Email   string    `json:"email"`
	AddedAt time.Time `json:"added_at"`
}

// JobHistoryRecord is a completed job stored for potential promotion to a
// trusted code pattern. Keyed by content signature: two jobs with identical
// displayed content collide to the same record, last writer wins.
type JobHistoryRecord struct {
	Signature      string            `json:"signature"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Tags           []string          `json:"tags"`
	RequesterEmail string            `json:"requester_email"`
	CodeFiles      map[string]string `json:"code_files"`
	Status         string            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	StoredAt       time.Time         `json:"stored_at"`
}

// TrustedCodePattern is a previously-seen job's content, auto-approved
// regardless of sender. The signature is the primary and only lookup key.
type TrustedCodePattern struct {
	Signature      string            `json:"signature"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Tags           []string          `json:"tags"`
	RequesterEmail string            `json:"requester_email"`
	CodeFiles      map[string]string `json:"code_files"`
	CreatedAt      time.Time         `json:"created_at"`
	MarkedAt       time.Time         `json:"marked_at"`
}

type DecisionAction string

const (
	ActionApprove        DecisionAction = "approve"
	ActionIgnore         DecisionAction = "ignore"
	ActionFailedApproval DecisionAction = "failed_approval"
)

// DecisionRecord is one append-only audit log entry. Records are never
// overwritten; retention pruning is the only way they go away.
type DecisionRecord struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	JobName   string         `json:"job_name"`
	Signature string         `json:"signature,omitempty"`
	Action    DecisionAction `json:"action"`
	Reason    string         `json:"reason"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
