package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base is embedded by every row that uses a time-ordered UUID primary key.
// UUIDv7 keeps B-tree locality without a separate created_at sort index.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate assigns a UUIDv7 if one was not already set by the caller.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Execution
// -----------------------------------------------------------------------------

// Execution is one instance of a submitted plan. Status transitions follow
// pending -> processing -> completed|failed. Once terminal, Result and Error
// are frozen and Plan is never mutated (see spec.md §3).
type Execution struct {
	base
	Status            string    `gorm:"not null;default:'pending';index"`
	Plan              string    `gorm:"type:text;not null"` // immutable JSON snapshot of the submitted plan
	BaseExecutionID   *uuid.UUID `gorm:"type:text;index"`
	Webhook           string    `gorm:"default:''"`
	WebhookSecret     EncryptedString `gorm:"type:text;default:''"`
	OrganizationID    string    `gorm:"default:'';index"`
	APIKeyID          string    `gorm:"default:''"`
	ProviderAPIKeys   EncryptedString `gorm:"type:text;default:''"` // JSON map[provider]key, encrypted at rest
	Result            string    `gorm:"type:text;default:''"`      // JSON, populated only in terminal state
	Error             string    `gorm:"type:text;default:''"`
	WebhookDeliveredAt *time.Time
	CompletedAt       *time.Time
}

// -----------------------------------------------------------------------------
// JobNode
// -----------------------------------------------------------------------------

// JobNode is one vertex of an execution's DAG. RecordID is the internal
// storage identity; JobID is the client-supplied id used for dependency
// references within the plan (unique within one execution).
type JobNode struct {
	base // base.ID is the RecordID referenced by QueueTicket.JobRecordID

	ExecutionID    uuid.UUID `gorm:"type:text;not null;index:idx_jobnode_exec"`
	JobID          string    `gorm:"not null;index:idx_jobnode_exec"` // unique within ExecutionID
	Operation      string    `gorm:"not null"`
	Params         string    `gorm:"type:text;not null;default:'{}'"` // raw JSON, pre-resolution
	Dependencies   string    `gorm:"type:text;not null;default:'[]'"` // JSON array of JobIDs
	Result         string    `gorm:"type:text;default:''"`            // JSON result, set on completion
	Error          string    `gorm:"type:text;default:''"`
	Status         string    `gorm:"not null;default:'pending';index"`
	ProviderJobID  string    `gorm:"default:''"`
	WaitingStrategy string   `gorm:"default:''"` // "", sync, webhook, polling, none
	NextPollAt     *time.Time `gorm:"index"`
	ProgressStage  string    `gorm:"default:''"`
	ProgressPercent int      `gorm:"default:0"`
	Attempts       int       `gorm:"default:0"`
	ActionLogged   bool      `gorm:"not null;default:false"`
	QueueTicketID  *uuid.UUID `gorm:"type:text"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
	WebhookDeliveredAt *time.Time
}

// -----------------------------------------------------------------------------
// QueueTicket (C1 persistent queue row)
// -----------------------------------------------------------------------------

// QueueTicket is one durable FIFO entry. State machine: created -> active ->
// completed|failed|expired. VisibleAt gates delivery (visibility timeout and
// backoff both work by pushing VisibleAt forward).
type QueueTicket struct {
	base
	Topic       string `gorm:"not null;index:idx_ticket_topic_state"`
	Payload     string `gorm:"type:text;not null"` // JSON: executionId, jobRecordId, jobId, operation, params, dependencies
	State       string `gorm:"not null;default:'created';index:idx_ticket_topic_state"`
	Attempts    int    `gorm:"not null;default:0"`
	MaxAttempts int    `gorm:"not null;default:5"`
	VisibleAt   time.Time `gorm:"not null;index"`
	ExpireAt    time.Time `gorm:"not null;index"`
	LockedBy    string `gorm:"default:''"`
	LockedAt    *time.Time
	LastError   string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// UsageLog — billing-adjacent idempotent action record (ActionLogged guard)
// -----------------------------------------------------------------------------

// UsageLog records that a completed job's billable action was logged exactly
// once. One row per JobNode that reached completed with ActionLogged=true.
type UsageLog struct {
	base
	ExecutionID uuid.UUID `gorm:"type:text;not null;index"`
	JobRecordID uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	Operation   string    `gorm:"not null"`
	RecordedAt  time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// JobEventLog — structured operator-visible log lines per job
// -----------------------------------------------------------------------------

// JobEventLog records status transitions and provider-call milestones for a
// JobNode, independent of the coarse JobNode.progress field. Surfaced via the
// jobs/{id}/logs read endpoint, mirroring the teacher's JobLog table.
type JobEventLog struct {
	base
	JobRecordID uuid.UUID `gorm:"type:text;not null;index"`
	Level       string    `gorm:"not null"` // "info", "warn", "error"
	Message     string    `gorm:"type:text;not null"`
	Timestamp   time.Time `gorm:"not null;index"`
}
