package model

import (
	"time"
)

// JobStatus tracks a scheduled job through the durable queue.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobCancelled  JobStatus = "cancelled"
	JobDiscarded  JobStatus = "discarded"
	JobFailed     JobStatus = "failed"
)

// ScheduledJob is a pending automated reply. Existence of a job is necessary but not
// sufficient for delivery: the worker re-validates the chat when it fires.
type ScheduledJob struct {
	ID         string      `json:"id" gorm:"column:id;primaryKey;type:uuid"`
	TenantID   string      `json:"siteId" gorm:"column:tenant_id;not null"`
	ChatID     string      `json:"chatId" gorm:"column:chat_id;not null;index:idx_jobs_chat_status,priority:1"`
	VisitorID  string      `json:"visitorId" gorm:"column:visitor_id;not null"`
	Trigger    TriggerKind `json:"trigger" gorm:"column:trigger;not null"`
	RuleID     string      `json:"ruleId" gorm:"column:rule_id"`
	Text       string      `json:"text" gorm:"column:text;not null"`
	FireAt     time.Time   `json:"fireAt" gorm:"column:fire_at;not null;index:idx_jobs_status_fire,priority:2"`
	EnqueuedAt time.Time   `json:"enqueuedAt" gorm:"column:enqueued_at;not null"`
	Status     JobStatus   `json:"status" gorm:"column:status;not null;default:pending;index:idx_jobs_status_fire,priority:1;index:idx_jobs_chat_status,priority:2"`
	Attempts   int         `json:"attempts" gorm:"column:attempts;not null;default:0"`
	LastError  string      `json:"lastError,omitempty" gorm:"column:last_error"`
	CreatedAt  time.Time   `json:"createdAt" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time   `json:"updatedAt" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (ScheduledJob) TableName() string {
	return "scheduled_jobs"
}
