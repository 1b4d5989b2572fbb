package model

import (
	"time"

	"gorm.io/datatypes"
)

// TriggerKind selects which auto-reply rule applies.
type TriggerKind string

const (
	TriggerFirstMessage TriggerKind = "first_message"
	// TriggerNoReply fires when no operator answered within the rule's delay.
	TriggerNoReply TriggerKind = "no_reply"
	TriggerOffline TriggerKind = "offline"
)

// AutoReplyRule is a tenant-scoped automated reply. Among active rules of one trigger the
// lowest Order wins.
type AutoReplyRule struct {
	ID           string      `json:"id" gorm:"column:id;primaryKey;type:uuid"`
	TenantID     string      `json:"siteId" gorm:"column:tenant_id;not null;index:idx_rules_tenant_trigger,priority:1"`
	Trigger      TriggerKind `json:"trigger" gorm:"column:trigger;not null;index:idx_rules_tenant_trigger,priority:2"`
	Name         string      `json:"name" gorm:"column:name"`
	Text         string      `json:"text" gorm:"column:text;not null"`
	DelaySeconds int         `json:"delaySeconds" gorm:"column:delay_seconds;not null;default:0"`
	Active       bool        `json:"active" gorm:"column:active;not null"`
	Order        int         `json:"order" gorm:"column:sort_order;not null;default:0"`
	CreatedAt    time.Time   `json:"createdAt" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time   `json:"updatedAt" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (AutoReplyRule) TableName() string {
	return "auto_reply_rules"
}

// Delay returns the rule delay as a duration.
func (r *AutoReplyRule) Delay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

// DayWindow is one weekday's opening window in "HH:MM" local time.
type DayWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Open  bool   `json:"open"`
}

// WeekSchedule maps lowercase weekday names ("monday") to their window.
type WeekSchedule map[string]DayWindow

// BusinessHours is the per-tenant schedule.
type BusinessHours struct {
	TenantID       string                           `json:"siteId" gorm:"column:tenant_id;primaryKey"`
	Timezone       string                           `json:"timezone" gorm:"column:timezone;not null;default:UTC"`
	Enabled        bool                             `json:"enabled" gorm:"column:enabled;not null;default:false"`
	OfflineMessage string                           `json:"offlineMessage" gorm:"column:offline_message"`
	Week           datatypes.JSONType[WeekSchedule] `json:"week" gorm:"column:week;type:jsonb"`
	UpdatedAt      time.Time                        `json:"updatedAt" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (BusinessHours) TableName() string {
	return "business_hours"
}

// TenantAccess grants an operator access to a tenant.
type TenantAccess struct {
	TenantID   string    `json:"siteId" gorm:"column:tenant_id;primaryKey"`
	OperatorID string    `json:"operatorId" gorm:"column:operator_id;primaryKey"`
	Role       string    `json:"role" gorm:"column:role;not null;default:operator"`
	CreatedAt  time.Time `json:"createdAt" gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (TenantAccess) TableName() string {
	return "tenant_operators"
}
