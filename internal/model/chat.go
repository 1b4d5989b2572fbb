package model

import (
	"time"
)

// ChatStatus is the lifecycle state of a chat.
type ChatStatus string

const (
	ChatStatusOpen   ChatStatus = "open"
	ChatStatusClosed ChatStatus = "closed"
)

// Chat represents one visitor conversation with one tenant (site).
// Historical closed chats are kept; the latest chat of a (tenant, visitor) pair is the one
// routed to.
type Chat struct {
	ID          string     `json:"id" gorm:"column:id;primaryKey;type:uuid"`
	TenantID    string     `json:"siteId" gorm:"column:tenant_id;not null;index:idx_chats_tenant_visitor,priority:1"`
	VisitorID   string     `json:"visitorId" gorm:"column:visitor_id;not null;index:idx_chats_tenant_visitor,priority:2"`
	VisitorName *string    `json:"visitorName,omitempty" gorm:"column:visitor_name"`
	Status      ChatStatus `json:"status" gorm:"column:status;not null;default:open"`
	CreatedAt   time.Time  `json:"createdAt" gorm:"column:created_at;autoCreateTime;index:idx_chats_tenant_visitor,priority:3,sort:desc"`
	UpdatedAt   time.Time  `json:"updatedAt" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Chat) TableName() string {
	return "chats"
}

// IsClosed reports whether the chat has been closed.
func (c *Chat) IsClosed() bool {
	return c.Status == ChatStatusClosed
}

// DisplayName returns the visitor name shown to operators. Visitors without a name are
// labelled by a short form of their id.
func (c *Chat) DisplayName() string {
	if c.VisitorName != nil && *c.VisitorName != "" {
		return *c.VisitorName
	}
	id := c.VisitorID
	if len(id) > 8 {
		id = id[:8]
	}
	return "Visitor " + id
}
