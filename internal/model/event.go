package model

// DeliveryEvent is emitted by the delayed-reply worker once an automated reply is
// persisted. Realtime routers fan it out to the visitor and operator rooms.
type DeliveryEvent struct {
	TenantID  string  `json:"siteId" validate:"required"`
	ChatID    string  `json:"chatId" validate:"required"`
	VisitorID string  `json:"visitorId" validate:"required"`
	Trigger   string  `json:"trigger"`
	Message   Message `json:"message"`
}

// Lead is handed to the notification collaborator when a visitor starts a new
// conversation.
type Lead struct {
	TenantID    string      `json:"siteId"`
	ChatID      string      `json:"chatId"`
	VisitorID   string      `json:"visitorId"`
	VisitorName string      `json:"visitorName,omitempty"`
	Text        string      `json:"text"`
	Attachment  *Attachment `json:"attachment,omitempty"`
}
