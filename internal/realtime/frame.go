package realtime

import (
	"encoding/json"
	"fmt"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/model"
	"gitlab.com/timkado/api/livechat-router/internal/validator"
)

// Client to server events
const (
	EventVisitorJoin       = "visitor.join"
	EventVisitorMessage    = "visitor.message"
	EventVisitorDisconnect = "visitor.disconnect"

	EventOperatorJoin          = "operator.join"
	EventOperatorMessage       = "operator.message"
	EventOperatorMarkRead      = "operator.markRead"
	EventOperatorUnreadCount   = "operator.unreadCount"
	EventOperatorEditMessage   = "operator.editMessage"
	EventOperatorDeleteMessage = "operator.deleteMessage"
	EventOperatorClearChat     = "operator.clearChat"
	EventOperatorDeleteChat    = "operator.deleteChat"
)

// Server to client events
const (
	EventAck   = "ack"
	EventError = "error"

	EventMessageNew          = "message.new"
	EventMessageToOperator   = "message.toOperator"
	EventMessageFromOperator = "message.fromOperator"
	EventMessageEdited       = "message.edited"
	EventMessageDeleted      = "message.deleted"
	EventChatCleared         = "chat.cleared"
	EventChatDeleted         = "chat.deleted"
	EventPresenceOnline      = "presence.online"
	EventPresenceOffline     = "presence.offline"
	EventPresenceBulkSync    = "presence.bulkSync"
	EventUnreadCountUpdate   = "unreadCount.update"
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *FrameError     `json:"error,omitempty"`
}

// FrameError is returned to the client when an event is rejected.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newFrame(eventType, id string, data interface{}) (Frame, error) {
	f := Frame{Type: eventType, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s frame: %w", eventType, err)
		}
		f.Data = raw
	}
	return f, nil
}

func errorFrame(id string, err error) Frame {
	return Frame{
		Type:  EventError,
		ID:    id,
		Error: &FrameError{Code: apperrors.Code(err), Message: clientMessage(err)},
	}
}

// clientMessage hides internal error details from clients.
func clientMessage(err error) string {
	if apperrors.Code(err) == "internal" {
		return "internal error"
	}
	return err.Error()
}

// decodePayload unmarshals and validates the data of an inbound frame.
func decodePayload(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err)
	}
	return validator.Validate(dst)
}

// VisitorJoinPayload binds a visitor connection to its room.
type VisitorJoinPayload struct {
	SiteID    string `json:"siteId" validate:"required,identifier"`
	VisitorID string `json:"visitorId" validate:"required,identifier"`
}

// VisitorMessagePayload is a message typed into the widget.
type VisitorMessagePayload struct {
	SiteID      string            `json:"siteId" validate:"required,identifier"`
	VisitorID   string            `json:"visitorId" validate:"required,identifier"`
	Text        string            `json:"text" validate:"max=4000"`
	Attachment  *model.Attachment `json:"attachment,omitempty"`
	DisplayName string            `json:"displayName,omitempty" validate:"max=100"`
}

// OperatorJoinPayload subscribes an operator connection to a site.
type OperatorJoinPayload struct {
	SiteID string `json:"siteId" validate:"required,identifier"`
}

// OperatorMessagePayload is a reply written by an operator.
type OperatorMessagePayload struct {
	ChatID     string            `json:"chatId" validate:"required"`
	SiteID     string            `json:"siteId" validate:"required,identifier"`
	Text       string            `json:"text" validate:"max=4000"`
	Attachment *model.Attachment `json:"attachment,omitempty"`
}

// ChatRefPayload addresses a chat.
type ChatRefPayload struct {
	ChatID string `json:"chatId" validate:"required"`
}

// EditMessagePayload replaces the text of a message.
type EditMessagePayload struct {
	MessageID string `json:"messageId" validate:"required"`
	Text      string `json:"text" validate:"required,max=4000"`
}

// MessageRefPayload addresses a message.
type MessageRefPayload struct {
	MessageID string `json:"messageId" validate:"required"`
}

// MessageEvent carries a persisted message to a room.
type MessageEvent struct {
	ChatID      string        `json:"chatId"`
	VisitorID   string        `json:"visitorId"`
	VisitorName string        `json:"visitorName,omitempty"`
	Message     model.Message `json:"message"`
}

// MessageDeletedEvent tells rooms a message is gone.
type MessageDeletedEvent struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// ChatEvent tells rooms a chat was cleared or deleted.
type ChatEvent struct {
	ChatID    string `json:"chatId"`
	VisitorID string `json:"visitorId"`
	Removed   int64  `json:"removed,omitempty"`
}

// PresenceEvent reports a visitor coming online or going offline.
type PresenceEvent struct {
	SiteID    string `json:"siteId"`
	VisitorID string `json:"visitorId"`
	ChatID    string `json:"chatId,omitempty"`
}

// PresenceBulkSync lists the visitors currently online for a site.
type PresenceBulkSync struct {
	SiteID   string          `json:"siteId"`
	Visitors []PresenceEvent `json:"visitors"`
}

// UnreadCountEvent is the aggregate number of unread visitor messages of a site.
type UnreadCountEvent struct {
	SiteID string `json:"siteId"`
	Count  int64  `json:"count"`
}

// JoinAck answers visitor.join and operator.join.
type JoinAck struct {
	SiteID    string `json:"siteId"`
	VisitorID string `json:"visitorId,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
}

// MarkReadAck answers operator.markRead.
type MarkReadAck struct {
	ChatID  string `json:"chatId"`
	Updated int64  `json:"updated"`
}
