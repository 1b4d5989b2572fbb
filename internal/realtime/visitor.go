package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/automation"
	"gitlab.com/timkado/api/livechat-router/internal/model"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
)

func (r *Router) handleVisitorJoin(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p VisitorJoinPayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	if err := checkVisitor(c, p.SiteID, p.VisitorID); err != nil {
		return nil, err
	}
	return r.joinVisitor(ctx, c)
}

// joinVisitor puts c into its visitor room. The chat is not touched; the latest chat id
// is only looked up so operators can match presence to a conversation.
func (r *Router) joinVisitor(ctx context.Context, c *Conn) (*JoinAck, error) {
	tenantID, visitorID := c.visitor()
	joined := r.hub.Join(VisitorRoom(tenantID, visitorID), c)

	if c.chat() == "" {
		chat, err := r.deps.Chats.FindLatestChat(ctx, tenantID, visitorID)
		switch {
		case err == nil:
			c.setChat(chat.ID)
		case apperrors.IsNotFoundError(err):
		default:
			return nil, err
		}
	}
	if joined {
		r.goOnline(ctx, c)
	}
	return &JoinAck{SiteID: tenantID, VisitorID: visitorID, ChatID: c.chat()}, nil
}

func (r *Router) handleVisitorMessage(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p VisitorMessagePayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	if err := checkVisitor(c, p.SiteID, p.VisitorID); err != nil {
		return nil, err
	}
	if p.Text == "" && p.Attachment == nil {
		return nil, fmt.Errorf("%w: message has neither text nor attachment", apperrors.ErrBadRequest)
	}

	chat, _, err := r.deps.Chats.FindOrCreateChat(ctx, p.SiteID, p.VisitorID)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).With(zap.String("chat_id", chat.ID))

	if p.DisplayName != "" && (chat.VisitorName == nil || *chat.VisitorName != p.DisplayName) {
		if err := r.deps.Chats.RenameVisitor(ctx, chat.ID, p.DisplayName); err != nil {
			log.Warn("Failed to store visitor name", zap.Error(err))
		} else {
			name := p.DisplayName
			chat.VisitorName = &name
		}
	}

	msg := &model.Message{
		ChatID:   chat.ID,
		TenantID: chat.TenantID,
		Sender:   model.SenderVisitor,
		Text:     p.Text,
	}
	if err := msg.SetAttachment(p.Attachment); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err)
	}
	if err := r.deps.Messages.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	// a visitor that disconnected explicitly comes back with its next message
	rejoined := r.hub.Join(VisitorRoom(chat.TenantID, chat.VisitorID), c)
	if switched := c.setChat(chat.ID); switched || rejoined {
		r.goOnline(ctx, c)
	}

	ev := MessageEvent{ChatID: chat.ID, VisitorID: chat.VisitorID, VisitorName: chat.DisplayName(), Message: *msg}
	r.emit(ctx, VisitorRoom(chat.TenantID, chat.VisitorID), EventMessageNew, ev)
	r.emit(ctx, OperatorRoom(chat.TenantID), EventMessageToOperator, ev)

	r.deps.Automation.OnInboundMessage(ctx, automation.InboundEvent{
		TenantID:  chat.TenantID,
		ChatID:    chat.ID,
		VisitorID: chat.VisitorID,
		MessageID: msg.ID,
		Sender:    model.SenderVisitor,
		Text:      msg.Text,
		Position:  msg.Position,
	})

	// only the message that opened the chat is a lead
	if msg.Position != 1 {
		return msg, nil
	}
	lead := model.Lead{
		TenantID:    chat.TenantID,
		ChatID:      chat.ID,
		VisitorID:   chat.VisitorID,
		VisitorName: chat.DisplayName(),
		Text:        msg.Text,
		Attachment:  p.Attachment,
	}
	r.background(ctx, "lead notification", func(ctx context.Context) {
		if err := r.deps.Notifier.NotifyNewLead(ctx, lead); err != nil {
			logger.FromContext(ctx).Warn("Lead notification failed", zap.String("chat_id", lead.ChatID), zap.Error(err))
		}
	})

	return msg, nil
}

func (r *Router) handleVisitorDisconnect(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p VisitorJoinPayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	if err := checkVisitor(c, p.SiteID, p.VisitorID); err != nil {
		return nil, err
	}
	tenantID, visitorID := c.visitor()
	r.hub.Leave(VisitorRoom(tenantID, visitorID), c)
	r.goOffline(ctx, c, true)
	return &JoinAck{SiteID: tenantID, VisitorID: visitorID, ChatID: c.chat()}, nil
}

// goOnline records presence and tells the operators of the site.
func (r *Router) goOnline(ctx context.Context, c *Conn) {
	tenantID, visitorID := c.visitor()
	chatID := c.chat()
	if err := r.deps.Presence.MarkOnline(ctx, tenantID, visitorID, chatID); err != nil {
		logger.FromContext(ctx).Warn("Failed to record visitor presence", zap.Error(err))
	}
	if chatID == "" {
		return
	}
	r.emit(ctx, OperatorRoom(tenantID), EventPresenceOnline, PresenceEvent{SiteID: tenantID, VisitorID: visitorID, ChatID: chatID})
}

// goOffline clears presence and, unless another instance still holds a tab of the
// visitor, closes the chat and tells the operators. An explicit disconnect closes the
// chat regardless.
func (r *Router) goOffline(ctx context.Context, c *Conn, explicit bool) {
	log := logger.FromContext(ctx)
	tenantID, visitorID := c.visitor()
	chatID := c.chat()

	elsewhere, err := r.deps.Presence.MarkOffline(ctx, tenantID, visitorID)
	if err != nil {
		log.Warn("Failed to clear visitor presence", zap.Error(err))
	}
	if elsewhere && !explicit {
		log.Debug("Visitor still connected on another instance, keeping chat open", zap.String("chat_id", chatID))
		return
	}
	if chatID == "" {
		return
	}
	if err := r.deps.Chats.SetChatStatus(ctx, chatID, model.ChatStatusClosed); err != nil && !apperrors.IsNotFoundError(err) {
		log.Error("Failed to close chat on disconnect", zap.String("chat_id", chatID), zap.Error(err))
	}
	r.emit(ctx, OperatorRoom(tenantID), EventPresenceOffline, PresenceEvent{SiteID: tenantID, VisitorID: visitorID, ChatID: chatID})
}

func checkVisitor(c *Conn, siteID, visitorID string) error {
	tenantID, ownVisitorID := c.visitor()
	if siteID != tenantID || visitorID != ownVisitorID {
		return fmt.Errorf("%w: connection is bound to another visitor", apperrors.ErrForbidden)
	}
	return nil
}
