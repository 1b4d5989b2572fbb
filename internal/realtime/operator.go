package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/automation"
	"gitlab.com/timkado/api/livechat-router/internal/model"
	"gitlab.com/timkado/api/livechat-router/internal/tenant"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
)

func (r *Router) handleOperatorJoin(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p OperatorJoinPayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	if err := r.authorizeSite(ctx, c, p.SiteID); err != nil {
		return nil, err
	}
	r.hub.Join(OperatorRoom(p.SiteID), c)

	siteCtx := tenant.WithTenantID(ctx, p.SiteID)
	r.background(siteCtx, "seed automation defaults", func(ctx context.Context) {
		seeded, err := r.deps.Automation.EnsureDefaults(ctx, p.SiteID)
		if err != nil {
			logger.FromContext(ctx).Warn("Failed to seed automation defaults", zap.String("tenant_id", p.SiteID), zap.Error(err))
			return
		}
		if seeded {
			logger.FromContext(ctx).Info("Seeded automation defaults", zap.String("tenant_id", p.SiteID))
		}
	})

	r.sendTo(c, EventPresenceBulkSync, r.onlineVisitors(siteCtx, p.SiteID))
	if count, err := r.deps.Messages.UnreadCount(siteCtx, p.SiteID); err != nil {
		logger.FromContext(ctx).Warn("Failed to load unread count", zap.String("tenant_id", p.SiteID), zap.Error(err))
	} else {
		r.sendTo(c, EventUnreadCountUpdate, UnreadCountEvent{SiteID: p.SiteID, Count: count})
	}
	return &JoinAck{SiteID: p.SiteID}, nil
}

// onlineVisitors merges local room membership with the shared presence hash. Local
// membership wins when both know a visitor.
func (r *Router) onlineVisitors(ctx context.Context, siteID string) PresenceBulkSync {
	byVisitor := make(map[string]PresenceEvent)
	remote, err := r.deps.Presence.Online(ctx, siteID)
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to read shared presence", zap.Error(err))
	}
	for visitorID, chatID := range remote {
		byVisitor[visitorID] = PresenceEvent{SiteID: siteID, VisitorID: visitorID, ChatID: chatID}
	}
	for _, p := range r.hub.OnlineVisitors(siteID) {
		byVisitor[p.VisitorID] = p
	}

	out := PresenceBulkSync{SiteID: siteID, Visitors: make([]PresenceEvent, 0, len(byVisitor))}
	for _, p := range byVisitor {
		out.Visitors = append(out.Visitors, p)
	}
	sort.Slice(out.Visitors, func(i, j int) bool { return out.Visitors[i].VisitorID < out.Visitors[j].VisitorID })
	return out
}

func (r *Router) handleOperatorMessage(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p OperatorMessagePayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	if p.Text == "" && p.Attachment == nil {
		return nil, fmt.Errorf("%w: message has neither text nor attachment", apperrors.ErrBadRequest)
	}
	if err := r.authorizeSite(ctx, c, p.SiteID); err != nil {
		return nil, err
	}
	ctx = tenant.WithTenantID(ctx, p.SiteID)
	chat, err := r.deps.Chats.GetChat(ctx, p.ChatID)
	if err != nil {
		return nil, err
	}
	if chat.TenantID != p.SiteID {
		return nil, fmt.Errorf("%w: chat belongs to another site", apperrors.ErrForbidden)
	}

	msg := &model.Message{
		ChatID:   chat.ID,
		TenantID: chat.TenantID,
		Sender:   model.SenderOperator,
		Text:     p.Text,
	}
	if err := msg.SetAttachment(p.Attachment); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err)
	}
	if err := r.deps.Messages.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	ev := MessageEvent{ChatID: chat.ID, VisitorID: chat.VisitorID, VisitorName: chat.DisplayName(), Message: *msg}
	r.emit(ctx, VisitorRoom(chat.TenantID, chat.VisitorID), EventMessageFromOperator, ev)
	r.emit(ctx, OperatorRoom(chat.TenantID), EventMessageNew, ev)

	r.deps.Automation.OnInboundMessage(ctx, automation.InboundEvent{
		TenantID:  chat.TenantID,
		ChatID:    chat.ID,
		VisitorID: chat.VisitorID,
		MessageID: msg.ID,
		Sender:    model.SenderOperator,
		Text:      msg.Text,
		Position:  msg.Position,
	})
	return msg, nil
}

func (r *Router) handleMarkRead(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p ChatRefPayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	chat, ctx, err := r.operatorChat(ctx, c, p.ChatID)
	if err != nil {
		return nil, err
	}
	updated, err := r.deps.Messages.MarkRead(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	r.broadcastUnread(ctx, chat.TenantID)
	return &MarkReadAck{ChatID: chat.ID, Updated: updated}, nil
}

// broadcastUnread recomputes the site's unread count for every operator session.
func (r *Router) broadcastUnread(ctx context.Context, siteID string) {
	count, err := r.deps.Messages.UnreadCount(ctx, siteID)
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to recompute unread count", zap.String("tenant_id", siteID), zap.Error(err))
		return
	}
	r.emit(ctx, OperatorRoom(siteID), EventUnreadCountUpdate, UnreadCountEvent{SiteID: siteID, Count: count})
}

func (r *Router) handleUnreadCount(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p OperatorJoinPayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	if err := r.authorizeSite(ctx, c, p.SiteID); err != nil {
		return nil, err
	}
	count, err := r.deps.Messages.UnreadCount(tenant.WithTenantID(ctx, p.SiteID), p.SiteID)
	if err != nil {
		return nil, err
	}
	return &UnreadCountEvent{SiteID: p.SiteID, Count: count}, nil
}

func (r *Router) handleEditMessage(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p EditMessagePayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	msg, chat, ctx, err := r.operatorMessage(ctx, c, p.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.Sender == model.SenderVisitor {
		return nil, fmt.Errorf("%w: visitor messages cannot be edited", apperrors.ErrForbidden)
	}
	updated, err := r.deps.Messages.EditMessage(ctx, msg.ID, p.Text)
	if err != nil {
		return nil, err
	}
	r.emitToChat(ctx, chat, EventMessageEdited, MessageEvent{ChatID: chat.ID, VisitorID: chat.VisitorID, Message: *updated})
	return updated, nil
}

func (r *Router) handleDeleteMessage(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p MessageRefPayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	msg, chat, ctx, err := r.operatorMessage(ctx, c, p.MessageID)
	if err != nil {
		return nil, err
	}
	if err := r.deps.Messages.DeleteMessage(ctx, msg.ID); err != nil {
		return nil, err
	}
	ev := MessageDeletedEvent{ChatID: chat.ID, MessageID: msg.ID}
	r.emitToChat(ctx, chat, EventMessageDeleted, ev)
	if msg.Sender == model.SenderVisitor && !msg.IsRead {
		r.broadcastUnread(ctx, chat.TenantID)
	}
	return &ev, nil
}

func (r *Router) handleClearChat(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p ChatRefPayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	chat, ctx, err := r.operatorChat(ctx, c, p.ChatID)
	if err != nil {
		return nil, err
	}
	removed, err := r.deps.Messages.ClearMessages(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	if _, err := r.deps.Automation.CancelPending(ctx, chat.ID); err != nil {
		logger.FromContext(ctx).Warn("Failed to cancel pending replies of cleared chat", zap.String("chat_id", chat.ID), zap.Error(err))
	}
	ev := ChatEvent{ChatID: chat.ID, VisitorID: chat.VisitorID, Removed: removed}
	r.emitToChat(ctx, chat, EventChatCleared, ev)
	r.broadcastUnread(ctx, chat.TenantID)
	return &ev, nil
}

func (r *Router) handleDeleteChat(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p ChatRefPayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	chat, ctx, err := r.operatorChat(ctx, c, p.ChatID)
	if err != nil {
		return nil, err
	}
	if err := r.deps.Chats.DeleteChat(ctx, chat.ID); err != nil {
		return nil, err
	}
	ev := ChatEvent{ChatID: chat.ID, VisitorID: chat.VisitorID}
	r.emitToChat(ctx, chat, EventChatDeleted, ev)
	r.broadcastUnread(ctx, chat.TenantID)
	return &ev, nil
}

// authorizeSite checks, once per connection and site, that the operator may act on it.
func (r *Router) authorizeSite(ctx context.Context, c *Conn, siteID string) error {
	if c.siteAllowed(siteID) {
		return nil
	}
	ok, err := r.deps.Access.HasTenantAccess(ctx, siteID, c.operatorID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: operator has no access to site %s", apperrors.ErrForbidden, siteID)
	}
	c.allowSite(siteID)
	return nil
}

// operatorChat loads a chat and authorizes its site. The returned context is bound to
// that site.
func (r *Router) operatorChat(ctx context.Context, c *Conn, chatID string) (*model.Chat, context.Context, error) {
	chat, err := r.deps.Chats.GetChat(ctx, chatID)
	if err != nil {
		return nil, ctx, err
	}
	if err := r.authorizeSite(ctx, c, chat.TenantID); err != nil {
		return nil, ctx, err
	}
	return chat, tenant.WithTenantID(ctx, chat.TenantID), nil
}

func (r *Router) operatorMessage(ctx context.Context, c *Conn, messageID string) (*model.Message, *model.Chat, context.Context, error) {
	msg, err := r.deps.Messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, ctx, err
	}
	chat, ctx, err := r.operatorChat(ctx, c, msg.ChatID)
	if err != nil {
		return nil, nil, ctx, err
	}
	return msg, chat, ctx, nil
}

// emitToChat sends an event to the chat's visitor and to the site's operators.
func (r *Router) emitToChat(ctx context.Context, chat *model.Chat, eventType string, data interface{}) {
	r.emit(ctx, VisitorRoom(chat.TenantID, chat.VisitorID), eventType, data)
	r.emit(ctx, OperatorRoom(chat.TenantID), eventType, data)
}
