package realtime

import (
	"context"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/livechat-router/internal/model"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
)

// HandleDelivery fans an automated reply out to the local members of the visitor and
// operator rooms. Every router instance consumes every delivery, so nothing is relayed.
func (r *Router) HandleDelivery(ctx context.Context, ev model.DeliveryEvent) error {
	out := MessageEvent{ChatID: ev.ChatID, VisitorID: ev.VisitorID, Message: ev.Message}
	toVisitor, err := newFrame(EventMessageFromOperator, "", out)
	if err != nil {
		return err
	}
	toOperators, err := newFrame(EventMessageNew, "", out)
	if err != nil {
		return err
	}
	r.hub.EmitLocal(ctx, VisitorRoom(ev.TenantID, ev.VisitorID), toVisitor)
	r.hub.EmitLocal(ctx, OperatorRoom(ev.TenantID), toOperators)

	logger.FromContext(ctx).Debug("Delivered automated reply",
		zap.String("chat_id", ev.ChatID),
		zap.String("message_id", ev.Message.ID),
		zap.String("trigger", ev.Trigger),
	)
	return nil
}
