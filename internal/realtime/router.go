// Package realtime routes chat traffic between visitor widgets and operator consoles
// over websockets.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/automation"
	"gitlab.com/timkado/api/livechat-router/internal/config"
	"gitlab.com/timkado/api/livechat-router/internal/model"
	"gitlab.com/timkado/api/livechat-router/internal/observer"
	"gitlab.com/timkado/api/livechat-router/internal/storage"
	"gitlab.com/timkado/api/livechat-router/internal/tenant"
	"gitlab.com/timkado/api/livechat-router/internal/validator"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
	"gitlab.com/timkado/api/livechat-router/pkg/utils"
)

const (
	handlerTimeout    = 15 * time.Second
	backgroundTimeout = 15 * time.Second
)

// Automation is the part of the automation engine the router drives.
type Automation interface {
	OnInboundMessage(ctx context.Context, ev automation.InboundEvent)
	CancelPending(ctx context.Context, chatID string) (int64, error)
	EnsureDefaults(ctx context.Context, tenantID string) (bool, error)
}

// Notifier receives new leads. Delivery is best effort.
type Notifier interface {
	NotifyNewLead(ctx context.Context, lead model.Lead) error
}

// Deps are the collaborators of a Router. Presence and Notifier may be nil.
type Deps struct {
	Chats      storage.ChatRepo
	Messages   storage.MessageRepo
	Access     storage.AccessRepo
	Automation Automation
	Notifier   Notifier
	Presence   Presence
	Auth       *Authenticator
}

type handlerFunc func(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error)

// Router accepts websocket connections and handles their events.
type Router struct {
	cfg      config.ServerConfig
	hub      *Hub
	deps     Deps
	upgrader websocket.Upgrader
	logger   *zap.Logger
	handlers map[Role]map[string]handlerFunc
	active   sync.WaitGroup // connections being served
	tasks    sync.WaitGroup // background side effects
}

// NewRouter creates a Router on top of hub.
func NewRouter(cfg config.ServerConfig, hub *Hub, deps Deps, baseLogger *zap.Logger) *Router {
	if deps.Presence == nil {
		deps.Presence = nopPresence{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	r := &Router{
		cfg:    cfg,
		hub:    hub,
		deps:   deps,
		logger: baseLogger.Named("realtime"),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}
	r.handlers = map[Role]map[string]handlerFunc{
		RoleVisitor: {
			EventVisitorJoin:       r.handleVisitorJoin,
			EventVisitorMessage:    r.handleVisitorMessage,
			EventVisitorDisconnect: r.handleVisitorDisconnect,
		},
		RoleOperator: {
			EventOperatorJoin:          r.handleOperatorJoin,
			EventOperatorMessage:       r.handleOperatorMessage,
			EventOperatorMarkRead:      r.handleMarkRead,
			EventOperatorUnreadCount:   r.handleUnreadCount,
			EventOperatorEditMessage:   r.handleEditMessage,
			EventOperatorDeleteMessage: r.handleDeleteMessage,
			EventOperatorClearChat:     r.handleClearChat,
			EventOperatorDeleteChat:    r.handleDeleteChat,
		},
	}
	return r
}

type nopNotifier struct{}

func (nopNotifier) NotifyNewLead(context.Context, model.Lead) error { return nil }

// Routes returns the websocket endpoints, to be mounted under /ws.
func (r *Router) Routes() chi.Router {
	rt := chi.NewRouter()
	rt.Get("/visitor", r.ServeVisitor)
	rt.Get("/operator", r.ServeOperator)
	return rt
}

// checkOrigin accepts every origin when none are configured. Non-browser clients send
// no Origin header and are always accepted.
func (r *Router) checkOrigin(req *http.Request) bool {
	if len(r.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range r.cfg.AllowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	r.logger.Warn("Rejected websocket origin", zap.String("origin", origin))
	return false
}

// ServeVisitor upgrades a widget connection: GET /ws/visitor?tenantId=&visitorId=
func (r *Router) ServeVisitor(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	join := VisitorJoinPayload{SiteID: q.Get("tenantId"), VisitorID: q.Get("visitorId")}
	if err := validator.Validate(join); err != nil {
		utils.WriteJSONResponse(w, http.StatusBadRequest, errorFrame("", err).Error)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("Visitor upgrade failed", zap.Error(err))
		return
	}
	r.active.Add(1)
	defer r.active.Done()
	c := r.newConn(RoleVisitor, ws,
		zap.String("tenant_id", join.SiteID),
		zap.String("visitor_id", join.VisitorID),
	)
	c.tenantID, c.visitorID = join.SiteID, join.VisitorID

	ctx := r.connContext(req.Context(), c, join.SiteID)
	r.hub.Register(c)
	if _, err := r.joinVisitor(ctx, c); err != nil {
		c.log.Warn("Visitor join on connect failed", zap.Error(err))
	}
	r.serve(ctx, c)
}

// ServeOperator upgrades an operator console connection after verifying its token.
func (r *Router) ServeOperator(w http.ResponseWriter, req *http.Request) {
	if r.deps.Auth == nil {
		utils.WriteJSONResponse(w, http.StatusUnauthorized, FrameError{Code: "unauthorized", Message: "operator auth is not configured"})
		return
	}
	operatorID, err := r.deps.Auth.Authenticate(req)
	if err != nil {
		r.logger.Debug("Operator authentication failed", zap.Error(err))
		utils.WriteJSONResponse(w, http.StatusUnauthorized, errorFrame("", err).Error)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("Operator upgrade failed", zap.Error(err))
		return
	}
	r.active.Add(1)
	defer r.active.Done()
	c := r.newConn(RoleOperator, ws, zap.String("operator_id", operatorID))
	c.operatorID = operatorID

	ctx := r.connContext(req.Context(), c, "")
	r.hub.Register(c)
	r.serve(ctx, c)
}

func (r *Router) newConn(role Role, ws *websocket.Conn, fields ...zap.Field) *Conn {
	id := uuid.NewString()
	var limiter *rate.Limiter
	if r.cfg.InboundPerSec > 0 {
		burst := r.cfg.InboundBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(r.cfg.InboundPerSec), burst)
	}
	log := r.logger.With(append([]zap.Field{zap.String("conn_id", id), zap.String("role", string(role))}, fields...)...)
	return newConn(id, role, ws, r.cfg.SendBufferSize, limiter, log)
}

// connContext outlives the upgrade request; the connection ends when its socket does.
func (r *Router) connContext(parent context.Context, c *Conn, tenantID string) context.Context {
	ctx := context.WithoutCancel(parent)
	ctx = tenant.WithRequestID(ctx, c.id)
	if tenantID != "" {
		ctx = tenant.WithTenantID(ctx, tenantID)
	}
	return logger.WithLogger(ctx, c.log)
}

// serve runs the read loop of c until the socket fails, then cleans up.
func (r *Router) serve(ctx context.Context, c *Conn) {
	go c.writePump(r.cfg.PingInterval, r.cfg.WriteTimeout)
	defer r.disconnect(ctx, c)

	pongWait := 2 * r.cfg.PingInterval
	if r.cfg.ReadLimitBytes > 0 {
		c.ws.SetReadLimit(r.cfg.ReadLimitBytes)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.log.Debug("Connection opened")
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug("Websocket read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		r.handleFrame(ctx, c, data)
		if c.Closed() {
			return
		}
	}
}

// handleFrame processes one inbound frame and answers it with an ack or an error.
func (r *Router) handleFrame(ctx context.Context, c *Conn, data []byte) {
	start := time.Now()
	var in Frame
	if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
		r.hub.Send(c, errorFrame("", fmt.Errorf("%w: malformed frame", apperrors.ErrBadRequest)))
		observer.IncRealtimeEvent("malformed", c.tenantID, "bad_request")
		return
	}

	result, err := r.invoke(ctx, c, in)
	outcome := "ok"
	if err != nil {
		outcome = apperrors.Code(err)
		fields := []zap.Field{zap.String("event", in.Type), zap.String("code", outcome), zap.Error(err)}
		switch outcome {
		case "internal", "unavailable":
			c.log.Error("Realtime event failed", fields...)
		default:
			c.log.Debug("Realtime event rejected", fields...)
		}
		r.hub.Send(c, errorFrame(in.ID, err))
	} else {
		ack, ferr := newFrame(EventAck, in.ID, result)
		if ferr != nil {
			c.log.Error("Failed to encode ack", zap.String("event", in.Type), zap.Error(ferr))
			ack = errorFrame(in.ID, ferr)
		}
		r.hub.Send(c, ack)
	}

	siteID, _ := tenant.FromContext(ctx)
	observer.IncRealtimeEvent(in.Type, siteID, outcome)
	observer.ObserveRealtimeEventDuration(in.Type, time.Since(start))
}

func (r *Router) invoke(ctx context.Context, c *Conn, in Frame) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("[panic] Recovered from panic in realtime handler",
				zap.Any("panic", p), zap.String("event", in.Type), zap.Stack("stack"))
			err = fmt.Errorf("panic while handling %s", in.Type)
		}
	}()

	if !c.allow() {
		return nil, fmt.Errorf("%w: too many events", apperrors.ErrRateLimited)
	}
	handler, ok := r.handlers[c.role][in.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event %q", apperrors.ErrBadRequest, in.Type)
	}
	reqCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	return handler(reqCtx, c, in.Data)
}

// disconnect releases c. A visitor whose last local tab left goes offline; their chat is
// closed once no other instance holds a tab either.
func (r *Router) disconnect(ctx context.Context, c *Conn) {
	c.Close()
	emptied := r.hub.Unregister(c)

	if c.role == RoleVisitor {
		tenantID, visitorID := c.visitor()
		room := VisitorRoom(tenantID, visitorID)
		for _, e := range emptied {
			if e != room {
				continue
			}
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handlerTimeout)
			r.goOffline(cctx, c, false)
			cancel()
		}
	}
	c.log.Debug("Connection closed")
}

// emit sends an event to a room, logging encoding failures.
func (r *Router) emit(ctx context.Context, room, eventType string, data interface{}) {
	frame, err := newFrame(eventType, "", data)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to build frame", zap.String("type", eventType), zap.Error(err))
		return
	}
	r.hub.Emit(ctx, room, frame)
}

// sendTo sends an event to one connection.
func (r *Router) sendTo(c *Conn, eventType string, data interface{}) {
	frame, err := newFrame(eventType, "", data)
	if err != nil {
		c.log.Error("Failed to build frame", zap.String("type", eventType), zap.Error(err))
		return
	}
	r.hub.Send(c, frame)
}

// background runs fn after the current event is answered. The connection may be gone
// by then, so fn gets a detached context.
func (r *Router) background(ctx context.Context, name string, fn func(ctx context.Context)) {
	taskCtx := context.WithoutCancel(ctx)
	r.tasks.Add(1)
	utils.SafeGo(func() {
		defer r.tasks.Done()
		ctx, cancel := context.WithTimeout(taskCtx, backgroundTimeout)
		defer cancel()
		fn(ctx)
	}, func(p interface{}, stack []byte) {
		logger.FromContext(taskCtx).Error("[panic] Recovered from panic in background task",
			zap.String("task", name), zap.Any("panic", p), zap.ByteString("stack", stack))
	})
}

// Wait blocks until background tasks finish or timeout passes.
func (r *Router) Wait(timeout time.Duration) bool {
	return waitTimeout(&r.tasks, timeout)
}

// Shutdown closes every connection, then waits for their cleanup and for background
// tasks.
func (r *Router) Shutdown(timeout time.Duration) {
	r.hub.Shutdown()
	deadline := time.Now().Add(timeout)
	if !waitTimeout(&r.active, timeout) {
		r.logger.Warn("Timed out waiting for websocket connections to close")
	}
	if !waitTimeout(&r.tasks, time.Until(deadline)) {
		r.logger.Warn("Timed out waiting for realtime background tasks")
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
