// Package ws is the websocket connection gateway. Each socket becomes a presence
// handle; visitor messages pass the routing check before they are forwarded.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spec-kit/livechat-engine/internal/auth"
	"github.com/spec-kit/livechat-engine/internal/config"
	"github.com/spec-kit/livechat-engine/internal/domain"
	"github.com/spec-kit/livechat-engine/internal/notify"
	"github.com/spec-kit/livechat-engine/internal/presence"
	"github.com/spec-kit/livechat-engine/internal/service"
	apperrors "github.com/spec-kit/livechat-engine/pkg/util/errorutil"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
)

// Inbound frame types.
const (
	FrameMessage = "message"
	FramePing    = "ping"
)

// Outbound frame types produced by the gateway itself.
const (
	FrameVisitorMessage = "visitor_message"
	FrameAgentMessage   = "agent_message"
	FrameRouted         = "routed"
	FrameError          = "error"
	FramePong           = "pong"
	FrameConnected      = "connected"
)

type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type messagePayload struct {
	VisitorID string `json:"visitor_id,omitempty"`
	Text      string `json:"text"`
}

// Gateway serves /ws/agent and /ws/visitor.
type Gateway struct {
	presence *service.PresenceService
	routing  *service.RoutingService
	notifier notify.Notifier
	auth     *auth.AuthMiddleware
	cfg      config.WSConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// GatewayDependencies bundles collaborators.
type GatewayDependencies struct {
	Presence *service.PresenceService
	Routing  *service.RoutingService
	Notifier notify.Notifier
	Auth     *auth.AuthMiddleware
	Config   config.WSConfig
	Logger   *zap.Logger
}

// NewGateway creates the gateway.
func NewGateway(deps GatewayDependencies) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		presence: deps.Presence,
		routing:  deps.Routing,
		notifier: deps.Notifier,
		auth:     deps.Auth,
		cfg:      deps.Config,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser widgets are embedded on customer sites.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes returns the chi router for the gateway.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/ws/agent", g.serveAgent)
	r.Get("/ws/visitor", g.serveVisitor)
	return r
}

func (g *Gateway) serveAgent(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		var err error
		if token, err = auth.BearerToken(r.Header.Get("Authorization")); err != nil {
			writeHTTPError(w, err)
			return
		}
	}
	principal, err := g.auth.Authenticate(r.Context(), token)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	if principal.Agent == nil {
		writeHTTPError(w, apperrors.NewForbidden("agent token required"))
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("ws upgrade failed", zap.String("role", string(presence.RoleAgent)), zap.Error(err))
		return
	}
	identity := presence.Identity{Role: presence.RoleAgent, BusinessID: principal.Agent.BusinessID, ID: principal.Agent.ID}
	handle := presence.NewChannelHandle(identity, g.cfg.SendBuffer)

	agent, err := g.presence.AgentConnected(r.Context(), handle)
	if err != nil {
		g.reject(conn, err)
		return
	}
	handle.Send(presence.Frame{Type: FrameConnected, Payload: map[string]any{
		"agent_id":     agent.ID,
		"business_id":  agent.BusinessID,
		"current_load": agent.EffectiveLoad(),
		"max_capacity": agent.MaxCapacity,
	}})
	g.logger.Info("agent socket opened", zap.String("agent_id", agent.ID), zap.String("handle_id", handle.ID()))

	g.pump(r.Context(), conn, handle, func(ctx context.Context, frame inboundFrame) {
		g.handleAgentFrame(ctx, handle, frame)
	})
	g.presence.AgentDisconnected(r.Context(), handle)
	g.logger.Info("agent socket closed", zap.String("agent_id", agent.ID), zap.String("handle_id", handle.ID()))
}

func (g *Gateway) serveVisitor(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.AssignRequest{
		VisitorID:        q.Get("visitor_id"),
		BusinessID:       q.Get("business_id"),
		ExclusiveAgentID: q.Get("exclusive_agent_id"),
	}
	if raw := q.Get("priority"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			writeHTTPError(w, apperrors.NewValidationError("invalid priority", nil))
			return
		}
		req.Priority = domain.Priority(p)
	}
	if req.VisitorID == "" || req.BusinessID == "" {
		writeHTTPError(w, apperrors.NewValidationError("visitor_id and business_id are required", nil))
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("ws upgrade failed", zap.String("role", string(presence.RoleVisitor)), zap.Error(err))
		return
	}
	identity := presence.Identity{Role: presence.RoleVisitor, BusinessID: req.BusinessID, ID: req.VisitorID}
	handle := presence.NewChannelHandle(identity, g.cfg.SendBuffer)

	info := service.VisitorInfo{Name: q.Get("name"), IP: r.RemoteAddr, UserAgent: r.UserAgent()}
	result, err := g.presence.VisitorConnected(r.Context(), handle, req, info)
	if err == nil && result.Action == service.ActionBlacklisted {
		err = apperrors.NewBlacklisted(req.VisitorID, req.BusinessID)
	}
	if err != nil {
		g.reject(conn, err)
		return
	}

	g.pump(r.Context(), conn, handle, func(ctx context.Context, frame inboundFrame) {
		g.handleVisitorFrame(ctx, handle, frame)
	})
	g.presence.VisitorDisconnected(r.Context(), handle)
}

func (g *Gateway) handleVisitorFrame(ctx context.Context, handle *presence.ChannelHandle, frame inboundFrame) {
	id := handle.Identity()
	switch frame.Type {
	case FramePing:
		handle.Send(presence.Frame{Type: FramePong})
	case FrameMessage:
		var msg messagePayload
		if err := json.Unmarshal(frame.Payload, &msg); err != nil || msg.Text == "" {
			sendError(handle, apperrors.NewValidationError("message text is required", nil))
			return
		}
		decision, err := g.routing.RouteVisitorMessage(ctx, id.ID, id.BusinessID)
		if err != nil {
			sendError(handle, err)
			return
		}
		if decision.Target == service.RouteToAgent && decision.AgentID != nil {
			payload := map[string]any{"visitor_id": id.ID, "text": msg.Text}
			if decision.Session != nil {
				payload["session_id"] = decision.Session.ID
			}
			g.forward(ctx, notify.ToAgent(id.BusinessID, *decision.AgentID, FrameVisitorMessage, payload))
		}
		handle.Send(presence.Frame{Type: FrameRouted, Payload: routedPayload(decision)})
		if decision.Target == service.RouteRejected {
			handle.Close()
		}
	default:
		sendError(handle, apperrors.NewValidationError("unknown frame type", map[string]any{"type": frame.Type}))
	}
}

func (g *Gateway) handleAgentFrame(ctx context.Context, handle *presence.ChannelHandle, frame inboundFrame) {
	id := handle.Identity()
	switch frame.Type {
	case FramePing:
		handle.Send(presence.Frame{Type: FramePong})
	case FrameMessage:
		var msg messagePayload
		if err := json.Unmarshal(frame.Payload, &msg); err != nil || msg.Text == "" || msg.VisitorID == "" {
			sendError(handle, apperrors.NewValidationError("visitor_id and text are required", nil))
			return
		}
		permission, err := g.routing.RecordAgentReply(ctx, id.ID, msg.VisitorID, id.BusinessID)
		if err != nil {
			sendError(handle, err)
			return
		}
		if !permission.Allowed {
			sendError(handle, apperrors.NewForbidden(permission.Reason))
			return
		}
		g.forward(ctx, notify.ToVisitor(id.BusinessID, msg.VisitorID, FrameAgentMessage, map[string]any{
			"agent_id": id.ID,
			"text":     msg.Text,
		}))
	default:
		sendError(handle, apperrors.NewValidationError("unknown frame type", map[string]any{"type": frame.Type}))
	}
}

func (g *Gateway) forward(ctx context.Context, n notify.Notification) {
	if err := g.notifier.Notify(ctx, n); err != nil {
		g.logger.Warn("forward failed", zap.String("frame", n.Frame.Type), zap.String("to", n.ID), zap.Error(err))
	}
}

// pump runs the writer in a goroutine and reads until the socket or the handle closes.
func (g *Gateway) pump(ctx context.Context, conn *websocket.Conn, handle *presence.ChannelHandle, onFrame func(context.Context, inboundFrame)) {
	defer conn.Close()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(conn, handle)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

read:
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("ws read error", zap.String("handle_id", handle.ID()), zap.Error(err))
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			sendError(handle, apperrors.NewValidationError("invalid frame", nil))
			continue
		}
		onFrame(ctx, frame)

		select {
		case <-handle.Done():
			break read
		default:
		}
	}
	handle.Close()
	<-writerDone
}

func (g *Gateway) writeLoop(conn *websocket.Conn, handle *presence.ChannelHandle) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-handle.Recv():
			if err := g.write(conn, frame); err != nil {
				g.logger.Debug("ws write failed", zap.String("handle_id", handle.ID()), zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(g.writeTimeout()))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		case <-handle.Done():
			for _, frame := range handle.Drain() {
				if err := g.write(conn, frame); err != nil {
					break
				}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(g.writeTimeout()))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			return
		}
	}
}

func (g *Gateway) write(conn *websocket.Conn, frame presence.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(g.writeTimeout()))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (g *Gateway) writeTimeout() time.Duration {
	if g.cfg.WriteTimeout <= 0 {
		return 5 * time.Second
	}
	return g.cfg.WriteTimeout
}

// reject tells the client why and closes the socket before any handle is live.
func (g *Gateway) reject(conn *websocket.Conn, err error) {
	domainErr := apperrors.ToDomainError(err)
	if domainErr.HTTPStatus >= 500 {
		g.logger.Error("ws connect failed", zap.Error(err))
	}
	data, _ := json.Marshal(presence.Frame{Type: FrameError, Payload: errorPayload(domainErr)})
	_ = conn.SetWriteDeadline(time.Now().Add(g.writeTimeout()))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, domainErr.Code))
	_ = conn.Close()
}

func routedPayload(d *service.RouteDecision) map[string]any {
	payload := map[string]any{
		"target":       d.Target,
		"agent_online": d.AgentOnline,
		"reassigned":   d.Reassigned,
	}
	if d.Session != nil {
		payload["session_id"] = d.Session.ID
	}
	if d.AgentID != nil {
		payload["agent_id"] = *d.AgentID
	}
	if d.Target == service.RouteToQueue {
		payload["position"] = d.Position
		payload["estimated_wait"] = d.EstimatedWait
	}
	return payload
}

func sendError(handle presence.Handle, err error) {
	handle.Send(presence.Frame{Type: FrameError, Payload: errorPayload(apperrors.ToDomainError(err))})
}

func errorPayload(e *apperrors.DomainError) map[string]any {
	payload := map[string]any{"code": e.Code, "message": e.Message}
	if len(e.Details) > 0 {
		payload["details"] = e.Details
	}
	return payload
}

func writeHTTPError(w http.ResponseWriter, err error) {
	domainErr := apperrors.ToDomainError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(domainErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": errorPayload(domainErr)})
}
