package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/livechat-engine/internal/auth"
	"github.com/spec-kit/livechat-engine/internal/config"
	"github.com/spec-kit/livechat-engine/internal/domain"
	"github.com/spec-kit/livechat-engine/internal/events"
	"github.com/spec-kit/livechat-engine/internal/notify"
	"github.com/spec-kit/livechat-engine/internal/presence"
	"github.com/spec-kit/livechat-engine/internal/repository"
	"github.com/spec-kit/livechat-engine/internal/service"
)

type gatewayFixture struct {
	server *httptest.Server
	store  *repository.MemoryStore
	tokens *auth.TokenManager
	engine *service.Engine
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	store := repository.NewMemoryStore()
	store.PutBusiness(domain.Business{ID: "acme", Name: "Acme"})
	store.PutAgent(domain.Agent{ID: "reg", BusinessID: "acme", Tier: domain.AgentTierRegular, MaxCapacity: 3})

	registry := presence.NewRegistry()
	dispatcher := events.NewInMemoryDispatcher(nil)
	delivery := notify.NewLocalDelivery(registry)
	service.NewNotificationService(dispatcher, delivery, nil).RegisterHandlers()
	engine := service.NewEngine(service.EngineDependencies{
		BusinessRepo: store.Businesses(),
		AgentRepo:    store.Agents(),
		SessionRepo:  store.Sessions(),
		VisitorRepo:  store.Visitors(),
		Registry:     registry,
		Ledger:       presence.NewLocalLedger(registry),
		Dispatcher:   dispatcher,
		Config:       config.DefaultEngineConfig(),
	})

	tokens := auth.NewTokenManager("test-secret", 5)
	gateway := NewGateway(GatewayDependencies{
		Presence: engine.Presence,
		Routing:  engine.Routing,
		Notifier: delivery,
		Auth:     auth.NewAuthMiddleware(tokens, store.Agents()),
		Config:   config.WSConfig{WriteTimeout: time.Second, SendBuffer: 32},
	})
	server := httptest.NewServer(gateway.Routes())
	t.Cleanup(func() {
		server.Close()
		engine.Presence.Wait()
	})
	return &gatewayFixture{server: server, store: store, tokens: tokens, engine: engine}
}

func (f *gatewayFixture) dial(t *testing.T, path string, query url.Values) *websocket.Conn {
	t.Helper()
	conn, resp, err := f.tryDial(path, query)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *gatewayFixture) tryDial(path string, query url.Values) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + path + "?" + query.Encode()
	return websocket.DefaultDialer.Dial(u, nil)
}

func (f *gatewayFixture) agentToken(t *testing.T, agentID string) string {
	raw, _, err := f.tokens.GenerateToken(agentID, domain.SubjectTypeAgent, "acme", nil)
	require.NoError(t, err)
	return raw
}

type testFrame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// readUntil skips frames until one of frameType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var frame testFrame
		require.NoError(t, conn.ReadJSON(&frame), "waiting for %s", frameType)
		if frame.Type == frameType {
			return frame.Payload
		}
	}
}

func TestGateway_VisitorAgentRoundTrip(t *testing.T) {
	f := newGatewayFixture(t)

	agentConn := f.dial(t, "/ws/agent", url.Values{"token": {f.agentToken(t, "reg")}})
	connected := readUntil(t, agentConn, FrameConnected)
	assert.Equal(t, "reg", connected["agent_id"])
	agent, _ := f.store.Agent("reg")
	assert.True(t, agent.Online)

	visitorConn := f.dial(t, "/ws/visitor", url.Values{"visitor_id": {"v1"}, "business_id": {"acme"}})
	readUntil(t, visitorConn, service.FrameAgentAssigned)
	readUntil(t, agentConn, service.FrameVisitorAssigned)

	require.NoError(t, visitorConn.WriteJSON(map[string]any{"type": FrameMessage, "payload": map[string]any{"text": "hello"}}))
	routed := readUntil(t, visitorConn, FrameRouted)
	assert.Equal(t, string(service.RouteToAgent), routed["target"])
	assert.Equal(t, "reg", routed["agent_id"])

	forwarded := readUntil(t, agentConn, FrameVisitorMessage)
	assert.Equal(t, "v1", forwarded["visitor_id"])
	assert.Equal(t, "hello", forwarded["text"])

	require.NoError(t, agentConn.WriteJSON(map[string]any{"type": FrameMessage, "payload": map[string]any{"visitor_id": "v1", "text": "hi there"}}))
	reply := readUntil(t, visitorConn, FrameAgentMessage)
	assert.Equal(t, "reg", reply["agent_id"])
	assert.Equal(t, "hi there", reply["text"])
}

func TestGateway_AgentReplyRequiresOwnership(t *testing.T) {
	f := newGatewayFixture(t)
	agentConn := f.dial(t, "/ws/agent", url.Values{"token": {f.agentToken(t, "reg")}})
	readUntil(t, agentConn, FrameConnected)

	f.store.PutAgent(domain.Agent{ID: "peer", BusinessID: "acme", Tier: domain.AgentTierRegular, MaxCapacity: 3, Online: true})
	f.store.PutSession(domain.Session{
		ID: "s-peer", VisitorID: "v2", BusinessID: "acme", AgentID: strPtr("peer"),
		State: domain.SessionStateAssigned, CreatedAt: time.Now(), UpdatedAt: time.Now(), LastActivityAt: time.Now(),
	})

	require.NoError(t, agentConn.WriteJSON(map[string]any{"type": FrameMessage, "payload": map[string]any{"visitor_id": "v2", "text": "mine?"}}))
	errFrame := readUntil(t, agentConn, FrameError)
	assert.Equal(t, "FORBIDDEN", errFrame["code"])
}

func TestGateway_RejectsBadHandshakes(t *testing.T) {
	f := newGatewayFixture(t)

	_, resp, err := f.tryDial("/ws/agent", url.Values{"token": {"garbage"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = f.tryDial("/ws/visitor", url.Values{"visitor_id": {"v1"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_BlacklistedVisitorIsClosed(t *testing.T) {
	f := newGatewayFixture(t)
	require.NoError(t, f.engine.Sessions.Blacklist(context.Background(), "v9", "acme", ""))

	conn := f.dial(t, "/ws/visitor", url.Values{"visitor_id": {"v9"}, "business_id": {"acme"}})
	errFrame := readUntil(t, conn, FrameError)
	assert.Equal(t, "VISITOR_BLACKLISTED", errFrame["code"])

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestGateway_VisitorDisconnectClosesSession(t *testing.T) {
	f := newGatewayFixture(t)
	agentConn := f.dial(t, "/ws/agent", url.Values{"token": {f.agentToken(t, "reg")}})
	readUntil(t, agentConn, FrameConnected)

	visitorConn := f.dial(t, "/ws/visitor", url.Values{"visitor_id": {"v1"}, "business_id": {"acme"}})
	readUntil(t, visitorConn, service.FrameAgentAssigned)
	require.NoError(t, visitorConn.Close())

	readUntil(t, agentConn, service.FrameSessionClosed)
	assert.Eventually(t, func() bool {
		_, err := f.store.Sessions().FindActive(context.Background(), "v1", "acme")
		return errors.Is(err, repository.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
	agent, _ := f.store.Agent("reg")
	assert.Equal(t, 0, agent.CurrentLoad)
}

func strPtr(s string) *string { return &s }
