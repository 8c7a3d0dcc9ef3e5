package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/livechat-engine/internal/domain"
)

func TestDispatcher_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	var failures []error
	d := NewInMemoryDispatcher(func(_ Event, err error) { failures = append(failures, err) })

	rec := &Recorder{}
	d.Subscribe(EventSessionClosed, func(context.Context, Event) error { return errors.New("stale handle") })
	d.Subscribe(EventSessionClosed, rec.Handle)

	require.NoError(t, d.Publish(context.Background(), New(EventSessionClosed, "biz", SystemActor, time.Now())))
	assert.Len(t, rec.Events(), 1)
	assert.Len(t, failures, 1)
}

func TestSubscribeAll(t *testing.T) {
	d := NewInMemoryDispatcher(nil)
	rec := &Recorder{}
	SubscribeAll(d, rec.Handle)

	ctx := context.Background()
	for _, et := range AllEventTypes {
		require.NoError(t, d.Publish(ctx, New(et, "biz", SystemActor, time.Now())))
	}
	assert.Len(t, rec.Events(), len(AllEventTypes))
	assert.Len(t, rec.Events(EventAgentOnline, EventAgentOffline), 2)
}

func TestEvent_ForSession(t *testing.T) {
	agent := "a1"
	s := &domain.Session{ID: "s1", VisitorID: "v1", BusinessID: "biz", AgentID: &agent}
	e := New(EventVisitorAssigned, s.BusinessID, AgentActor(agent), time.Now()).ForSession(s)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, "v1", e.VisitorID)
	require.NotNil(t, e.AgentID)
	assert.Equal(t, "a1", *e.AgentID)
	assert.Equal(t, domain.SubjectTypeAgent, e.Actor.Type)
}
