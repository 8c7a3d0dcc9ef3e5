package service

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/livechat-engine/internal/domain"
	"github.com/spec-kit/livechat-engine/internal/events"
	apperrors "github.com/spec-kit/livechat-engine/pkg/util/errorutil"
)

func TestWorkload_AdminIsNoop(t *testing.T) {
	h := newHarness(t)
	h.addAgent("adm", domain.AgentTierAdmin, 0, true)

	load, err := h.workload.Increment(h.ctx, "adm", "test")
	require.NoError(t, err)
	assert.True(t, load.Admin)
	assert.Equal(t, 0, load.Current)

	ok, err := h.workload.Reserve(h.ctx, &domain.Agent{ID: "adm", Tier: domain.AgentTierAdmin}, "test")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, h.agent("adm").CurrentLoad)
	assert.Empty(t, h.events.Events(events.EventWorkloadUpdated))
}

func TestWorkload_BroadcastsToAgent(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a", domain.AgentTierRegular, 4, true)

	_, err := h.workload.Increment(h.ctx, "a", "test")
	require.NoError(t, err)

	updates := h.events.Events(events.EventWorkloadUpdated)
	require.Len(t, updates, 1)
	payload := updates[0].Payload.(events.WorkloadUpdatedPayload)
	assert.Equal(t, events.WorkloadUpdatedPayload{AgentID: "a", Current: 1, Max: 4, Utilization: 25, Reason: "test"}, payload)

	frames := h.notes.Sent(FrameWorkloadUpdated)
	require.Len(t, frames, 1)
	assert.Equal(t, "a", frames[0].ID)
}

func TestWorkload_UnknownAgent(t *testing.T) {
	h := newHarness(t)
	_, err := h.workload.Decrement(h.ctx, "ghost", "test")
	assert.True(t, apperrors.HasCode(err, "NOT_FOUND"))
}

func TestWorkload_TransferSides(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a", domain.AgentTierRegular, 2, true)
	h.addAgent("b", domain.AgentTierRegular, 2, true)
	_, err := h.workload.Increment(h.ctx, "a", "seed")
	require.NoError(t, err)

	require.NoError(t, h.workload.Transfer(h.ctx, strPtr("a"), strPtr("b"), "transfer"))
	assert.Equal(t, 0, h.agent("a").CurrentLoad)
	assert.Equal(t, 1, h.agent("b").CurrentLoad)

	require.NoError(t, h.workload.Transfer(h.ctx, nil, strPtr("a"), "transfer"))
	require.NoError(t, h.workload.Transfer(h.ctx, strPtr("b"), nil, "transfer"))
	require.NoError(t, h.workload.Transfer(h.ctx, strPtr("a"), strPtr("a"), "transfer"))
	assert.Equal(t, 1, h.agent("a").CurrentLoad)
	assert.Equal(t, 0, h.agent("b").CurrentLoad)
}

// Random interleavings must keep every counter inside [0, max], and resync must
// converge to the number of sessions each agent really holds.
func TestWorkload_CapacityInvariantUnderRandomOps(t *testing.T) {
	ids := []string{"a", "b", "c"}
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			h := newHarness(t)
			for i, id := range ids {
				h.addAgent(id, domain.AgentTierRegular, i+1, true)
			}
			truth := map[string]int{"a": 1, "b": 0, "c": 3}
			for id, n := range truth {
				for i := 0; i < n; i++ {
					h.store.PutSession(domain.Session{
						ID:         fmt.Sprintf("%s-%d", id, i),
						VisitorID:  fmt.Sprintf("v-%s-%d", id, i),
						BusinessID: testBusiness,
						AgentID:    strPtr(id),
						State:      domain.SessionStateAssigned,
					})
				}
			}

			rng := rand.New(rand.NewSource(seed))
			pick := func() string { return ids[rng.Intn(len(ids))] }
			for step := 0; step < 200; step++ {
				var err error
				switch rng.Intn(4) {
				case 0:
					_, err = h.workload.Increment(h.ctx, pick(), "prop")
				case 1:
					_, err = h.workload.Decrement(h.ctx, pick(), "prop")
				case 2:
					err = h.workload.Transfer(h.ctx, strPtr(pick()), strPtr(pick()), "prop")
				case 3:
					agent := h.agent(pick())
					_, err = h.workload.Reserve(h.ctx, &agent, "prop")
				}
				require.NoError(t, err)
				for _, id := range ids {
					a := h.agent(id)
					require.GreaterOrEqual(t, a.CurrentLoad, 0, "step %d agent %s", step, id)
					require.LessOrEqual(t, a.CurrentLoad, a.MaxCapacity, "step %d agent %s", step, id)
				}
			}

			loads, err := h.workload.ResyncBusiness(h.ctx, testBusiness, "repair")
			require.NoError(t, err)
			require.Len(t, loads, len(ids))
			for id, n := range truth {
				assert.Equal(t, n, h.agent(id).CurrentLoad, "agent %s", id)
			}
		})
	}
}

func TestWorkload_ResyncClampsOverCapacity(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a", domain.AgentTierRegular, 1, true)
	for i := 0; i < 3; i++ {
		h.store.PutSession(domain.Session{
			ID:         fmt.Sprintf("s%d", i),
			VisitorID:  fmt.Sprintf("v%d", i),
			BusinessID: testBusiness,
			AgentID:    strPtr("a"),
			State:      domain.SessionStateAssigned,
		})
	}

	load, err := h.workload.Resync(h.ctx, "a", "repair")
	require.NoError(t, err)
	assert.Equal(t, 1, load.Current)
	assert.EqualValues(t, 1, h.metrics.EngineCount("workload_resync", "ok"))
}
