package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/livechat-engine/internal/domain"
)

func at(minutes int) *time.Time {
	t := time.Date(2024, 5, 1, 9, minutes, 0, 0, time.UTC)
	return &t
}

func TestSelectAgent_LeastLoadedFirst(t *testing.T) {
	agents := []domain.Agent{
		{ID: "busy", Tier: domain.AgentTierRegular, Online: true, MaxCapacity: 5, CurrentLoad: 3},
		{ID: "idle", Tier: domain.AgentTierRegular, Online: true, MaxCapacity: 5, CurrentLoad: 1},
	}
	got, tier := SelectAgent(agents, "")
	require.NotNil(t, got)
	assert.Equal(t, "idle", got.ID)
	assert.Equal(t, TierRegular, tier)
}

func TestSelectAgent_TieBrokenByLongestSinceAssignment(t *testing.T) {
	agents := []domain.Agent{
		{ID: "recent", Tier: domain.AgentTierRegular, Online: true, MaxCapacity: 3, CurrentLoad: 1, LastAssignedAt: at(50)},
		{ID: "stale", Tier: domain.AgentTierRegular, Online: true, MaxCapacity: 3, CurrentLoad: 1, LastAssignedAt: at(10)},
		{ID: "never", Tier: domain.AgentTierRegular, Online: true, MaxCapacity: 3, CurrentLoad: 1},
	}
	ranked := RankAgents(agents, "")
	ids := []string{ranked[0].ID, ranked[1].ID, ranked[2].ID}
	assert.Equal(t, []string{"never", "stale", "recent"}, ids)
}

func TestSelectAgent_SkipsBotsOfflineAndFull(t *testing.T) {
	agents := []domain.Agent{
		{ID: "bot", Tier: domain.AgentTierRegular, Bot: true, Online: true, MaxCapacity: 9},
		{ID: "offline", Tier: domain.AgentTierRegular, Online: false, MaxCapacity: 9},
		{ID: "full", Tier: domain.AgentTierRegular, Online: true, MaxCapacity: 2, CurrentLoad: 2},
	}
	got, tier := SelectAgent(agents, "")
	assert.Nil(t, got)
	assert.Equal(t, TierNone, tier)
}

func TestSelectAgent_FallsBackToAdmin(t *testing.T) {
	agents := []domain.Agent{
		{ID: "full", Tier: domain.AgentTierRegular, Online: true, MaxCapacity: 1, CurrentLoad: 1},
		{ID: "mgr", Tier: domain.AgentTierManager, Online: true, LastAssignedAt: at(30)},
		{ID: "adm", Tier: domain.AgentTierAdmin, Online: true, CurrentLoad: 7, LastAssignedAt: at(5)},
	}
	got, tier := SelectAgent(agents, "")
	require.NotNil(t, got)
	assert.Equal(t, TierAdmin, tier)
	// admin load is pinned at zero, so the longest-idle admin wins
	assert.Equal(t, "adm", got.ID)
}

func TestSelectAgent_RegularBeatsAdmin(t *testing.T) {
	agents := []domain.Agent{
		{ID: "adm", Tier: domain.AgentTierAdmin, Online: true},
		{ID: "reg", Tier: domain.AgentTierRegular, Online: true, MaxCapacity: 4, CurrentLoad: 3},
	}
	got, _ := SelectAgent(agents, "")
	assert.Equal(t, "reg", got.ID)
}

func TestSelectAgent_Exclude(t *testing.T) {
	agents := []domain.Agent{
		{ID: "gone", Tier: domain.AgentTierRegular, Online: true, MaxCapacity: 4},
	}
	got, tier := SelectAgent(agents, "gone")
	assert.Nil(t, got)
	assert.Equal(t, TierNone, tier)
	assert.Equal(t, "none", tier.String())
}
