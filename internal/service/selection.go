package service

import (
	"sort"
	"time"

	"github.com/spec-kit/livechat-engine/internal/domain"
)

// SelectionTier records which pool produced an agent.
type SelectionTier int

const (
	// TierRegular is an online regular agent with spare capacity.
	TierRegular SelectionTier = 1
	// TierAdmin is an online admin or manager; they are not capacity limited.
	TierAdmin SelectionTier = 2
	// TierNone means no human is available.
	TierNone SelectionTier = 3
)

func (t SelectionTier) String() string {
	switch t {
	case TierRegular:
		return "regular"
	case TierAdmin:
		return "admin"
	default:
		return "none"
	}
}

// RankAgents orders candidates for assignment. Regular agents with spare capacity
// come first, then admins; bots, offline agents and full regulars are dropped.
// Within a tier the least loaded agent wins, then the one idle the longest.
func RankAgents(candidates []domain.Agent, exclude string) []domain.Agent {
	var regular, admins []domain.Agent
	for _, a := range candidates {
		if !a.Online || a.Bot || a.ID == exclude {
			continue
		}
		if a.IsAdmin() {
			admins = append(admins, a)
			continue
		}
		if a.HasCapacity() {
			regular = append(regular, a)
		}
	}
	sortByFairness(regular)
	sortByFairness(admins)
	return append(regular, admins...)
}

// SelectAgent returns the best candidate and its tier, or nil and TierNone.
func SelectAgent(candidates []domain.Agent, exclude string) (*domain.Agent, SelectionTier) {
	ranked := RankAgents(candidates, exclude)
	if len(ranked) == 0 {
		return nil, TierNone
	}
	return &ranked[0], tierOf(&ranked[0])
}

func tierOf(a *domain.Agent) SelectionTier {
	if a.IsAdmin() {
		return TierAdmin
	}
	return TierRegular
}

func sortByFairness(agents []domain.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		li, lj := agents[i].EffectiveLoad(), agents[j].EffectiveLoad()
		if li != lj {
			return li < lj
		}
		ti, tj := lastAssigned(agents[i]), lastAssigned(agents[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return agents[i].ID < agents[j].ID
	})
}

// lastAssigned treats never-assigned agents as the longest idle.
func lastAssigned(a domain.Agent) time.Time {
	if a.LastAssignedAt == nil {
		return time.Time{}
	}
	return *a.LastAssignedAt
}
