package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/livechat-engine/internal/domain"
)

// MemoryStore is an in-memory backing for every repository, used by tests and
// single-process runs without Postgres. All views share one lock so multi-table
// reads stay consistent.
type MemoryStore struct {
	mu         sync.RWMutex
	now        func() time.Time
	businesses map[string]*domain.Business
	agents     map[string]*domain.Agent
	visitors   map[string]*domain.Visitor // keyed by "businessID:visitorID"
	sessions   map[string]*domain.Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:        time.Now,
		businesses: make(map[string]*domain.Business),
		agents:     make(map[string]*domain.Agent),
		visitors:   make(map[string]*domain.Visitor),
		sessions:   make(map[string]*domain.Session),
	}
}

// SetClock overrides the timestamp source used for created rows.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutBusiness inserts or replaces a business.
func (m *MemoryStore) PutBusiness(business domain.Business) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.businesses[business.ID] = &business
}

// PutAgent inserts or replaces an agent.
func (m *MemoryStore) PutAgent(agent domain.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = &agent
}

// PutSession inserts or replaces a session verbatim.
func (m *MemoryStore) PutSession(session domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = &session
}

// Agent returns a copy of the stored agent.
func (m *MemoryStore) Agent(id string) (domain.Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return domain.Agent{}, false
	}
	return *a, true
}

// Session returns a copy of the stored session.
func (m *MemoryStore) Session(id string) (domain.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return copySession(s), true
}

// Agents returns the agent repository view.
func (m *MemoryStore) Agents() AgentRepository { return &memoryAgents{m} }

// Sessions returns the session repository view.
func (m *MemoryStore) Sessions() SessionRepository { return &memorySessions{m} }

// Visitors returns the visitor repository view.
func (m *MemoryStore) Visitors() VisitorRepository { return &memoryVisitors{m} }

// Businesses returns the business repository view.
func (m *MemoryStore) Businesses() BusinessRepository { return &memoryBusinesses{m} }

func copySession(s *domain.Session) domain.Session {
	out := *s
	out.AgentID = copyString(s.AgentID)
	out.ExclusiveAgentID = copyString(s.ExclusiveAgentID)
	if s.QueuePosition != nil {
		pos := *s.QueuePosition
		out.QueuePosition = &pos
	}
	if s.ClosedAt != nil {
		at := *s.ClosedAt
		out.ClosedAt = &at
	}
	return out
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func sameAgent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type memoryAgents struct{ m *MemoryStore }

func (r *memoryAgents) GetByID(ctx context.Context, id string) (*domain.Agent, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	a, ok := r.m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

func (r *memoryAgents) ListByBusiness(ctx context.Context, businessID string) ([]domain.Agent, error) {
	return r.filter(func(a *domain.Agent) bool { return a.BusinessID == businessID }), nil
}

func (r *memoryAgents) ListOnline(ctx context.Context, businessID string) ([]domain.Agent, error) {
	agents := r.filter(func(a *domain.Agent) bool {
		return a.BusinessID == businessID && a.Online && !a.Bot
	})
	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].CurrentLoad != agents[j].CurrentLoad {
			return agents[i].CurrentLoad < agents[j].CurrentLoad
		}
		return agents[i].ID < agents[j].ID
	})
	return agents, nil
}

func (r *memoryAgents) ListAllOnline(ctx context.Context) ([]domain.Agent, error) {
	return r.filter(func(a *domain.Agent) bool { return a.Online }), nil
}

func (r *memoryAgents) CountOnline(ctx context.Context, businessID string) (int, error) {
	agents, _ := r.ListOnline(ctx, businessID)
	return len(agents), nil
}

func (r *memoryAgents) SetOnline(ctx context.Context, id string, online bool) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Online = online
	a.UpdatedAt = r.m.now()
	return nil
}

func (r *memoryAgents) ListOffline(ctx context.Context) ([]domain.Agent, error) {
	return r.filter(func(a *domain.Agent) bool { return !a.Online && !a.Bot }), nil
}

func (r *memoryAgents) MarkOnline(ctx context.Context, id string) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.agents[id]
	if !ok {
		return 0, ErrNotFound
	}
	a.Online = true
	a.PresenceEpoch++
	a.UpdatedAt = r.m.now()
	return a.PresenceEpoch, nil
}

func (r *memoryAgents) MarkOffline(ctx context.Context, id string, epoch int64) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.agents[id]
	if !ok || a.PresenceEpoch != epoch {
		return false, nil
	}
	a.Online = false
	a.UpdatedAt = r.m.now()
	return true, nil
}

func (r *memoryAgents) IncrementLoad(ctx context.Context, id string) (Workload, error) {
	return r.mutate(id, func(a *domain.Agent) int { return min(a.CurrentLoad+1, a.MaxCapacity) })
}

func (r *memoryAgents) ReserveLoad(ctx context.Context, id string) (Workload, bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.agents[id]
	if !ok || a.Tier != domain.AgentTierRegular || a.CurrentLoad >= a.MaxCapacity {
		return Workload{}, false, nil
	}
	a.CurrentLoad++
	a.UpdatedAt = r.m.now()
	return Workload{AgentID: id, Current: a.CurrentLoad, Max: a.MaxCapacity}, true, nil
}

func (r *memoryAgents) DecrementLoad(ctx context.Context, id string) (Workload, error) {
	return r.mutate(id, func(a *domain.Agent) int {
		held := 0
		for _, s := range r.m.sessions {
			if s.State == domain.SessionStateAssigned && s.AssignedTo(id) {
				held++
			}
		}
		return max(a.CurrentLoad-1, min(held, a.MaxCapacity), 0)
	})
}

func (r *memoryAgents) SetLoad(ctx context.Context, id string, load int) (Workload, error) {
	return r.mutate(id, func(a *domain.Agent) int { return min(max(load, 0), a.MaxCapacity) })
}

func (r *memoryAgents) TouchAssigned(ctx context.Context, id string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.LastAssignedAt = &at
	return nil
}

func (r *memoryAgents) mutate(id string, next func(*domain.Agent) int) (Workload, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.agents[id]
	if !ok {
		return Workload{}, ErrNotFound
	}
	if a.Tier == domain.AgentTierRegular {
		a.CurrentLoad = next(a)
	} else {
		a.CurrentLoad = 0
	}
	a.UpdatedAt = r.m.now()
	return Workload{AgentID: id, Current: a.CurrentLoad, Max: a.MaxCapacity, Admin: a.IsAdmin()}, nil
}

func (r *memoryAgents) filter(keep func(*domain.Agent) bool) []domain.Agent {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var agents []domain.Agent
	for _, a := range r.m.agents {
		if keep(a) {
			agents = append(agents, *a)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

type memorySessions struct{ m *MemoryStore }

func (r *memorySessions) Create(ctx context.Context, session *domain.Session) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if session.State.Active() {
		for _, s := range r.m.sessions {
			if s.State.Active() && s.VisitorID == session.VisitorID && s.BusinessID == session.BusinessID {
				return ErrConflict
			}
		}
	}
	now := r.m.now()
	session.ID = uuid.NewString()
	session.CreatedAt = now
	session.UpdatedAt = now
	session.LastActivityAt = now
	stored := copySession(session)
	r.m.sessions[session.ID] = &stored
	return nil
}

func (r *memorySessions) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	s, ok := r.m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copySession(s)
	return &out, nil
}

func (r *memorySessions) FindActive(ctx context.Context, visitorID, businessID string) (*domain.Session, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, s := range r.m.sessions {
		if s.State.Active() && s.VisitorID == visitorID && s.BusinessID == businessID {
			out := copySession(s)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memorySessions) IsBlacklisted(ctx context.Context, visitorID, businessID string) (bool, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, s := range r.m.sessions {
		if s.State == domain.SessionStateBlacklisted && s.VisitorID == visitorID && s.BusinessID == businessID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memorySessions) Assign(ctx context.Context, update AssignUpdate) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sessions[update.SessionID]
	if !ok || !s.State.Active() || !sameAgent(s.AgentID, update.ExpectedAgentID) {
		return false, nil
	}
	s.AgentID = copyString(update.AgentID)
	s.State = domain.SessionStateAssigned
	s.QueuePosition = nil
	s.EstimatedWait = 0
	if update.ClearExclusive {
		s.Exclusive = false
		s.ExclusiveAgentID = nil
	}
	s.UpdatedAt = update.At
	s.LastActivityAt = update.At
	return true, nil
}

func (r *memorySessions) Close(ctx context.Context, id string, state domain.SessionState, at time.Time) (*domain.Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sessions[id]
	if !ok || !s.State.Active() {
		return nil, ErrNotFound
	}
	if err := s.Transition(state, at); err != nil {
		return nil, err
	}
	out := copySession(s)
	return &out, nil
}

func (r *memorySessions) Touch(ctx context.Context, id string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sessions[id]
	if !ok || !s.State.Active() {
		return ErrNotFound
	}
	s.LastActivityAt = at
	s.UpdatedAt = at
	return nil
}

func (r *memorySessions) UpdateQueueInfo(ctx context.Context, id string, position, estimatedWait int) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sessions[id]
	if !ok || s.State != domain.SessionStateWaiting {
		return ErrNotFound
	}
	s.QueuePosition = &position
	s.EstimatedWait = estimatedWait
	return nil
}

func (r *memorySessions) UpdatePriority(ctx context.Context, id string, priority domain.Priority) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sessions[id]
	if !ok || !s.State.Active() {
		return ErrNotFound
	}
	s.Priority = priority
	s.UpdatedAt = r.m.now()
	return nil
}

func (r *memorySessions) CountActiveFor(ctx context.Context, agentID string) (int, error) {
	return len(r.filter(func(s *domain.Session) bool {
		return s.State == domain.SessionStateAssigned && s.AssignedTo(agentID)
	})), nil
}

func (r *memorySessions) CountAhead(ctx context.Context, session *domain.Session) (int, error) {
	return len(r.filter(func(s *domain.Session) bool {
		return s.State == domain.SessionStateWaiting &&
			s.BusinessID == session.BusinessID &&
			s.ID != session.ID &&
			s.Ahead(session)
	})), nil
}

func (r *memorySessions) ListWaiting(ctx context.Context, businessID string) ([]domain.Session, error) {
	sessions := r.filter(func(s *domain.Session) bool {
		return s.State == domain.SessionStateWaiting && s.BusinessID == businessID
	})
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Ahead(&sessions[j]) })
	return sessions, nil
}

func (r *memorySessions) ListByState(ctx context.Context, state domain.SessionState) ([]domain.Session, error) {
	sessions := r.filter(func(s *domain.Session) bool { return s.State == state })
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UpdatedAt.Before(sessions[j].UpdatedAt) })
	return sessions, nil
}

func (r *memorySessions) ListByAgent(ctx context.Context, agentID string) ([]domain.Session, error) {
	sessions := r.filter(func(s *domain.Session) bool {
		return s.State == domain.SessionStateAssigned && s.AssignedTo(agentID)
	})
	sortByCreated(sessions)
	return sessions, nil
}

func (r *memorySessions) ListAssigned(ctx context.Context, businessID string) ([]domain.Session, error) {
	sessions := r.filter(func(s *domain.Session) bool {
		return s.State == domain.SessionStateAssigned && s.BusinessID == businessID
	})
	sortByCreated(sessions)
	return sessions, nil
}

func (r *memorySessions) RecentCompleted(ctx context.Context, businessID string, since time.Time, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	sessions := r.filter(func(s *domain.Session) bool {
		return s.State == domain.SessionStateComplete &&
			s.BusinessID == businessID &&
			s.ClosedAt != nil && !s.ClosedAt.Before(since)
	})
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ClosedAt.After(*sessions[j].ClosedAt) })
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (r *memorySessions) Delete(ctx context.Context, id string, state domain.SessionState) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sessions[id]
	if !ok || s.State != state {
		return false, nil
	}
	delete(r.m.sessions, id)
	return true, nil
}

func (r *memorySessions) filter(keep func(*domain.Session) bool) []domain.Session {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var sessions []domain.Session
	for _, s := range r.m.sessions {
		if keep(s) {
			sessions = append(sessions, copySession(s))
		}
	}
	return sessions
}

func sortByCreated(sessions []domain.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

type memoryVisitors struct{ m *MemoryStore }

func (r *memoryVisitors) Touch(ctx context.Context, visitor *domain.Visitor) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	key := visitor.BusinessID + ":" + visitor.ID
	now := r.m.now()
	existing, ok := r.m.visitors[key]
	if !ok {
		stored := *visitor
		stored.VisitCount = 1
		stored.LastSeenAt = now
		stored.CreatedAt = now
		stored.UpdatedAt = now
		r.m.visitors[key] = &stored
		*visitor = stored
		return nil
	}
	if visitor.Name != "" {
		existing.Name = visitor.Name
	}
	if visitor.IP != "" {
		existing.IP = visitor.IP
	}
	if visitor.UserAgent != "" {
		existing.UserAgent = visitor.UserAgent
	}
	existing.VisitCount++
	existing.LastSeenAt = now
	existing.UpdatedAt = now
	*visitor = *existing
	return nil
}

func (r *memoryVisitors) GetByID(ctx context.Context, id, businessID string) (*domain.Visitor, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	v, ok := r.m.visitors[businessID+":"+id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *v
	return &out, nil
}

type memoryBusinesses struct{ m *MemoryStore }

func (r *memoryBusinesses) GetByID(ctx context.Context, id string) (*domain.Business, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	b, ok := r.m.businesses[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *b
	return &out, nil
}

func (r *memoryBusinesses) List(ctx context.Context) ([]domain.Business, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	businesses := make([]domain.Business, 0, len(r.m.businesses))
	for _, b := range r.m.businesses {
		businesses = append(businesses, *b)
	}
	sort.Slice(businesses, func(i, j int) bool { return businesses[i].ID < businesses[j].ID })
	return businesses, nil
}
