package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/livechat-engine/internal/domain"
)

// Workload is an agent's load counter after a mutation.
type Workload struct {
	AgentID string
	Current int
	Max     int
	Admin   bool
}

// AgentRepository encapsulates agent persistence. It is the durable home of the
// online flag and the load counter.
type AgentRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Agent, error)
	ListByBusiness(ctx context.Context, businessID string) ([]domain.Agent, error)
	ListOnline(ctx context.Context, businessID string) ([]domain.Agent, error)
	ListAllOnline(ctx context.Context) ([]domain.Agent, error)
	CountOnline(ctx context.Context, businessID string) (int, error)
	ListOffline(ctx context.Context) ([]domain.Agent, error)
	SetOnline(ctx context.Context, id string, online bool) error
	MarkOnline(ctx context.Context, id string) (int64, error)
	MarkOffline(ctx context.Context, id string, epoch int64) (bool, error)
	IncrementLoad(ctx context.Context, id string) (Workload, error)
	ReserveLoad(ctx context.Context, id string) (Workload, bool, error)
	DecrementLoad(ctx context.Context, id string) (Workload, error)
	SetLoad(ctx context.Context, id string, load int) (Workload, error)
	TouchAssigned(ctx context.Context, id string, at time.Time) error
}

type agentRepository struct {
	pool *pgxpool.Pool
}

// NewAgentRepository instantiates repository.
func NewAgentRepository(pool *pgxpool.Pool) AgentRepository {
	return &agentRepository{pool: pool}
}

const agentColumns = `id, business_id, name, tier, bot, online, presence_epoch, max_capacity,
               current_load, last_assigned_at, created_at, updated_at`

func (r *agentRepository) GetByID(ctx context.Context, id string) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id=$1`
	agent, err := scanAgent(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return agent, nil
}

func (r *agentRepository) ListByBusiness(ctx context.Context, businessID string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE business_id=$1 ORDER BY created_at`
	return r.list(ctx, query, businessID)
}

func (r *agentRepository) ListOnline(ctx context.Context, businessID string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + `
        FROM agents
        WHERE business_id=$1 AND online=TRUE AND bot=FALSE
        ORDER BY current_load ASC, last_assigned_at ASC NULLS FIRST, id ASC`
	return r.list(ctx, query, businessID)
}

func (r *agentRepository) ListAllOnline(ctx context.Context) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE online=TRUE ORDER BY business_id, id`
	return r.list(ctx, query)
}

func (r *agentRepository) CountOnline(ctx context.Context, businessID string) (int, error) {
	const query = `SELECT COUNT(*) FROM agents WHERE business_id=$1 AND online=TRUE AND bot=FALSE`
	var count int
	if err := r.pool.QueryRow(ctx, query, businessID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListOffline returns human agents durably marked offline across all businesses.
func (r *agentRepository) ListOffline(ctx context.Context) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE online=FALSE AND bot=FALSE ORDER BY business_id, id`
	return r.list(ctx, query)
}

func (r *agentRepository) SetOnline(ctx context.Context, id string, online bool) error {
	const query = `UPDATE agents SET online=$1, updated_at=NOW() WHERE id=$2`
	cmd, err := r.pool.Exec(ctx, query, online, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOnline sets the agent online and starts a new presence epoch, returning it.
func (r *agentRepository) MarkOnline(ctx context.Context, id string) (int64, error) {
	const query = `
        UPDATE agents SET online=TRUE, presence_epoch=presence_epoch+1, updated_at=NOW()
        WHERE id=$1
        RETURNING presence_epoch`
	var epoch int64
	if err := r.pool.QueryRow(ctx, query, id).Scan(&epoch); err != nil {
		return 0, mapError(err)
	}
	return epoch, nil
}

// MarkOffline clears the online flag only if no MarkOnline happened since epoch was read.
func (r *agentRepository) MarkOffline(ctx context.Context, id string, epoch int64) (bool, error) {
	const query = `UPDATE agents SET online=FALSE, updated_at=NOW() WHERE id=$1 AND presence_epoch=$2`
	cmd, err := r.pool.Exec(ctx, query, id, epoch)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *agentRepository) IncrementLoad(ctx context.Context, id string) (Workload, error) {
	const query = `
        UPDATE agents SET
            current_load = CASE WHEN tier='regular' THEN LEAST(current_load+1, max_capacity) ELSE 0 END,
            updated_at = NOW()
        WHERE id=$1
        RETURNING current_load, max_capacity, tier`
	return r.workload(ctx, id, query, id)
}

// ReserveLoad increments a regular agent's load only while it is below capacity.
// ok is false when the agent is full, not regular, or unknown.
func (r *agentRepository) ReserveLoad(ctx context.Context, id string) (Workload, bool, error) {
	const query = `
        UPDATE agents SET current_load = current_load + 1, updated_at = NOW()
        WHERE id=$1 AND tier='regular' AND current_load < max_capacity
        RETURNING current_load, max_capacity, tier`
	w, err := r.workload(ctx, id, query, id)
	if errors.Is(err, ErrNotFound) {
		return Workload{}, false, nil
	}
	if err != nil {
		return Workload{}, false, err
	}
	return w, true, nil
}

// DecrementLoad releases one unit. The result never drops below the number of
// sessions still assigned to the agent, capped at capacity: an exclusive bind to a
// saturated agent is held without a unit, so releasing another session must not free
// a slot the agent does not have.
func (r *agentRepository) DecrementLoad(ctx context.Context, id string) (Workload, error) {
	const query = `
        UPDATE agents SET
            current_load = CASE WHEN tier='regular' THEN GREATEST(
                current_load-1,
                LEAST(max_capacity, (SELECT COUNT(*) FROM sessions WHERE agent_id=$1 AND state='assigned')),
                0) ELSE 0 END,
            updated_at = NOW()
        WHERE id=$1
        RETURNING current_load, max_capacity, tier`
	return r.workload(ctx, id, query, id)
}

func (r *agentRepository) SetLoad(ctx context.Context, id string, load int) (Workload, error) {
	const query = `
        UPDATE agents SET
            current_load = CASE WHEN tier='regular' THEN LEAST(GREATEST($2, 0), max_capacity) ELSE 0 END,
            updated_at = NOW()
        WHERE id=$1
        RETURNING current_load, max_capacity, tier`
	return r.workload(ctx, id, query, id, load)
}

func (r *agentRepository) TouchAssigned(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE agents SET last_assigned_at=$1, updated_at=NOW() WHERE id=$2`
	cmd, err := r.pool.Exec(ctx, query, at, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *agentRepository) workload(ctx context.Context, id, query string, args ...any) (Workload, error) {
	var (
		w    = Workload{AgentID: id}
		tier domain.AgentTier
	)
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&w.Current, &w.Max, &tier); err != nil {
		return Workload{}, mapError(err)
	}
	w.Admin = tier != domain.AgentTierRegular
	return w, nil
}

func (r *agentRepository) list(ctx context.Context, query string, args ...any) ([]domain.Agent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	var agent domain.Agent
	if err := row.Scan(
		&agent.ID,
		&agent.BusinessID,
		&agent.Name,
		&agent.Tier,
		&agent.Bot,
		&agent.Online,
		&agent.PresenceEpoch,
		&agent.MaxCapacity,
		&agent.CurrentLoad,
		&agent.LastAssignedAt,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &agent, nil
}
