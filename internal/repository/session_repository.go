package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/livechat-engine/internal/domain"
)

// AssignUpdate moves an active session to a new owner. The write only lands when the
// session is still active and still held by ExpectedAgentID (nil meaning unassigned).
type AssignUpdate struct {
	SessionID       string
	ExpectedAgentID *string
	AgentID         *string
	ClearExclusive  bool
	At              time.Time
}

// SessionRepository encapsulates the assignment ledger.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	FindActive(ctx context.Context, visitorID, businessID string) (*domain.Session, error)
	IsBlacklisted(ctx context.Context, visitorID, businessID string) (bool, error)
	Assign(ctx context.Context, update AssignUpdate) (bool, error)
	Close(ctx context.Context, id string, state domain.SessionState, at time.Time) (*domain.Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	UpdateQueueInfo(ctx context.Context, id string, position, estimatedWait int) error
	UpdatePriority(ctx context.Context, id string, priority domain.Priority) error
	CountActiveFor(ctx context.Context, agentID string) (int, error)
	CountAhead(ctx context.Context, session *domain.Session) (int, error)
	ListWaiting(ctx context.Context, businessID string) ([]domain.Session, error)
	ListByState(ctx context.Context, state domain.SessionState) ([]domain.Session, error)
	ListByAgent(ctx context.Context, agentID string) ([]domain.Session, error)
	ListAssigned(ctx context.Context, businessID string) ([]domain.Session, error)
	RecentCompleted(ctx context.Context, businessID string, since time.Time, limit int) ([]domain.Session, error)
	Delete(ctx context.Context, id string, state domain.SessionState) (bool, error)
}

type sessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository instantiates repository.
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepository{pool: pool}
}

const sessionColumns = `id, visitor_id, business_id, agent_id, exclusive, exclusive_agent_id, priority,
               state, queue_position, estimated_wait, created_at, updated_at, last_activity_at, closed_at`

const queueOrder = `ORDER BY priority DESC, created_at ASC, id ASC`

func (r *sessionRepository) Create(ctx context.Context, session *domain.Session) error {
	const query = `
        INSERT INTO sessions (visitor_id, business_id, agent_id, exclusive, exclusive_agent_id, priority,
            state, queue_position, estimated_wait, closed_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        RETURNING id, created_at, updated_at, last_activity_at`
	err := r.pool.QueryRow(ctx, query,
		session.VisitorID,
		session.BusinessID,
		session.AgentID,
		session.Exclusive,
		session.ExclusiveAgentID,
		session.Priority,
		session.State,
		session.QueuePosition,
		session.EstimatedWait,
		session.ClosedAt,
	).Scan(&session.ID, &session.CreatedAt, &session.UpdatedAt, &session.LastActivityAt)
	return mapError(err)
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id=$1`
	return r.fetchSingle(ctx, query, id)
}

func (r *sessionRepository) FindActive(ctx context.Context, visitorID, businessID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
        FROM sessions
        WHERE visitor_id=$1 AND business_id=$2 AND state IN ('waiting','assigned')`
	return r.fetchSingle(ctx, query, visitorID, businessID)
}

func (r *sessionRepository) IsBlacklisted(ctx context.Context, visitorID, businessID string) (bool, error) {
	const query = `SELECT EXISTS (
        SELECT 1 FROM sessions WHERE visitor_id=$1 AND business_id=$2 AND state='blacklisted')`
	var blacklisted bool
	if err := r.pool.QueryRow(ctx, query, visitorID, businessID).Scan(&blacklisted); err != nil {
		return false, err
	}
	return blacklisted, nil
}

func (r *sessionRepository) Assign(ctx context.Context, update AssignUpdate) (bool, error) {
	const query = `
        UPDATE sessions SET
            agent_id=$1,
            state='assigned',
            queue_position=NULL,
            estimated_wait=0,
            exclusive = CASE WHEN $2 THEN FALSE ELSE exclusive END,
            exclusive_agent_id = CASE WHEN $2 THEN NULL ELSE exclusive_agent_id END,
            updated_at=$3,
            last_activity_at=$3
        WHERE id=$4
          AND state IN ('waiting','assigned')
          AND agent_id IS NOT DISTINCT FROM $5`
	cmd, err := r.pool.Exec(ctx, query,
		update.AgentID,
		update.ClearExclusive,
		update.At,
		update.SessionID,
		update.ExpectedAgentID,
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// Close transitions an active session to a terminal state and returns the row as it
// was closed. ErrNotFound means the session was already terminal or gone.
func (r *sessionRepository) Close(ctx context.Context, id string, state domain.SessionState, at time.Time) (*domain.Session, error) {
	query := `
        UPDATE sessions SET state=$1, queue_position=NULL, updated_at=$2, closed_at=$2
        WHERE id=$3 AND state IN ('waiting','assigned')
        RETURNING ` + sessionColumns
	return r.fetchSingle(ctx, query, state, at, id)
}

func (r *sessionRepository) Touch(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE sessions SET last_activity_at=$1, updated_at=$1 WHERE id=$2 AND state IN ('waiting','assigned')`
	cmd, err := r.pool.Exec(ctx, query, at, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sessionRepository) UpdateQueueInfo(ctx context.Context, id string, position, estimatedWait int) error {
	const query = `UPDATE sessions SET queue_position=$1, estimated_wait=$2 WHERE id=$3 AND state='waiting'`
	cmd, err := r.pool.Exec(ctx, query, position, estimatedWait, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sessionRepository) UpdatePriority(ctx context.Context, id string, priority domain.Priority) error {
	const query = `UPDATE sessions SET priority=$1, updated_at=NOW() WHERE id=$2 AND state IN ('waiting', 'assigned')`
	cmd, err := r.pool.Exec(ctx, query, priority, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sessionRepository) CountActiveFor(ctx context.Context, agentID string) (int, error) {
	const query = `SELECT COUNT(*) FROM sessions WHERE agent_id=$1 AND state='assigned'`
	var count int
	if err := r.pool.QueryRow(ctx, query, agentID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *sessionRepository) CountAhead(ctx context.Context, session *domain.Session) (int, error) {
	const query = `
        SELECT COUNT(*) FROM sessions
        WHERE business_id=$1 AND state='waiting' AND id<>$2
          AND (priority > $3
               OR (priority = $3 AND created_at < $4)
               OR (priority = $3 AND created_at = $4 AND id < $2))`
	var count int
	if err := r.pool.QueryRow(ctx, query,
		session.BusinessID,
		session.ID,
		session.Priority,
		session.CreatedAt,
	).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *sessionRepository) ListWaiting(ctx context.Context, businessID string) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE business_id=$1 AND state='waiting' ` + queueOrder
	return r.list(ctx, query, businessID)
}

func (r *sessionRepository) ListByState(ctx context.Context, state domain.SessionState) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE state=$1 ORDER BY updated_at ASC`
	return r.list(ctx, query, state)
}

func (r *sessionRepository) ListByAgent(ctx context.Context, agentID string) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
        FROM sessions WHERE agent_id=$1 AND state='assigned' ORDER BY created_at ASC`
	return r.list(ctx, query, agentID)
}

func (r *sessionRepository) ListAssigned(ctx context.Context, businessID string) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
        FROM sessions WHERE business_id=$1 AND state='assigned' ORDER BY created_at ASC`
	return r.list(ctx, query, businessID)
}

func (r *sessionRepository) RecentCompleted(ctx context.Context, businessID string, since time.Time, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + sessionColumns + `
        FROM sessions
        WHERE business_id=$1 AND state='complete' AND closed_at >= $2
        ORDER BY closed_at DESC
        LIMIT $3`
	return r.list(ctx, query, businessID, since, limit)
}

func (r *sessionRepository) Delete(ctx context.Context, id string, state domain.SessionState) (bool, error) {
	const query = `DELETE FROM sessions WHERE id=$1 AND state=$2`
	cmd, err := r.pool.Exec(ctx, query, id, state)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *sessionRepository) fetchSingle(ctx context.Context, query string, args ...any) (*domain.Session, error) {
	session, err := scanSession(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapError(err)
	}
	return session, nil
}

func (r *sessionRepository) list(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var session domain.Session
	if err := row.Scan(
		&session.ID,
		&session.VisitorID,
		&session.BusinessID,
		&session.AgentID,
		&session.Exclusive,
		&session.ExclusiveAgentID,
		&session.Priority,
		&session.State,
		&session.QueuePosition,
		&session.EstimatedWait,
		&session.CreatedAt,
		&session.UpdatedAt,
		&session.LastActivityAt,
		&session.ClosedAt,
	); err != nil {
		return nil, err
	}
	return &session, nil
}
