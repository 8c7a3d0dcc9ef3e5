package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/livechat-engine/internal/domain"
)

// VisitorRepository encapsulates visitor persistence.
type VisitorRepository interface {
	Touch(ctx context.Context, visitor *domain.Visitor) error
	GetByID(ctx context.Context, id, businessID string) (*domain.Visitor, error)
}

type visitorRepository struct {
	pool *pgxpool.Pool
}

// NewVisitorRepository instantiates repository.
func NewVisitorRepository(pool *pgxpool.Pool) VisitorRepository {
	return &visitorRepository{pool: pool}
}

// Touch inserts the visitor on first sight, otherwise bumps the visit count and last-seen.
func (r *visitorRepository) Touch(ctx context.Context, visitor *domain.Visitor) error {
	const query = `
        INSERT INTO visitors (id, business_id, name, ip, user_agent)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (id, business_id) DO UPDATE SET
            name = COALESCE(NULLIF(EXCLUDED.name, ''), visitors.name),
            ip = COALESCE(NULLIF(EXCLUDED.ip, ''), visitors.ip),
            user_agent = COALESCE(NULLIF(EXCLUDED.user_agent, ''), visitors.user_agent),
            visit_count = visitors.visit_count + 1,
            last_seen_at = NOW(),
            updated_at = NOW()
        RETURNING name, ip, user_agent, visit_count, last_seen_at, created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		visitor.ID,
		visitor.BusinessID,
		visitor.Name,
		visitor.IP,
		visitor.UserAgent,
	).Scan(
		&visitor.Name,
		&visitor.IP,
		&visitor.UserAgent,
		&visitor.VisitCount,
		&visitor.LastSeenAt,
		&visitor.CreatedAt,
		&visitor.UpdatedAt,
	)
	return mapError(err)
}

func (r *visitorRepository) GetByID(ctx context.Context, id, businessID string) (*domain.Visitor, error) {
	const query = `
        SELECT id, business_id, name, ip, user_agent, visit_count, last_seen_at, created_at, updated_at
        FROM visitors WHERE id=$1 AND business_id=$2`
	var visitor domain.Visitor
	if err := r.pool.QueryRow(ctx, query, id, businessID).Scan(
		&visitor.ID,
		&visitor.BusinessID,
		&visitor.Name,
		&visitor.IP,
		&visitor.UserAgent,
		&visitor.VisitCount,
		&visitor.LastSeenAt,
		&visitor.CreatedAt,
		&visitor.UpdatedAt,
	); err != nil {
		return nil, mapError(err)
	}
	return &visitor, nil
}
