package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/livechat-engine/internal/domain"
)

// BusinessRepository exposes tenant settings.
type BusinessRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Business, error)
	List(ctx context.Context) ([]domain.Business, error)
}

type businessRepository struct {
	pool *pgxpool.Pool
}

// NewBusinessRepository instantiates repository.
func NewBusinessRepository(pool *pgxpool.Pool) BusinessRepository {
	return &businessRepository{pool: pool}
}

const businessColumns = `id, name, session_timeout_seconds, purge_after_seconds, created_at, updated_at`

func (r *businessRepository) GetByID(ctx context.Context, id string) (*domain.Business, error) {
	query := `SELECT ` + businessColumns + ` FROM businesses WHERE id=$1`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	businesses, err := scanBusinesses(rows)
	if err != nil {
		return nil, err
	}
	if len(businesses) == 0 {
		return nil, ErrNotFound
	}
	return &businesses[0], nil
}

func (r *businessRepository) List(ctx context.Context) ([]domain.Business, error) {
	query := `SELECT ` + businessColumns + ` FROM businesses ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return scanBusinesses(rows)
}

func scanBusinesses(rows pgx.Rows) ([]domain.Business, error) {
	defer rows.Close()

	var businesses []domain.Business
	for rows.Next() {
		var (
			business       domain.Business
			timeoutSeconds int
			purgeSeconds   int
		)
		if err := rows.Scan(
			&business.ID,
			&business.Name,
			&timeoutSeconds,
			&purgeSeconds,
			&business.CreatedAt,
			&business.UpdatedAt,
		); err != nil {
			return nil, err
		}
		business.SessionTimeout = time.Duration(timeoutSeconds) * time.Second
		business.PurgeAfter = time.Duration(purgeSeconds) * time.Second
		businesses = append(businesses, business)
	}
	return businesses, rows.Err()
}
