package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(pgx.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, mapError(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})), ErrConflict)

	other := errors.New("boom")
	assert.Equal(t, other, mapError(other))
	assert.NotErrorIs(t, mapError(&pgconn.PgError{Code: "23503"}), ErrConflict)
}
