package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ficreative/seo-batch-engine/internal/migrations"
)

// RunMigrations applies every embedded schema migration in filename order.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	return migrations.Apply(ctx, pool)
}
