package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/authz/internal/platform/auth"
)

// Bootstrap applies the authorization layer's schema. Every statement is
// idempotent, so it runs unconditionally at startup.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{
		auth.MigrationLaunchContexts,
		auth.MigrationPatientLinks,
	} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
