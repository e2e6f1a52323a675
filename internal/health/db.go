// Package health provides readiness checks for the service's backing stores.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultTimeout bounds a single check when the caller's context has no deadline.
const DefaultTimeout = 2 * time.Second

// DBChecker reports whether the payments database accepts connections.
type DBChecker struct {
	db      *sql.DB
	timeout time.Duration
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db, timeout: DefaultTimeout}
}

// HealthCheck pings the database.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if d.db == nil {
		return fmt.Errorf("database not configured")
	}
	ctx, cancel := withDefaultTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
