package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a dependency capable of Ping. The pgx
// pool and the broker dispatcher both satisfy it.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the db and broker readiness checks.
func BuildReadinessChecks(pool, broker Pinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	brokerCheck := func(ctx context.Context) error {
		if broker == nil {
			return fmt.Errorf("broker not configured")
		}
		return broker.Ping(ctx)
	}
	return dbCheck, brokerCheck
}
