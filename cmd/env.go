package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-pipeline/internal/leaderboard"
	"github.com/sells-group/prospect-pipeline/internal/pipeline"
	"github.com/sells-group/prospect-pipeline/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "prospects.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func newManager(st store.Store) *pipeline.Manager {
	return pipeline.NewManager(st, cfg.Lease.Duration, cfg.Retry.Threshold)
}

func leaderboardWeights() leaderboard.Weights {
	return leaderboard.Weights{
		Signups:   cfg.Leaderboard.WeightSignups,
		Domains:   cfg.Leaderboard.WeightDomains,
		Retention: cfg.Leaderboard.WeightRetention,
		Leads:     cfg.Leaderboard.WeightLeads,
		Revenue:   cfg.Leaderboard.WeightRevenue,
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// workerIdentity builds a stable-enough id for lease ownership: hostname
// plus a per-process suffix so two processes on one box never collide.
func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.New().String()[:8]
}
