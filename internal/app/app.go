package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"opsloop/internal/config"
	"opsloop/internal/db"
	"opsloop/internal/engine"
	"opsloop/internal/migrate"
	"opsloop/internal/policy"
	"opsloop/internal/repo"
)

// Context bundles everything a command needs once a workspace is open.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Repo      repo.Repo
}

// Open opens the workspace database, applies migrations, loads configuration
// and seeds the policy store. Every entry point (CLI, server, worker,
// heartbeat) goes through here.
func Open(ctx context.Context, workspace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := SeedPolicies(ctx, repo.Repo{DB: conn}, cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed policies: %w", err)
	}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
		Repo:      repo.Repo{DB: conn},
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}

// SeedPolicies writes config-declared policies into the store for keys not
// yet present. Existing values always win: operators adjust policy at
// runtime through the store, and a restart must not silently revert that.
func SeedPolicies(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	seeds := map[string]any{
		policy.KeyAutoApprove:      cfg.Policies.AutoApprove,
		policy.KeyDailyProposalCap: policy.DailyProposalCap{Max: cfg.Policies.DailyProposalCap},
		policy.KeyStaleStepTimeout: policy.StaleStepTimeout{Minutes: cfg.Policies.StaleStepTimeoutMin},
	}
	for kind, max := range cfg.Policies.KindCaps {
		seeds[policy.KindCapKey(kind)] = policy.KindCap{MaxPerDay: max}
	}
	for key, value := range seeds {
		_, err := r.GetPolicy(ctx, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		encoded, err := policy.Encode(value)
		if err != nil {
			return err
		}
		if err := r.SetPolicy(ctx, key, encoded); err != nil {
			return err
		}
	}
	return nil
}
