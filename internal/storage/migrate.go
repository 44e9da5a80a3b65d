// Package storage owns the Postgres schema. Migrations are versioned
// in-code and applied at startup, each inside its own transaction.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	version    string
	statements []string
}

var migrations = []migration{
	{
		version: "0001_accounts",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS accounts (
				id UUID PRIMARY KEY,
				balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
				is_system BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS transfers (
				id BIGSERIAL PRIMARY KEY,
				tx_type TEXT NOT NULL,
				debit_account_id UUID NOT NULL,
				credit_account_id UUID NOT NULL,
				amount BIGINT NOT NULL CHECK (amount > 0),
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transfers_debit ON transfers (debit_account_id)`,
			`CREATE INDEX IF NOT EXISTS idx_transfers_credit ON transfers (credit_account_id)`,
		},
	},
	{
		version: "0002_auth",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS auth_accounts (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				email TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				display_name TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL DEFAULT 'owner',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS api_keys (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				account_id UUID NOT NULL REFERENCES auth_accounts(id),
				key_hash TEXT NOT NULL UNIQUE,
				label TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				revoked_at TIMESTAMPTZ
			)`,
		},
	},
	{
		version: "0003_registry",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS agent_names (
				name TEXT PRIMARY KEY,
				reserved_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS agents (
				id BIGSERIAL PRIMARY KEY,
				owner UUID NOT NULL,
				name TEXT NOT NULL REFERENCES agent_names(name),
				capabilities TEXT[] NOT NULL DEFAULT '{}',
				autonomy_level INT NOT NULL DEFAULT 0,
				stake_amount BIGINT NOT NULL DEFAULT 0 CHECK (stake_amount >= 0),
				reputation_score INT NOT NULL DEFAULT 100,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				last_active_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents (owner)`,
		},
	},
	{
		version: "0004_escrow",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id BIGSERIAL PRIMARY KEY,
				creator UUID NOT NULL,
				description TEXT NOT NULL,
				required_capabilities TEXT[] NOT NULL DEFAULT '{}',
				reward BIGINT NOT NULL CHECK (reward > 0),
				platform_fee BIGINT NOT NULL DEFAULT 0 CHECK (platform_fee >= 0),
				deadline TIMESTAMPTZ NOT NULL,
				assigned_agent_id BIGINT,
				status TEXT NOT NULL DEFAULT 'pending',
				result_hash TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				completed_at TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_creator ON tasks (creator)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status_deadline ON tasks (status, deadline)`,
		},
	},
	{
		version: "0005_relay",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGSERIAL PRIMARY KEY,
				sender UUID NOT NULL,
				target_domain TEXT NOT NULL,
				payload BYTEA NOT NULL,
				fee BIGINT NOT NULL CHECK (fee >= 0),
				sent_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				processed BOOLEAN NOT NULL DEFAULT FALSE,
				processed_by UUID,
				processed_at TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_unprocessed ON messages (id) WHERE processed = FALSE`,
			`CREATE TABLE IF NOT EXISTS relay_domains (
				name TEXT PRIMARY KEY,
				rpc_url TEXT NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS relay_validators (
				account UUID PRIMARY KEY,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS relay_params (
				id INT PRIMARY KEY,
				base_fee BIGINT NOT NULL CHECK (base_fee >= 0),
				per_byte_fee BIGINT NOT NULL CHECK (per_byte_fee >= 0)
			)`,
		},
	},
	{
		version: "0006_events",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS events (
				id BIGSERIAL PRIMARY KEY,
				kind TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				entity_id BIGINT NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_entity ON events (entity_type, entity_id)`,
			`CREATE TABLE IF NOT EXISTS event_cursors (
				name TEXT PRIMARY KEY,
				position BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
		},
	},
}

// Columns returns the column names each table in the schema declares.
// Repository tests check their SQL against it so query and DDL column
// names cannot drift apart.
func Columns() map[string]map[string]bool {
	tables := make(map[string]map[string]bool)
	for _, m := range migrations {
		for _, stmt := range m.statements {
			name, cols, ok := parseCreateTable(stmt)
			if ok {
				tables[name] = cols
			}
		}
	}
	return tables
}

func parseCreateTable(stmt string) (string, map[string]bool, bool) {
	const prefix = "CREATE TABLE IF NOT EXISTS "
	s := strings.TrimSpace(stmt)
	if !strings.HasPrefix(s, prefix) {
		return "", nil, false
	}
	open := strings.Index(s, "(")
	closing := strings.LastIndex(s, ")")
	if open < 0 || closing < open {
		return "", nil, false
	}
	name := strings.TrimSpace(s[len(prefix):open])

	// One column definition per line; the first word of each line is the
	// column name unless it opens a table constraint.
	cols := make(map[string]bool)
	for _, line := range strings.Split(s[open+1:closing], "\n") {
		fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(line), ","))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "CHECK", "PRIMARY", "FOREIGN", "UNIQUE", "CONSTRAINT":
			continue
		}
		cols[fields[0]] = true
	}
	return name, cols, true
}

// Migrate applies all pending migrations. Safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := apply(ctx, pool, m); err != nil {
			return fmt.Errorf("migration %s: %w", m.version, err)
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]struct{}, error) {
	rows, err := pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("load schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = struct{}{}
	}
	return applied, rows.Err()
}

func apply(ctx context.Context, pool *pgxpool.Pool, m migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, stmt := range m.statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
