package postgres

import (
	"context"
	"fmt"
)

// migrations are applied in order. Each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id                    TEXT PRIMARY KEY,
		name                  TEXT NOT NULL,
		email                 TEXT NOT NULL DEFAULT '',
		phone                 TEXT NOT NULL DEFAULT '',
		kind                  TEXT NOT NULL,
		is_bank               BOOLEAN NOT NULL DEFAULT FALSE,
		plan                  TEXT NOT NULL,
		custom_max_listings   INTEGER,
		custom_max_highlights INTEGER,
		wallet_balance        NUMERIC(15,2) NOT NULL DEFAULT 0,
		topup_balance         NUMERIC(15,2) NOT NULL DEFAULT 0,
		favorites             TEXT[] NOT NULL DEFAULT '{}',
		following             TEXT[] NOT NULL DEFAULT '{}',
		status                TEXT NOT NULL,
		bank_details          TEXT NOT NULL DEFAULT '',
		created_at            TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS branches (
		id                TEXT PRIMARY KEY,
		parent_account_id TEXT NOT NULL,
		name              TEXT NOT NULL,
		email             TEXT NOT NULL DEFAULT '',
		phone             TEXT NOT NULL DEFAULT '',
		address           TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_branches_parent ON branches(parent_account_id)`,
	`CREATE TABLE IF NOT EXISTS listings (
		id                 TEXT PRIMARY KEY,
		owner_id           TEXT NOT NULL DEFAULT '',
		owner_display_name TEXT NOT NULL DEFAULT '',
		title              TEXT NOT NULL,
		price              NUMERIC(15,2) NOT NULL,
		category           TEXT NOT NULL DEFAULT '',
		highlighted        BOOLEAN NOT NULL DEFAULT FALSE,
		created_at         TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_owner ON listings(owner_id)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id                TEXT PRIMARY KEY,
		account_id        TEXT NOT NULL,
		counterparty_name TEXT NOT NULL DEFAULT '',
		amount            NUMERIC(15,2) NOT NULL CHECK (amount > 0),
		category          TEXT NOT NULL,
		method            TEXT NOT NULL,
		status            TEXT NOT NULL,
		ts                TIMESTAMPTZ NOT NULL,
		reference         TEXT NOT NULL DEFAULT '',
		proof_ref         TEXT NOT NULL DEFAULT '',
		idempotency_key   TEXT UNIQUE,
		settled           BOOLEAN NOT NULL DEFAULT FALSE,
		plan_type         TEXT NOT NULL DEFAULT '',
		listing_id        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, ts)`,
	`CREATE TABLE IF NOT EXISTS withdrawals (
		id           TEXT PRIMARY KEY,
		account_id   TEXT NOT NULL,
		amount       NUMERIC(15,2) NOT NULL CHECK (amount > 0),
		status       TEXT NOT NULL,
		bank_details TEXT NOT NULL DEFAULT '',
		request_date TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_withdrawals_account ON withdrawals(account_id)`,
}

// Migrate creates the tables and indexes the store needs.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying migration %d: %w", i+1, err)
		}
	}
	return nil
}
