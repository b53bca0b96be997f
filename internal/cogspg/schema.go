// Package cogspg is the Postgres-backed implementation of cogs.Store,
// built on pgx/v5 the way the teacher's internal/core services are built
// on it: pool-scoped queries for reads, explicit transactions for writes
// that must commit atomically.
package cogspg

// Schema is the DDL for every table the store touches. The same DDL is kept
// in migrations/001_cogs_schema.sql, which migrations/apply.go executes;
// store_integration_test.go executes this constant (idempotent CREATE ... IF
// NOT EXISTS) at the start of every case and then truncates the tables.
const Schema = `
CREATE TABLE IF NOT EXISTS lots (
	tenant_id TEXT NOT NULL,
	lot_id TEXT NOT NULL,
	sku TEXT NOT NULL,
	received_date DATE NOT NULL,
	original_quantity BIGINT NOT NULL,
	remaining_quantity BIGINT NOT NULL,
	unit_price NUMERIC(18,4) NOT NULL,
	freight_cost_per_unit NUMERIC(18,4) NOT NULL,
	PRIMARY KEY (tenant_id, lot_id)
);
CREATE INDEX IF NOT EXISTS lots_tenant_sku_idx ON lots (tenant_id, sku);

CREATE TABLE IF NOT EXISTS runs (
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	mode TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	rolled_back_at TIMESTAMPTZ,
	input_file_id TEXT,
	error_message TEXT,
	rollback_of_run_id TEXT,
	movements_count BIGINT NOT NULL DEFAULT 0,
	validation_errors_count BIGINT NOT NULL DEFAULT 0,
	total_cogs_posted NUMERIC(18,2) NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, run_id)
);
CREATE INDEX IF NOT EXISTS runs_tenant_status_idx ON runs (tenant_id, status);

CREATE TABLE IF NOT EXISTS inventory_snapshots (
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	lot_id TEXT NOT NULL,
	sku TEXT NOT NULL,
	remaining_quantity BIGINT NOT NULL,
	original_quantity BIGINT NOT NULL,
	unit_price NUMERIC(18,4) NOT NULL,
	freight_cost_per_unit NUMERIC(18,4) NOT NULL,
	received_date DATE NOT NULL,
	is_current BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (tenant_id, run_id, lot_id)
);

CREATE TABLE IF NOT EXISTS inventory_movements (
	movement_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	lot_id TEXT NOT NULL,
	sku TEXT NOT NULL,
	kind TEXT NOT NULL,
	quantity BIGINT NOT NULL,
	remaining_after BIGINT NOT NULL,
	unit_cost NUMERIC(18,4) NOT NULL,
	reference_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS movements_tenant_run_idx ON inventory_movements (tenant_id, run_id);
CREATE INDEX IF NOT EXISTS movements_tenant_lot_idx ON inventory_movements (tenant_id, lot_id);

CREATE TABLE IF NOT EXISTS cogs_attribution (
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	attribution_id TEXT NOT NULL,
	sale_id TEXT NOT NULL,
	sku TEXT NOT NULL,
	sale_date DATE NOT NULL,
	quantity_sold BIGINT NOT NULL,
	total_cogs NUMERIC(18,2) NOT NULL,
	average_unit_cost NUMERIC(18,4) NOT NULL,
	is_valid BOOLEAN NOT NULL,
	PRIMARY KEY (tenant_id, run_id, attribution_id)
);
CREATE INDEX IF NOT EXISTS attribution_tenant_run_idx ON cogs_attribution (tenant_id, run_id);

CREATE TABLE IF NOT EXISTS cogs_attribution_details (
	tenant_id TEXT NOT NULL,
	attribution_id TEXT NOT NULL,
	lot_id TEXT NOT NULL,
	quantity_allocated BIGINT NOT NULL,
	unit_cost NUMERIC(18,4) NOT NULL,
	total_cost NUMERIC(18,2) NOT NULL,
	PRIMARY KEY (tenant_id, attribution_id, lot_id)
);

CREATE TABLE IF NOT EXISTS cogs_summary (
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	sku TEXT NOT NULL,
	period TEXT NOT NULL,
	total_quantity_sold BIGINT NOT NULL,
	total_cogs NUMERIC(18,2) NOT NULL,
	average_unit_cost NUMERIC(18,4) NOT NULL,
	is_valid BOOLEAN NOT NULL,
	PRIMARY KEY (tenant_id, run_id, sku, period)
);

CREATE TABLE IF NOT EXISTS validation_errors (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	sku TEXT,
	sale_id TEXT,
	quantity BIGINT,
	message TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS validation_errors_tenant_run_idx ON validation_errors (tenant_id, run_id);
`
