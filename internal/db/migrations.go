package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,

	// projects own a plot set and at most one current deviation set
	`CREATE TABLE IF NOT EXISTS projects (
		id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		name            TEXT NOT NULL,
		min_lon         DOUBLE PRECISION NOT NULL,
		min_lat         DOUBLE PRECISION NOT NULL,
		max_lon         DOUBLE PRECISION NOT NULL,
		max_lat         DOUBLE PRECISION NOT NULL,
		center_lon      DOUBLE PRECISION NOT NULL,
		center_lat      DOUBLE PRECISION NOT NULL,
		zoom            INT NOT NULL,
		area_name       TEXT,
		area_category   TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_projects_area_name ON projects(area_name);`,

	// geometry columns hold GeoJSON in EPSG:4326
	`CREATE TABLE IF NOT EXISTS plots (
		id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		project_id      UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		label           TEXT NOT NULL,
		category        TEXT NOT NULL,
		geometry        JSONB NOT NULL,
		area_sqm        DOUBLE PRECISION NOT NULL,
		area_sqft       DOUBLE PRECISION NOT NULL,
		perimeter_m     DOUBLE PRECISION NOT NULL,
		color           TEXT NOT NULL,
		confidence      DOUBLE PRECISION,
		source          TEXT NOT NULL DEFAULT 'auto',
		active          BOOLEAN NOT NULL DEFAULT TRUE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_plots_project_active ON plots(project_id, active);`,

	`CREATE TABLE IF NOT EXISTS deviations (
		id                  UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		project_id          UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		run_id              UUID NOT NULL,
		plot_id             UUID REFERENCES plots(id) ON DELETE SET NULL,
		reference_plot_id   TEXT,
		deviation_type      TEXT NOT NULL,
		severity            TEXT NOT NULL,
		geometry            JSONB,
		deviation_area_sqm  DOUBLE PRECISION NOT NULL DEFAULT 0,
		description         TEXT NOT NULL,
		details             JSONB,
		position            INT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_deviations_project ON deviations(project_id, position);`,

	`CREATE TABLE IF NOT EXISTS comparison_runs (
		id              UUID PRIMARY KEY,
		project_id      UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		summary         JSONB NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_comparison_runs_project ON comparison_runs(project_id, created_at DESC);`,

	// one compliance run per project is kept; a rerun replaces it
	`CREATE TABLE IF NOT EXISTS compliance_runs (
		id              UUID PRIMARY KEY,
		project_id      UUID NOT NULL UNIQUE REFERENCES projects(id) ON DELETE CASCADE,
		area_name       TEXT,
		summary         JSONB NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,

	`CREATE TABLE IF NOT EXISTS plot_compliance (
		id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		run_id          UUID NOT NULL REFERENCES compliance_runs(id) ON DELETE CASCADE,
		project_id      UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		plot_id         UUID REFERENCES plots(id) ON DELETE SET NULL,
		is_compliant    BOOLEAN,
		result          JSONB NOT NULL,
		position        INT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_plot_compliance_run ON plot_compliance(run_id, position);`,

	`CREATE TABLE IF NOT EXISTS tile_cache_entries (
		key             TEXT PRIMARY KEY,
		source          TEXT NOT NULL,
		zoom            INT NOT NULL,
		requested_bbox  JSONB NOT NULL,
		bbox            JSONB NOT NULL,
		width           INT NOT NULL,
		height          INT NOT NULL,
		transform       JSONB NOT NULL,
		blob_key        TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,

	`CREATE TABLE IF NOT EXISTS boundary_cache_entries (
		area_name       TEXT NOT NULL,
		category        TEXT NOT NULL,
		strategy        TEXT NOT NULL,
		payload         JSONB NOT NULL,
		fetched_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (area_name, category)
	);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
