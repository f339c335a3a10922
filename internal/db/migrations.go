package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS ride_gps_points (
		id              BIGSERIAL PRIMARY KEY,
		ride_id         BIGINT NOT NULL,
		biker_id        BIGINT,
		camera_type     TEXT NOT NULL,
		latitude        DOUBLE PRECISION NOT NULL,
		longitude       DOUBLE PRECISION NOT NULL,
		speed           DOUBLE PRECISION NOT NULL DEFAULT 0,
		confidence      DOUBLE PRECISION,
		coordinates_text TEXT,
		over_limit      BOOLEAN NOT NULL DEFAULT false,
		observed_at     TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_ride_gps_points_ride_id ON ride_gps_points(ride_id, observed_at);`,
	`CREATE TABLE IF NOT EXISTS ride_violations (
		id              UUID PRIMARY KEY,
		ride_id         BIGINT NOT NULL,
		biker_id        BIGINT,
		camera_type     TEXT NOT NULL,
		violation_type  TEXT NOT NULL,
		raw_type        TEXT,
		description     TEXT,
		detected_at     TIMESTAMPTZ NOT NULL,
		raw_payload     JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_ride_violations_ride_id ON ride_violations(ride_id, detected_at DESC);`,
	`CREATE TABLE IF NOT EXISTS console_preferences (
		key         TEXT PRIMARY KEY,
		value       JSONB NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
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
