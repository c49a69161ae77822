package database

import (
	"database/sql"
	"fmt"
)

// Schema statements are idempotent; EnsureSchema runs at every startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		room_id           TEXT PRIMARY KEY,
		exam_name         TEXT,
		course_name       TEXT,
		exam_duration     INTEGER,
		examiner_id       TEXT,
		examiner_name     TEXT,
		examiner_username TEXT,
		start_time        TIMESTAMP,
		started           INTEGER NOT NULL DEFAULT 0,
		created_at        TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS flag_events (
		id             TEXT PRIMARY KEY,
		room_id        TEXT NOT NULL,
		student_id     TEXT NOT NULL,
		url            TEXT NOT NULL,
		screenshot_url TEXT,
		action_type    TEXT,
		timestamp      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_flag_events_room ON flag_events(room_id)`,
	`CREATE TABLE IF NOT EXISTS submissions (
		id           TEXT PRIMARY KEY,
		room_id      TEXT NOT NULL,
		student_id   TEXT NOT NULL,
		submitted_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_room ON submissions(room_id)`,
	`CREATE TABLE IF NOT EXISTS exam_summaries (
		id                TEXT PRIMARY KEY,
		room_id           TEXT NOT NULL UNIQUE,
		exam_name         TEXT,
		course_name       TEXT,
		examiner_id       TEXT,
		examiner_name     TEXT,
		examiner_username TEXT,
		total_students    INTEGER NOT NULL,
		flagged_students  INTEGER NOT NULL,
		submissions_count INTEGER NOT NULL,
		students          TEXT NOT NULL,
		exam_started_at   TIMESTAMP,
		exam_ended_at     TIMESTAMP NOT NULL,
		status            TEXT NOT NULL,
		created_at        TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_examiner ON exam_summaries(examiner_id)`,
}

// EnsureSchema creates all tables and indexes that do not exist yet.
func EnsureSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
