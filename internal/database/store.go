package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "codeguard/pkg/database"
	"codeguard/pkg/interfaces"
	"codeguard/pkg/types"
)

// Store implements interfaces.RoomStore on SQLite. All writes funnel through
// a single goroutine; reads go straight to the pool and can run concurrently.
type Store struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewStore opens the database, applies pragmas and ensures the schema.
func NewStore(config *dbconfig.Config) (*Store, error) {
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLitePragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	if err := dbconfig.EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	s := &Store{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

// applySQLitePragmas applies the same pragmas encoded in the DSN so they
// hold on every pooled connection.
func applySQLitePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// writeLoop processes all write operations in a single goroutine. SQLite
// allows one writer at a time; serializing here avoids SQLITE_BUSY churn.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil {
				log.Printf("database: write failed, retrying in 5 seconds: %v", err)
				time.Sleep(5 * time.Second)
				err = op.operation(s.db)
				if err != nil {
					log.Printf("database: write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			log.Println("database: write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion.
func (s *Store) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-s.shutdown:
		return fmt.Errorf("store is shutting down")
	}
}

// CreateRoom inserts a durable room record.
func (s *Store) CreateRoom(ctx context.Context, room *types.RoomRecord) error {
	return s.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO rooms (room_id, exam_name, course_name, exam_duration,
				examiner_id, examiner_name, examiner_username,
				start_time, started, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			room.RoomID,
			room.ExamName,
			room.CourseName,
			room.ExamDuration,
			room.ExaminerID,
			room.ExaminerName,
			room.ExaminerUsername,
			nullableTime(room.StartTime),
			room.Started,
			room.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicateRoom
			}
			return fmt.Errorf("failed to insert room: %w", err)
		}
		return nil
	})
}

// GetRoom retrieves a room record by id.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*types.RoomRecord, error) {
	query := `
		SELECT room_id, exam_name, course_name, exam_duration,
			examiner_id, examiner_name, examiner_username,
			start_time, started, created_at
		FROM rooms
		WHERE room_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, roomID)

	var room types.RoomRecord
	var startTime sql.NullTime

	err := row.Scan(
		&room.RoomID,
		&room.ExamName,
		&room.CourseName,
		&room.ExamDuration,
		&room.ExaminerID,
		&room.ExaminerName,
		&room.ExaminerUsername,
		&startTime,
		&room.Started,
		&room.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to query room: %w", err)
	}

	if startTime.Valid {
		room.StartTime = &startTime.Time
	}

	return &room, nil
}

// MarkRoomStarted records the durable start of an exam. Setting start_time
// alongside the flag lets restart reconciliation derive the running phase.
func (s *Store) MarkRoomStarted(ctx context.Context, roomID string, startedAt time.Time) error {
	return s.executeWrite(func(db *sql.DB) error {
		query := `
			UPDATE rooms
			SET started = 1, start_time = COALESCE(start_time, ?)
			WHERE room_id = ?
		`
		res, err := db.ExecContext(ctx, query, startedAt, roomID)
		if err != nil {
			return fmt.Errorf("failed to mark room started: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return interfaces.ErrRoomNotFound
		}
		return nil
	})
}

// StoreFlagEvent appends one flag event.
func (s *Store) StoreFlagEvent(ctx context.Context, event *types.FlagEvent) error {
	return s.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO flag_events (id, room_id, student_id, url, screenshot_url, action_type, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			event.ID,
			event.RoomID,
			event.StudentID,
			event.URL,
			event.ScreenshotURL,
			event.ActionType,
			event.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert flag event: %w", err)
		}
		return nil
	})
}

// CountFlagsByStudent returns flag totals per student id for one room.
// Students with no flags have no entry.
func (s *Store) CountFlagsByStudent(ctx context.Context, roomID string) (map[string]int, error) {
	query := `
		SELECT student_id, COUNT(*)
		FROM flag_events
		WHERE room_id = ?
		GROUP BY student_id
	`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flag counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var studentID string
		var n int
		if err := rows.Scan(&studentID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan flag count row: %w", err)
		}
		counts[studentID] = n
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flag count rows: %w", err)
	}

	return counts, nil
}

// StoreSubmission records a submission marker.
func (s *Store) StoreSubmission(ctx context.Context, sub *types.Submission) error {
	return s.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO submissions (id, room_id, student_id, submitted_at)
			VALUES (?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query, sub.ID, sub.RoomID, sub.StudentID, sub.SubmittedAt)
		if err != nil {
			return fmt.Errorf("failed to insert submission: %w", err)
		}
		return nil
	})
}

// CountSubmissions returns the number of submissions recorded for a room.
func (s *Store) CountSubmissions(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE room_id = ?`, roomID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count submissions: %w", err)
	}
	return n, nil
}

// CountSubmissionsByStudent returns submission totals per student id.
func (s *Store) CountSubmissionsByStudent(ctx context.Context, roomID string) (map[string]int, error) {
	query := `
		SELECT student_id, COUNT(*)
		FROM submissions
		WHERE room_id = ?
		GROUP BY student_id
	`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query submission counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var studentID string
		var n int
		if err := rows.Scan(&studentID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan submission count row: %w", err)
		}
		counts[studentID] = n
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submission count rows: %w", err)
	}

	return counts, nil
}

// CreateExamSummary inserts the end-of-exam aggregate. The UNIQUE room_id
// constraint is the backstop against double finalization.
func (s *Store) CreateExamSummary(ctx context.Context, summary *types.ExamSummary) error {
	return s.executeWrite(func(db *sql.DB) error {
		studentsJSON, err := json.Marshal(summary.Students)
		if err != nil {
			return fmt.Errorf("failed to marshal summary students: %w", err)
		}

		query := `
			INSERT INTO exam_summaries (id, room_id, exam_name, course_name,
				examiner_id, examiner_name, examiner_username,
				total_students, flagged_students, submissions_count,
				students, exam_started_at, exam_ended_at, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err = db.ExecContext(ctx, query,
			summary.ID,
			summary.RoomID,
			summary.ExamName,
			summary.CourseName,
			summary.ExaminerID,
			summary.ExaminerName,
			summary.ExaminerUsername,
			summary.TotalStudentsJoined,
			summary.FlaggedStudentsCount,
			summary.SubmissionsCount,
			string(studentsJSON),
			nullableTime(summary.ExamStartedAt),
			summary.ExamEndedAt,
			summary.Status,
			summary.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicateRoom
			}
			return fmt.Errorf("failed to insert exam summary: %w", err)
		}
		return nil
	})
}

// GetExamSummary retrieves the summary for a room, if one exists.
func (s *Store) GetExamSummary(ctx context.Context, roomID string) (*types.ExamSummary, error) {
	query := summarySelect + ` WHERE room_id = ?`

	row := s.db.QueryRowContext(ctx, query, roomID)
	summary, err := scanSummary(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrSummaryNotFound
		}
		return nil, fmt.Errorf("failed to query exam summary: %w", err)
	}
	return summary, nil
}

// ListExaminerSummaries returns all summaries created by an examiner, newest
// first. Matches on examiner id or username since older records carry only
// the username.
func (s *Store) ListExaminerSummaries(ctx context.Context, examinerID, examinerUsername string) ([]*types.ExamSummary, error) {
	query := summarySelect + `
		WHERE examiner_id = ? OR (examiner_username != '' AND examiner_username = ?)
		ORDER BY exam_ended_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, examinerID, examinerUsername)
	if err != nil {
		return nil, fmt.Errorf("failed to query examiner summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []*types.ExamSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summary rows: %w", err)
	}

	return summaries, nil
}

// ListStudentSummaries returns the page of summaries whose student roster
// contains the given student, newest first, plus the total match count.
// The roster is a JSON column; membership is matched on the serialized
// studentId field, which is safe because ids are validated to [a-zA-Z0-9_-].
func (s *Store) ListStudentSummaries(ctx context.Context, studentID string, page, limit int) ([]*types.ExamSummary, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	pattern := `%"studentId":"` + studentID + `"%`

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exam_summaries WHERE students LIKE ?`, pattern).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count student summaries: %w", err)
	}

	query := summarySelect + `
		WHERE students LIKE ?
		ORDER BY exam_ended_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, pattern, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query student summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []*types.ExamSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan summary row: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating summary rows: %w", err)
	}

	return summaries, total, nil
}

// HealthCheck validates database connectivity and a basic read.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// Close drains the write loop and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

const summarySelect = `
	SELECT id, room_id, exam_name, course_name,
		examiner_id, examiner_name, examiner_username,
		total_students, flagged_students, submissions_count,
		students, exam_started_at, exam_ended_at, status, created_at
	FROM exam_summaries`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSummary(row rowScanner) (*types.ExamSummary, error) {
	var summary types.ExamSummary
	var studentsJSON string
	var startedAt sql.NullTime

	err := row.Scan(
		&summary.ID,
		&summary.RoomID,
		&summary.ExamName,
		&summary.CourseName,
		&summary.ExaminerID,
		&summary.ExaminerName,
		&summary.ExaminerUsername,
		&summary.TotalStudentsJoined,
		&summary.FlaggedStudentsCount,
		&summary.SubmissionsCount,
		&studentsJSON,
		&startedAt,
		&summary.ExamEndedAt,
		&summary.Status,
		&summary.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(studentsJSON), &summary.Students); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary students: %w", err)
	}
	if startedAt.Valid {
		summary.ExamStartedAt = &startedAt.Time
	}

	return &summary, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// go-sqlite3 reports constraint failures in the error text; matching on
	// the message avoids binding the caller to driver error types.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
