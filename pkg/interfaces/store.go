package interfaces

import (
	"context"
	"time"

	"codeguard/pkg/types"
)

// RoomStore is the durable side of the system: room records, flag events,
// submission markers and exam summaries. The registry treats it as the
// fallback source of truth when a room is not resident in memory.
type RoomStore interface {
	// Room records
	CreateRoom(ctx context.Context, room *types.RoomRecord) error
	GetRoom(ctx context.Context, roomID string) (*types.RoomRecord, error)
	MarkRoomStarted(ctx context.Context, roomID string, startedAt time.Time) error

	// Flag events (append-only)
	StoreFlagEvent(ctx context.Context, event *types.FlagEvent) error
	CountFlagsByStudent(ctx context.Context, roomID string) (map[string]int, error)

	// Submission markers
	StoreSubmission(ctx context.Context, sub *types.Submission) error
	CountSubmissions(ctx context.Context, roomID string) (int, error)
	CountSubmissionsByStudent(ctx context.Context, roomID string) (map[string]int, error)

	// Exam summaries
	CreateExamSummary(ctx context.Context, summary *types.ExamSummary) error
	GetExamSummary(ctx context.Context, roomID string) (*types.ExamSummary, error)
	ListExaminerSummaries(ctx context.Context, examinerID, examinerUsername string) ([]*types.ExamSummary, error)
	ListStudentSummaries(ctx context.Context, studentID string, page, limit int) ([]*types.ExamSummary, int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// BlobStore holds binary artifacts: question documents and flag screenshots.
// Upload returns a stable URL for the stored object.
type BlobStore interface {
	UploadScreenshot(ctx context.Context, name string, data []byte) (string, error)
}
