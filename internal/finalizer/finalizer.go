package finalizer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"codeguard/internal/registry"
	"codeguard/pkg/interfaces"
	"codeguard/pkg/types"
)

// Finalizer composes and persists the end-of-exam summary. It runs
// synchronously inside the exam-end transition, before teardown broadcasts,
// so the summary reflects the final participant set.
type Finalizer struct {
	store interfaces.RoomStore
}

func New(store interfaces.RoomStore) *Finalizer {
	return &Finalizer{store: store}
}

// Finalize builds the summary for a room. Idempotent: when a summary for the
// room id already exists the existing one is returned with skipped=true and
// nothing is written. The existence check and the insert are not atomic
// across store calls; exam-end serializes calls per room, and the store's
// UNIQUE constraint on room_id backstops the rest.
func (f *Finalizer) Finalize(ctx context.Context, view registry.RoomView) (*types.ExamSummary, bool, error) {
	existing, err := f.store.GetExamSummary(ctx, view.RoomID)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, interfaces.ErrSummaryNotFound) {
		return nil, false, fmt.Errorf("summary existence check for %s: %w", view.RoomID, err)
	}

	summary := &types.ExamSummary{
		ID:                  uuid.New().String(),
		RoomID:              view.RoomID,
		TotalStudentsJoined: len(view.Participants),
		ExamStartedAt:       view.StartedAt,
		ExamEndedAt:         time.Now(),
		Status:              types.SummaryStatusCompleted,
		CreatedAt:           time.Now(),
	}

	// Durable room metadata enriches the summary when present. A room that
	// only ever lived in memory still gets a summary.
	if rec, err := f.store.GetRoom(ctx, view.RoomID); err == nil {
		summary.ExamName = rec.ExamName
		summary.CourseName = rec.CourseName
		summary.ExaminerID = rec.ExaminerID
		summary.ExaminerName = rec.ExaminerName
		summary.ExaminerUsername = rec.ExaminerUsername
	} else if !errors.Is(err, interfaces.ErrRoomNotFound) {
		return nil, false, fmt.Errorf("room metadata for %s: %w", view.RoomID, err)
	}

	flagCounts, err := f.store.CountFlagsByStudent(ctx, view.RoomID)
	if err != nil {
		return nil, false, fmt.Errorf("flag counts for %s: %w", view.RoomID, err)
	}
	summary.FlaggedStudentsCount = len(flagCounts)

	subTotal, err := f.store.CountSubmissions(ctx, view.RoomID)
	if err != nil {
		return nil, false, fmt.Errorf("submission count for %s: %w", view.RoomID, err)
	}
	summary.SubmissionsCount = subTotal

	subCounts, err := f.store.CountSubmissionsByStudent(ctx, view.RoomID)
	if err != nil {
		return nil, false, fmt.Errorf("per-student submission counts for %s: %w", view.RoomID, err)
	}

	summary.Students = make([]types.SummaryStudent, 0, len(view.Participants))
	for _, p := range view.Participants {
		summary.Students = append(summary.Students, types.SummaryStudent{
			StudentID:        p.StudentID,
			Name:             p.Name,
			FlagCount:        flagCounts[p.StudentID],
			SubmissionsCount: subCounts[p.StudentID],
		})
	}

	if err := f.store.CreateExamSummary(ctx, summary); err != nil {
		return nil, false, fmt.Errorf("persist summary for %s: %w", view.RoomID, err)
	}

	log.Printf("finalizer: room %s summarized: %d students, %d flagged, %d submissions",
		view.RoomID, summary.TotalStudentsJoined, summary.FlaggedStudentsCount, summary.SubmissionsCount)
	return summary, false, nil
}
