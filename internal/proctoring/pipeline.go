package proctoring

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"codeguard/internal/registry"
	"codeguard/pkg/interfaces"
	"codeguard/pkg/types"
)

// Outcome of a flag submission.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusIgnored  Status = "ignored"
	StatusRejected Status = "rejected"
)

// Reasons for ignored and rejected outcomes.
const (
	ReasonMissingFields  = "missing-fields"
	ReasonRoomNotFound   = "room-not-found"
	ReasonExamNotStarted = "exam-not-started"
	ReasonSearchQuery    = "search-query"
)

// FlagSubmission is the untrusted client input from the monitoring
// extension.
type FlagSubmission struct {
	StudentID  string     `json:"studentId"`
	RoomID     string     `json:"roomId"`
	URL        string     `json:"illegalUrl"`
	Screenshot string     `json:"screenshotData,omitempty"` // base64 JPEG
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	ActionType string     `json:"actionType,omitempty"`
}

// Result is the structured response for a flag submission. Ignored outcomes
// are successes with a reason, not errors.
type Result struct {
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`
	EventID string `json:"eventId,omitempty"`
}

// Pipeline validates, filters, persists and forwards flag events. Steps run
// in order and short-circuit; see SubmitFlag.
type Pipeline struct {
	registry *registry.Registry
	store    interfaces.RoomStore
	blobs    interfaces.BlobStore
	filter   *SearchFilter
}

func New(reg *registry.Registry, store interfaces.RoomStore, blobs interfaces.BlobStore, filter *SearchFilter) *Pipeline {
	if filter == nil {
		filter = DefaultSearchFilter()
	}
	return &Pipeline{
		registry: reg,
		store:    store,
		blobs:    blobs,
		filter:   filter,
	}
}

// SubmitFlag runs the ingest pipeline. The returned error is reserved for
// upstream store failures; every expected outcome is a Result.
func (p *Pipeline) SubmitFlag(ctx context.Context, in *FlagSubmission) (*Result, error) {
	// 1. Required fields.
	if in.StudentID == "" || in.RoomID == "" || in.URL == "" {
		return &Result{Status: StatusRejected, Reason: ReasonMissingFields}, nil
	}

	// 2. Room resolution: live registry first, store fallback. A room
	// unknown to both is a hard reject.
	view, ok := p.registry.View(in.RoomID)
	if !ok {
		var err error
		view, err = p.registry.ReconcileFromStore(ctx, in.RoomID)
		if errors.Is(err, interfaces.ErrRoomNotFound) {
			return &Result{Status: StatusRejected, Reason: ReasonRoomNotFound}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("room resolution for %s: %w", in.RoomID, err)
		}
	}

	// 3. Phase gate. Monitoring agents may fire before the exam formally
	// opens; that is not an error.
	if view.Phase != types.PhaseInProgress {
		return &Result{Status: StatusIgnored, Reason: ReasonExamNotStarted}, nil
	}

	// 4. Search-query traffic is noise, not evidence.
	if p.filter.Matches(in.ActionType, in.URL) {
		return &Result{Status: StatusIgnored, Reason: ReasonSearchQuery}, nil
	}

	// 5. Membership check is deliberately tolerant: exact, case-insensitive
	// or substring match. Room bookkeeping can lag the client, so a miss is
	// logged but never blocks ingestion.
	if !memberMatch(view.Participants, in.StudentID) {
		log.Printf("proctoring: flag from %s not matched to room %s participants, ingesting anyway",
			in.StudentID, in.RoomID)
	}

	// 6. Screenshot upload degrades to no screenshot rather than rejecting
	// the event.
	screenshotURL := p.uploadScreenshot(ctx, in)

	// 7. The upload can suspend this handler across an exam-end. Re-run the
	// phase gate against live state only; a room torn down meanwhile must
	// not be rehydrated from its durable record, and no flag may land after
	// its summary was composed.
	view, ok = p.registry.View(in.RoomID)
	if !ok || view.Phase != types.PhaseInProgress {
		return &Result{Status: StatusIgnored, Reason: ReasonExamNotStarted}, nil
	}

	event := &types.FlagEvent{
		ID:            uuid.New().String(),
		RoomID:        in.RoomID,
		StudentID:     in.StudentID,
		URL:           in.URL,
		ScreenshotURL: screenshotURL,
		ActionType:    in.ActionType,
		Timestamp:     flagTime(in.Timestamp),
	}

	// 8. Persist. This is the acceptance point.
	if err := p.store.StoreFlagEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("persist flag event: %w", err)
	}

	// 9. Best-effort examiner notification, at most once, no queuing.
	p.notifyExaminer(in.RoomID, event)

	return &Result{Status: StatusAccepted, EventID: event.ID}, nil
}

func (p *Pipeline) uploadScreenshot(ctx context.Context, in *FlagSubmission) string {
	if in.Screenshot == "" || p.blobs == nil {
		return ""
	}

	data, err := base64.StdEncoding.DecodeString(in.Screenshot)
	if err != nil {
		log.Printf("proctoring: undecodable screenshot from %s dropped: %v", in.StudentID, err)
		return ""
	}

	name := fmt.Sprintf("%s_%d.jpg", in.StudentID, time.Now().UnixMilli())
	url, err := p.blobs.UploadScreenshot(ctx, name, data)
	if err != nil {
		log.Printf("proctoring: screenshot upload for %s failed, flag degraded: %v", in.StudentID, err)
		return ""
	}
	return url
}

func (p *Pipeline) notifyExaminer(roomID string, event *types.FlagEvent) {
	view, ok := p.registry.View(roomID)
	if !ok || view.Examiner == nil {
		log.Printf("proctoring: examiner not attached for room %s, flag %s not delivered", roomID, event.ID)
		return
	}
	if err := view.Examiner.WriteEvent(types.EventStudentFlagged, event); err != nil {
		log.Printf("proctoring: failed to deliver flag %s to examiner: %v", event.ID, err)
	}
}

func memberMatch(participants []types.Participant, studentID string) bool {
	needle := strings.ToLower(studentID)
	for _, p := range participants {
		have := strings.ToLower(p.StudentID)
		if have == needle || strings.Contains(have, needle) || strings.Contains(needle, have) {
			return true
		}
	}
	return false
}

func flagTime(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now()
}
