package types

import (
	"time"
)

// Room phases. A room is Idle from examiner join until exam-start,
// InProgress until exam-end, and Closing while finalization runs.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseInProgress Phase = "in_progress"
	PhaseClosing    Phase = "closing"
)

// RoomRecord is the durable room document. The live room state (connected
// examiner, participants) lives in the registry; this record is what survives
// a process restart and what reconciliation rebuilds a minimal room from.
type RoomRecord struct {
	RoomID           string     `json:"roomId" db:"room_id"`
	ExamName         string     `json:"examName,omitempty" db:"exam_name"`
	CourseName       string     `json:"courseName,omitempty" db:"course_name"`
	ExamDuration     int        `json:"examDuration,omitempty" db:"exam_duration"`
	ExaminerID       string     `json:"examinerId,omitempty" db:"examiner_id"`
	ExaminerName     string     `json:"examinerName,omitempty" db:"examiner_name"`
	ExaminerUsername string     `json:"examinerUsername,omitempty" db:"examiner_username"`
	StartTime        *time.Time `json:"startTime,omitempty" db:"start_time"`
	Started          bool       `json:"started" db:"started"`
	CreatedAt        time.Time  `json:"createdAt" db:"created_at"`
}

// ExamRunning reports whether the durable record indicates an exam in
// progress. The started flag is authoritative; a scheduled start time in the
// past counts as started so that flag ingestion works for rooms whose
// examiner connection never attached.
func (r *RoomRecord) ExamRunning(now time.Time) bool {
	if r.Started {
		return true
	}
	return r.StartTime != nil && r.StartTime.Before(now)
}

// Participant is a student attached to a live room. ConnID is the volatile
// websocket connection id; StudentID is the durable identity.
type Participant struct {
	ConnID    string    `json:"connId"`
	StudentID string    `json:"studentId"`
	Name      string    `json:"studentName"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// FlagEvent is one recorded monitored-website visit. Immutable once
// persisted.
type FlagEvent struct {
	ID            string    `json:"id" db:"id"`
	RoomID        string    `json:"roomId" db:"room_id"`
	StudentID     string    `json:"studentId" db:"student_id"`
	URL           string    `json:"url" db:"url"`
	ScreenshotURL string    `json:"screenshotUrl,omitempty" db:"screenshot_url"`
	ActionType    string    `json:"actionType,omitempty" db:"action_type"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
}

// Submission is a submission marker: who handed in, when. The document
// itself is stored elsewhere and is out of scope here.
type Submission struct {
	ID          string    `json:"id" db:"id"`
	RoomID      string    `json:"roomId" db:"room_id"`
	StudentID   string    `json:"studentId" db:"student_id"`
	SubmittedAt time.Time `json:"submittedAt" db:"submitted_at"`
}

// SummaryStudent is the per-student slice of an exam summary.
type SummaryStudent struct {
	StudentID        string `json:"studentId"`
	Name             string `json:"studentName"`
	FlagCount        int    `json:"flagCount"`
	SubmissionsCount int    `json:"submissionsCount"`
}

// ExamSummary is the durable end-of-exam aggregate. At most one exists per
// room id, enforced by an existence check before insert and a UNIQUE
// constraint in the store.
type ExamSummary struct {
	ID                   string           `json:"id" db:"id"`
	RoomID               string           `json:"roomId" db:"room_id"`
	ExamName             string           `json:"examName,omitempty" db:"exam_name"`
	CourseName           string           `json:"courseName,omitempty" db:"course_name"`
	ExaminerID           string           `json:"examinerId,omitempty" db:"examiner_id"`
	ExaminerName         string           `json:"examinerName,omitempty" db:"examiner_name"`
	ExaminerUsername     string           `json:"examinerUsername,omitempty" db:"examiner_username"`
	TotalStudentsJoined  int              `json:"totalStudentsJoined" db:"total_students"`
	FlaggedStudentsCount int              `json:"flaggedStudentsCount" db:"flagged_students"`
	SubmissionsCount     int              `json:"submissionsCount" db:"submissions_count"`
	Students             []SummaryStudent `json:"students"`
	ExamStartedAt        *time.Time       `json:"examStartedAt,omitempty" db:"exam_started_at"`
	ExamEndedAt          time.Time        `json:"examEndedAt" db:"exam_ended_at"`
	Status               string           `json:"status" db:"status"`
	CreatedAt            time.Time        `json:"createdAt" db:"created_at"`
}

// SummaryStatusCompleted is the only status the finalizer writes today.
// The field exists so summaries for rooms torn down without finalization
// could be backfilled with a distinct status without a schema change.
const SummaryStatusCompleted = "completed"
