package types

import (
	"encoding/json"
	"fmt"
)

// Inbound realtime events. The set is closed: anything else is rejected at
// the websocket boundary before it reaches the lifecycle.
const (
	EventExaminerJoinRoom      = "examiner-join-room"
	EventStudentJoinRoom       = "student-join-room"
	EventExamStart             = "exam-start"
	EventExamEnd               = "exam-end"
	EventQuestionUploaded      = "question-uploaded"
	EventStudentStartedSharing = "student-started-sharing"
	EventSendSignal            = "send-signal"
	EventStudentRequestLeave   = "student-request-leave"
	EventExaminerRespondLeave  = "examiner-respond-leave"
	EventExaminerKickStudent   = "examiner-kick-student"
)

// Outbound realtime events.
const (
	EventCurrentStudents     = "current-students"
	EventStudentJoined       = "student-joined"
	EventRoomNotFound        = "room-not-found"
	EventExamStarted         = "exam-started"
	EventExamEnded           = "exam-ended"
	EventExaminerLeft        = "examiner-left"
	EventStudentLeft         = "student-left"
	EventSharingStarted      = "student-started-sharing"
	EventReceiveSignal       = "receive-signal"
	EventStudentLeaveRequest = "student-leave-request"
	EventLeaveApproved       = "leave-request-approved"
	EventLeaveDenied         = "leave-request-denied"
	EventStudentKicked       = "student-kicked"
	EventStudentFlagged      = "student-flagged"
	EventForceDisconnect     = "force-disconnect"
)

// Envelope is the wire frame for both directions: an event name plus a
// payload whose shape depends on the event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads.

type ExaminerJoinRoom struct {
	RoomID string `json:"roomId"`
}

type StudentJoinRoom struct {
	RoomID      string `json:"roomId"`
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName"`
}

type ExamStart struct {
	RoomID string `json:"roomId"`
}

type ExamEnd struct {
	RoomID string `json:"roomId"`
}

type QuestionUploaded struct {
	RoomID string `json:"roomId"`
}

type StudentStartedSharing struct {
	RoomID    string `json:"roomId"`
	StudentID string `json:"studentId"`
}

type SendSignal struct {
	To     string          `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

type StudentRequestLeave struct {
	RoomID    string `json:"roomId"`
	StudentID string `json:"studentId"`
	Reason    string `json:"reason"`
}

type ExaminerRespondLeave struct {
	RoomID     string `json:"roomId"`
	TargetConn string `json:"targetConn"`
	Approved   bool   `json:"approved"`
}

type ExaminerKickStudent struct {
	RoomID     string `json:"roomId"`
	TargetConn string `json:"targetConn"`
	Reason     string `json:"reason"`
}

// Outbound payloads that carry more than a bare message.

type ExamStarted struct {
	QuestionURL string `json:"questionUrl"`
}

type ExamEnded struct {
	Disconnect bool `json:"disconnect"`
}

type ReceiveSignal struct {
	Signal json.RawMessage `json:"signal"`
	From   string          `json:"from"`
}

type RoomNotFound struct {
	Message string `json:"message"`
}

type StudentLeaveRequest struct {
	ConnID    string `json:"connId"`
	StudentID string `json:"studentId"`
	Reason    string `json:"reason"`
}

type StudentKicked struct {
	Reason string `json:"reason"`
}

// DecodeInbound parses an envelope payload into its typed form. Unknown
// events return ErrUnknownEvent so the boundary can reject them without
// guessing at a shape.
func DecodeInbound(env *Envelope) (interface{}, error) {
	var payload interface{}

	switch env.Event {
	case EventExaminerJoinRoom:
		payload = &ExaminerJoinRoom{}
	case EventStudentJoinRoom:
		payload = &StudentJoinRoom{}
	case EventExamStart:
		payload = &ExamStart{}
	case EventExamEnd:
		payload = &ExamEnd{}
	case EventQuestionUploaded:
		payload = &QuestionUploaded{}
	case EventStudentStartedSharing:
		payload = &StudentStartedSharing{}
	case EventSendSignal:
		payload = &SendSignal{}
	case EventStudentRequestLeave:
		payload = &StudentRequestLeave{}
	case EventExaminerRespondLeave:
		payload = &ExaminerRespondLeave{}
	case EventExaminerKickStudent:
		payload = &ExaminerKickStudent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, env.Event, err)
		}
	}
	return payload, nil
}
