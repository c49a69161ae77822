package lifecycle

import (
	"context"
	"log"
	"time"

	"codeguard/internal/registry"
	"codeguard/pkg/interfaces"
	"codeguard/pkg/types"
)

// Finalizer produces the durable exam summary during exam-end. Skipped is
// true when a summary for the room already existed.
type Finalizer interface {
	Finalize(ctx context.Context, view registry.RoomView) (summary *types.ExamSummary, skipped bool, err error)
}

// Lifecycle is the room state machine. Every inbound realtime event lands
// here; state mutations go through the registry, side effects are events
// written back to connections. No operation returns an error to the
// initiating connection; failures surface as domain events (room-not-found)
// or are logged and dropped.
type Lifecycle struct {
	registry  *registry.Registry
	store     interfaces.RoomStore
	finalizer Finalizer
}

func New(reg *registry.Registry, store interfaces.RoomStore, fin Finalizer) *Lifecycle {
	return &Lifecycle{
		registry:  reg,
		store:     store,
		finalizer: fin,
	}
}

// Dispatch routes a decoded inbound event to its transition.
func (l *Lifecycle) Dispatch(ctx context.Context, conn interfaces.Connection, payload interface{}) {
	switch p := payload.(type) {
	case *types.ExaminerJoinRoom:
		l.ExaminerJoin(conn, p)
	case *types.StudentJoinRoom:
		l.StudentJoin(conn, p)
	case *types.ExamStart:
		l.ExamStart(ctx, conn, p)
	case *types.ExamEnd:
		l.ExamEnd(ctx, conn, p)
	case *types.QuestionUploaded:
		l.QuestionPublished(conn, p)
	case *types.StudentStartedSharing:
		l.StartedSharing(conn, p)
	case *types.SendSignal:
		l.Signal(conn, p)
	case *types.StudentRequestLeave:
		l.RequestLeave(conn, p)
	case *types.ExaminerRespondLeave:
		l.RespondLeave(conn, p)
	case *types.ExaminerKickStudent:
		l.Kick(conn, p)
	default:
		log.Printf("lifecycle: no transition for payload %T", payload)
	}
}

// ExaminerJoin creates the room if absent or re-attaches the examiner
// connection on reconnect. The full participant list goes to the joining
// connection only, as a resync rather than a broadcast.
func (l *Lifecycle) ExaminerJoin(conn interfaces.Connection, p *types.ExaminerJoinRoom) {
	if !types.IsValidRoomID(p.RoomID) {
		l.send(conn, types.EventRoomNotFound, types.RoomNotFound{Message: "The exam room ID is invalid."})
		return
	}

	view := l.registry.CreateOrAttachExaminer(p.RoomID, conn)
	l.send(conn, types.EventCurrentStudents, view.Participants)
	log.Printf("lifecycle: examiner %s joined room %s (%d students present)",
		conn.ID(), p.RoomID, len(view.Participants))
}

// StudentJoin appends a participant to an existing room and notifies the
// examiner only. A late joiner to a running exam immediately receives
// exam-started so it does not wait for a re-broadcast.
func (l *Lifecycle) StudentJoin(conn interfaces.Connection, p *types.StudentJoinRoom) {
	participant, err := l.registry.AddParticipant(p.RoomID, conn, p.StudentID, p.StudentName)
	if err != nil {
		l.send(conn, types.EventRoomNotFound, types.RoomNotFound{Message: "The exam room ID is invalid."})
		return
	}

	view, ok := l.registry.View(p.RoomID)
	if !ok {
		return
	}
	if view.Examiner != nil {
		l.send(view.Examiner, types.EventStudentJoined, participant)
	}
	if view.Phase == types.PhaseInProgress && view.QuestionRef != "" {
		l.send(conn, types.EventExamStarted, types.ExamStarted{QuestionURL: view.QuestionRef})
	}
	log.Printf("lifecycle: student %s (%s) joined room %s", p.StudentID, conn.ID(), p.RoomID)
}

// ExamStart moves the room to InProgress and broadcasts exam-started to all
// current participants. Authorized when no examiner is recorded yet or the
// caller is the recorded examiner. The question document itself is resolved
// later through the blob store; the broadcast carries the room-derived ref.
func (l *Lifecycle) ExamStart(ctx context.Context, conn interfaces.Connection, p *types.ExamStart) {
	view, ok := l.registry.View(p.RoomID)
	if !ok {
		l.send(conn, types.EventRoomNotFound, types.RoomNotFound{Message: "The exam room ID is invalid."})
		return
	}
	if !l.canStart(view, conn) {
		log.Printf("lifecycle: exam-start on %s from non-examiner %s ignored", p.RoomID, conn.ID())
		return
	}

	now := time.Now()
	l.registry.SetExamStarted(p.RoomID, p.RoomID, now)

	// Durable started flag lets reconciliation derive the phase after the
	// live room is gone. Failure here never blocks the broadcast.
	if err := l.store.MarkRoomStarted(ctx, p.RoomID, now); err != nil {
		log.Printf("lifecycle: failed to persist exam start for %s: %v", p.RoomID, err)
	}

	view, ok = l.registry.View(p.RoomID)
	if !ok {
		return
	}
	started := types.ExamStarted{QuestionURL: view.QuestionRef}
	for _, c := range view.ParticipantConns {
		l.send(c, types.EventExamStarted, started)
	}
	log.Printf("lifecycle: exam started in room %s (%d students)", p.RoomID, len(view.ParticipantConns))
}

// QuestionPublished re-broadcasts exam-started so participants who joined
// before the question document existed still receive it.
func (l *Lifecycle) QuestionPublished(conn interfaces.Connection, p *types.QuestionUploaded) {
	view, ok := l.registry.View(p.RoomID)
	if !ok {
		l.send(conn, types.EventRoomNotFound, types.RoomNotFound{Message: "The exam room ID is invalid."})
		return
	}
	if !l.examinerOnly(view, conn) {
		log.Printf("lifecycle: question-uploaded on %s from non-examiner %s ignored", p.RoomID, conn.ID())
		return
	}
	if view.Phase != types.PhaseInProgress {
		return
	}

	started := types.ExamStarted{QuestionURL: view.QuestionRef}
	for _, c := range view.ParticipantConns {
		l.send(c, types.EventExamStarted, started)
	}
}

// ExamEnd finalizes the room synchronously, then broadcasts the teardown and
// destroys the room. The room is parked in Closing first so a flag arriving
// during finalization is ignored rather than racing the summary.
func (l *Lifecycle) ExamEnd(ctx context.Context, conn interfaces.Connection, p *types.ExamEnd) {
	view, ok := l.registry.View(p.RoomID)
	if !ok {
		l.send(conn, types.EventRoomNotFound, types.RoomNotFound{Message: "The exam room ID is invalid."})
		return
	}
	if !l.examinerOnly(view, conn) {
		log.Printf("lifecycle: exam-end on %s from non-examiner %s ignored", p.RoomID, conn.ID())
		return
	}

	l.registry.SetPhase(p.RoomID, types.PhaseClosing)

	// Finalization failures are logged and swallowed so teardown always
	// proceeds; the summary may be missing. Known gap, not silently retried.
	if summary, skipped, err := l.finalizer.Finalize(ctx, view); err != nil {
		log.Printf("lifecycle: finalize failed for room %s: %v", p.RoomID, err)
	} else if skipped {
		log.Printf("lifecycle: finalize skipped for room %s, summary exists", p.RoomID)
	} else {
		log.Printf("lifecycle: room %s finalized, summary %s", p.RoomID, summary.ID)
	}

	ended := types.ExamEnded{Disconnect: true}
	for _, c := range view.ParticipantConns {
		l.send(c, types.EventExamEnded, ended)
	}
	for _, c := range view.ParticipantConns {
		if err := c.Close(); err != nil {
			log.Printf("lifecycle: failed to disconnect %s: %v", c.ID(), err)
		}
	}
	l.registry.Remove(p.RoomID)
	log.Printf("lifecycle: exam ended in room %s", p.RoomID)
}

// StartedSharing relays a screen-sharing announcement to the examiner.
func (l *Lifecycle) StartedSharing(conn interfaces.Connection, p *types.StudentStartedSharing) {
	view, ok := l.registry.View(p.RoomID)
	if !ok {
		l.send(conn, types.EventRoomNotFound, types.RoomNotFound{Message: "The exam room ID is invalid."})
		return
	}
	if view.Examiner != nil {
		l.send(view.Examiner, types.EventSharingStarted, types.StudentStartedSharing{
			RoomID:    p.RoomID,
			StudentID: p.StudentID,
		})
	}
}

// Signal relays an opaque signaling payload to a specific connection.
func (l *Lifecycle) Signal(conn interfaces.Connection, p *types.SendSignal) {
	target, ok := l.registry.Connection(p.To)
	if !ok {
		log.Printf("lifecycle: signal from %s to unknown connection %s dropped", conn.ID(), p.To)
		return
	}
	l.send(target, types.EventReceiveSignal, types.ReceiveSignal{Signal: p.Signal, From: conn.ID()})
}

// RequestLeave forwards a student's leave request to the examiner.
func (l *Lifecycle) RequestLeave(conn interfaces.Connection, p *types.StudentRequestLeave) {
	view, ok := l.registry.View(p.RoomID)
	if !ok {
		l.send(conn, types.EventRoomNotFound, types.RoomNotFound{Message: "The exam room ID is invalid."})
		return
	}
	if view.Examiner == nil {
		log.Printf("lifecycle: leave request in %s with no examiner attached, dropped", p.RoomID)
		return
	}
	l.send(view.Examiner, types.EventStudentLeaveRequest, types.StudentLeaveRequest{
		ConnID:    conn.ID(),
		StudentID: p.StudentID,
		Reason:    p.Reason,
	})
}

// RespondLeave forwards the examiner's decision to the requesting student.
func (l *Lifecycle) RespondLeave(conn interfaces.Connection, p *types.ExaminerRespondLeave) {
	view, ok := l.registry.View(p.RoomID)
	if !ok || !l.examinerOnly(view, conn) {
		return
	}
	target, ok := l.registry.Connection(p.TargetConn)
	if !ok {
		log.Printf("lifecycle: leave response for unknown connection %s dropped", p.TargetConn)
		return
	}
	if p.Approved {
		l.send(target, types.EventLeaveApproved, nil)
	} else {
		l.send(target, types.EventLeaveDenied, nil)
	}
}

// Kick removes a participant on the examiner's order and force-disconnects
// it.
func (l *Lifecycle) Kick(conn interfaces.Connection, p *types.ExaminerKickStudent) {
	view, ok := l.registry.View(p.RoomID)
	if !ok || !l.examinerOnly(view, conn) {
		return
	}
	target, ok := l.registry.Connection(p.TargetConn)
	if !ok {
		log.Printf("lifecycle: kick for unknown connection %s dropped", p.TargetConn)
		return
	}

	l.send(target, types.EventStudentKicked, types.StudentKicked{Reason: p.Reason})
	l.send(target, types.EventForceDisconnect, nil)

	_, removed, _, _ := l.registry.RemoveByConnection(target.ID())
	if err := target.Close(); err != nil {
		log.Printf("lifecycle: failed to disconnect kicked connection %s: %v", target.ID(), err)
	}
	if removed != nil {
		log.Printf("lifecycle: student %s kicked from room %s", removed.StudentID, p.RoomID)
	}
}

// Disconnect resolves which room owns a dropped connection and cleans up.
// An examiner disconnect destroys the room WITHOUT finalization: no summary
// is produced for an abandoned exam. That mirrors the explicit exam-end
// requirement and is a documented gap rather than an accident.
func (l *Lifecycle) Disconnect(conn interfaces.Connection) {
	roomID, participant, wasExaminer, ok := l.registry.RemoveByConnection(conn.ID())
	if !ok {
		return
	}

	if wasExaminer {
		view, live := l.registry.View(roomID)
		if live {
			for _, c := range view.ParticipantConns {
				l.send(c, types.EventExaminerLeft, nil)
			}
		}
		l.registry.Remove(roomID)
		log.Printf("lifecycle: examiner for room %s disconnected, room closed", roomID)
		return
	}

	view, live := l.registry.View(roomID)
	if live && view.Examiner != nil && participant != nil {
		l.send(view.Examiner, types.EventStudentLeft, *participant)
	}
	if participant != nil {
		log.Printf("lifecycle: student %s left room %s", participant.StudentID, roomID)
	}
}

// canStart reports whether a caller may start the exam. A room rehydrated
// from the store has no examiner connection recorded, and the legitimate
// examiner must still be able to start after a reconnect race, so start
// alone is lenient: no recorded examiner, or the recorded one.
func (l *Lifecycle) canStart(view registry.RoomView, conn interfaces.Connection) bool {
	return view.Examiner == nil || view.Examiner.ID() == conn.ID()
}

// examinerOnly guards the destructive and relay transitions. These require
// the recorded examiner connection; a room without one accepts nobody.
func (l *Lifecycle) examinerOnly(view registry.RoomView, conn interfaces.Connection) bool {
	return view.Examiner != nil && view.Examiner.ID() == conn.ID()
}

func (l *Lifecycle) send(conn interfaces.Connection, event string, data interface{}) {
	if err := conn.WriteEvent(event, data); err != nil {
		log.Printf("lifecycle: failed to deliver %s to %s: %v", event, conn.ID(), err)
	}
}
