package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"codeguard/pkg/interfaces"
	"codeguard/pkg/types"
)

// room is the live, mutable state of one proctored exam room. All access
// goes through Registry methods under its lock; nothing outside this package
// ever holds a *room.
type room struct {
	id           string
	examiner     interfaces.Connection
	participants map[string]*types.Participant // connID -> participant
	phase        types.Phase
	questionRef  string
	startedAt    *time.Time
}

// RoomView is a snapshot of a live room, safe to use after the registry lock
// is released. Participant metadata is copied; the connections themselves
// are live but internally synchronized.
type RoomView struct {
	RoomID           string
	Phase            types.Phase
	QuestionRef      string
	StartedAt        *time.Time
	Examiner         interfaces.Connection
	Participants     []types.Participant
	ParticipantConns []interfaces.Connection
}

// Registry is the authoritative in-process map of live rooms. Critical
// sections are short and never span I/O; the store is only consulted by
// ReconcileFromStore, outside the lock.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	byConn map[string]string                 // connID -> roomID, examiner and participants alike
	conns  map[string]interfaces.Connection  // connID -> connection
	store  interfaces.RoomStore
}

func New(store interfaces.RoomStore) *Registry {
	return &Registry{
		rooms:  make(map[string]*room),
		byConn: make(map[string]string),
		conns:  make(map[string]interfaces.Connection),
		store:  store,
	}
}

// View returns a snapshot of a live room, if resident.
func (r *Registry) View(roomID string) (RoomView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return RoomView{}, false
	}
	return r.viewLocked(rm), true
}

// Connection looks up a tracked connection by id.
func (r *Registry) Connection(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	return conn, ok
}

// CreateOrAttachExaminer creates the room on first examiner join, or
// re-attaches the examiner connection on reconnect. The previous examiner
// connection, if any, is replaced, never duplicated.
func (r *Registry) CreateOrAttachExaminer(roomID string, conn interfaces.Connection) RoomView {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = newRoom(roomID)
		r.rooms[roomID] = rm
		log.Printf("registry: room %s created by examiner %s", roomID, conn.ID())
	}

	if rm.examiner != nil && rm.examiner.ID() != conn.ID() {
		delete(r.byConn, rm.examiner.ID())
		delete(r.conns, rm.examiner.ID())
		log.Printf("registry: room %s examiner replaced (%s -> %s)", roomID, rm.examiner.ID(), conn.ID())
	}
	rm.examiner = conn
	r.byConn[conn.ID()] = roomID
	r.conns[conn.ID()] = conn

	return r.viewLocked(rm)
}

// AddParticipant attaches a student connection to an existing room.
// Joining a room that is not live returns ErrRoomNotFound; rooms are only
// created by an examiner.
func (r *Registry) AddParticipant(roomID string, conn interfaces.Connection, studentID, name string) (types.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return types.Participant{}, interfaces.ErrRoomNotFound
	}

	// A connection belongs to at most one room. If this connection is
	// already tracked elsewhere, detach it first.
	if prev, tracked := r.byConn[conn.ID()]; tracked && prev != roomID {
		if prevRoom, live := r.rooms[prev]; live {
			delete(prevRoom.participants, conn.ID())
		}
	}

	p := &types.Participant{
		ConnID:    conn.ID(),
		StudentID: studentID,
		Name:      name,
		JoinedAt:  time.Now(),
	}
	rm.participants[conn.ID()] = p
	r.byConn[conn.ID()] = roomID
	r.conns[conn.ID()] = conn
	return *p, nil
}

// RemoveByConnection resolves which room owns a connection and detaches it.
// Returns the room id, the removed participant (nil when the connection was
// the examiner) and whether the connection was the examiner.
func (r *Registry) RemoveByConnection(connID string) (roomID string, p *types.Participant, wasExaminer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok = r.byConn[connID]
	if !ok {
		return "", nil, false, false
	}
	delete(r.byConn, connID)
	delete(r.conns, connID)

	rm, exists := r.rooms[roomID]
	if !exists {
		return "", nil, false, false
	}

	if rm.examiner != nil && rm.examiner.ID() == connID {
		rm.examiner = nil
		return roomID, nil, true, true
	}

	p = rm.participants[connID]
	delete(rm.participants, connID)
	return roomID, p, false, p != nil
}

// SetExamStarted transitions a room to InProgress and records the question
// ref. Idempotent: starting an already started room only refreshes the ref.
func (r *Registry) SetExamStarted(roomID, questionRef string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	rm.phase = types.PhaseInProgress
	rm.questionRef = questionRef
	if rm.startedAt == nil {
		t := at
		rm.startedAt = &t
	}
	return true
}

// SetPhase force-sets a room's phase. Used by exam-end to park the room in
// Closing while finalization runs, so concurrent flag ingestion sees a
// not-in-progress phase instead of resurrecting the room from the store.
func (r *Registry) SetPhase(roomID string, phase types.Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	rm.phase = phase
	return true
}

// Remove destroys a live room and drops every connection index entry that
// pointed at it.
func (r *Registry) Remove(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if rm.examiner != nil {
		delete(r.byConn, rm.examiner.ID())
		delete(r.conns, rm.examiner.ID())
	}
	for connID := range rm.participants {
		delete(r.byConn, connID)
		delete(r.conns, connID)
	}
	delete(r.rooms, roomID)
	log.Printf("registry: room %s removed", roomID)
}

// ReconcileFromStore resolves a room that may not be resident in memory.
// Memory wins: if a live room exists before or after the store query, that
// room is returned untouched. Otherwise a minimal room is constructed from
// the durable record and registered, which lets flag ingestion work even
// when the examiner connection never attached or was dropped.
func (r *Registry) ReconcileFromStore(ctx context.Context, roomID string) (RoomView, error) {
	if v, ok := r.View(roomID); ok {
		return v, nil
	}

	rec, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return RoomView{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another handler may have created the room while the store query was
	// in flight; the live room takes precedence.
	if rm, ok := r.rooms[roomID]; ok {
		return r.viewLocked(rm), nil
	}

	rm := newRoom(roomID)
	if rec.ExamRunning(time.Now()) {
		rm.phase = types.PhaseInProgress
		rm.questionRef = roomID
		rm.startedAt = rec.StartTime
	}
	r.rooms[roomID] = rm
	log.Printf("registry: room %s rehydrated from store (phase=%s)", roomID, rm.phase)
	return r.viewLocked(rm), nil
}

// Stats reports live room and connection counts for the health endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"live_rooms":  len(r.rooms),
		"connections": len(r.byConn),
	}
}

func newRoom(id string) *room {
	return &room{
		id:           id,
		participants: make(map[string]*types.Participant),
		phase:        types.PhaseIdle,
	}
}

// viewLocked must be called with the registry lock held.
func (r *Registry) viewLocked(rm *room) RoomView {
	v := RoomView{
		RoomID:      rm.id,
		Phase:       rm.phase,
		QuestionRef: rm.questionRef,
		StartedAt:   rm.startedAt,
		Examiner:    rm.examiner,
	}
	v.Participants = make([]types.Participant, 0, len(rm.participants))
	v.ParticipantConns = make([]interfaces.Connection, 0, len(rm.participants))
	for connID, p := range rm.participants {
		v.Participants = append(v.Participants, *p)
		if conn, ok := r.conns[connID]; ok {
			v.ParticipantConns = append(v.ParticipantConns, conn)
		}
	}
	return v
}
