package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeguard/internal/finalizer"
	"codeguard/internal/lifecycle"
	"codeguard/internal/registry"
	"codeguard/pkg/interfaces"
	"codeguard/pkg/types"
)

type fakeStore struct{}

func (s *fakeStore) CreateRoom(ctx context.Context, room *types.RoomRecord) error { return nil }
func (s *fakeStore) GetRoom(ctx context.Context, roomID string) (*types.RoomRecord, error) {
	return nil, interfaces.ErrRoomNotFound
}
func (s *fakeStore) MarkRoomStarted(ctx context.Context, roomID string, startedAt time.Time) error {
	return nil
}
func (s *fakeStore) StoreFlagEvent(ctx context.Context, event *types.FlagEvent) error { return nil }
func (s *fakeStore) CountFlagsByStudent(ctx context.Context, roomID string) (map[string]int, error) {
	return map[string]int{}, nil
}
func (s *fakeStore) StoreSubmission(ctx context.Context, sub *types.Submission) error { return nil }
func (s *fakeStore) CountSubmissions(ctx context.Context, roomID string) (int, error) { return 0, nil }
func (s *fakeStore) CountSubmissionsByStudent(ctx context.Context, roomID string) (map[string]int, error) {
	return map[string]int{}, nil
}
func (s *fakeStore) CreateExamSummary(ctx context.Context, summary *types.ExamSummary) error {
	return nil
}
func (s *fakeStore) GetExamSummary(ctx context.Context, roomID string) (*types.ExamSummary, error) {
	return nil, interfaces.ErrSummaryNotFound
}
func (s *fakeStore) ListExaminerSummaries(ctx context.Context, examinerID, examinerUsername string) ([]*types.ExamSummary, error) {
	return nil, nil
}
func (s *fakeStore) ListStudentSummaries(ctx context.Context, studentID string, page, limit int) ([]*types.ExamSummary, int, error) {
	return nil, 0, nil
}
func (s *fakeStore) HealthCheck(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                          { return nil }

func startTestServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()

	store := &fakeStore{}
	reg := registry.New(store)
	lc := lifecycle.New(reg, store, finalizer.New(store))
	h := NewHandler(lc, 30*time.Second, 60*time.Second)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendEvent(t *testing.T, ws *websocket.Conn, event string, data interface{}) {
	t.Helper()

	env := types.Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		env.Data = raw
	}
	require.NoError(t, ws.WriteJSON(env))
}

func readEvent(t *testing.T, ws *websocket.Conn) types.Envelope {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env types.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func TestExaminerJoinOverWebsocket(t *testing.T) {
	srv, reg := startTestServer(t)
	ws := dial(t, srv)

	sendEvent(t, ws, types.EventExaminerJoinRoom, types.ExaminerJoinRoom{RoomID: "R1"})

	env := readEvent(t, ws)
	assert.Equal(t, types.EventCurrentStudents, env.Event)

	require.Eventually(t, func() bool {
		_, ok := reg.View("R1")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestStudentJoinUnknownRoomOverWebsocket(t *testing.T) {
	srv, _ := startTestServer(t)
	ws := dial(t, srv)

	sendEvent(t, ws, types.EventStudentJoinRoom, types.StudentJoinRoom{
		RoomID: "missing", StudentID: "alice",
	})

	env := readEvent(t, ws)
	assert.Equal(t, types.EventRoomNotFound, env.Event)
}

func TestUnknownEventDroppedConnectionSurvives(t *testing.T) {
	srv, _ := startTestServer(t)
	ws := dial(t, srv)

	sendEvent(t, ws, "no-such-event", map[string]string{"x": "y"})
	sendEvent(t, ws, types.EventExaminerJoinRoom, types.ExaminerJoinRoom{RoomID: "R1"})

	env := readEvent(t, ws)
	assert.Equal(t, types.EventCurrentStudents, env.Event, "bad frame dropped, next frame processed")
}

func TestDisconnectCleansUpRoom(t *testing.T) {
	srv, reg := startTestServer(t)
	ws := dial(t, srv)

	sendEvent(t, ws, types.EventExaminerJoinRoom, types.ExaminerJoinRoom{RoomID: "R1"})
	readEvent(t, ws)

	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		_, ok := reg.View("R1")
		return !ok
	}, time.Second, 10*time.Millisecond, "examiner drop destroys the room")
}

func TestExamFlowOverWebsocket(t *testing.T) {
	srv, _ := startTestServer(t)
	examiner := dial(t, srv)
	student := dial(t, srv)

	sendEvent(t, examiner, types.EventExaminerJoinRoom, types.ExaminerJoinRoom{RoomID: "R1"})
	readEvent(t, examiner)

	sendEvent(t, student, types.EventStudentJoinRoom, types.StudentJoinRoom{
		RoomID: "R1", StudentID: "alice", StudentName: "Alice",
	})
	env := readEvent(t, examiner)
	assert.Equal(t, types.EventStudentJoined, env.Event)

	sendEvent(t, examiner, types.EventExamStart, types.ExamStart{RoomID: "R1"})
	env = readEvent(t, student)
	require.Equal(t, types.EventExamStarted, env.Event)
	var started types.ExamStarted
	require.NoError(t, json.Unmarshal(env.Data, &started))
	assert.Equal(t, "R1", started.QuestionURL)

	sendEvent(t, examiner, types.EventExamEnd, types.ExamEnd{RoomID: "R1"})
	env = readEvent(t, student)
	assert.Equal(t, types.EventExamEnded, env.Event)
}
