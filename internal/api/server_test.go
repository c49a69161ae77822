package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeguard/internal/proctoring"
	"codeguard/internal/registry"
	"codeguard/pkg/interfaces"
	"codeguard/pkg/types"
)

type fakeConn struct {
	id string
}

func (c *fakeConn) ID() string                                      { return c.id }
func (c *fakeConn) WriteEvent(event string, data interface{}) error { return nil }
func (c *fakeConn) Close() error                                    { return nil }

type fakeStore struct {
	mu          sync.Mutex
	rooms       map[string]*types.RoomRecord
	flags       []*types.FlagEvent
	subs        []*types.Submission
	summaries   map[string]*types.ExamSummary
	unhealthy   bool
	failFlags   bool
	failHistory bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:     make(map[string]*types.RoomRecord),
		summaries: make(map[string]*types.ExamSummary),
	}
}

func (s *fakeStore) CreateRoom(ctx context.Context, room *types.RoomRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[room.RoomID]; exists {
		return interfaces.ErrDuplicateRoom
	}
	s.rooms[room.RoomID] = room
	return nil
}

func (s *fakeStore) GetRoom(ctx context.Context, roomID string) (*types.RoomRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return nil, interfaces.ErrRoomNotFound
	}
	return rec, nil
}

func (s *fakeStore) MarkRoomStarted(ctx context.Context, roomID string, startedAt time.Time) error {
	return nil
}

func (s *fakeStore) StoreFlagEvent(ctx context.Context, event *types.FlagEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFlags {
		return errors.New("write failed")
	}
	s.flags = append(s.flags, event)
	return nil
}

func (s *fakeStore) CountFlagsByStudent(ctx context.Context, roomID string) (map[string]int, error) {
	return map[string]int{}, nil
}

func (s *fakeStore) StoreSubmission(ctx context.Context, sub *types.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
	return nil
}

func (s *fakeStore) CountSubmissions(ctx context.Context, roomID string) (int, error) { return 0, nil }
func (s *fakeStore) CountSubmissionsByStudent(ctx context.Context, roomID string) (map[string]int, error) {
	return map[string]int{}, nil
}
func (s *fakeStore) CreateExamSummary(ctx context.Context, summary *types.ExamSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summary.RoomID] = summary
	return nil
}

func (s *fakeStore) GetExamSummary(ctx context.Context, roomID string) (*types.ExamSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.summaries[roomID]
	if !ok {
		return nil, interfaces.ErrSummaryNotFound
	}
	return summary, nil
}

func (s *fakeStore) ListExaminerSummaries(ctx context.Context, examinerID, examinerUsername string) ([]*types.ExamSummary, error) {
	if s.failHistory {
		return nil, errors.New("query failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ExamSummary
	for _, sum := range s.summaries {
		if sum.ExaminerID == examinerID || sum.ExaminerUsername == examinerUsername {
			out = append(out, sum)
		}
	}
	return out, nil
}

func (s *fakeStore) ListStudentSummaries(ctx context.Context, studentID string, page, limit int) ([]*types.ExamSummary, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*types.ExamSummary
	for _, sum := range s.summaries {
		for _, st := range sum.Students {
			if st.StudentID == studentID {
				matched = append(matched, sum)
				break
			}
		}
	}
	return matched, len(matched), nil
}

func (s *fakeStore) HealthCheck(ctx context.Context) error {
	if s.unhealthy {
		return errors.New("ping failed")
	}
	return nil
}
func (s *fakeStore) Close() error { return nil }

func newTestServer(store *fakeStore) (*Server, *registry.Registry) {
	reg := registry.New(store)
	pipeline := proctoring.New(reg, store, nil, nil)
	wsStub := func(w http.ResponseWriter, r *http.Request) {}
	srv := NewServer(pipeline, store, reg, wsStub, []string{"chat.example.com"}, []string{"*"})
	return srv, reg
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitFlagAccepted(t *testing.T) {
	store := newFakeStore()
	srv, reg := newTestServer(store)
	reg.CreateOrAttachExaminer("R1", &fakeConn{id: "e1"})
	reg.SetExamStarted("R1", "R1", time.Now())

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/proctoring/flag", map[string]string{
		"studentId":  "alice",
		"roomId":     "R1",
		"illegalUrl": "https://chat.example.com/answers",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	var result proctoring.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, proctoring.StatusAccepted, result.Status)
	assert.NotEmpty(t, result.EventID)
}

func TestSubmitFlagMissingFields(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/proctoring/flag", map[string]string{
		"roomId": "R1",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitFlagUnknownRoom(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/proctoring/flag", map[string]string{
		"studentId":  "alice",
		"roomId":     "missing",
		"illegalUrl": "https://chat.example.com",
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitFlagIgnoredIsOK(t *testing.T) {
	store := newFakeStore()
	srv, reg := newTestServer(store)
	reg.CreateOrAttachExaminer("R1", &fakeConn{id: "e1"})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/proctoring/flag", map[string]string{
		"studentId":  "alice",
		"roomId":     "R1",
		"illegalUrl": "https://chat.example.com",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	var result proctoring.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, proctoring.StatusIgnored, result.Status)
	assert.Equal(t, proctoring.ReasonExamNotStarted, result.Reason)
}

func TestSubmitFlagStoreFailure(t *testing.T) {
	store := newFakeStore()
	srv, reg := newTestServer(store)
	reg.CreateOrAttachExaminer("R1", &fakeConn{id: "e1"})
	reg.SetExamStarted("R1", "R1", time.Now())
	store.failFlags = true

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/proctoring/flag", map[string]string{
		"studentId":  "alice",
		"roomId":     "R1",
		"illegalUrl": "https://chat.example.com",
	})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetBlacklist(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/proctoring/blacklist", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp BlacklistResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"chat.example.com"}, resp.Blacklist)
}

func TestCreateAndGetRoom(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/rooms", CreateRoomRequest{
		RoomID:     "R1",
		ExamName:   "Midterm",
		ExaminerID: "ex-1",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/rooms/R1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var got types.RoomRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Midterm", got.ExamName)
}

func TestCreateRoomValidation(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/rooms", CreateRoomRequest{
		RoomID: "bad room id", ExaminerID: "ex-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/rooms", CreateRoomRequest{
		RoomID: "R1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRoomDuplicate(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)

	req := CreateRoomRequest{RoomID: "R1", ExaminerID: "ex-1"}
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/rooms", req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/rooms", req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetRoomNotFound(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/rooms/missing", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSubmission(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)
	store.rooms["R1"] = &types.RoomRecord{RoomID: "R1"}

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/submissions", CreateSubmissionRequest{
		RoomID: "R1", StudentID: "alice",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, store.subs, 1)
	assert.Equal(t, "alice", store.subs[0].StudentID)
	assert.NotEmpty(t, store.subs[0].ID)
}

func TestCreateSubmissionUnknownRoom(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/submissions", CreateSubmissionRequest{
		RoomID: "missing", StudentID: "alice",
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExaminerHistory(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)
	store.summaries["R1"] = &types.ExamSummary{ID: "sum-1", RoomID: "R1", ExaminerID: "ex-1"}

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/history/examiner?examinerId=ex-1", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp ExaminerHistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Summaries, 1)
	assert.Equal(t, "R1", resp.Summaries[0].RoomID)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/history/examiner", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStudentHistory(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)
	store.summaries["R1"] = &types.ExamSummary{
		ID: "sum-1", RoomID: "R1",
		Students: []types.SummaryStudent{{StudentID: "alice"}},
	}

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/history/student?studentId=alice&page=1&limit=5", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp StudentHistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.TotalItems)
	assert.Equal(t, 1, resp.TotalPages)
	require.Len(t, resp.Summaries, 1)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/history/student", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoomHistory(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)
	store.summaries["R1"] = &types.ExamSummary{ID: "sum-1", RoomID: "R1"}

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/history/rooms/R1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/history/rooms/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Contains(t, resp.Connections, "live_rooms")

	store.unhealthy = true
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestErrorResponsesAreJSON(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(store)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/rooms/missing", nil)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.NotEmpty(t, resp.Error)
}
