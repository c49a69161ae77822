package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"codeguard/internal/proctoring"
	"codeguard/pkg/interfaces"
	"codeguard/pkg/types"
)

// Stats exposes live registry counters without coupling the API to the
// registry implementation.
type Stats interface {
	Stats() map[string]int
}

// Server is the HTTP surface: flag ingestion, room and submission records,
// exam history and health. No business logic lives here; handlers translate
// between HTTP and the pipeline or store.
type Server struct {
	pipeline  *proctoring.Pipeline
	store     interfaces.RoomStore
	stats     Stats
	wsHandler http.HandlerFunc
	blacklist []string
	router    *mux.Router
	cors      *cors.Cors
}

func NewServer(pipeline *proctoring.Pipeline, store interfaces.RoomStore, stats Stats, wsHandler http.HandlerFunc, blacklist []string, allowedOrigins []string) *Server {
	s := &Server{
		pipeline:  pipeline,
		store:     store,
		stats:     stats,
		wsHandler: wsHandler,
		blacklist: blacklist,
		router:    mux.NewRouter(),
		cors: cors.New(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/ws", s.wsHandler)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(jsonMiddleware)

	api.HandleFunc("/proctoring/flag", s.submitFlag).Methods(http.MethodPost)
	api.HandleFunc("/proctoring/blacklist", s.getBlacklist).Methods(http.MethodGet)

	api.HandleFunc("/rooms", s.createRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{roomId}", s.getRoom).Methods(http.MethodGet)

	api.HandleFunc("/submissions", s.createSubmission).Methods(http.MethodPost)

	api.HandleFunc("/history/examiner", s.examinerHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/student", s.studentHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/rooms/{roomId}", s.roomHistory).Methods(http.MethodGet)

	s.router.Handle("/health", jsonMiddleware(http.HandlerFunc(s.healthCheck))).Methods(http.MethodGet)
}

// Handler returns the full HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// submitFlag runs the proctoring pipeline on one flag submission. Ignored
// outcomes are 200s with a reason; only malformed input and unknown rooms
// are client errors.
func (s *Server) submitFlag(w http.ResponseWriter, r *http.Request) {
	var in proctoring.FlagSubmission
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	result, err := s.pipeline.SubmitFlag(r.Context(), &in)
	if err != nil {
		s.sendError(w, "Flag could not be recorded", http.StatusServiceUnavailable)
		return
	}

	switch {
	case result.Status == proctoring.StatusRejected && result.Reason == proctoring.ReasonRoomNotFound:
		w.WriteHeader(http.StatusNotFound)
	case result.Status == proctoring.StatusRejected:
		w.WriteHeader(http.StatusBadRequest)
	case result.Status == proctoring.StatusAccepted:
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(result)
}

type BlacklistResponse struct {
	Blacklist []string `json:"blacklist"`
}

// getBlacklist returns the configured monitored-site patterns so the browser
// extension can sync them at startup.
func (s *Server) getBlacklist(w http.ResponseWriter, r *http.Request) {
	list := s.blacklist
	if list == nil {
		list = []string{}
	}
	_ = json.NewEncoder(w).Encode(BlacklistResponse{Blacklist: list})
}

type CreateRoomRequest struct {
	RoomID           string     `json:"roomId"`
	ExamName         string     `json:"examName"`
	CourseName       string     `json:"courseName"`
	ExamDuration     int        `json:"examDuration"`
	ExaminerID       string     `json:"examinerId"`
	ExaminerName     string     `json:"examinerName"`
	ExaminerUsername string     `json:"examinerUsername"`
	StartTime        *time.Time `json:"startTime,omitempty"`
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if !types.IsValidRoomID(req.RoomID) {
		s.sendError(w, types.ErrInvalidRoomID.Error(), http.StatusBadRequest)
		return
	}
	if req.ExaminerID == "" {
		s.sendError(w, "Examiner ID is required", http.StatusBadRequest)
		return
	}

	record := &types.RoomRecord{
		RoomID:           req.RoomID,
		ExamName:         req.ExamName,
		CourseName:       req.CourseName,
		ExamDuration:     req.ExamDuration,
		ExaminerID:       req.ExaminerID,
		ExaminerName:     req.ExaminerName,
		ExaminerUsername: req.ExaminerUsername,
		StartTime:        req.StartTime,
		CreatedAt:        time.Now(),
	}

	if err := s.store.CreateRoom(r.Context(), record); err != nil {
		if errors.Is(err, interfaces.ErrDuplicateRoom) {
			s.sendError(w, "Room already exists", http.StatusConflict)
			return
		}
		s.sendError(w, "Failed to create room", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(record)
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	record, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, interfaces.ErrRoomNotFound) {
			s.sendError(w, "Room not found", http.StatusNotFound)
			return
		}
		s.sendError(w, "Failed to get room", http.StatusInternalServerError)
		return
	}

	_ = json.NewEncoder(w).Encode(record)
}

type CreateSubmissionRequest struct {
	RoomID    string `json:"roomId"`
	StudentID string `json:"studentId"`
}

// createSubmission records a submission marker. The submission document
// itself is handled elsewhere; this endpoint only marks who handed in.
func (s *Server) createSubmission(w http.ResponseWriter, r *http.Request) {
	var req CreateSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.RoomID == "" || req.StudentID == "" {
		s.sendError(w, "Room ID and student ID are required", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(req.StudentID) {
		s.sendError(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetRoom(r.Context(), req.RoomID); err != nil {
		if errors.Is(err, interfaces.ErrRoomNotFound) {
			s.sendError(w, "Room not found", http.StatusNotFound)
			return
		}
		s.sendError(w, "Failed to verify room", http.StatusInternalServerError)
		return
	}

	sub := &types.Submission{
		ID:          uuid.New().String(),
		RoomID:      req.RoomID,
		StudentID:   req.StudentID,
		SubmittedAt: time.Now(),
	}
	if err := s.store.StoreSubmission(r.Context(), sub); err != nil {
		s.sendError(w, "Failed to record submission", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(sub)
}

type ExaminerHistoryResponse struct {
	Summaries []*types.ExamSummary `json:"summaries"`
}

func (s *Server) examinerHistory(w http.ResponseWriter, r *http.Request) {
	examinerID := r.URL.Query().Get("examinerId")
	username := r.URL.Query().Get("username")
	if examinerID == "" && username == "" {
		s.sendError(w, "Examiner ID or username is required", http.StatusBadRequest)
		return
	}

	summaries, err := s.store.ListExaminerSummaries(r.Context(), examinerID, username)
	if err != nil {
		s.sendError(w, "Failed to load examiner history", http.StatusInternalServerError)
		return
	}
	if summaries == nil {
		summaries = []*types.ExamSummary{}
	}

	_ = json.NewEncoder(w).Encode(ExaminerHistoryResponse{Summaries: summaries})
}

type StudentHistoryResponse struct {
	Summaries  []*types.ExamSummary `json:"summaries"`
	Page       int                  `json:"page"`
	Limit      int                  `json:"limit"`
	TotalItems int                  `json:"totalItems"`
	TotalPages int                  `json:"totalPages"`
}

func (s *Server) studentHistory(w http.ResponseWriter, r *http.Request) {
	studentID := r.URL.Query().Get("studentId")
	if studentID == "" {
		s.sendError(w, "Student ID is required", http.StatusBadRequest)
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 10)

	summaries, total, err := s.store.ListStudentSummaries(r.Context(), studentID, page, limit)
	if err != nil {
		s.sendError(w, "Failed to load student history", http.StatusInternalServerError)
		return
	}
	if summaries == nil {
		summaries = []*types.ExamSummary{}
	}

	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}

	_ = json.NewEncoder(w).Encode(StudentHistoryResponse{
		Summaries:  summaries,
		Page:       page,
		Limit:      limit,
		TotalItems: total,
		TotalPages: totalPages,
	})
}

func (s *Server) roomHistory(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	summary, err := s.store.GetExamSummary(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, interfaces.ErrSummaryNotFound) {
			s.sendError(w, "No summary for room", http.StatusNotFound)
			return
		}
		s.sendError(w, "Failed to load room summary", http.StatusInternalServerError)
		return
	}

	_ = json.NewEncoder(w).Encode(summary)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.stats.Stats(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
