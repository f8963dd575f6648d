package supervisor

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Server exposes the job-runner over HTTP (spec §6.2), built on chi/render
// since the supervisor is a resource-oriented service rather than the
// device's small cooperative surface.
type Server struct {
	addr    string
	manager *Manager
}

// NewServer creates a supervisor server bound to a manager.
func NewServer(addr string, manager *Manager) *Server {
	return &Server{addr: addr, manager: manager}
}

// sendPathRequest is the wire shape of POST /api/send-path.
type sendPathRequest struct {
	Speed         int               `json:"speed"`
	BatchSize     int               `json:"batchSize,omitempty"`
	StartPosition *startPositionDTO `json:"startPosition"`
	Points        []pointDTO        `json:"points"`
}

type startPositionDTO struct {
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
	L1      *float64 `json:"l1,omitempty"`
	L2      *float64 `json:"l2,omitempty"`
	PenDown bool     `json:"penDown,omitempty"`
}

type pointDTO struct {
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
	L1      *float64 `json:"l1,omitempty"`
	L2      *float64 `json:"l2,omitempty"`
	PenDown *bool    `json:"penDown,omitempty"`
}

// jobEnvelope is the response shape for all job-status endpoints (spec
// §6.2): `{status, jobId, totalPoints, sentPoints, totalBatches,
// sentBatches, startedAt, finishedAt, error?, controllerStatus?, paused?,
// lastState?}`.
type jobEnvelope struct {
	Status           Status          `json:"status"`
	JobID            string          `json:"jobId,omitempty"`
	TotalPoints      int             `json:"totalPoints"`
	SentPoints       int             `json:"sentPoints"`
	TotalBatches     int             `json:"totalBatches"`
	SentBatches      int             `json:"sentBatches"`
	StartedAt        int64           `json:"startedAt,omitempty"`
	FinishedAt       int64           `json:"finishedAt,omitempty"`
	Error            string          `json:"error,omitempty"`
	ControllerStatus json.RawMessage `json:"controllerStatus,omitempty"`
	ControllerStale  bool            `json:"controllerStale,omitempty"`
	Paused           bool            `json:"paused,omitempty"`
	LastState        Status          `json:"lastState,omitempty"`
}

// Router builds the chi router with all supervisor routes registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/api/send-path", s.handleSendPath)
	r.Get("/api/send-path/status", s.handleStatus)
	r.Post("/api/send-path/pause", s.handlePause)
	r.Post("/api/send-path/resume", s.handleResume)
	r.Post("/api/send-path/cancel", s.handleCancel)
	return r
}

func (s *Server) handleSendPath(w http.ResponseWriter, r *http.Request) {
	var req sendPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "invalid JSON"})
		return
	}

	start, err := toStartPosition(req.StartPosition)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}

	points := make([]Point, 0, len(req.Points))
	for _, p := range req.Points {
		points = append(points, toPoint(p))
	}

	job, err := s.manager.StartJob(start, req.Speed, points, req.BatchSize)
	if err != nil {
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}

	render.JSON(w, r, envelopeFromSnapshot(job.snapshot(), s.manager))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result := s.manager.Status()
	if result.Idle && result.Snapshot.JobID == "" {
		render.JSON(w, r, jobEnvelope{Status: "idle"})
		return
	}
	env := envelopeFromSnapshot(result.Snapshot, s.manager)
	if result.Idle {
		env.Status = "idle"
		env.LastState = result.LastState
	}
	render.JSON(w, r, env)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	job := s.manager.Pause()
	respondJobOrEmpty(w, r, job, s.manager)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	job := s.manager.Resume()
	respondJobOrEmpty(w, r, job, s.manager)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job := s.manager.Cancel()
	respondJobOrEmpty(w, r, job, s.manager)
}

func respondJobOrEmpty(w http.ResponseWriter, r *http.Request, job *Job, m *Manager) {
	if job == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": "no job in progress"})
		return
	}
	render.JSON(w, r, envelopeFromSnapshot(job.snapshot(), m))
}

func envelopeFromSnapshot(snap Snapshot, m *Manager) jobEnvelope {
	env := jobEnvelope{
		Status:       snap.Status,
		JobID:        snap.JobID,
		TotalPoints:  snap.TotalPoints,
		SentPoints:   snap.SentPoints,
		TotalBatches: snap.TotalBatches,
		SentBatches:  snap.SentBatches,
		StartedAt:    snap.StartedAt,
		FinishedAt:   snap.FinishedAt,
		Error:        snap.Error,
		Paused:       snap.Paused,
	}
	if status, _, stale := m.ControllerStatus(); status != nil {
		env.ControllerStatus = status.Raw
		env.ControllerStale = stale
	}
	return env
}

func toStartPosition(dto *startPositionDTO) (StartPosition, error) {
	if dto == nil {
		return StartPosition{}, nil
	}
	sp := StartPosition{PenDown: dto.PenDown}
	switch {
	case dto.L1 != nil && dto.L2 != nil:
		sp.HasLengths = true
		sp.L1, sp.L2 = *dto.L1, *dto.L2
	case dto.X != nil && dto.Y != nil:
		sp.X, sp.Y = *dto.X, *dto.Y
	}
	return sp, nil
}

func toPoint(dto pointDTO) Point {
	p := Point{PenDown: dto.PenDown}
	if dto.L1 != nil && dto.L2 != nil {
		p.HasLengths = true
		p.L1, p.L2 = *dto.L1, *dto.L2
	} else if dto.X != nil && dto.Y != nil {
		p.X, p.Y = *dto.X, *dto.Y
	}
	return p
}
