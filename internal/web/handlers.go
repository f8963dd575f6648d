package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cjeanneret/polargo/internal/motion"
	"github.com/cjeanneret/polargo/internal/queue"
)

// pointDTO is the wire shape of one submitted move target (spec §6.1).
type pointDTO struct {
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
	L1      *float64 `json:"l1,omitempty"`
	L2      *float64 `json:"l2,omitempty"`
	PenDown *bool    `json:"penDown,omitempty"`
	Speed   int      `json:"speed,omitempty"`
}

// startPositionDTO accepts any of (l1,l2), (leftLengthMm,rightLengthMm), or
// (x,y); the device computes lengths itself in the last case.
type startPositionDTO struct {
	X             *float64 `json:"x,omitempty"`
	Y             *float64 `json:"y,omitempty"`
	L1            *float64 `json:"l1,omitempty"`
	L2            *float64 `json:"l2,omitempty"`
	LeftLengthMm  *float64 `json:"leftLengthMm,omitempty"`
	RightLengthMm *float64 `json:"rightLengthMm,omitempty"`
	LeftSteps     *int64   `json:"leftSteps,omitempty"`
	RightSteps    *int64   `json:"rightSteps,omitempty"`
	PenDown       bool     `json:"penDown,omitempty"`
}

type pathRequest struct {
	Reset         bool              `json:"reset,omitempty"`
	EndOfJob      bool              `json:"endOfJob,omitempty"`
	Speed         int               `json:"speed,omitempty"`
	StartPosition *startPositionDTO `json:"startPosition,omitempty"`
	Points        []pointDTO        `json:"points"`
}

type moveRequest struct {
	Motor string `json:"motor"`
	Steps int64  `json:"steps"`
	Speed int    `json:"speed,omitempty"`
}

type penRequest struct {
	PenDown bool `json:"penDown"`
}

// Handlers holds the dependencies shared by the device HTTP surface.
type Handlers struct {
	Controller  *motion.Controller
	Broadcaster *StatusBroadcaster
	WifiIP      string
}

// NewHandlers creates handlers bound to a motion controller.
func NewHandlers(c *motion.Controller, broadcaster *StatusBroadcaster, wifiIP string) *Handlers {
	return &Handlers{Controller: c, Broadcaster: broadcaster, WifiIP: wifiIP}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleStatus handles GET /api/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.statusPayload())
}

func (h *Handlers) statusPayload() map[string]interface{} {
	s := h.Controller.Snapshot()
	return map[string]interface{}{
		"wifi": map[string]string{"ip": h.WifiIP},
		"motors": []map[string]interface{}{
			{"id": "left", "busy": h.Controller.IsExecuting()},
			{"id": "right", "busy": h.Controller.IsExecuting()},
		},
		"state": map[string]interface{}{
			"initialized": s.Initialized,
			"x_mm":        s.XMm,
			"y_mm":        s.YMm,
			"penDown":     s.PenDown,
			"lengths_mm": map[string]float64{
				"left":  s.LeftLenMm,
				"right": s.RightLenMm,
			},
			"steps": map[string]int64{
				"left":  s.LeftSteps,
				"right": s.RightSteps,
			},
		},
		"queue": map[string]interface{}{
			"size":        h.Controller.QueueSize(),
			"isExecuting": h.Controller.IsExecuting(),
		},
	}
}

// HandleMove handles POST /api/move: a synchronous single-motor jog that
// never touches pose (spec §9 open question 3: intentional, diagnostic).
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Motor != "left" && req.Motor != "right" {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown motor %q", req.Motor))
		return
	}

	if err := h.Controller.Jog(r.Context(), req.Motor, req.Steps, req.Speed); err != nil {
		if err == motion.ErrMotorBusy {
			writeError(w, http.StatusConflict, "motor busy")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandlePen handles POST /api/pen: a synchronous actuator command.
func (h *Handlers) HandlePen(w http.ResponseWriter, r *http.Request) {
	var req penRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.Controller.SetPen(req.PenDown); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandlePath handles POST /api/path: submits a batch (spec §4.5/§6.1).
func (h *Handlers) HandlePath(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.Reset {
		h.Controller.Reset()
	}

	needsInit := req.Reset || !h.Controller.Snapshot().Initialized
	if needsInit {
		sp, err := parseStartPosition(req.StartPosition)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if sp == nil {
			writeError(w, http.StatusBadRequest, "startPosition is required on reset or before initialization")
			return
		}
		if err := h.Controller.Initialize(*sp); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	points := make([]queue.QueuedPoint, 0, len(req.Points))
	for _, p := range req.Points {
		qp, ok := toQueuedPoint(p, req.Speed)
		if !ok {
			continue // malformed points are skipped, spec §4.5
		}
		points = append(points, qp)
	}

	if err := h.Controller.Enqueue(points, req.EndOfJob); err != nil {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted":  len(points),
		"queueSize": h.Controller.QueueSize(),
		"state":     h.statusPayload(),
	})
}

// HandleCancel handles POST /api/cancel.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.Controller.Cancel()
	h.Broadcaster.BroadcastMsg("cancelled")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandlePark handles POST /api/park: enqueues a single pen-up travel move to
// a fixed corner and marks it as the job's final batch.
func (h *Handlers) HandlePark(w http.ResponseWriter, r *http.Request) {
	up := false
	park := queue.QueuedPoint{X: 0, Y: 0, PenDown: &up}
	if err := h.Controller.Enqueue([]queue.QueuedPoint{park}, true); err != nil {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleEvents handles GET /api/events: a server-sent-event stream of
// scheduler and lifecycle messages.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func parseStartPosition(dto *startPositionDTO) (*motion.StartPosition, error) {
	if dto == nil {
		return nil, nil
	}
	sp := motion.StartPosition{PenDown: dto.PenDown}
	switch {
	case dto.L1 != nil && dto.L2 != nil:
		sp.HasLengths = true
		sp.L1, sp.L2 = *dto.L1, *dto.L2
	case dto.LeftLengthMm != nil && dto.RightLengthMm != nil:
		sp.HasLengths = true
		sp.L1, sp.L2 = *dto.LeftLengthMm, *dto.RightLengthMm
	case dto.X != nil && dto.Y != nil:
		sp.X, sp.Y = *dto.X, *dto.Y
	default:
		return nil, fmt.Errorf("startPosition must carry (l1,l2), (leftLengthMm,rightLengthMm), or (x,y)")
	}
	return &sp, nil
}

func toQueuedPoint(p pointDTO, defaultSpeed int) (queue.QueuedPoint, bool) {
	qp := queue.QueuedPoint{PenDown: p.PenDown, Speed: p.Speed}
	if qp.Speed <= 0 {
		qp.Speed = defaultSpeed
	}
	switch {
	case p.L1 != nil && p.L2 != nil:
		qp.HasLengths = true
		qp.L1, qp.L2 = *p.L1, *p.L2
	case p.X != nil && p.Y != nil:
		qp.X, qp.Y = *p.X, *p.Y
	default:
		return queue.QueuedPoint{}, false
	}
	return qp, true
}
