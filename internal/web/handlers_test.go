package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/polargo/internal/hw/gpio"
	"github.com/cjeanneret/polargo/internal/hw/pen"
	"github.com/cjeanneret/polargo/internal/kinematics"
	"github.com/cjeanneret/polargo/internal/motion"
	"github.com/cjeanneret/polargo/internal/pulse"
	"github.com/cjeanneret/polargo/internal/queue"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	drv := &gpio.MockDriver{}
	eng, err := pulse.NewEngine(drv, pulse.Config{
		Left:       pulse.MotorPins{StepPin: 1, DirPin: 2},
		Right:      pulse.MotorPins{StepPin: 3, DirPin: 4},
		MinPulseUS: 1,
		YieldEvery: 1000,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	act, err := pen.NewActuator(drv, pen.Config{Pin: 18, UpAngleDeg: 60, DownAngleDeg: 90, SettleDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewActuator: %v", err)
	}
	geo := kinematics.Geometry{
		BoardWidthMm: 1000, BoardHeightMm: 1000,
		ConnectionToPenDistanceMm: 20, MotorVerticalOffsetMm: 50,
		SpoolDiameterMm: 12.5, StepsPerRev: 200, Microsteps: 16,
	}
	c := motion.NewController(geo, eng, act, queue.New(10), motion.Config{TravelSpeed: 500, MaxSpeed: 5000})
	return NewHandlers(c, NewStatusBroadcaster(), "192.168.1.50")
}

func doJSON(h http.HandlerFunc, method, target string, body interface{}) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		data, _ := json.Marshal(body)
		r = httptest.NewRequest(method, target, bytes.NewReader(data))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h(w, r)
	return w
}

func TestHandleStatus_ShapeBeforeInit(t *testing.T) {
	h := newTestHandlers(t)
	w := doJSON(h.HandleStatus, http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	state := resp["state"].(map[string]interface{})
	if state["initialized"].(bool) {
		t.Error("expected initialized false before any path submission")
	}
	wifi := resp["wifi"].(map[string]interface{})
	if wifi["ip"] != "192.168.1.50" {
		t.Errorf("wifi.ip = %v, want 192.168.1.50", wifi["ip"])
	}
}

func TestHandlePath_RequiresStartPositionBeforeInit(t *testing.T) {
	h := newTestHandlers(t)
	body := map[string]interface{}{
		"points": []map[string]float64{{"x": 10, "y": 10}},
	}
	w := doJSON(h.HandlePath, http.MethodPost, "/api/path", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (missing startPosition)", w.Code)
	}
}

func TestHandlePath_InitAndEnqueue(t *testing.T) {
	h := newTestHandlers(t)
	body := map[string]interface{}{
		"reset":         true,
		"endOfJob":      true,
		"startPosition": map[string]interface{}{"x": 575.0, "y": 365.0, "penDown": false},
		"points":        []map[string]interface{}{{"x": 775.0, "y": 365.0, "penDown": true}},
	}
	w := doJSON(h.HandlePath, http.MethodPost, "/api/path", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["accepted"].(float64) != 1 {
		t.Errorf("accepted = %v, want 1", resp["accepted"])
	}
}

func TestHandlePath_MalformedPointsSkipped(t *testing.T) {
	h := newTestHandlers(t)
	body := map[string]interface{}{
		"startPosition": map[string]interface{}{"x": 0.0, "y": 0.0},
		"points": []map[string]interface{}{
			{"x": 10.0, "y": 10.0},
			{"penDown": true}, // no x/y or l1/l2: malformed
		},
	}
	w := doJSON(h.HandlePath, http.MethodPost, "/api/path", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]interface{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["accepted"].(float64) != 1 {
		t.Errorf("accepted = %v, want 1 (one malformed point skipped)", resp["accepted"])
	}
}

func TestHandlePath_QueueOverflowReturns429(t *testing.T) {
	h := newTestHandlers(t)
	points := make([]map[string]interface{}, 11)
	for i := range points {
		points[i] = map[string]interface{}{"x": float64(i), "y": 0.0}
	}
	body := map[string]interface{}{
		"startPosition": map[string]interface{}{"x": 0.0, "y": 0.0},
		"points":        points,
	}
	w := doJSON(h.HandlePath, http.MethodPost, "/api/path", body)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestHandleMove_UnknownMotor404(t *testing.T) {
	h := newTestHandlers(t)
	w := doJSON(h.HandleMove, http.MethodPost, "/api/move", map[string]interface{}{"motor": "up", "steps": 10})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleMove_Valid(t *testing.T) {
	h := newTestHandlers(t)
	w := doJSON(h.HandleMove, http.MethodPost, "/api/move", map[string]interface{}{"motor": "left", "steps": 10, "speed": 1000})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHandlePen_UpdatesState(t *testing.T) {
	h := newTestHandlers(t)
	w := doJSON(h.HandlePen, http.MethodPost, "/api/pen", map[string]interface{}{"penDown": true})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	w2 := doJSON(h.HandleStatus, http.MethodGet, "/api/status", nil)
	var resp map[string]interface{}
	json.NewDecoder(w2.Body).Decode(&resp)
	state := resp["state"].(map[string]interface{})
	if !state["penDown"].(bool) {
		t.Error("expected penDown true after HandlePen")
	}
}

func TestHandleCancel_Ok(t *testing.T) {
	h := newTestHandlers(t)
	w := doJSON(h.HandleCancel, http.MethodPost, "/api/cancel", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHandlePark_Enqueues(t *testing.T) {
	h := newTestHandlers(t)
	doJSON(h.HandlePath, http.MethodPost, "/api/path", map[string]interface{}{
		"startPosition": map[string]interface{}{"x": 500.0, "y": 500.0},
		"points":        []map[string]interface{}{},
	})
	w := doJSON(h.HandlePark, http.MethodPost, "/api/park", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s := &Server{addr: ":0", handlers: newTestHandlers(t)}
	req := httptest.NewRequest(http.MethodOptions, "/api/path", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestServer_StatusRoute(t *testing.T) {
	s := &Server{addr: ":0", handlers: newTestHandlers(t)}
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want * (non-preflight request)", got)
	}
	if !strings.Contains(w.Body.String(), "\"queue\"") {
		t.Error("expected status body to contain a queue section")
	}
}
