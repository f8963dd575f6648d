package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cjeanneret/polargo/internal/debug"
)

// DeviceClient talks to a single device's HTTP surface (spec §6.1).
type DeviceClient struct {
	baseURL string
	http    *http.Client
}

// NewDeviceClient creates a client bound to a device base URL with a
// bounded request timeout (spec §5 "Timeouts: network requests from
// supervisor to device carry a bounded timeout").
func NewDeviceClient(baseURL string, timeout time.Duration) *DeviceClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DeviceClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// pathBatch is the wire shape POSTed to /api/path.
type pathBatch struct {
	Reset         bool              `json:"reset,omitempty"`
	EndOfJob      bool              `json:"endOfJob,omitempty"`
	Speed         int               `json:"speed,omitempty"`
	StartPosition *startPositionOut `json:"startPosition,omitempty"`
	Points        []pointOut        `json:"points"`
}

type startPositionOut struct {
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
	L1      *float64 `json:"l1,omitempty"`
	L2      *float64 `json:"l2,omitempty"`
	PenDown bool     `json:"penDown,omitempty"`
}

type pointOut struct {
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
	L1      *float64 `json:"l1,omitempty"`
	L2      *float64 `json:"l2,omitempty"`
	PenDown *bool    `json:"penDown,omitempty"`
}

// DeviceStatus is the subset of the device's /api/status response the
// batcher and poller care about.
type DeviceStatus struct {
	Raw         json.RawMessage
	QueueSize   int
	IsExecuting bool
}

type deviceStatusWire struct {
	Queue struct {
		Size        int  `json:"size"`
		IsExecuting bool `json:"isExecuting"`
	} `json:"queue"`
}

// ackError signals a non-2xx or error-body response from the device.
type ackError struct {
	status int
	msg    string
}

func (e *ackError) Error() string {
	return fmt.Sprintf("device returned %d: %s", e.status, e.msg)
}

// retryable reports whether the error is worth retrying: connection
// failures and 5xx responses, not 4xx (spec §7 "transient errors").
func (e *ackError) retryable() bool {
	return e.status >= 500 && e.status < 600
}

// SendBatch posts one chunk to /api/path.
func (c *DeviceClient) SendBatch(reset, endOfJob bool, speed int, start *StartPosition, points []Point) error {
	batch := pathBatch{Reset: reset, EndOfJob: endOfJob, Speed: speed}
	if start != nil {
		so := &startPositionOut{PenDown: start.PenDown}
		if start.HasLengths {
			so.L1, so.L2 = &start.L1, &start.L2
		} else {
			so.X, so.Y = &start.X, &start.Y
		}
		batch.StartPosition = so
	}
	for _, p := range points {
		po := pointOut{PenDown: p.PenDown}
		if p.HasLengths {
			l1, l2 := p.L1, p.L2
			po.L1, po.L2 = &l1, &l2
		} else {
			x, y := p.X, p.Y
			po.X, po.Y = &x, &y
		}
		batch.Points = append(batch.Points, po)
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal path batch: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/path", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build path request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &ackError{status: resp.StatusCode, msg: "queue full"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return &ackError{status: resp.StatusCode, msg: errBody.Error}
	}
	debug.Verbose("supervisor: batch accepted points=%d reset=%v endOfJob=%v", len(points), reset, endOfJob)
	return nil
}

// Cancel posts to /api/cancel.
func (c *DeviceClient) Cancel() error {
	resp, err := c.http.Post(c.baseURL+"/api/cancel", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ackError{status: resp.StatusCode}
	}
	return nil
}

// Status fetches /api/status and extracts the queue telemetry used for
// backpressure and readiness decisions.
func (c *DeviceClient) Status() (*DeviceStatus, error) {
	resp, err := c.http.Get(c.baseURL + "/api/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ackError{status: resp.StatusCode}
	}

	raw, err := readAll(resp)
	if err != nil {
		return nil, err
	}
	var wire deviceStatusWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode device status: %w", err)
	}
	return &DeviceStatus{Raw: raw, QueueSize: wire.Queue.Size, IsExecuting: wire.Queue.IsExecuting}, nil
}

func readAll(resp *http.Response) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
