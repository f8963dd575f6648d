// Package supervisor implements the path-streaming service that sits
// between a path producer and the device: it batches a point list into
// fixed-size chunks, feeds them to the device's HTTP API, and tracks job
// state through to completion, cancellation, or failure.
package supervisor

import (
	"sync"
	"time"
)

// Status is one state in the job lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// active reports whether a job in this status still owns the device (no
// new job may start while one of these is true).
func (s Status) active() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCancelling:
		return true
	default:
		return false
	}
}

// terminal reports whether a status is absorbing: once reached, a job
// never leaves it (spec §8 property 10, §9 "terminal statuses are
// absorbing").
func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Point is one target in a path to send, in the designer's coordinate
// space or already in string lengths; Batcher forwards it unchanged.
type Point struct {
	HasLengths bool
	X, Y       float64
	L1, L2     float64
	PenDown    *bool
}

// StartPosition declares where the gondola physically is before the job's
// first batch; required whenever the device needs (re-)initialization.
type StartPosition struct {
	HasLengths bool
	X, Y       float64
	L1, L2     float64
	PenDown    bool
}

// Job tracks one path-streaming run end to end.
type Job struct {
	mu sync.Mutex

	ID            string
	StartPosition StartPosition
	Speed         int
	Points        []Point
	BatchSize     int

	status       Status
	sentPoints   int
	sentBatches  int
	totalBatches int
	startedAt    time.Time
	finishedAt   time.Time
	errMsg       string
	paused       bool

	cancelCh chan struct{}
	resumeCh chan struct{}
}

// NewJob creates a pending job for the given points, pre-computing the
// batch count from BatchSize.
func NewJob(id string, start StartPosition, speed int, points []Point, batchSize int) *Job {
	if batchSize <= 0 {
		batchSize = 1
	}
	total := (len(points) + batchSize - 1) / batchSize
	return &Job{
		ID:            id,
		StartPosition: start,
		Speed:         speed,
		Points:        points,
		BatchSize:     batchSize,
		status:        StatusPending,
		totalBatches:  total,
		cancelCh:      make(chan struct{}),
		resumeCh:      make(chan struct{}, 1),
	}
}

// Status returns the job's current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Active reports whether the job still owns the device.
func (j *Job) Active() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.active()
}

// markRunning transitions pending -> running and stamps startedAt once.
func (j *Job) markRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.terminal() {
		return
	}
	j.status = StatusRunning
	if j.startedAt.IsZero() {
		j.startedAt = time.Now()
	}
}

// markBatchSent records a successfully-delivered batch.
func (j *Job) markBatchSent(pointCount int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sentPoints += pointCount
	j.sentBatches++
	if j.sentBatches > j.totalBatches {
		j.totalBatches = j.sentBatches
	}
}

// markComplete transitions to completed. Writes to an already-terminal job
// are silently ignored (spec §7 "terminal-state violations").
func (j *Job) markComplete() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.terminal() {
		return
	}
	j.status = StatusCompleted
	j.finishedAt = time.Now()
}

func (j *Job) markFailed(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.terminal() {
		return
	}
	j.status = StatusFailed
	j.errMsg = msg
	j.finishedAt = time.Now()
}

func (j *Job) markCancelling() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.terminal() {
		return
	}
	j.status = StatusCancelling
}

func (j *Job) markCancelled() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.terminal() {
		return
	}
	j.status = StatusCancelled
	j.finishedAt = time.Now()
	if j.errMsg == "" {
		j.errMsg = "cancelled"
	}
}

// requestCancel signals the batch-sending goroutine to stop at the next
// chunk boundary and closes cancelCh exactly once.
func (j *Job) requestCancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	select {
	case <-j.cancelCh:
	default:
		close(j.cancelCh)
	}
}

func (j *Job) cancelled() bool {
	select {
	case <-j.cancelCh:
		return true
	default:
		return false
	}
}

// Pause blocks the next chunk send. Mid-chunk pauses are not supported
// (spec §4.6): the in-flight POST always completes.
func (j *Job) Pause() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == StatusPending || j.status == StatusRunning {
		j.paused = true
		j.status = StatusPaused
	}
}

// Resume wakes a paused job.
func (j *Job) Resume() {
	j.mu.Lock()
	wasPaused := j.paused
	if wasPaused {
		j.paused = false
		j.status = StatusRunning
	}
	j.mu.Unlock()
	if wasPaused {
		select {
		case j.resumeCh <- struct{}{}:
		default:
		}
	}
}

// waitIfPaused blocks while the job is paused, returning false if the job
// is cancelled while waiting.
func (j *Job) waitIfPaused() bool {
	for {
		j.mu.Lock()
		paused := j.paused
		j.mu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-j.cancelCh:
			return false
		case <-j.resumeCh:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Snapshot is the serializable job envelope (spec §6.2).
type Snapshot struct {
	JobID        string
	Status       Status
	TotalPoints  int
	SentPoints   int
	TotalBatches int
	SentBatches  int
	StartedAt    int64
	FinishedAt   int64
	Error        string
	Paused       bool
}

// snapshot captures the job's envelope fields under lock.
func (j *Job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		JobID:        j.ID,
		Status:       j.status,
		TotalPoints:  len(j.Points),
		SentPoints:   j.sentPoints,
		TotalBatches: j.totalBatches,
		SentBatches:  j.sentBatches,
		Error:        j.errMsg,
		Paused:       j.paused,
	}
	if !j.startedAt.IsZero() {
		s.StartedAt = j.startedAt.Unix()
	}
	if !j.finishedAt.IsZero() {
		s.FinishedAt = j.finishedAt.Unix()
	}
	return s
}
