package supervisor

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrJobBusy is returned when a job is submitted while another is active
// (spec §4.6 "at most one active job at a time").
var ErrJobBusy = errors.New("supervisor: a job is already in progress")

// pollInterval is how often the status poller refreshes controllerStatus
// (spec §4.6 "periodically, every 2-5s"). staleAfter marks a cached
// controller snapshot stale if older than this. Both are vars, not consts,
// so tests can shrink them rather than waiting out the production cadence.
var (
	pollInterval = 3 * time.Second
	staleAfter   = 10 * time.Second
)

// Manager owns at most one in-flight Job plus the last-finished one, and a
// background poller caching the device's status (spec §4.6, §9 "Supervisor
// as a state machine"). Grounded on the Python precursor's PathSender,
// re-expressed with explicit Job state rather than dataclass flags.
type Manager struct {
	mu      sync.Mutex
	client  *DeviceClient
	job     *Job
	lastJob *Job

	pollMu      sync.Mutex
	lastStatus  *DeviceStatus
	lastPollAt  time.Time
	pollOnce    sync.Once
	stopPoller  chan struct{}
}

// NewManager creates a manager bound to a single device.
func NewManager(client *DeviceClient) *Manager {
	return &Manager{client: client, stopPoller: make(chan struct{})}
}

// StartPoller launches the background status-poller goroutine. Safe to
// call multiple times; only the first call starts it.
func (m *Manager) StartPoller() {
	m.pollOnce.Do(func() {
		go m.pollLoop()
	})
}

func (m *Manager) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopPoller:
			return
		case <-ticker.C:
			status, err := m.client.Status()
			if err != nil {
				continue
			}
			m.pollMu.Lock()
			m.lastStatus = status
			m.lastPollAt = time.Now()
			m.pollMu.Unlock()
		}
	}
}

// ControllerStatus returns the most recently polled device status plus
// whether it is stale (spec §4.6 "a snapshot older than a threshold is
// flagged stale").
func (m *Manager) ControllerStatus() (status *DeviceStatus, polledAt time.Time, stale bool) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	if m.lastStatus == nil {
		return nil, time.Time{}, true
	}
	stale = time.Since(m.lastPollAt) > staleAfter
	return m.lastStatus, m.lastPollAt, stale
}

// StartJob begins streaming points to the device. Rejects with ErrJobBusy
// if a job is already active (spec §4.6).
func (m *Manager) StartJob(start StartPosition, speed int, points []Point, batchSize int) (*Job, error) {
	if len(points) == 0 {
		return nil, errors.New("supervisor: points must not be empty")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	m.mu.Lock()
	if m.job != nil && m.job.Active() {
		m.mu.Unlock()
		return nil, ErrJobBusy
	}
	if m.job != nil {
		m.lastJob = m.job
	}
	job := NewJob(uuid.NewString(), start, speed, points, batchSize)
	m.job = job
	m.mu.Unlock()

	go runJob(job, m.client)
	return job, nil
}

// Cancel requests cancellation of the current job, if any (spec §4.6
// "Cancel").
func (m *Manager) Cancel() *Job {
	m.mu.Lock()
	job := m.job
	m.mu.Unlock()
	if job != nil && job.Active() {
		job.requestCancel()
	}
	return job
}

// Pause pauses the current job between chunks.
func (m *Manager) Pause() *Job {
	m.mu.Lock()
	job := m.job
	m.mu.Unlock()
	if job != nil {
		job.Pause()
	}
	return job
}

// Resume resumes a paused job.
func (m *Manager) Resume() *Job {
	m.mu.Lock()
	job := m.job
	m.mu.Unlock()
	if job != nil {
		job.Resume()
	}
	return job
}

// StatusResult is what GET /api/send-path/status reports: either the
// active job's live snapshot, or the preserved-and-marked-terminal view of
// the last job (spec §9 Open Question 2).
type StatusResult struct {
	Idle      bool
	LastState Status
	Snapshot  Snapshot
}

// Status implements the "preserve last-known job and mark terminal" policy
// resolved in spec §9 Open Question 2: once a job is no longer active, its
// terminal status (and error, if any) is still reported rather than
// reverting to a bare idle with no history.
func (m *Manager) Status() StatusResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.job != nil && m.job.Active() {
		return StatusResult{Snapshot: m.job.snapshot()}
	}

	var previous *Job
	if m.job != nil {
		previous = m.job
		m.lastJob = m.job
		m.job = nil
	} else if m.lastJob != nil {
		previous = m.lastJob
	}

	if previous == nil {
		return StatusResult{Idle: true}
	}

	// previous is only ever m.job (excluded above unless inactive, and
	// Status/terminal partition every Status value so an inactive job is
	// always terminal) or m.lastJob (only ever stored from a job that was
	// itself inactive, hence terminal, when stored).
	snap := previous.snapshot()
	return StatusResult{Idle: true, LastState: snap.Status, Snapshot: snap}
}

// Close stops the background poller.
func (m *Manager) Close() {
	close(m.stopPoller)
}
