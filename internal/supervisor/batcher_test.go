package supervisor

import (
	"strings"
	"testing"
	"time"
)

// withShrunkRetryTiming temporarily shrinks the retry/backpressure timing
// vars so tests don't wait out production deadlines, restoring them on
// return.
func withShrunkRetryTiming(t *testing.T) {
	t.Helper()
	origInterval, origTimeout := sendRetryInterval, sendRetryTimeout
	origWait, origLimit := backpressureWait, backpressureLimit
	sendRetryInterval = 5 * time.Millisecond
	sendRetryTimeout = 60 * time.Millisecond
	backpressureWait = 5 * time.Millisecond
	backpressureLimit = 100 * time.Millisecond
	t.Cleanup(func() {
		sendRetryInterval, sendRetryTimeout = origInterval, origTimeout
		backpressureWait, backpressureLimit = origWait, origLimit
	})
}

func waitTerminal(t *testing.T, job *Job, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && job.Active() {
		time.Sleep(time.Millisecond)
	}
	if job.Active() {
		t.Fatalf("job %s did not reach a terminal status within %s", job.ID, timeout)
	}
}

func TestBatcher_RetriesTransientFailureThenSucceeds(t *testing.T) {
	withShrunkRetryTiming(t)

	srv, fd := newFakeDevice()
	defer srv.Close()
	fd.failNext = 2 // two 500s, then the batch is accepted

	client := NewDeviceClient(srv.URL, time.Second)
	m := NewManager(client)
	defer m.Close()

	job, err := m.StartJob(StartPosition{}, 1000, pointsOf(5), 5)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	waitTerminal(t, job, time.Second)
	if job.Status() != StatusCompleted {
		t.Fatalf("Status() = %v, want completed", job.Status())
	}
	if snap := job.snapshot(); snap.SentPoints != 5 {
		t.Errorf("SentPoints = %d, want 5", snap.SentPoints)
	}
}

func TestBatcher_RetriesExhaustThenFails(t *testing.T) {
	withShrunkRetryTiming(t)

	srv, fd := newFakeDevice()
	defer srv.Close()
	fd.failNext = 1 << 20 // never stops failing with 500

	client := NewDeviceClient(srv.URL, time.Second)
	m := NewManager(client)
	defer m.Close()

	job, err := m.StartJob(StartPosition{}, 1000, pointsOf(5), 5)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	waitTerminal(t, job, time.Second)
	if job.Status() != StatusFailed {
		t.Fatalf("Status() = %v, want failed", job.Status())
	}
	snap := job.snapshot()
	if !strings.Contains(snap.Error, "send retries exhausted") {
		t.Errorf("Error = %q, want it to mention exhausted send retries", snap.Error)
	}
	if !strings.Contains(snap.Error, "500") {
		t.Errorf("Error = %q, want it to carry the last device response", snap.Error)
	}
}

func TestBatcher_BackpressureWaitThenSucceeds(t *testing.T) {
	withShrunkRetryTiming(t)

	srv, fd := newFakeDevice()
	defer srv.Close()
	fd.tooManyNext = 1 // one 429, then the batch is accepted

	client := NewDeviceClient(srv.URL, time.Second)
	m := NewManager(client)
	defer m.Close()

	job, err := m.StartJob(StartPosition{}, 1000, pointsOf(5), 5)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	waitTerminal(t, job, time.Second)
	if job.Status() != StatusCompleted {
		t.Fatalf("Status() = %v, want completed", job.Status())
	}
	if snap := job.snapshot(); snap.SentPoints != 5 {
		t.Errorf("SentPoints = %d, want 5", snap.SentPoints)
	}
}
