package supervisor

import (
	"testing"
	"time"
)

// withShrunkPollTiming temporarily shrinks the poller's cadence and
// staleness threshold so tests don't wait out the production 3s/10s
// values, restoring them on return.
func withShrunkPollTiming(t *testing.T, interval, stale time.Duration) {
	t.Helper()
	origInterval, origStale := pollInterval, staleAfter
	pollInterval, staleAfter = interval, stale
	t.Cleanup(func() {
		pollInterval, staleAfter = origInterval, origStale
	})
}

func TestManager_Poller_RefreshesControllerStatus(t *testing.T) {
	withShrunkPollTiming(t, 10*time.Millisecond, time.Second)

	srv, fd := newFakeDevice()
	defer srv.Close()
	fd.mu.Lock()
	fd.queueSize = 7
	fd.isExecuting = true
	fd.mu.Unlock()

	client := NewDeviceClient(srv.URL, time.Second)
	m := NewManager(client)
	defer m.Close()

	m.StartPoller()

	deadline := time.Now().Add(time.Second)
	var status *DeviceStatus
	var stale bool
	for time.Now().Before(deadline) {
		status, _, stale = m.ControllerStatus()
		if status != nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if status == nil {
		t.Fatal("ControllerStatus() never observed a polled status")
	}
	if stale {
		t.Error("ControllerStatus() stale = true, want false right after a poll")
	}
	if status.QueueSize != 7 || !status.IsExecuting {
		t.Errorf("status = %+v, want queueSize=7 isExecuting=true", status)
	}
}

func TestManager_Poller_MarksStaleSnapshotAfterThreshold(t *testing.T) {
	withShrunkPollTiming(t, 10*time.Millisecond, 20*time.Millisecond)

	srv, _ := newFakeDevice()
	defer srv.Close()

	client := NewDeviceClient(srv.URL, time.Second)
	m := NewManager(client)
	m.StartPoller()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if status, _, _ := m.ControllerStatus(); status != nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	// Stop the poller so the cached snapshot ages without being refreshed,
	// then outlast staleAfter.
	m.Close()
	time.Sleep(50 * time.Millisecond)

	if _, _, stale := m.ControllerStatus(); !stale {
		t.Error("ControllerStatus() stale = false, want true once staleAfter has elapsed")
	}
}

func TestManager_ControllerStatus_NilBeforeFirstPoll(t *testing.T) {
	srv, _ := newFakeDevice()
	defer srv.Close()

	client := NewDeviceClient(srv.URL, time.Second)
	m := NewManager(client)
	defer m.Close()

	status, _, stale := m.ControllerStatus()
	if status != nil {
		t.Errorf("ControllerStatus() = %+v, want nil before any poll", status)
	}
	if !stale {
		t.Error("ControllerStatus() stale = false, want true before any poll")
	}
}
