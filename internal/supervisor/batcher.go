package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/polargo/internal/debug"
)

// DefaultBatchSize is the number of points per /api/path submission
// (spec §4.6 "fixed-size chunks (100 points by default)").
const DefaultBatchSize = 100

// Retry/backpressure timing. Declared as vars, not consts, so tests can
// shrink them rather than waiting out the production deadlines.
var (
	sendRetryInterval = 2 * time.Second
	sendRetryTimeout  = 120 * time.Second
	backpressureWait  = 2 * time.Second
	backpressureLimit = 150 * time.Second
)

var errCancelled = errors.New("supervisor: job cancelled")

// runJob drives one job's lifecycle to completion: batching, retries,
// pause/resume, and cancellation. Runs on its own goroutine; exactly one
// runs at a time because Manager refuses to start a second active job.
func runJob(job *Job, client *DeviceClient) {
	job.markRunning()
	debug.Info("supervisor: job %s started, %d points in %d batches", job.ID, len(job.Points), job.totalBatches)

	total := len(job.Points)
	sent := 0
	batchNum := 0

	for sent < total {
		if job.cancelled() {
			finishCancel(job, client)
			return
		}
		if !job.waitIfPaused() {
			finishCancel(job, client)
			return
		}

		end := sent + job.BatchSize
		if end > total {
			end = total
		}
		chunk := job.Points[sent:end]
		first := batchNum == 0
		last := end == total

		var start *StartPosition
		if first {
			sp := job.StartPosition
			start = &sp
		}

		if err := sendWithBackpressureAndRetry(job, client, first, last, chunk, start); err != nil {
			if errors.Is(err, errCancelled) {
				finishCancel(job, client)
				return
			}
			debug.Info("supervisor: job %s failed: %v", job.ID, err)
			job.markFailed(err.Error())
			return
		}

		sent = end
		batchNum++
		job.markBatchSent(len(chunk))
	}

	debug.Info("supervisor: job %s completed, %d points sent", job.ID, sent)
	job.markComplete()
}

// finishCancel sends the device cancel and marks the job cancelled, or
// failed if the device never acknowledges (spec §4.6 "Cancel").
func finishCancel(job *Job, client *DeviceClient) {
	job.markCancelling()
	deadline := time.Now().Add(10 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := client.Cancel(); err != nil {
			lastErr = err
			time.Sleep(500 * time.Millisecond)
			continue
		}
		job.markCancelled()
		return
	}
	job.markFailed(fmt.Sprintf("cancel not acknowledged: %v", lastErr))
}

// sendWithBackpressureAndRetry posts one batch, waiting out device
// backpressure (429) and retrying transient network/5xx failures with
// bounded exponential backoff (spec §4.6 "Backpressure", "Retries"),
// grounded on the Python precursor's send-retry loop.
func sendWithBackpressureAndRetry(job *Job, client *DeviceClient, first, last bool, chunk []Point, start *StartPosition) error {
	backpressureDeadline := time.Now().Add(backpressureLimit)
	for {
		retryDeadline := time.Now().Add(sendRetryTimeout)
		interval := sendRetryInterval
		var err error
		for {
			if job.cancelled() {
				return errCancelled
			}
			err = client.SendBatch(first, last, job.Speed, start, chunk)
			if err == nil {
				return nil
			}

			var ae *ackError
			if errors.As(err, &ae) && ae.status == 429 {
				break // fall through to backpressure wait below
			}

			if !isRetryable(err) {
				return err
			}
			if time.Now().Add(interval).After(retryDeadline) {
				return fmt.Errorf("send retries exhausted: %w", err)
			}
			time.Sleep(interval)
			if interval < 30*time.Second {
				interval *= 2
			}
		}

		var ae *ackError
		if errors.As(err, &ae) && ae.status == 429 {
			if time.Now().After(backpressureDeadline) {
				return fmt.Errorf("device queue did not drain in time: %w", err)
			}
			time.Sleep(backpressureWait)
			continue
		}
		return err
	}
}

func isRetryable(err error) bool {
	var ae *ackError
	if errors.As(err, &ae) {
		return ae.retryable()
	}
	// network-level errors (timeouts, connection refused) are transient
	return true
}
