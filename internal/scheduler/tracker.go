package scheduler

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/events"
	"github.com/tanq16/mediagrab/internal/progress"
	"github.com/tanq16/mediagrab/internal/registry"
	"github.com/tanq16/mediagrab/internal/retry"
	"github.com/tanq16/mediagrab/internal/types"
)

// tracker owns one job record. Control flags are guarded by Queue.mu, the job
// record by tracker.mu. It is the Reporter handed to the job's downloader.
type tracker struct {
	q    *Queue
	desc registry.Descriptor

	// guarded by Queue.mu
	running         bool
	paused          bool
	cancelRequested bool
	cancel          context.CancelCauseFunc

	// owned by the running worker
	validated bool
	built     bool

	mu       sync.Mutex
	job      types.Job
	meter    *progress.Meter
	segDone  int
	segTotal int
	done     chan struct{}
}

func (t *tracker) id() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.ID
}

func (t *tracker) snapshot() types.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Snapshot()
}

func (t *tracker) doneCh() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// beginWork marks the job started and hands the worker its private copy.
func (t *tracker) beginWork() types.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meter == nil {
		t.meter = progress.NewMeter(nil)
	}
	t.advance(types.StatusStarting)
	return t.job.Snapshot()
}

// beginAttempt resets per-attempt counters. Percent is kept, so it never drops.
func (t *tracker) beginAttempt(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.AttemptCount = n
	t.job.BytesTransferred = 0
	t.segDone = 0
	t.meter.Reset(0)
	t.advance(types.StatusConnecting)
}

func (t *tracker) setBuilt(work types.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.OutputPath = work.OutputPath
	t.job.Metadata = maps.Clone(work.Metadata)
	if work.BytesTotal > 0 {
		t.job.BytesTotal = work.BytesTotal
	}
}

func (t *tracker) retrying(failed int, d retry.Decision, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.LastError = err.Error()
	t.job.ErrorKind = d.Kind
	t.job.UpdatedAt = time.Now()
	log.Warn().Str("op", "scheduler/retry").Err(err).Msgf("Job %s attempt %d/%d failed (%s), retrying in %s",
		t.job.ID, failed, t.job.MaxRetries+1, d.Kind, d.Delay)
	t.q.publish(events.JobRetry{
		JobID:      t.job.ID,
		Attempt:    failed,
		MaxRetries: t.job.MaxRetries,
		Delay:      d.Delay,
		Kind:       d.Kind,
		Rotate:     d.Rotate,
		Error:      err.Error(),
	})
}

func (t *tracker) SetPhase(s types.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advance(s)
}

func (t *tracker) SetTotal(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.IsTerminal() {
		return
	}
	t.job.BytesTotal = bytes
}

func (t *tracker) Add(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.IsTerminal() || bytes <= 0 {
		return
	}
	t.job.BytesTransferred += bytes
	t.advance(types.StatusTransferring)
	t.job.Speed = t.meter.Sample(t.job.BytesTransferred)
	t.updatePercent()
	t.publishProgress()
}

func (t *tracker) SetSegments(done, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.IsTerminal() || total <= 0 {
		return
	}
	t.segDone, t.segTotal = done, total
	t.advance(types.StatusTransferring)
	t.updatePercent()
	t.publishProgress()
}

func (t *tracker) Stream(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.IsTerminal() {
		return
	}
	t.q.publish(events.JobLog{JobID: t.job.ID, Line: line})
}

// advance moves the job forward; backwards moves are ignored. Caller holds t.mu.
func (t *tracker) advance(s types.Status) bool {
	if t.job.Status == s || !t.job.Status.CanAdvance(s) {
		return false
	}
	t.job.Status = s
	t.job.UpdatedAt = time.Now()
	t.publishStatus()
	return true
}

func (t *tracker) updatePercent() {
	var p float64
	switch {
	case t.segTotal > 0:
		p = float64(t.segDone) / float64(t.segTotal) * 100
	case t.job.BytesTotal > 0:
		p = float64(t.job.BytesTransferred) / float64(t.job.BytesTotal) * 100
	default:
		return
	}
	if p > 100 {
		p = 100
	}
	if p > t.job.Percent {
		t.job.Percent = p
	}
}

func (t *tracker) publishProgress() {
	eta, ok := t.meter.ETA(t.job.Percent)
	t.q.publish(events.JobProgress{
		JobID:            t.job.ID,
		Phase:            t.job.Status,
		Percent:          t.job.Percent,
		BytesTransferred: t.job.BytesTransferred,
		BytesTotal:       t.job.BytesTotal,
		Speed:            t.job.Speed,
		ETA:              eta,
		ETAKnown:         ok,
		SegmentsDone:     t.segDone,
		SegmentsTotal:    t.segTotal,
	})
}

// publishStatus emits the current status. Caller holds t.mu.
func (t *tracker) publishStatus() {
	t.q.publish(events.JobStatus{
		JobID:      t.job.ID,
		Platform:   t.job.Platform,
		SourceURL:  t.job.SourceURL,
		OutputPath: t.job.OutputPath,
		Status:     t.job.Status,
		Attempt:    t.job.AttemptCount,
		Error:      t.job.LastError,
		Kind:       t.job.ErrorKind,
		At:         t.job.UpdatedAt,
	})
}

func (t *tracker) publishPaused(paused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.Paused = paused
	t.q.publish(events.JobPaused{JobID: t.job.ID, Paused: paused})
}

// finish records a terminal status exactly once. Caller holds Queue.mu.
func (t *tracker) finish(status types.Status, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.IsTerminal() {
		return
	}
	switch status {
	case types.StatusComplete:
		t.job.Percent = 100
		if t.meter != nil {
			t.publishProgress()
		}
		t.job.LastError = ""
		t.job.ErrorKind = dlerror.Unknown
	case types.StatusFailed:
		t.job.ErrorKind = dlerror.KindOf(err)
		t.job.LastError = "unknown error"
		if err != nil && err.Error() != "" {
			t.job.LastError = err.Error()
		}
	case types.StatusCancelled:
		t.job.ErrorKind = dlerror.Cancelled
	}
	t.job.Paused = false
	t.job.Status = status
	t.job.UpdatedAt = time.Now()
	t.publishStatus()
	close(t.done)

	evt := log.Info()
	if status == types.StatusFailed {
		evt = log.Error().Str("kind", t.job.ErrorKind.String())
	}
	evt.Str("op", "scheduler/finish").Msgf("Job %s (%s) %s: %s", t.job.ID, t.job.Platform, status, t.job.SourceURL)
}

// requeue moves a failed job back to Queued for a manual retry. Caller holds Queue.mu.
func (t *tracker) requeue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.job.Status.CanAdvance(types.StatusQueued) || t.job.Status != types.StatusFailed {
		return false
	}
	t.job.Status = types.StatusQueued
	t.job.Percent = 0
	t.job.BytesTransferred = 0
	t.job.AttemptCount = 0
	t.job.LastError = ""
	t.job.ErrorKind = dlerror.Unknown
	t.job.UpdatedAt = time.Now()
	t.segDone, t.segTotal = 0, 0
	t.meter = nil
	t.done = make(chan struct{})
	t.validated, t.built = false, false
	t.cancelRequested = false
	t.publishStatus()
	return true
}
