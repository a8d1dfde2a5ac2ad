package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/events"
	"github.com/tanq16/mediagrab/internal/registry"
	"github.com/tanq16/mediagrab/internal/retry"
	"github.com/tanq16/mediagrab/internal/types"
)

var fastPolicy = retry.Policy{
	TransportDelay:  time.Millisecond,
	RateLimitBase:   2 * time.Millisecond,
	RateLimitMax:    10 * time.Millisecond,
	RateLimitFactor: 2,
}

type downloadFunc func(ctx context.Context, job *types.Job, r types.Reporter) error

// fakeDownloader runs a per-URL script and records how it was driven.
type fakeDownloader struct {
	mu       sync.Mutex
	scripts  map[string]downloadFunc
	validate func(*types.Job) error
	starts   []time.Time
	order    []string
	calls    map[string]int

	running atomic.Int32
	peak    atomic.Int32
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{scripts: map[string]downloadFunc{}, calls: map[string]int{}}
}

func (f *fakeDownloader) ValidateJob(job *types.Job) error {
	if f.validate != nil {
		return f.validate(job)
	}
	return nil
}

func (f *fakeDownloader) BuildJob(ctx context.Context, job *types.Job) error {
	if job.OutputPath == "" {
		job.OutputPath = "out-" + job.ID
	}
	return nil
}

func (f *fakeDownloader) Download(ctx context.Context, job *types.Job, r types.Reporter) error {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.starts = append(f.starts, time.Now())
	f.order = append(f.order, job.SourceURL)
	f.calls[job.SourceURL]++
	script := f.scripts[job.SourceURL]
	f.mu.Unlock()
	if script == nil {
		r.SetTotal(10)
		r.Add(10)
		return nil
	}
	return script(ctx, job, r)
}

func (f *fakeDownloader) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func blockUntilCancelled(ctx context.Context, _ *types.Job, _ types.Reporter) error {
	<-ctx.Done()
	return dlerror.Wrap(dlerror.Cancelled, "fake", ctx.Err())
}

func failTimes(n int, kind dlerror.Kind) downloadFunc {
	return func(ctx context.Context, job *types.Job, r types.Reporter) error {
		if job.Hint.Attempt <= n {
			return dlerror.New(kind, "fake", "attempt %d", job.Hint.Attempt)
		}
		r.SetTotal(10)
		r.Add(10)
		return nil
	}
}

func newTestQueue(t *testing.T, d *fakeDownloader, opts Options) (*Queue, *events.Recorder) {
	t.Helper()
	reg, err := registry.New([]registry.Descriptor{{
		Name:         "resumable",
		Match:        registry.SchemeMatcher("res"),
		Capabilities: []registry.Capability{registry.Resumable},
		Downloader:   d,
	}}, &registry.Descriptor{Name: "plain", Downloader: d})
	require.NoError(t, err)
	rec := events.NewRecorder()
	opts.Registry = reg
	opts.Sink = rec
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.Policy == (retry.Policy{}) {
		opts.Policy = fastPolicy
	}
	q := New(opts)
	t.Cleanup(q.Shutdown)
	return q, rec
}

func waitJob(t *testing.T, q *Queue, id string) types.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := q.WaitJob(ctx, id)
	require.NoError(t, err)
	return job
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

func TestQueueRespectsConcurrencyCap(t *testing.T) {
	d := newFakeDownloader()
	q, _ := newTestQueue(t, d, Options{MaxConcurrent: 2})
	var ids []string
	for i := range 6 {
		url := fmt.Sprintf("https://example.com/%d.bin", i)
		d.scripts[url] = func(ctx context.Context, job *types.Job, r types.Reporter) error {
			time.Sleep(15 * time.Millisecond)
			return nil
		}
		id, err := q.Submit(types.Request{URL: url})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	waitIdle(t, q)
	assert.Equal(t, int32(2), d.peak.Load())
	for _, id := range ids {
		job, _ := q.Get(id)
		assert.Equal(t, types.StatusComplete, job.Status)
		assert.Equal(t, 100.0, job.Percent)
	}
}

func TestQueueStaggersStarts(t *testing.T) {
	d := newFakeDownloader()
	stagger := 25 * time.Millisecond
	q, _ := newTestQueue(t, d, Options{MaxConcurrent: 3, StaggerDelay: stagger})
	begin := time.Now()
	for i := range 3 {
		_, err := q.Submit(types.Request{URL: fmt.Sprintf("https://example.com/%d", i)})
		require.NoError(t, err)
	}
	waitIdle(t, q)
	d.mu.Lock()
	starts := slices.Clone(d.starts)
	d.mu.Unlock()
	slices.SortFunc(starts, func(a, b time.Time) int { return a.Compare(b) })
	require.Len(t, starts, 3)
	for i, s := range starts {
		assert.GreaterOrEqual(t, s.Sub(begin), time.Duration(i)*stagger)
	}
}

func TestQueueIsFIFO(t *testing.T) {
	d := newFakeDownloader()
	q, _ := newTestQueue(t, d, Options{MaxConcurrent: 1})
	var urls []string
	for i := range 5 {
		url := fmt.Sprintf("https://example.com/%d", i)
		urls = append(urls, url)
		_, err := q.Submit(types.Request{URL: url})
		require.NoError(t, err)
	}
	waitIdle(t, q)
	assert.Equal(t, urls, d.order)
}

func TestTransportFailureExhaustsRetries(t *testing.T) {
	d := newFakeDownloader()
	url := "https://example.com/flaky"
	d.scripts[url] = failTimes(100, dlerror.Transport)
	q, rec := newTestQueue(t, d, Options{MaxConcurrent: 1})

	id, err := q.Submit(types.Request{URL: url, MaxRetries: 3})
	require.NoError(t, err)
	job := waitJob(t, q, id)

	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, 4, job.AttemptCount)
	assert.Equal(t, 4, d.callCount(url))
	assert.Equal(t, dlerror.Transport, job.ErrorKind)
	assert.Contains(t, job.LastError, "gave up after 4 attempts")

	var retries []events.JobRetry
	for _, ev := range rec.Events() {
		if r, ok := ev.(events.JobRetry); ok {
			retries = append(retries, r)
		}
	}
	require.Len(t, retries, 3)
	for i, r := range retries {
		assert.Equal(t, i+1, r.Attempt)
		assert.Equal(t, fastPolicy.TransportDelay, r.Delay)
		assert.False(t, r.Rotate)
	}
}

func TestTransientFailureRecovers(t *testing.T) {
	d := newFakeDownloader()
	url := "https://example.com/recovers"
	d.scripts[url] = failTimes(2, dlerror.Transport)
	q, rec := newTestQueue(t, d, Options{MaxConcurrent: 1})

	id, err := q.Submit(types.Request{URL: url})
	require.NoError(t, err)
	job := waitJob(t, q, id)

	assert.Equal(t, types.StatusComplete, job.Status)
	assert.Equal(t, 3, job.AttemptCount)
	statuses := rec.Statuses(id)
	require.NotEmpty(t, statuses)
	for i := 1; i < len(statuses); i++ {
		assert.GreaterOrEqual(t, statuses[i].Status, statuses[i-1].Status, "status moved backwards")
	}
	assert.Equal(t, types.StatusComplete, statuses[len(statuses)-1].Status)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	d := newFakeDownloader()
	url := "https://example.com/private"
	d.scripts[url] = failTimes(100, dlerror.AuthRequired)
	q, _ := newTestQueue(t, d, Options{MaxConcurrent: 1})

	id, err := q.Submit(types.Request{URL: url})
	require.NoError(t, err)
	job := waitJob(t, q, id)

	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, dlerror.AuthRequired, job.ErrorKind)
	assert.NotEmpty(t, job.LastError)
}

func TestRateLimitBacksOffWithRotation(t *testing.T) {
	d := newFakeDownloader()
	url := "https://example.com/limited"
	var hints []types.Hint
	d.scripts[url] = func(ctx context.Context, job *types.Job, r types.Reporter) error {
		hints = append(hints, job.Hint)
		return dlerror.New(dlerror.RateLimited, "fake", "slow down")
	}
	q, rec := newTestQueue(t, d, Options{MaxConcurrent: 1})

	id, err := q.Submit(types.Request{URL: url, MaxRetries: 2})
	require.NoError(t, err)
	job := waitJob(t, q, id)

	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, dlerror.RateLimited, job.ErrorKind)
	assert.Contains(t, job.LastError, "gave up after 3 attempts (rate-limited, waited [2ms 4ms])")

	require.Len(t, hints, 3)
	assert.False(t, hints[0].Rotate)
	assert.True(t, hints[1].Rotate)
	assert.True(t, hints[2].Rotate)

	var delays []time.Duration
	for _, ev := range rec.Events() {
		if r, ok := ev.(events.JobRetry); ok {
			delays = append(delays, r.Delay)
			assert.True(t, r.Rotate)
		}
	}
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond}, delays)
}

func TestValidationFailureFailsImmediately(t *testing.T) {
	d := newFakeDownloader()
	d.validate = func(job *types.Job) error {
		return dlerror.New(dlerror.FormatUnavailable, "fake", "bad output path")
	}
	q, _ := newTestQueue(t, d, Options{MaxConcurrent: 1})
	id, err := q.Submit(types.Request{URL: "https://example.com/x"})
	require.NoError(t, err)
	job := waitJob(t, q, id)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, dlerror.FormatUnavailable, job.ErrorKind)
	assert.Zero(t, d.callCount("https://example.com/x"))
}

func TestCancelQueuedAndRunning(t *testing.T) {
	d := newFakeDownloader()
	first, second := "https://example.com/first", "https://example.com/second"
	d.scripts[first] = blockUntilCancelled
	q, rec := newTestQueue(t, d, Options{MaxConcurrent: 1})

	runningID, err := q.Submit(types.Request{URL: first})
	require.NoError(t, err)
	queuedID, err := q.Submit(types.Request{URL: second})
	require.NoError(t, err)
	require.True(t, rec.WaitFor(time.Second, func(ev events.Event) bool {
		s, ok := ev.(events.JobStatus)
		return ok && s.JobID == runningID && s.Status == types.StatusConnecting
	}))

	require.NoError(t, q.Cancel(queuedID))
	job := waitJob(t, q, queuedID)
	assert.Equal(t, types.StatusCancelled, job.Status)

	require.NoError(t, q.Cancel(runningID))
	job = waitJob(t, q, runningID)
	assert.Equal(t, types.StatusCancelled, job.Status)
	assert.Equal(t, 1, job.AttemptCount)

	waitIdle(t, q)
	assert.Zero(t, d.callCount(second))
	assert.NoError(t, q.Cancel(runningID), "cancelling a finished job is a no-op")
	assert.ErrorIs(t, q.Cancel("missing"), ErrNotFound)
}

func TestPauseAndResume(t *testing.T) {
	d := newFakeDownloader()
	url := "res://bucket/big.bin"
	var attempt atomic.Int32
	d.scripts[url] = func(ctx context.Context, job *types.Job, r types.Reporter) error {
		r.SetTotal(100)
		if attempt.Add(1) == 1 {
			r.Add(40)
			return blockUntilCancelled(ctx, job, r)
		}
		r.Add(100)
		return nil
	}
	q, rec := newTestQueue(t, d, Options{MaxConcurrent: 1})

	id, err := q.Submit(types.Request{URL: url})
	require.NoError(t, err)
	require.True(t, rec.WaitFor(time.Second, func(ev events.Event) bool {
		p, ok := ev.(events.JobProgress)
		return ok && p.JobID == id && p.Percent >= 40
	}))

	require.NoError(t, q.Pause(id))
	require.True(t, rec.WaitFor(time.Second, func(ev events.Event) bool {
		p, ok := ev.(events.JobPaused)
		return ok && p.JobID == id && p.Paused
	}))
	waitIdle(t, q)
	job, _ := q.Get(id)
	assert.True(t, job.Paused)
	assert.False(t, job.Status.IsTerminal())
	assert.Equal(t, 40.0, job.Percent)

	require.NoError(t, q.Resume(id))
	job = waitJob(t, q, id)
	assert.Equal(t, types.StatusComplete, job.Status)
	assert.False(t, job.Paused)
	assert.Equal(t, 2, d.callCount(url))
}

func TestPauseLosingRaceToCompletionDoesNotRerun(t *testing.T) {
	d := newFakeDownloader()
	url := "res://bucket/racy.bin"
	release := make(chan struct{})
	d.scripts[url] = func(ctx context.Context, job *types.Job, r types.Reporter) error {
		r.SetTotal(10)
		r.Add(5)
		<-release
		// finishes without looking at ctx
		r.Add(5)
		return nil
	}
	q, rec := newTestQueue(t, d, Options{MaxConcurrent: 1})

	id, err := q.Submit(types.Request{URL: url})
	require.NoError(t, err)
	require.True(t, rec.WaitFor(time.Second, func(ev events.Event) bool {
		p, ok := ev.(events.JobProgress)
		return ok && p.JobID == id && p.Percent >= 50
	}))

	require.NoError(t, q.Pause(id))
	close(release)
	job := waitJob(t, q, id)
	assert.Equal(t, types.StatusComplete, job.Status)
	assert.False(t, job.Paused)

	require.NoError(t, q.Resume(id))
	waitIdle(t, q)
	job, _ = q.Get(id)
	assert.Equal(t, types.StatusComplete, job.Status)
	assert.Equal(t, 1, d.callCount(url), "a finished job is never downloaded again")
	assert.NoError(t, q.Pause(id), "pausing a finished job is a no-op")
}

func TestPauseUnsupportedPlatform(t *testing.T) {
	d := newFakeDownloader()
	url := "https://example.com/plain"
	d.scripts[url] = blockUntilCancelled
	q, _ := newTestQueue(t, d, Options{MaxConcurrent: 1})
	id, err := q.Submit(types.Request{URL: url})
	require.NoError(t, err)
	assert.ErrorIs(t, q.Pause(id), ErrPauseUnsupported)
	require.NoError(t, q.Cancel(id))
	assert.Equal(t, types.StatusCancelled, waitJob(t, q, id).Status)
}

func TestManualRetryOfFailedJob(t *testing.T) {
	d := newFakeDownloader()
	url := "https://example.com/once"
	var calls atomic.Int32
	d.scripts[url] = func(ctx context.Context, job *types.Job, r types.Reporter) error {
		if calls.Add(1) == 1 {
			return dlerror.New(dlerror.AuthExpired, "fake", "cookie expired")
		}
		r.SetTotal(1)
		r.Add(1)
		return nil
	}
	q, _ := newTestQueue(t, d, Options{MaxConcurrent: 1})
	id, err := q.Submit(types.Request{URL: url})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, waitJob(t, q, id).Status)

	require.NoError(t, q.Retry(id))
	job := waitJob(t, q, id)
	assert.Equal(t, types.StatusComplete, job.Status)
	assert.Empty(t, job.LastError)
	assert.ErrorIs(t, q.Retry(id), ErrNotRetryable)
}

func TestProgressNeverMovesBackwards(t *testing.T) {
	d := newFakeDownloader()
	url := "https://example.com/progress"
	d.scripts[url] = func(ctx context.Context, job *types.Job, r types.Reporter) error {
		r.SetTotal(100)
		if job.Hint.Attempt == 1 {
			r.Add(60)
			return dlerror.New(dlerror.Transport, "fake", "reset")
		}
		for range 10 {
			r.Add(10)
		}
		return nil
	}
	q, rec := newTestQueue(t, d, Options{MaxConcurrent: 1})
	id, err := q.Submit(types.Request{URL: url})
	require.NoError(t, err)
	waitJob(t, q, id)

	var percents []float64
	for _, ev := range rec.Events() {
		if p, ok := ev.(events.JobProgress); ok && p.JobID == id {
			percents = append(percents, p.Percent)
		}
	}
	require.NotEmpty(t, percents)
	assert.True(t, slices.IsSorted(percents), "percent sequence %v", percents)
	assert.Equal(t, 100.0, percents[len(percents)-1])
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	d := newFakeDownloader()
	q, _ := newTestQueue(t, d, Options{MaxConcurrent: 1})

	_, err := q.Submit(types.Request{URL: "ftp://example.com/file"})
	assert.ErrorIs(t, err, registry.ErrUnsupported)
	_, err = q.Submit(types.Request{URL: "https://example.com/a", Platform: "nope"})
	assert.ErrorIs(t, err, registry.ErrUnknownPlatform)

	_, err = q.Submit(types.Request{ID: "fixed", URL: "https://example.com/a"})
	require.NoError(t, err)
	_, err = q.Submit(types.Request{ID: "fixed", URL: "https://example.com/b"})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestShutdownCancelsPendingWork(t *testing.T) {
	d := newFakeDownloader()
	url := "https://example.com/slow"
	d.scripts[url] = blockUntilCancelled
	q, _ := newTestQueue(t, d, Options{MaxConcurrent: 1})
	a, err := q.Submit(types.Request{URL: url})
	require.NoError(t, err)
	b, err := q.Submit(types.Request{URL: "https://example.com/later"})
	require.NoError(t, err)

	q.Shutdown()
	for _, id := range []string{a, b} {
		job, _ := q.Get(id)
		assert.Equal(t, types.StatusCancelled, job.Status)
	}
	_, err = q.Submit(types.Request{URL: url})
	assert.ErrorIs(t, err, ErrClosed)
}
