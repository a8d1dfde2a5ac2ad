package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/events"
	"github.com/tanq16/mediagrab/internal/registry"
	"github.com/tanq16/mediagrab/internal/retry"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrDuplicateID      = errors.New("job id already in use")
	ErrPauseUnsupported = errors.New("platform does not support pause")
	ErrNotRetryable     = errors.New("only failed jobs can be retried")
	ErrClosed           = errors.New("queue is shut down")

	errPaused = errors.New("job paused")
)

type Options struct {
	// MaxConcurrent caps the number of jobs running at once.
	MaxConcurrent int
	// StaggerDelay is the minimum gap between two job starts.
	StaggerDelay time.Duration
	// MaxRetries is the per-job retry budget when a request does not set one.
	MaxRetries            int
	Policy                retry.Policy
	RemovePartialOnCancel bool
	Registry              *registry.Registry
	Sink                  events.Sink
}

// Queue is a FIFO job queue drained by at most MaxConcurrent workers.
type Queue struct {
	opts Options

	mu        sync.Mutex
	jobs      map[string]*tracker
	waiting   []string
	active    int
	lastStart time.Time
	closed    bool
	changed   chan struct{}

	obsMu     sync.RWMutex
	observers []events.Sink

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	if opts.Registry == nil {
		opts.Registry = registry.Global()
	}
	base, stop := context.WithCancel(context.Background())
	return &Queue{
		opts:    opts,
		jobs:    make(map[string]*tracker),
		changed: make(chan struct{}),
		base:    base,
		stop:    stop,
	}
}

// Subscribe adds a sink that sees every job event synchronously. Observers
// must not block; the batch coordinator is the main user.
func (q *Queue) Subscribe(s events.Sink) {
	q.obsMu.Lock()
	defer q.obsMu.Unlock()
	q.observers = append(q.observers, s)
}

func (q *Queue) publish(ev events.Event) {
	q.opts.Sink.Publish(ev)
	q.obsMu.RLock()
	defer q.obsMu.RUnlock()
	for _, o := range q.observers {
		o.Publish(ev)
	}
}

// Submit resolves the request's platform and queues a job for it.
func (q *Queue) Submit(req types.Request) (string, error) {
	if q.opts.Registry == nil {
		return "", errors.New("no platform registry installed")
	}
	var desc registry.Descriptor
	var err error
	if req.Platform != "" {
		desc, err = q.opts.Registry.Lookup(req.Platform)
	} else {
		desc, err = q.opts.Registry.Resolve(req.URL)
	}
	if err != nil {
		return "", err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.opts.MaxRetries
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	now := time.Now()
	t := &tracker{
		q:    q,
		desc: desc,
		done: make(chan struct{}),
		job: types.Job{
			ID:               id,
			Platform:         desc.Name,
			SourceURL:        req.URL,
			OutputPath:       req.OutputPath,
			Connections:      max(req.Connections, 1),
			MaxRetries:       maxRetries,
			Metadata:         metadata,
			HTTPClientConfig: req.HTTPClientConfig,
			Status:           types.StatusQueued,
			BytesTotal:       -1,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	if _, exists := q.jobs[id]; exists {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	q.jobs[id] = t
	q.waiting = append(q.waiting, id)
	t.mu.Lock()
	t.publishStatus()
	t.mu.Unlock()
	q.mu.Unlock()

	log.Debug().Str("op", "scheduler/submit").Msgf("Queued %s job %s for %s", desc.Name, id, req.URL)
	q.dispatch()
	return id, nil
}

// dispatch starts waiting jobs while capacity allows, reserving stagger slots.
func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.active < q.opts.MaxConcurrent && len(q.waiting) > 0 {
		id := q.waiting[0]
		q.waiting = q.waiting[1:]
		t := q.jobs[id]
		q.active++
		t.running = true
		now := time.Now()
		start := now
		if next := q.lastStart.Add(q.opts.StaggerDelay); next.After(start) {
			start = next
		}
		q.lastStart = start
		ctx, cancel := context.WithCancelCause(q.base)
		t.cancel = cancel
		q.wg.Add(1)
		go q.run(ctx, cancel, t, start.Sub(now))
	}
	q.notifyLocked()
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) run(ctx context.Context, cancel context.CancelCauseFunc, t *tracker, wait time.Duration) {
	defer q.wg.Done()
	defer cancel(nil)
	err := q.execute(ctx, t, wait)

	q.mu.Lock()
	q.active--
	t.running = false
	t.cancel = nil
	switch {
	case err == nil:
		t.finish(types.StatusComplete, nil)
	case errors.Is(context.Cause(ctx), errPaused) && !t.cancelRequested:
		if t.paused {
			t.publishPaused(true)
		} else {
			// resumed before the worker wound down
			q.waiting = slices.Insert(q.waiting, 0, t.id())
		}
	case t.cancelRequested || ctx.Err() != nil:
		t.finish(types.StatusCancelled, nil)
	default:
		t.finish(types.StatusFailed, err)
	}
	if t.snapshot().Status.IsTerminal() {
		// a pause that lost the race against the end of the job
		t.paused = false
	}
	q.mu.Unlock()

	if job := t.snapshot(); job.Status == types.StatusCancelled && q.opts.RemovePartialOnCancel {
		q.removePartial(job.OutputPath)
	}
	q.dispatch()
}

// execute runs validation once, then build and download under the retry policy.
func (q *Queue) execute(ctx context.Context, t *tracker, wait time.Duration) error {
	if err := retry.Wait(ctx, wait); err != nil {
		return err
	}
	work := t.beginWork()
	downloader := t.desc.Downloader
	if !t.validated {
		if err := downloader.ValidateJob(&work); err != nil {
			return dlerror.Classify("validate", err)
		}
		t.validated = true
	}

	return q.opts.Policy.Run(ctx, work.MaxRetries, func(actx context.Context, a retry.Attempt) error {
		work.Hint = types.Hint{Attempt: a.Number, Rotate: a.Rotate}
		t.beginAttempt(a.Number)
		if !t.built {
			if err := downloader.BuildJob(actx, &work); err != nil {
				return err
			}
			t.built = true
			t.setBuilt(work)
		}
		return downloader.Download(actx, &work, t)
	}, func(failed int, d retry.Decision, err error) {
		t.retrying(failed, d, err)
	})
}

func (q *Queue) removePartial(outputPath string) {
	if outputPath == "" {
		return
	}
	if err := utils.CleanFunction(outputPath); err != nil {
		log.Warn().Str("op", "scheduler/cancel").Err(err).Msgf("Failed to clean partial data for %s", outputPath)
	}
}

// Cancel stops queued, paused or running jobs. Cancelling a finished job is a
// no-op. All ids are handled under one lock and queued jobs are dropped before
// running ones are stopped, so no listed job can start while others wind down.
func (q *Queue) Cancel(ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	var running []*tracker
	for _, id := range ids {
		t, ok := q.jobs[id]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNotFound, id))
			continue
		}
		if t.snapshot().Status.IsTerminal() {
			continue
		}
		t.cancelRequested = true
		if t.running {
			running = append(running, t)
			continue
		}
		q.waiting = slices.DeleteFunc(q.waiting, func(w string) bool { return w == id })
		t.finish(types.StatusCancelled, nil)
	}
	for _, t := range running {
		t.cancel(context.Canceled)
	}
	q.notifyLocked()
	return errors.Join(errs...)
}

// Pause suspends a job on a resumable platform, keeping its partial data.
func (q *Queue) Pause(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !t.desc.Has(registry.Resumable) {
		return fmt.Errorf("%w: %s", ErrPauseUnsupported, t.desc.Name)
	}
	if t.snapshot().Status.IsTerminal() || t.paused {
		return nil
	}
	t.paused = true
	if t.running {
		t.cancel(errPaused)
		return nil
	}
	q.waiting = slices.DeleteFunc(q.waiting, func(w string) bool { return w == id })
	t.publishPaused(true)
	q.notifyLocked()
	return nil
}

// Resume puts a paused job back at the front of the queue.
func (q *Queue) Resume(id string) error {
	q.mu.Lock()
	t, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !t.paused || t.snapshot().Status.IsTerminal() {
		t.paused = false
		q.mu.Unlock()
		return nil
	}
	t.paused = false
	if !t.running {
		t.publishPaused(false)
		q.waiting = slices.Insert(q.waiting, 0, id)
	}
	q.mu.Unlock()
	q.dispatch()
	return nil
}

// Retry re-queues a failed job from scratch.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	t, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !t.requeue() {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, t.snapshot().Status)
	}
	q.waiting = append(q.waiting, id)
	q.mu.Unlock()
	q.dispatch()
	return nil
}

func (q *Queue) Get(id string) (types.Job, bool) {
	q.mu.Lock()
	t, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return types.Job{}, false
	}
	return t.snapshot(), true
}

// Jobs returns a snapshot of every job in submission order.
func (q *Queue) Jobs() []types.Job {
	q.mu.Lock()
	trackers := make([]*tracker, 0, len(q.jobs))
	for _, t := range q.jobs {
		trackers = append(trackers, t)
	}
	q.mu.Unlock()
	jobs := make([]types.Job, 0, len(trackers))
	for _, t := range trackers {
		jobs = append(jobs, t.snapshot())
	}
	slices.SortFunc(jobs, func(a, b types.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return jobs
}

// WaitJob blocks until the job reaches a terminal status.
func (q *Queue) WaitJob(ctx context.Context, id string) (types.Job, error) {
	q.mu.Lock()
	t, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-t.doneCh():
		return t.snapshot(), nil
	case <-ctx.Done():
		return t.snapshot(), ctx.Err()
	}
}

// Wait blocks until nothing is queued or running. Paused jobs do not count.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := q.active == 0 && len(q.waiting) == 0
		ch := q.changed
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown cancels everything still queued or running and waits for workers.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	pending := q.waiting
	q.waiting = nil
	for _, id := range pending {
		t := q.jobs[id]
		t.cancelRequested = true
		t.finish(types.StatusCancelled, nil)
	}
	for _, t := range q.jobs {
		if t.paused && !t.running {
			t.cancelRequested = true
			t.finish(types.StatusCancelled, nil)
		}
	}
	q.notifyLocked()
	q.mu.Unlock()
	q.stop()
	q.wg.Wait()

	// a job paused while running winds down without a terminal status
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.jobs {
		if !t.snapshot().Status.IsTerminal() {
			t.cancelRequested = true
			t.finish(types.StatusCancelled, nil)
		}
	}
}
