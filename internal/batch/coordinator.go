package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/events"
	"github.com/tanq16/mediagrab/internal/types"
)

var (
	ErrNotFound    = errors.New("batch not found")
	ErrEmptyBatch  = errors.New("batch has no items")
	ErrDuplicateID = errors.New("duplicate item id")
)

// Queue is the part of the job queue the coordinator drives. Subscribe must
// deliver job events synchronously and in order.
type Queue interface {
	Submit(req types.Request) (string, error)
	Cancel(ids ...string) error
	Subscribe(s events.Sink)
}

// SkipFunc decides before dispatch whether an item needs no transfer, for
// instance because it was already downloaded.
type SkipFunc func(item Item) (skip bool, reason string)

type Item struct {
	ItemID  string
	Request types.Request
}

type Option func(*Coordinator)

func WithSkip(f SkipFunc) Option {
	return func(c *Coordinator) { c.skip = f }
}

type batchState struct {
	job       types.BatchJob
	index     map[string]int // item id -> position in job.Items
	submitted []bool
	done      chan struct{}
	ended     bool
}

type jobRef struct {
	batchID string
	item    int
}

// Coordinator fans a batch of items out as queue jobs and folds their events
// back into per-item tasks and an aggregate count.
type Coordinator struct {
	q    Queue
	sink events.Sink
	skip SkipFunc

	mu      sync.Mutex
	batches map[string]*batchState
	byJob   map[string]jobRef
}

func New(q Queue, sink events.Sink, opts ...Option) *Coordinator {
	if sink == nil {
		sink = events.Discard
	}
	c := &Coordinator{
		q:       q,
		sink:    sink,
		batches: make(map[string]*batchState),
		byJob:   make(map[string]jobRef),
	}
	for _, opt := range opts {
		opt(c)
	}
	q.Subscribe(c)
	return c
}

// SubmitBatch registers every item as Waiting, applies the skip policy and then
// submits the remaining items to the queue in order.
func (c *Coordinator) SubmitBatch(name string, items []Item) (string, error) {
	if len(items) == 0 {
		return "", ErrEmptyBatch
	}
	items = slices.Clone(items)
	id := uuid.NewString()
	st := &batchState{
		job: types.BatchJob{
			ID:        id,
			Name:      name,
			Items:     make([]types.FileTask, len(items)),
			Total:     len(items),
			CreatedAt: time.Now(),
		},
		index:     make(map[string]int, len(items)),
		submitted: make([]bool, len(items)),
		done:      make(chan struct{}),
	}
	reqs := make([]types.Request, len(items))
	for i, it := range items {
		itemID := it.ItemID
		if itemID == "" {
			itemID = strconv.Itoa(i + 1)
		}
		if _, dup := st.index[itemID]; dup {
			return "", fmt.Errorf("%w: %s", ErrDuplicateID, itemID)
		}
		st.index[itemID] = i
		items[i].ItemID = itemID
		reqs[i] = it.Request
		if reqs[i].ID == "" {
			reqs[i].ID = uuid.NewString()
		}
		st.job.Items[i] = types.FileTask{ItemID: itemID, JobID: reqs[i].ID, URL: it.Request.URL, Status: types.TaskWaiting}
	}

	c.mu.Lock()
	c.batches[id] = st
	for i, req := range reqs {
		c.byJob[req.ID] = jobRef{batchID: id, item: i}
	}
	c.publishProgressLocked(st)
	if c.skip != nil {
		for i, it := range items {
			if skip, reason := c.skip(it); skip {
				log.Debug().Str("op", "batch/coordinator").Msgf("Skipping %s: %s", it.Request.URL, reason)
				c.setTaskLocked(st, i, types.TaskSkipped, reason)
			}
		}
	}
	c.mu.Unlock()
	log.Info().Str("op", "batch/coordinator").Msgf("Batch %s (%s) submitted with %d items", name, id, len(items))

	for i, req := range reqs {
		c.mu.Lock()
		task := st.job.Items[i]
		cancelled := st.job.Cancelled
		if cancelled && task.Status == types.TaskWaiting {
			c.setTaskLocked(st, i, types.TaskCancelled, "")
		}
		c.mu.Unlock()
		if cancelled || task.Status != types.TaskWaiting {
			continue
		}
		if _, err := c.q.Submit(req); err != nil {
			log.Error().Str("op", "batch/coordinator").Err(err).Msgf("Failed to submit %s", req.URL)
			c.mu.Lock()
			c.setTaskLocked(st, i, types.TaskError, err.Error())
			c.mu.Unlock()
			continue
		}
		c.mu.Lock()
		st.submitted[i] = true
		// CancelBatch may have run while this job was being submitted
		cancelled = st.job.Cancelled
		c.mu.Unlock()
		if cancelled {
			_ = c.q.Cancel(req.ID)
		}
	}
	c.mu.Lock()
	c.checkFinishedLocked(st)
	c.mu.Unlock()
	return id, nil
}

// CancelBatch cancels every task that has not finished. Finished tasks keep their status.
func (c *Coordinator) CancelBatch(id string) error {
	c.mu.Lock()
	st, ok := c.batches[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if st.ended {
		c.mu.Unlock()
		return nil
	}
	st.job.Cancelled = true
	var jobIDs []string
	for i, task := range st.job.Items {
		if st.submitted[i] && !task.Status.IsTerminal() {
			jobIDs = append(jobIDs, task.JobID)
		}
	}
	c.mu.Unlock()

	// the queue reports cancellations back through Publish
	err := c.q.Cancel(jobIDs...)

	c.mu.Lock()
	c.checkFinishedLocked(st)
	c.mu.Unlock()
	log.Info().Str("op", "batch/coordinator").Msgf("Batch %s cancelled (%d jobs stopped)", id, len(jobIDs))
	return err
}

// Publish receives job events from the queue.
func (c *Coordinator) Publish(ev events.Event) {
	switch e := ev.(type) {
	case events.JobStatus:
		c.onStatus(e)
	case events.JobProgress:
		c.onProgress(e)
	}
}

func (c *Coordinator) onStatus(e events.JobStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, st := c.lookupLocked(e.JobID)
	if st == nil {
		return
	}
	var status types.TaskStatus
	switch {
	case e.Status == types.StatusQueued:
		return
	case e.Status.IsActive():
		status = types.TaskDownloading
	case e.Status == types.StatusComplete:
		status = types.TaskDone
	case e.Status == types.StatusFailed:
		status = types.TaskError
	case e.Status == types.StatusCancelled:
		status = types.TaskCancelled
	default:
		return
	}
	c.setTaskLocked(st, ref.item, status, e.Error)
	c.checkFinishedLocked(st)
}

func (c *Coordinator) onProgress(e events.JobProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, st := c.lookupLocked(e.JobID)
	if st == nil {
		return
	}
	task := &st.job.Items[ref.item]
	if task.Status.IsTerminal() || e.Percent <= task.Percent {
		return
	}
	task.Percent = e.Percent
	c.sink.Publish(events.BatchItem{
		BatchID: st.job.ID,
		ItemID:  task.ItemID,
		JobID:   task.JobID,
		Status:  task.Status,
		Percent: task.Percent,
	})
}

func (c *Coordinator) lookupLocked(jobID string) (jobRef, *batchState) {
	ref, ok := c.byJob[jobID]
	if !ok {
		return ref, nil
	}
	return ref, c.batches[ref.batchID]
}

// setTaskLocked applies a status change. Terminal tasks never change again,
// which keeps DoneCount non-decreasing.
func (c *Coordinator) setTaskLocked(st *batchState, i int, status types.TaskStatus, errMsg string) {
	task := &st.job.Items[i]
	if task.Status == status || task.Status.IsTerminal() {
		return
	}
	task.Status = status
	if status == types.TaskDone {
		task.Percent = 100
	}
	if status == types.TaskError || status == types.TaskSkipped {
		task.Error = errMsg
	}
	c.sink.Publish(events.BatchItem{
		BatchID:       st.job.ID,
		ItemID:        task.ItemID,
		JobID:         task.JobID,
		Status:        task.Status,
		Percent:       task.Percent,
		Error:         task.Error,
		StatusChanged: true,
	})
	if status.Counted() {
		st.job.DoneCount++
		c.publishProgressLocked(st)
	}
}

func (c *Coordinator) publishProgressLocked(st *batchState) {
	c.sink.Publish(events.BatchProgress{
		BatchID: st.job.ID,
		Name:    st.job.Name,
		Done:    st.job.DoneCount,
		Total:   st.job.Total,
	})
}

func (c *Coordinator) checkFinishedLocked(st *batchState) {
	if st.ended {
		return
	}
	if st.job.DoneCount != st.job.Total {
		if !st.job.Cancelled {
			return
		}
		for _, task := range st.job.Items {
			if !task.Status.IsTerminal() {
				return
			}
		}
	}
	st.ended = true
	close(st.done)
	c.sink.Publish(events.BatchFinished{
		BatchID:   st.job.ID,
		Name:      st.job.Name,
		Done:      st.job.DoneCount,
		Total:     st.job.Total,
		Cancelled: st.job.Cancelled,
	})
	log.Info().Str("op", "batch/coordinator").Msgf("Batch %s finished: %d/%d", st.job.Name, st.job.DoneCount, st.job.Total)
}

func (c *Coordinator) Get(id string) (types.BatchJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.batches[id]
	if !ok {
		return types.BatchJob{}, false
	}
	return snapshot(st), true
}

// Batches returns every batch, oldest first.
func (c *Coordinator) Batches() []types.BatchJob {
	c.mu.Lock()
	out := make([]types.BatchJob, 0, len(c.batches))
	for _, st := range c.batches {
		out = append(out, snapshot(st))
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b types.BatchJob) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Wait blocks until the batch has finished or was cancelled and wound down.
func (c *Coordinator) Wait(ctx context.Context, id string) (types.BatchJob, error) {
	c.mu.Lock()
	st, ok := c.batches[id]
	c.mu.Unlock()
	if !ok {
		return types.BatchJob{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-st.done:
	case <-ctx.Done():
		job, _ := c.Get(id)
		return job, ctx.Err()
	}
	job, _ := c.Get(id)
	return job, nil
}

func snapshot(st *batchState) types.BatchJob {
	job := st.job
	job.Items = slices.Clone(st.job.Items)
	return job
}
