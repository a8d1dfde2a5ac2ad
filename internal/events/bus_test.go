package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/mediagrab/internal/types"
)

// gate blocks the bus goroutine on the first event until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
	rec     *Recorder
	once    bool
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{}), rec: NewRecorder()}
}

func (g *gate) Handle(ev Event) {
	if !g.once {
		g.once = true
		close(g.entered)
		<-g.release
	}
	g.rec.Handle(ev)
}

// hold publishes a warmup event and waits until the bus goroutine is stuck on it.
func (g *gate) hold(bus *Bus) {
	bus.Publish(JobLog{JobID: "warmup", Line: "hold"})
	<-g.entered
}

func TestBusDeliversLosslessInOrder(t *testing.T) {
	rec := NewRecorder()
	bus := NewBus(0, rec)
	for _, st := range []types.Status{types.StatusQueued, types.StatusStarting, types.StatusConnecting, types.StatusComplete} {
		bus.Publish(JobStatus{JobID: "a", Status: st})
	}
	bus.Close()

	var got []types.Status
	for _, s := range rec.Statuses("a") {
		got = append(got, s.Status)
	}
	assert.Equal(t, []types.Status{types.StatusQueued, types.StatusStarting, types.StatusConnecting, types.StatusComplete}, got)
}

func TestBusCoalescesProgress(t *testing.T) {
	g := newGate()
	bus := NewBus(0, g)
	g.hold(bus)
	for i := 1; i <= 100; i++ {
		bus.Publish(JobProgress{JobID: "a", Percent: float64(i)})
	}
	close(g.release)
	bus.Close()

	var progress []float64
	for _, ev := range g.rec.Events() {
		if p, ok := ev.(JobProgress); ok {
			progress = append(progress, p.Percent)
		}
	}
	require.NotEmpty(t, progress)
	assert.Less(t, len(progress), 100)
	assert.Equal(t, 100.0, progress[len(progress)-1])
}

func TestBusFlushesProgressBeforeTerminal(t *testing.T) {
	g := newGate()
	bus := NewBus(0, g)
	g.hold(bus)
	bus.Publish(JobProgress{JobID: "a", Percent: 40})
	bus.Publish(JobProgress{JobID: "b", Percent: 10})
	bus.Publish(JobProgress{JobID: "a", Percent: 99})
	bus.Publish(JobStatus{JobID: "a", Status: types.StatusComplete})
	close(g.release)
	bus.Close()

	var seq []string
	for _, ev := range g.rec.Events() {
		switch e := ev.(type) {
		case JobProgress:
			seq = append(seq, e.JobID+"-progress")
		case JobStatus:
			seq = append(seq, e.JobID+"-"+e.Status.String())
		}
	}
	assert.Equal(t, []string{"a-progress", "a-complete", "b-progress"}, seq)
}

func TestBusPublishNeverBlocks(t *testing.T) {
	g := newGate()
	bus := NewBus(16, g)
	g.hold(bus)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5000; i++ {
			bus.Publish(JobProgress{JobID: "a", Percent: float64(i % 100)})
			bus.Publish(JobRetry{JobID: "a", Attempt: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled consumer")
	}
	close(g.release)
	bus.Close()

	retries := 0
	for _, ev := range g.rec.Events() {
		if _, ok := ev.(JobRetry); ok {
			retries++
		}
	}
	assert.Equal(t, 5000, retries)
}

func TestBusBatchItemStatusChangesAreLossless(t *testing.T) {
	g := newGate()
	bus := NewBus(0, g)
	g.hold(bus)
	bus.Publish(BatchItem{BatchID: "b", ItemID: "1", Status: types.TaskDownloading, StatusChanged: true})
	bus.Publish(BatchItem{BatchID: "b", ItemID: "1", Status: types.TaskDownloading, Percent: 20})
	bus.Publish(BatchItem{BatchID: "b", ItemID: "1", Status: types.TaskDownloading, Percent: 60})
	bus.Publish(BatchItem{BatchID: "b", ItemID: "1", Status: types.TaskDone, Percent: 100, StatusChanged: true})
	close(g.release)
	bus.Close()

	var statuses []types.TaskStatus
	var percents []float64
	for _, ev := range g.rec.Events() {
		if it, ok := ev.(BatchItem); ok {
			if it.StatusChanged {
				statuses = append(statuses, it.Status)
			} else {
				percents = append(percents, it.Percent)
			}
		}
	}
	assert.Equal(t, []types.TaskStatus{types.TaskDownloading, types.TaskDone}, statuses)
	assert.Equal(t, []float64{60}, percents)
}

func TestBusIgnoresPublishAfterClose(t *testing.T) {
	rec := NewRecorder()
	bus := NewBus(0, rec)
	bus.Close()
	bus.Publish(JobStatus{JobID: "late"})
	bus.Close()
	assert.Empty(t, rec.Events())
}

func TestMulti(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	Multi{a, nil, b}.Publish(JobPaused{JobID: "x", Paused: true})
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}
