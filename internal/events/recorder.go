package events

import (
	"sync"
	"time"
)

// Recorder keeps every event it sees. It is both a Sink and a Handler. It is a
// test helper shared by the scheduler, batch and bus tests; production code
// does not use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Recorder) Handle(ev Event) { r.Publish(ev) }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Statuses returns the JobStatus events of one job in publish order.
func (r *Recorder) Statuses(jobID string) []JobStatus {
	var out []JobStatus
	for _, ev := range r.Events() {
		if s, ok := ev.(JobStatus); ok && s.JobID == jobID {
			out = append(out, s)
		}
	}
	return out
}

// WaitFor blocks until match returns true for some recorded event or timeout elapses.
func (r *Recorder) WaitFor(timeout time.Duration, match func(Event) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, ev := range r.Events() {
			if match(ev) {
				return true
			}
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return false
		}
	}
}
