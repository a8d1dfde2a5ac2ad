package events

import (
	"cmp"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// Sink accepts events. Publish must never block the caller.
type Sink interface {
	Publish(ev Event)
}

// Handler consumes events on the bus goroutine.
type Handler interface {
	Handle(ev Event)
}

type HandlerFunc func(ev Event)

func (f HandlerFunc) Handle(ev Event) { f(ev) }

type pendingEvent struct {
	ev  Event
	seq uint64
}

// Bus decouples publishers from slow consumers. Lossless events queue in order;
// lossy events keep only the latest value per key. A lossless event flushes any
// pending lossy events of the same subject ahead of itself, so a job's final
// progress is never delivered after its terminal status.
type Bus struct {
	mu       sync.Mutex
	handlers []Handler
	queue    []Event
	pending  map[string]pendingEvent
	seq      uint64
	closed   bool
	warnAt   int
	signal   chan struct{}
	done     chan struct{}
}

// NewBus starts the delivery goroutine. warnAt is the lossless backlog size that
// triggers a warning log; lossless events are still kept beyond it.
func NewBus(warnAt int, handlers ...Handler) *Bus {
	if warnAt <= 0 {
		warnAt = 1024
	}
	b := &Bus{
		handlers: handlers,
		pending:  make(map[string]pendingEvent),
		warnAt:   warnAt,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	if key := ev.CoalesceKey(); key != "" {
		b.pending[key] = pendingEvent{ev: ev, seq: b.seq}
	} else {
		b.flushSubject(ev.Subject())
		b.queue = append(b.queue, ev)
		if len(b.queue) == b.warnAt {
			log.Warn().Str("op", "events/bus").Msgf("event backlog reached %d, consumers are falling behind", b.warnAt)
		}
	}
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// flushSubject moves pending lossy events for subject into the ordered queue.
func (b *Bus) flushSubject(subject string) {
	var flushed []pendingEvent
	for key, p := range b.pending {
		if p.ev.Subject() == subject {
			flushed = append(flushed, p)
			delete(b.pending, key)
		}
	}
	sortBySeq(flushed)
	for _, p := range flushed {
		b.queue = append(b.queue, p.ev)
	}
}

func (b *Bus) take() ([]Event, []Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.queue
	b.queue = nil
	if len(b.pending) > 0 {
		lossy := make([]pendingEvent, 0, len(b.pending))
		for _, p := range b.pending {
			lossy = append(lossy, p)
		}
		clear(b.pending)
		sortBySeq(lossy)
		for _, p := range lossy {
			batch = append(batch, p.ev)
		}
	}
	return batch, b.handlers
}

func (b *Bus) loop() {
	defer close(b.done)
	for range b.signal {
		batch, handlers := b.take()
		for _, ev := range batch {
			for _, h := range handlers {
				h.Handle(ev)
			}
		}
		b.mu.Lock()
		finished := b.closed && len(b.queue) == 0 && len(b.pending) == 0
		b.mu.Unlock()
		if finished {
			return
		}
	}
}

// Close stops accepting events, delivers what is queued and waits for handlers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
	<-b.done
}

func sortBySeq(ps []pendingEvent) {
	slices.SortFunc(ps, func(a, b pendingEvent) int { return cmp.Compare(a.seq, b.seq) })
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}

// Discard drops all events.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) {}
