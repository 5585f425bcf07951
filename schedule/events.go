package schedule

import (
	"sync"
	"time"

	"github.com/teranos/sluice/coordinator"
)

// EventKind names a scheduler event.
type EventKind string

const (
	EventSeeding       EventKind = "seeding"        // a full pass started enumerating seeds
	EventCrawling      EventKind = "crawling"       // seeding finished, pending records are being fetched
	EventIncremental   EventKind = "incremental"    // change notifications started a crawl between passes
	EventPassComplete  EventKind = "pass_complete"  // crawl finished, job idle until its next run
	EventDone          EventKind = "done"           // one-time job finished
	EventPaused        EventKind = "paused"         // dispatch frozen by an operator or an auth failure
	EventResumed       EventKind = "resumed"        // dispatch unfrozen
	EventAborted       EventKind = "aborted"        // queued tasks discarded, in-flight tasks drained
	EventRejected      EventKind = "rejected"       // job definition failed validation at start
	EventDispatched    EventKind = "dispatched"     // task handed to a worker
	EventRetired       EventKind = "retired"        // task outcome committed
	EventRetryDeferred EventKind = "retry_deferred" // transient failure waiting out its backoff
)

// Event is published on every state transition and task dispatch or
// retirement.
type Event struct {
	Kind     EventKind
	JobID    string
	DocID    string
	TaskKind coordinator.Kind
	Seq      uint64
	Outcome  coordinator.OutcomeKind
	Reason   string
	At       time.Time
}

type hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// Subscribe returns a channel receiving events and a function to stop the
// subscription. Events are dropped for a subscriber whose buffer is full,
// so a slow reader never stalls scheduling.
func (s *Scheduler) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	s.events.mu.Lock()
	s.events.subs[ch] = struct{}{}
	s.events.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.events.mu.Lock()
			delete(s.events.subs, ch)
			s.events.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Scheduler) publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.events.mu.Lock()
	defer s.events.mu.Unlock()
	for ch := range s.events.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
