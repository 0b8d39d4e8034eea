// Package broadcast fans out run events to live subscribers without making
// them read the run_events table on every tick. The table stays the durable source of truth; this package is
// a cache of "what just happened" layered in front of it, structurally the
// same topic-based pub/sub shape as the Hub<->browser notification hub, but
// keyed per run instead of per topic string and backed by a real log a new
// subscriber can catch up from.
package broadcast

import (
	"sync"
	"time"
)

// Event is one run_events row, decoupled from the store package's gorm
// model so this package has no database dependency.
type Event struct {
	RunID      string
	Seq        int64
	Ts         time.Time
	Level      string
	Kind       string
	Message    string
	FieldsJSON string
}

// Log is the durable event history a subscriber replays from when it joins
// mid-run or resyncs after falling behind. store.NewEventLog adapts a
// store.RunRepository to this interface.
type Log interface {
	// ListEvents returns events for runID with Seq > afterSeq, in
	// ascending Seq order.
	ListEvents(runID string, afterSeq int64) ([]Event, error)
}

const (
	subscriberBuf = 64
	// idleTTL is how long a run's broadcaster is kept alive with zero
	// subscribers before Prune removes it. A run still being written to
	// gets a fresh lastActivity on every Publish, so only a genuinely
	// abandoned run (no writer, no reader) is ever pruned.
	idleTTL = 5 * time.Minute
)

// Hub fans out events for many runs. One Hub instance is shared process-
// wide; each run gets its own lazily-created broadcaster.
type Hub struct {
	log Log

	mu   sync.Mutex
	runs map[string]*runBroadcaster
}

type runBroadcaster struct {
	mu           sync.Mutex
	subscribers  map[chan Event]struct{}
	lastActivity time.Time
}

// New creates a Hub backed by log for catch-up replay.
func New(log Log) *Hub {
	return &Hub{
		log:  log,
		runs: make(map[string]*runBroadcaster),
	}
}

func (h *Hub) broadcaster(runID string) *runBroadcaster {
	h.mu.Lock()
	defer h.mu.Unlock()

	rb, ok := h.runs[runID]
	if !ok {
		rb = &runBroadcaster{
			subscribers:  make(map[chan Event]struct{}),
			lastActivity: time.Now(),
		}
		h.runs[runID] = rb
	}
	return rb
}

// Publish delivers ev to every live subscriber of its run. Subscribers
// whose buffer is full are dropped — a stalled reader resyncs from the log
// via Subscribe's afterSeq replay rather than stalling every other
// subscriber of the same run.
func (h *Hub) Publish(ev Event) {
	rb := h.broadcaster(ev.RunID)

	rb.mu.Lock()
	rb.lastActivity = time.Now()
	subs := make([]chan Event, 0, len(rb.subscribers))
	for ch := range rb.subscribers {
		subs = append(subs, ch)
	}
	rb.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			h.Unsubscribe(ev.RunID, ch)
		}
	}
}

// Subscribe joins runID's live stream. It first replays everything after
// afterSeq from the log (so a caller resuming from its last-seen seq never
// misses an event published between its last read and this call), then
// returns a channel fed by subsequent Publish calls. The caller must
// eventually call Unsubscribe with the returned channel.
func (h *Hub) Subscribe(runID string, afterSeq int64) (<-chan Event, []Event, error) {
	missed, err := h.log.ListEvents(runID, afterSeq)
	if err != nil {
		return nil, nil, err
	}

	rb := h.broadcaster(runID)
	ch := make(chan Event, subscriberBuf)

	rb.mu.Lock()
	rb.subscribers[ch] = struct{}{}
	rb.lastActivity = time.Now()
	rb.mu.Unlock()

	return ch, missed, nil
}

// Unsubscribe removes ch from runID's broadcaster. Safe to call more than
// once for the same channel.
func (h *Hub) Unsubscribe(runID string, ch <-chan Event) {
	h.mu.Lock()
	rb, ok := h.runs[runID]
	h.mu.Unlock()
	if !ok {
		return
	}

	rb.mu.Lock()
	for c := range rb.subscribers {
		if c == ch {
			delete(rb.subscribers, c)
			close(c)
			break
		}
	}
	rb.lastActivity = time.Now()
	rb.mu.Unlock()
}

// Prune removes broadcasters for runs that have had no subscribers and no
// publishes for longer than idleTTL. Intended to be called periodically
// (e.g. from the same goroutine that drives queue watchdog sweeps).
func (h *Hub) Prune(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for runID, rb := range h.runs {
		rb.mu.Lock()
		idle := len(rb.subscribers) == 0 && now.Sub(rb.lastActivity) > idleTTL
		rb.mu.Unlock()
		if idle {
			delete(h.runs, runID)
		}
	}
}

// ActiveRuns reports how many runs currently have a broadcaster, for
// metrics/health reporting.
func (h *Hub) ActiveRuns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runs)
}
