package queue

import (
	"sync"
	"time"

	"github.com/Rneeshka/Aegis/internal/logging"
)

// DefaultCapacity bounds the replay queue. Checks are idempotent and
// user-retriggerable, so dropping the oldest entry on overflow is the
// accepted loss mode.
const DefaultCapacity = 50

// Kind identifies what a queued request was for.
type Kind string

const (
	KindHover    Kind = "hover"
	KindURLCheck Kind = "urlCheck"
)

// Request is a deferred analysis request accumulated while the backend was
// unreachable.
type Request struct {
	Kind       Kind
	SubjectURL string

	// Context carries caller-side correlation data (tab id, pointer
	// position, ...) opaque to the queue itself.
	Context map[string]any

	EnqueuedAt time.Time
}

// Queue is a bounded FIFO of deferred requests, replayed once connectivity
// returns. Enqueue on a full queue evicts the single oldest entry.
type Queue struct {
	capacity int
	logger   logging.Logger

	mu    sync.Mutex
	items []Request
}

// New creates a Queue. capacity <= 0 selects DefaultCapacity.
func New(capacity int, logger logging.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("RequestQueue")
	}
	return &Queue{capacity: capacity, logger: logger}
}

// Enqueue appends a request, evicting the oldest entry when full.
func (q *Queue) Enqueue(req Request) {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
	}
	q.items = append(q.items, req)
}

// Len reports how many requests are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainAndReplay atomically empties the queue and invokes replay for each
// drained request in FIFO order. Requests enqueued during replay land in
// the now-empty queue and are neither lost nor double-processed. Replay
// failures are logged and not re-enqueued, which keeps a dead backend from
// cycling the same requests forever.
func (q *Queue) DrainAndReplay(replay func(Request) error) {
	q.mu.Lock()
	drained := q.items
	q.items = nil
	q.mu.Unlock()

	if len(drained) == 0 {
		return
	}
	q.logger.Info("replaying queued requests",
		logging.Field{Key: "count", Value: len(drained)})

	for _, req := range drained {
		if err := replay(req); err != nil {
			q.logger.Warn("replay failed",
				logging.Field{Key: "kind", Value: string(req.Kind)},
				logging.Field{Key: "url", Value: req.SubjectURL},
				logging.Field{Key: "error", Value: err.Error()})
		}
	}
}
