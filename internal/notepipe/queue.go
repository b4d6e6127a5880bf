package notepipe

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// EventQueue buffers storage-finalize events between the trigger
// surfaces (webhook, artifact watcher) and the dispatcher workers.
// Delivery is at least once; a dequeued event that fails processing is
// re-enqueued by the dispatcher, not by the queue.
type EventQueue interface {
	TryEnqueue(event StorageEvent) bool
	Enqueue(ctx context.Context, event StorageEvent) bool
	Dequeue(ctx context.Context) (StorageEvent, bool)
	Depth() int
	Capacity() int
	Close() error
}

type memoryEventQueue struct {
	events   chan StorageEvent
	capacity int
}

// NewMemoryEventQueue returns a process-local queue used by tests and
// the memory:// backend profile. Events are lost on restart.
func NewMemoryEventQueue(capacity int) EventQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryEventQueue{
		events:   make(chan StorageEvent, capacity),
		capacity: capacity,
	}
}

func (q *memoryEventQueue) TryEnqueue(event StorageEvent) bool {
	if strings.TrimSpace(event.Name) == "" {
		return false
	}
	select {
	case q.events <- event:
		return true
	default:
		return false
	}
}

func (q *memoryEventQueue) Enqueue(ctx context.Context, event StorageEvent) bool {
	if strings.TrimSpace(event.Name) == "" {
		return false
	}
	select {
	case q.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *memoryEventQueue) Dequeue(ctx context.Context) (StorageEvent, bool) {
	select {
	case event := <-q.events:
		return event, true
	case <-ctx.Done():
		return StorageEvent{}, false
	}
}

func (q *memoryEventQueue) Depth() int {
	return len(q.events)
}

func (q *memoryEventQueue) Capacity() int {
	return q.capacity
}

func (q *memoryEventQueue) Close() error {
	return nil
}

// BuildEventQueueFromDSN selects a queue backend by DSN scheme:
// memory://, file://{path} (or a bare path), postgres://.
func BuildEventQueueFromDSN(dsn string, capacity int) (EventQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileEventQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemoryEventQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresEventQueue(dsn, capacity)
	default:
		return nil, fmt.Errorf("unsupported event queue scheme: %s", scheme)
	}
}

// BuildLedgerFromDSN selects a ledger backend by DSN scheme:
// memory:// or postgres://.
func BuildLedgerFromDSN(dsn string) (Ledger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryLedger(), nil
	case "postgres", "postgresql":
		return NewPostgresLedger(dsn)
	default:
		return nil, fmt.Errorf("unsupported ledger scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
