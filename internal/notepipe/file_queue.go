package notepipe

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type fileEventQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []StorageEvent
}

type fileEventQueueState struct {
	Items []StorageEvent `json:"items"`
}

// NewFileEventQueue returns a queue persisted as a JSON snapshot at
// path, written atomically via temp-file rename. Suitable for a single
// service instance that must survive restarts without Postgres.
func NewFileEventQueue(path string, capacity int) (EventQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileEventQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []StorageEvent{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileEventQueue) TryEnqueue(event StorageEvent) bool {
	if strings.TrimSpace(event.Name) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, event)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileEventQueue) Enqueue(ctx context.Context, event StorageEvent) bool {
	for {
		if q.TryEnqueue(event) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileEventQueue) Dequeue(ctx context.Context) (StorageEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]StorageEvent{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return StorageEvent{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return StorageEvent{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileEventQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileEventQueue) Capacity() int {
	return q.capacity
}

func (q *fileEventQueue) Close() error {
	return nil
}

func (q *fileEventQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileEventQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]StorageEvent(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]StorageEvent(nil), snapshot.Items...)
	return nil
}

func (q *fileEventQueue) saveLocked() error {
	snapshot := fileEventQueueState{
		Items: append([]StorageEvent(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
