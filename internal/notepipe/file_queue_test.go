package notepipe

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestFileEventQueueRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err := NewFileEventQueue(path, 8)
	if err != nil {
		t.Fatalf("queue build failed: %v", err)
	}

	events := []StorageEvent{
		{Name: "recordings/u1/a.m4a", ContentType: "audio/m4a", EventID: "e1"},
		{Name: "recordings/u1/b.m4a", ContentType: "audio/m4a", EventID: "e2"},
	}
	for _, event := range events {
		if !queue.TryEnqueue(event) {
			t.Fatalf("enqueue rejected %+v", event)
		}
	}
	if queue.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", queue.Depth())
	}

	for _, want := range events {
		got, ok := queue.Dequeue(context.Background())
		if !ok {
			t.Fatalf("dequeue failed")
		}
		if got.EventID != want.EventID {
			t.Fatalf("expected FIFO order, wanted %s got %s", want.EventID, got.EventID)
		}
	}
}

func TestFileEventQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err := NewFileEventQueue(path, 8)
	if err != nil {
		t.Fatalf("queue build failed: %v", err)
	}
	if !queue.TryEnqueue(StorageEvent{Name: "recordings/u1/a.m4a", EventID: "e1", Attempt: 1}) {
		t.Fatalf("enqueue rejected")
	}

	reopened, err := NewFileEventQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	event, ok := reopened.Dequeue(context.Background())
	if !ok {
		t.Fatalf("dequeue after reopen failed")
	}
	if event.EventID != "e1" || event.Attempt != 1 {
		t.Fatalf("expected persisted event restored, got %+v", event)
	}
}

func TestFileEventQueueEnforcesCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err := NewFileEventQueue(path, 1)
	if err != nil {
		t.Fatalf("queue build failed: %v", err)
	}
	if !queue.TryEnqueue(StorageEvent{Name: "recordings/u1/a.m4a"}) {
		t.Fatalf("first enqueue rejected")
	}
	if queue.TryEnqueue(StorageEvent{Name: "recordings/u1/b.m4a"}) {
		t.Fatalf("expected enqueue past capacity to be rejected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if queue.Enqueue(ctx, StorageEvent{Name: "recordings/u1/c.m4a"}) {
		t.Fatalf("expected blocking enqueue to give up on context deadline")
	}
}

func TestFileEventQueueRejectsEmptyName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err := NewFileEventQueue(path, 8)
	if err != nil {
		t.Fatalf("queue build failed: %v", err)
	}
	if queue.TryEnqueue(StorageEvent{Name: "  "}) {
		t.Fatalf("expected empty name to be rejected")
	}
}

func TestFileEventQueueDequeueRespectsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err := NewFileEventQueue(path, 8)
	if err != nil {
		t.Fatalf("queue build failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue on empty queue to return after context done")
	}
}
