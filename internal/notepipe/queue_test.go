package notepipe

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryEventQueueOrderAndCapacity(t *testing.T) {
	queue := NewMemoryEventQueue(2)
	if queue.Capacity() != 2 {
		t.Fatalf("expected capacity 2, got %d", queue.Capacity())
	}
	if !queue.TryEnqueue(StorageEvent{Name: "recordings/u1/a.m4a"}) {
		t.Fatalf("first enqueue rejected")
	}
	if !queue.TryEnqueue(StorageEvent{Name: "recordings/u1/b.m4a"}) {
		t.Fatalf("second enqueue rejected")
	}
	if queue.TryEnqueue(StorageEvent{Name: "recordings/u1/c.m4a"}) {
		t.Fatalf("expected enqueue past capacity to be rejected")
	}
	event, ok := queue.Dequeue(context.Background())
	if !ok || event.Name != "recordings/u1/a.m4a" {
		t.Fatalf("expected FIFO dequeue, got %+v ok=%v", event, ok)
	}
}

func TestMemoryEventQueueDequeueRespectsContext(t *testing.T) {
	queue := NewMemoryEventQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue on empty queue to return after context done")
	}
}

func TestBuildEventQueueFromDSNSelectsBackend(t *testing.T) {
	queue, err := BuildEventQueueFromDSN("memory://", 4)
	if err != nil {
		t.Fatalf("memory dsn failed: %v", err)
	}
	if _, ok := queue.(*memoryEventQueue); !ok {
		t.Fatalf("expected memory queue, got %T", queue)
	}

	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err = BuildEventQueueFromDSN("file://"+path, 4)
	if err != nil {
		t.Fatalf("file dsn failed: %v", err)
	}
	if _, ok := queue.(*fileEventQueue); !ok {
		t.Fatalf("expected file queue, got %T", queue)
	}

	queue, err = BuildEventQueueFromDSN(path, 4)
	if err != nil {
		t.Fatalf("bare path dsn failed: %v", err)
	}
	if _, ok := queue.(*fileEventQueue); !ok {
		t.Fatalf("expected file queue for bare path, got %T", queue)
	}

	if _, err := BuildEventQueueFromDSN("redis://localhost", 4); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestBuildLedgerFromDSNSelectsBackend(t *testing.T) {
	ledger, err := BuildLedgerFromDSN("memory://")
	if err != nil {
		t.Fatalf("memory dsn failed: %v", err)
	}
	if _, ok := ledger.(*memoryLedger); !ok {
		t.Fatalf("expected memory ledger, got %T", ledger)
	}
	if _, err := BuildLedgerFromDSN("mysql://localhost"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}
