package notepipe

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationLedgerMergeWrite(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	ledger, err := NewPostgresLedger(dsn)
	if err != nil {
		t.Fatalf("new postgres ledger: %v", err)
	}
	ledger.tableName = postgresIntegrationTableName("notepipe_notes_it")
	t.Cleanup(func() {
		_ = ledger.Close()
		postgresIntegrationDropTable(t, dsn, ledger.tableName)
	})

	ctx := context.Background()
	first := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	note, err := ledger.MergeWrite(ctx, "u1", "n1", NotePatch{
		Status:    statusPtr(StatusTranscribing),
		AudioPath: stringPtr("recordings/u1/n1.m4a"),
		UpdatedAt: first,
	})
	if err != nil {
		t.Fatalf("first merge write failed: %v", err)
	}
	if note.Status != StatusTranscribing || !note.CreatedAt.Equal(first) {
		t.Fatalf("unexpected note after create: %+v", note)
	}

	note, err = ledger.MergeWrite(ctx, "u1", "n1", NotePatch{
		Transcription: stringPtr("my eyes hurt"),
		Status:        statusPtr(StatusAnalyzing),
		Fields:        map[string]any{"painIntensity": 3},
		UpdatedAt:     first.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("second merge write failed: %v", err)
	}
	if note.AudioPath != "recordings/u1/n1.m4a" {
		t.Fatalf("expected audio path preserved, got %q", note.AudioPath)
	}
	if !note.CreatedAt.Equal(first) {
		t.Fatalf("expected createdAt unchanged, got %v", note.CreatedAt)
	}

	note, err = ledger.MergeWrite(ctx, "u1", "n1", NotePatch{
		Fields:    map[string]any{"screenType": "phone"},
		UpdatedAt: first.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("third merge write failed: %v", err)
	}
	if note.Fields["painIntensity"] != float64(3) || note.Fields["screenType"] != "phone" {
		t.Fatalf("expected JSONB field merge, got %+v", note.Fields)
	}

	notes, err := ledger.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != "n1" {
		t.Fatalf("unexpected list result: %+v", notes)
	}

	if err := ledger.Delete(ctx, "u1", "n1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := ledger.Get(ctx, "u1", "n1"); err != ErrNotFound {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestPostgresIntegrationEventQueueFIFOAndCapacity(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresEventQueue(dsn, 2)
	if err != nil {
		t.Fatalf("new postgres event queue: %v", err)
	}
	queue.tableName = postgresIntegrationTableName("notepipe_evq_it")
	queue.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, queue.tableName)
	})

	if !queue.TryEnqueue(StorageEvent{Name: "recordings/u1/a.m4a", EventID: "e1"}) {
		t.Fatalf("expected enqueue e1 to succeed")
	}
	if !queue.TryEnqueue(StorageEvent{Name: "recordings/u1/b.m4a", EventID: "e2"}) {
		t.Fatalf("expected enqueue e2 to succeed")
	}
	if queue.TryEnqueue(StorageEvent{Name: "recordings/u1/c.m4a", EventID: "e3"}) {
		t.Fatalf("expected enqueue e3 to fail at capacity")
	}
	if got := queue.Depth(); got != 2 {
		t.Fatalf("expected depth 2, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	if !ok || first.EventID != "e1" {
		t.Fatalf("expected first dequeue e1, got ok=%v event=%+v", ok, first)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || second.EventID != "e2" {
		t.Fatalf("expected second dequeue e2, got ok=%v event=%+v", ok, second)
	}

	emptyCtx, emptyCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer emptyCancel()
	if _, ok := queue.Dequeue(emptyCtx); ok {
		t.Fatalf("expected empty dequeue to return false")
	}
}

func TestPostgresIntegrationEventQueueCapacityUnderConcurrentEnqueue(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresEventQueue(dsn, 1)
	if err != nil {
		t.Fatalf("new postgres event queue: %v", err)
	}
	queue.tableName = postgresIntegrationTableName("notepipe_evq_race_it")
	queue.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, queue.tableName)
	})

	const producers = 16
	var successCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if queue.TryEnqueue(StorageEvent{Name: fmt.Sprintf("recordings/u1/n%d.m4a", n)}) {
				successCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := successCount.Load(); got != 1 {
		t.Fatalf("expected exactly 1 successful enqueue at capacity=1, got %d", got)
	}
	if depth := queue.Depth(); depth != 1 {
		t.Fatalf("expected queue depth 1 after concurrent enqueue, got %d", depth)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("NOTEPIPE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set NOTEPIPE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
