package notepipe

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresNotesTableName      = "notepipe_notes"
	postgresEventQueueTableName = "notepipe_event_queue"
	postgresQueueKey            = "default"
	postgresOperationTimeout    = 5 * time.Second
	postgresQueuePollInterval   = 100 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresLedger stores notes in a single table keyed by
// (owner_id, note_id). MergeWrite is an upsert that only overwrites
// columns present in the patch; extracted fields are merged as JSONB.
type PostgresLedger struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresLedger{
		dsn:       dsn,
		tableName: postgresNotesTableName,
		openDB:    sql.Open,
	}, nil
}

func (l *PostgresLedger) ensureReady() error {
	if l == nil {
		return ErrInvalidInput
	}
	l.initOnce.Do(func() {
		db, err := l.openDB("postgres", l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				owner_id TEXT NOT NULL,
				note_id TEXT NOT NULL,
				status TEXT NOT NULL,
				audio_path TEXT,
				transcription TEXT,
				summary TEXT,
				category TEXT,
				fields JSONB NOT NULL DEFAULT '{}'::jsonb,
				error TEXT,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (owner_id, note_id)
			)`, postgresQuoteIdentifier(l.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		l.db = db
	})
	return l.initErr
}

func (l *PostgresLedger) MergeWrite(ctx context.Context, ownerID, noteID string, patch NotePatch) (Note, error) {
	if !validOwnerAndNote(ownerID, noteID) {
		return Note{}, ErrInvalidInput
	}
	if err := patch.validate(); err != nil {
		return Note{}, err
	}
	if err := l.ensureReady(); err != nil {
		return Note{}, err
	}

	var fieldsJSON *string
	if len(patch.Fields) > 0 {
		encoded, err := json.Marshal(patch.Fields)
		if err != nil {
			return Note{}, err
		}
		fieldsJSON = stringPtr(string(encoded))
	}
	var status *string
	if patch.Status != nil {
		status = stringPtr(string(*patch.Status))
	}

	table := postgresQuoteIdentifier(l.tableName)
	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, note_id, status, audio_path, transcription, summary, category, fields, error, created_at, updated_at)
		VALUES ($1, $2, COALESCE($3, 'uploaded'), $4, $5, $6, $7, COALESCE($8::jsonb, '{}'::jsonb), $9, $10, $10)
		ON CONFLICT (owner_id, note_id) DO UPDATE SET
			status = COALESCE($3, %s.status),
			audio_path = COALESCE($4, %s.audio_path),
			transcription = COALESCE($5, %s.transcription),
			summary = COALESCE($6, %s.summary),
			category = COALESCE($7, %s.category),
			fields = %s.fields || COALESCE($8::jsonb, '{}'::jsonb),
			error = COALESCE($9, %s.error),
			updated_at = $10
		RETURNING owner_id, note_id, status, audio_path, transcription, summary, category, fields, error, created_at, updated_at`,
		table, table, table, table, table, table, table, table)

	row := l.db.QueryRowContext(ctx, query,
		ownerID, noteID, status,
		patch.AudioPath, patch.Transcription, patch.Summary, patch.Category,
		fieldsJSON, patch.Error, patch.UpdatedAt.UTC())
	return scanNoteRow(row)
}

func (l *PostgresLedger) Get(ctx context.Context, ownerID, noteID string) (Note, error) {
	if !validOwnerAndNote(ownerID, noteID) {
		return Note{}, ErrInvalidInput
	}
	if err := l.ensureReady(); err != nil {
		return Note{}, err
	}
	query := fmt.Sprintf(`
		SELECT owner_id, note_id, status, audio_path, transcription, summary, category, fields, error, created_at, updated_at
		FROM %s WHERE owner_id = $1 AND note_id = $2`, postgresQuoteIdentifier(l.tableName))
	note, err := scanNoteRow(l.db.QueryRowContext(ctx, query, ownerID, noteID))
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	return note, err
}

func (l *PostgresLedger) List(ctx context.Context, ownerID string) ([]Note, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrInvalidInput
	}
	if err := l.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT owner_id, note_id, status, audio_path, transcription, summary, category, fields, error, created_at, updated_at
		FROM %s WHERE owner_id = $1
		ORDER BY created_at DESC, note_id ASC`, postgresQuoteIdentifier(l.tableName))
	rows, err := l.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notes := make([]Note, 0)
	for rows.Next() {
		note, scanErr := scanNoteRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func (l *PostgresLedger) Delete(ctx context.Context, ownerID, noteID string) error {
	if !validOwnerAndNote(ownerID, noteID) {
		return ErrInvalidInput
	}
	if err := l.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE owner_id = $1 AND note_id = $2", postgresQuoteIdentifier(l.tableName))
	result, err := l.db.ExecContext(ctx, query, ownerID, noteID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *PostgresLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNoteRow(row rowScanner) (Note, error) {
	var note Note
	var status string
	var audioPath, transcription, summary, category, errMsg sql.NullString
	var fieldsJSON []byte
	err := row.Scan(&note.OwnerID, &note.ID, &status,
		&audioPath, &transcription, &summary, &category,
		&fieldsJSON, &errMsg, &note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	note.Status = Status(status)
	note.AudioPath = audioPath.String
	note.Transcription = transcription.String
	note.Summary = summary.String
	note.Category = category.String
	note.Error = errMsg.String
	if len(fieldsJSON) > 0 {
		var fields map[string]any
		if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
			return Note{}, err
		}
		if len(fields) > 0 {
			note.Fields = fields
		}
	}
	return note, nil
}

// PostgresEventQueue is a durable at-least-once delivery queue for
// storage events, dequeued with FOR UPDATE SKIP LOCKED so multiple
// service instances can share one queue.
type PostgresEventQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresEventQueue(dsn string, capacity int) (*PostgresEventQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresEventQueue{
		dsn:          dsn,
		tableName:    postgresEventQueueTableName,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresEventQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_queue_key_id_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresEventQueue) TryEnqueue(event StorageEvent) bool {
	if strings.TrimSpace(event.Name) == "" {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Capacity is count-then-insert; the advisory lock serializes
	// concurrent enqueuers on this queue so the bound holds.
	lockKey := postgresQueueLockKey(q.tableName, q.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return false
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresEventQueue) Enqueue(ctx context.Context, event StorageEvent) bool {
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

func (q *PostgresEventQueue) Dequeue(ctx context.Context) (StorageEvent, bool) {
	for {
		event, ok := q.tryDequeue(ctx)
		if ok {
			return event, true
		}
		select {
		case <-ctx.Done():
			return StorageEvent{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresEventQueue) tryDequeue(ctx context.Context) (StorageEvent, bool) {
	if err := q.ensureReady(); err != nil {
		return StorageEvent{}, false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return StorageEvent{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return StorageEvent{}, false
	}
	if err != nil {
		return StorageEvent{}, false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return StorageEvent{}, false
	}
	if err := tx.Commit(); err != nil {
		return StorageEvent{}, false
	}
	committed = true

	var event StorageEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return StorageEvent{}, false
	}
	return event, true
}

func (q *PostgresEventQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresEventQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresEventQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
