package notepipe

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Ledger is the durable per-user note document store. MergeWrite is a
// partial-field upsert: the note is created implicitly on first write
// and fields absent from the patch are left untouched. Each write is
// atomic on its own; no transaction spans the pipeline's write sequence.
type Ledger interface {
	MergeWrite(ctx context.Context, ownerID, noteID string, patch NotePatch) (Note, error)
	Get(ctx context.Context, ownerID, noteID string) (Note, error)
	List(ctx context.Context, ownerID string) ([]Note, error)
	Delete(ctx context.Context, ownerID, noteID string) error
	Close() error
}

type memoryLedger struct {
	mu    sync.Mutex
	notes map[string]map[string]*Note
}

// NewMemoryLedger returns an in-process Ledger used by tests and the
// memory:// backend profile.
func NewMemoryLedger() Ledger {
	return &memoryLedger{notes: map[string]map[string]*Note{}}
}

func (l *memoryLedger) MergeWrite(ctx context.Context, ownerID, noteID string, patch NotePatch) (Note, error) {
	if !validOwnerAndNote(ownerID, noteID) {
		return Note{}, ErrInvalidInput
	}
	if err := patch.validate(); err != nil {
		return Note{}, err
	}
	if err := ctx.Err(); err != nil {
		return Note{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	byOwner := l.notes[ownerID]
	if byOwner == nil {
		byOwner = map[string]*Note{}
		l.notes[ownerID] = byOwner
	}
	note := byOwner[noteID]
	if note == nil {
		note = &Note{ID: noteID, OwnerID: ownerID, CreatedAt: patch.UpdatedAt}
		byOwner[noteID] = note
	}
	patch.apply(note)
	return cloneNote(*note), nil
}

func (l *memoryLedger) Get(ctx context.Context, ownerID, noteID string) (Note, error) {
	if !validOwnerAndNote(ownerID, noteID) {
		return Note{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Note{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	note := l.notes[ownerID][noteID]
	if note == nil {
		return Note{}, ErrNotFound
	}
	return cloneNote(*note), nil
}

func (l *memoryLedger) List(ctx context.Context, ownerID string) ([]Note, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	notes := make([]Note, 0, len(l.notes[ownerID]))
	for _, note := range l.notes[ownerID] {
		notes = append(notes, cloneNote(*note))
	}
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].CreatedAt.Equal(notes[j].CreatedAt) {
			return notes[i].ID < notes[j].ID
		}
		return notes[i].CreatedAt.After(notes[j].CreatedAt)
	})
	return notes, nil
}

func (l *memoryLedger) Delete(ctx context.Context, ownerID, noteID string) error {
	if !validOwnerAndNote(ownerID, noteID) {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.notes[ownerID][noteID] == nil {
		return ErrNotFound
	}
	delete(l.notes[ownerID], noteID)
	return nil
}

func (l *memoryLedger) Close() error {
	return nil
}

func cloneNote(note Note) Note {
	if note.Fields != nil {
		fields := make(map[string]any, len(note.Fields))
		for key, value := range note.Fields {
			fields[key] = value
		}
		note.Fields = fields
	}
	return note
}
