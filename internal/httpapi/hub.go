package httpapi

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yuhanchang/no-look-note-taker/internal/notepipe"
)

const subscriberBuffer = 16

// noteEnvelope is one websocket frame on the note feed.
type noteEnvelope struct {
	Type   string         `json:"type"`
	Note   *notepipe.Note `json:"note,omitempty"`
	NoteID string         `json:"noteId,omitempty"`
}

type subscriber struct {
	ownerID string
	events  chan noteEnvelope
}

// Hub fans note changes out to websocket subscribers, keyed by owner.
// It implements notepipe.Notifier, so every ledger merge-write the
// pipeline performs is pushed to any client watching that user's list.
// A subscriber that cannot keep up is dropped rather than allowed to
// stall the pipeline.
type Hub struct {
	log zerolog.Logger

	mu          sync.Mutex
	subscribers map[string]map[*subscriber]struct{}
	closed      bool
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:         log,
		subscribers: map[string]map[*subscriber]struct{}{},
	}
}

func (h *Hub) NoteChanged(ownerID string, note notepipe.Note) {
	h.broadcast(ownerID, noteEnvelope{Type: "note.updated", Note: &note})
}

func (h *Hub) NoteDeleted(ownerID, noteID string) {
	h.broadcast(ownerID, noteEnvelope{Type: "note.deleted", NoteID: noteID})
}

func (h *Hub) broadcast(ownerID string, envelope noteEnvelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.subscribers[ownerID] {
		select {
		case sub.events <- envelope:
		default:
			h.log.Warn().Str("owner", ownerID).Msg("dropping slow note feed subscriber")
			h.removeLocked(sub)
		}
	}
}

// Subscribe registers a feed for ownerID. The returned cancel func is
// idempotent and must be called when the connection ends.
func (h *Hub) Subscribe(ownerID string) (<-chan noteEnvelope, func()) {
	sub := &subscriber{
		ownerID: ownerID,
		events:  make(chan noteEnvelope, subscriberBuffer),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.events)
		return sub.events, func() {}
	}
	byOwner := h.subscribers[ownerID]
	if byOwner == nil {
		byOwner = map[*subscriber]struct{}{}
		h.subscribers[ownerID] = byOwner
	}
	byOwner[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subscribers[ownerID][sub]; ok {
				h.removeLocked(sub)
			}
		})
	}
	return sub.events, cancel
}

func (h *Hub) removeLocked(sub *subscriber) {
	byOwner := h.subscribers[sub.ownerID]
	delete(byOwner, sub)
	if len(byOwner) == 0 {
		delete(h.subscribers, sub.ownerID)
	}
	close(sub.events)
}

// Close drops every subscriber; further broadcasts are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, byOwner := range h.subscribers {
		for sub := range byOwner {
			close(sub.events)
		}
	}
	h.subscribers = map[string]map[*subscriber]struct{}{}
}

// pump forwards envelopes to write until the subscription or ctx ends.
func pump(ctx context.Context, events <-chan noteEnvelope, write func(noteEnvelope) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-events:
			if !ok {
				return nil
			}
			if err := write(envelope); err != nil {
				return err
			}
		}
	}
}
