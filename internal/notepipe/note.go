package notepipe

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Status is the processing lifecycle state of a note.
type Status string

const (
	StatusUploaded     Status = "uploaded"
	StatusTranscribing Status = "transcribing"
	StatusAnalyzing    Status = "analyzing"
	StatusComplete     Status = "complete"
	StatusError        Status = "error"
)

// Terminal reports whether no further automatic transition occurs.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusTranscribing, StatusAnalyzing, StatusComplete, StatusError:
		return true
	}
	return false
}

// Note is the persisted record of one recording, one per artifact.
// Fields holds category-dependent extracted values (painIntensity,
// screenType, activityDurationMinutes in the default configuration);
// the set is open and every value is nullable.
type Note struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"ownerId"`
	Status        Status         `json:"status"`
	AudioPath     string         `json:"audioPath,omitempty"`
	Transcription string         `json:"transcription,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Category      string         `json:"category,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// NotePatch is one merge-write. Nil pointers leave the stored field
// untouched; Fields entries are merged key-wise into the stored set.
type NotePatch struct {
	Status        *Status
	AudioPath     *string
	Transcription *string
	Summary       *string
	Category      *string
	Fields        map[string]any
	Error         *string
	UpdatedAt     time.Time
}

func (p NotePatch) validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return ErrInvalidInput
	}
	if p.UpdatedAt.IsZero() {
		return ErrInvalidInput
	}
	return nil
}

func (p NotePatch) apply(note *Note) {
	if p.Status != nil {
		note.Status = *p.Status
	}
	if p.AudioPath != nil {
		note.AudioPath = *p.AudioPath
	}
	if p.Transcription != nil {
		note.Transcription = *p.Transcription
	}
	if p.Summary != nil {
		note.Summary = *p.Summary
	}
	if p.Category != nil {
		note.Category = *p.Category
	}
	if p.Error != nil {
		note.Error = *p.Error
	}
	if len(p.Fields) > 0 {
		if note.Fields == nil {
			note.Fields = map[string]any{}
		}
		for key, value := range p.Fields {
			note.Fields[key] = value
		}
	}
	note.UpdatedAt = p.UpdatedAt
}

func statusPtr(s Status) *Status { return &s }

func stringPtr(s string) *string { return &s }

func validOwnerAndNote(ownerID, noteID string) bool {
	return strings.TrimSpace(ownerID) != "" && strings.TrimSpace(noteID) != ""
}
