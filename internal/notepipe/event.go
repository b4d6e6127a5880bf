package notepipe

import (
	"path"
	"strings"
)

const (
	recordingsNamespace = "recordings"
	audioContentPrefix  = "audio/"
)

// StorageEvent is a storage-finalize notification: a new object under
// Name was completely written with the given ContentType. EventID and
// CorrelationID are delivery metadata; Attempt counts redeliveries.
type StorageEvent struct {
	Name          string `json:"name"`
	ContentType   string `json:"contentType"`
	EventID       string `json:"eventId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Attempt       int    `json:"attempt,omitempty"`
}

// RecordingRef identifies the note a qualifying event targets.
type RecordingRef struct {
	OwnerID  string
	NoteID   string
	FileName string
}

// ParseRecordingPath extracts owner and note identity from an object
// path of the form recordings/{ownerId}/{fileName}. The note id is the
// file name with its extension stripped. A path with any other shape is
// not applicable, not an error.
func ParseRecordingPath(name string) (RecordingRef, bool) {
	parts := strings.Split(name, "/")
	if len(parts) != 3 {
		return RecordingRef{}, false
	}
	if parts[0] != recordingsNamespace {
		return RecordingRef{}, false
	}
	ownerID := strings.TrimSpace(parts[1])
	fileName := strings.TrimSpace(parts[2])
	if ownerID == "" || fileName == "" {
		return RecordingRef{}, false
	}
	noteID := strings.TrimSuffix(fileName, path.Ext(fileName))
	if noteID == "" {
		return RecordingRef{}, false
	}
	return RecordingRef{OwnerID: ownerID, NoteID: noteID, FileName: fileName}, true
}

// Qualifies reports whether the event should be processed at all: a
// recordings-namespace path and an audio content type. Everything else
// is skipped silently.
func (e StorageEvent) Qualifies() bool {
	if !strings.HasPrefix(e.ContentType, audioContentPrefix) {
		return false
	}
	_, ok := ParseRecordingPath(e.Name)
	return ok
}
