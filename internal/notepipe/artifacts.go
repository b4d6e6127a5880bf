package notepipe

import (
	"context"
	"errors"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactStore reads recorded audio objects by their storage name
// (e.g. recordings/u123/n456.m4a).
type ArtifactStore interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// DirArtifactStore serves artifacts from a local directory tree rooted
// at baseDir; object names are slash-separated paths beneath it.
type DirArtifactStore struct {
	baseDir string
}

func NewDirArtifactStore(baseDir string) (*DirArtifactStore, error) {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		return nil, ErrInvalidInput
	}
	return &DirArtifactStore{baseDir: baseDir}, nil
}

func (s *DirArtifactStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local, err := s.localPath(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(local)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return file, err
}

func (s *DirArtifactStore) localPath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return "", ErrInvalidInput
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(name)), nil
}

var audioContentTypes = map[string]string{
	".m4a":  "audio/m4a",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".aac":  "audio/aac",
	".webm": "audio/webm",
}

// ContentTypeForObject infers a content type from an object name's
// extension. Recordings use extensions the stdlib mime table does not
// always know (.m4a), so a local table takes precedence.
func ContentTypeForObject(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if contentType, ok := audioContentTypes[ext]; ok {
		return contentType
	}
	if contentType := mime.TypeByExtension(ext); contentType != "" {
		return contentType
	}
	return "application/octet-stream"
}
