package notepipe

import (
	"context"
	"errors"
	"io"
	"testing"
)

func TestDirArtifactStoreOpen(t *testing.T) {
	baseDir := t.TempDir()
	writeTestArtifact(t, baseDir, "recordings/u1/n1.m4a", "audio bytes")

	store, err := NewDirArtifactStore(baseDir)
	if err != nil {
		t.Fatalf("store build failed: %v", err)
	}
	reader, err := store.Open(context.Background(), "recordings/u1/n1.m4a")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "audio bytes" {
		t.Fatalf("unexpected content %q", data)
	}

	if _, err := store.Open(context.Background(), "recordings/u1/missing.m4a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDirArtifactStoreRejectsTraversal(t *testing.T) {
	store, err := NewDirArtifactStore(t.TempDir())
	if err != nil {
		t.Fatalf("store build failed: %v", err)
	}
	for _, name := range []string{"", "../etc/passwd", "/etc/passwd", "recordings/../../x"} {
		if _, err := store.Open(context.Background(), name); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected %q to be rejected, got %v", name, err)
		}
	}
}

func TestContentTypeForObject(t *testing.T) {
	cases := map[string]string{
		"recordings/u1/n1.m4a": "audio/m4a",
		"recordings/u1/n1.mp3": "audio/mpeg",
		"recordings/u1/n1.wav": "audio/wav",
		"recordings/u1/n1.bin": "application/octet-stream",
	}
	for name, want := range cases {
		if got := ContentTypeForObject(name); got != want {
			t.Fatalf("expected %s for %s, got %s", want, name, got)
		}
	}
}
