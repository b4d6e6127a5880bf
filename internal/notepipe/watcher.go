package notepipe

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultSettleWindow = 500 * time.Millisecond

// Watcher turns filesystem activity under the artifact root's
// recordings/ namespace into storage-finalize events. An object is
// considered finalized once writes to it have settled for the settle
// window; rename-into-place (the upload CLI's strategy) finalizes after
// a single create.
type Watcher struct {
	baseDir      string
	queue        EventQueue
	settleWindow time.Duration
	log          zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

type WatcherOptions struct {
	BaseDir      string
	Queue        EventQueue
	SettleWindow time.Duration
	Logger       zerolog.Logger
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	baseDir := strings.TrimSpace(opts.BaseDir)
	if baseDir == "" || opts.Queue == nil {
		return nil, ErrInvalidInput
	}
	settle := opts.SettleWindow
	if settle <= 0 {
		settle = defaultSettleWindow
	}
	return &Watcher{
		baseDir:      baseDir,
		queue:        opts.Queue,
		settleWindow: settle,
		log:          opts.Logger,
		pending:      map[string]*time.Timer{},
	}, nil
}

// Run watches until ctx is cancelled. The recordings root and any
// per-owner subdirectories present at start or created later are
// watched; fsnotify does not recurse on its own.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	recordingsRoot := filepath.Join(w.baseDir, recordingsNamespace)
	if err := os.MkdirAll(recordingsRoot, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(recordingsRoot); err != nil {
		return err
	}
	if err := w.addExistingOwnerDirs(watcher, recordingsRoot); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("artifact watcher error")
		}
	}
}

func (w *Watcher) addExistingOwnerDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() && path != root {
			return watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			if err := watcher.Add(event.Name); err != nil {
				w.log.Warn().Err(err).Str("dir", event.Name).Msg("failed to watch owner directory")
			}
		}
		return
	}
	if strings.HasSuffix(event.Name, ".tmp") {
		return
	}
	w.scheduleFinalize(ctx, event.Name)
}

func (w *Watcher) scheduleFinalize(ctx context.Context, localPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[localPath]; ok {
		timer.Reset(w.settleWindow)
		return
	}
	w.pending[localPath] = time.AfterFunc(w.settleWindow, func() {
		w.mu.Lock()
		delete(w.pending, localPath)
		w.mu.Unlock()
		w.finalize(ctx, localPath)
	})
}

func (w *Watcher) finalize(ctx context.Context, localPath string) {
	name, err := w.objectName(localPath)
	if err != nil {
		return
	}
	event := StorageEvent{
		Name:          name,
		ContentType:   ContentTypeForObject(name),
		EventID:       uuid.NewString(),
		CorrelationID: "watch_" + uuid.NewString(),
	}
	if !w.queue.Enqueue(ctx, event) {
		w.log.Error().Str("object", name).Msg("failed to enqueue finalize event")
		return
	}
	w.log.Info().Str("object", name).Str("contentType", event.ContentType).Msg("artifact finalized")
}

func (w *Watcher) objectName(localPath string) (string, error) {
	rel, err := filepath.Rel(w.baseDir, localPath)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
