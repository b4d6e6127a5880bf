package notepipe

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const defaultInvocationTimeout = 5 * time.Minute

// Notifier receives read-side change notifications so clients watching
// a note list see progress as each merge-write lands.
type Notifier interface {
	NoteChanged(ownerID string, note Note)
	NoteDeleted(ownerID, noteID string)
}

type noopNotifier struct{}

func (noopNotifier) NoteChanged(string, Note)   {}
func (noopNotifier) NoteDeleted(string, string) {}

type PipelineOptions struct {
	Ledger      Ledger
	Artifacts   ArtifactStore
	Transcriber Transcriber
	Analyzer    Analyzer
	Notifier    Notifier
	Logger      zerolog.Logger
	Timeout     time.Duration
	TempDir     string
}

// Pipeline drives one storage-finalize event through the note state
// machine: uploaded -> transcribing -> analyzing -> complete, with
// error reachable from any non-terminal state. Collaborators are
// injected once and shared across invocations; Process holds no
// mutable state between calls and is safe to invoke concurrently.
type Pipeline struct {
	ledger      Ledger
	artifacts   ArtifactStore
	transcriber Transcriber
	analyzer    Analyzer
	notifier    Notifier
	log         zerolog.Logger
	timeout     time.Duration
	tempDir     string
	now         func() time.Time
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Ledger == nil || opts.Artifacts == nil || opts.Transcriber == nil || opts.Analyzer == nil {
		return nil, ErrInvalidInput
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultInvocationTimeout
	}
	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Pipeline{
		ledger:      opts.Ledger,
		artifacts:   opts.Artifacts,
		transcriber: opts.Transcriber,
		analyzer:    opts.Analyzer,
		notifier:    notifier,
		log:         opts.Logger,
		timeout:     timeout,
		tempDir:     tempDir,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Process runs one invocation. Non-qualifying events return nil with no
// ledger writes. A failure at any step records status=error on the note
// (best effort) and is returned to the caller so the hosting delivery
// layer can redeliver or alert; an error-write failure never masks the
// root cause.
func (p *Pipeline) Process(ctx context.Context, event StorageEvent) error {
	ref, ok := ParseRecordingPath(event.Name)
	if !ok {
		p.log.Debug().Str("object", event.Name).Msg("not a recording, skipping")
		return nil
	}
	if !event.Qualifies() {
		p.log.Debug().Str("object", event.Name).Str("contentType", event.ContentType).Msg("not an audio file, skipping")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	log := p.log.With().
		Str("owner", ref.OwnerID).
		Str("note", ref.NoteID).
		Str("correlationId", event.CorrelationID).
		Logger()
	log.Info().Str("object", event.Name).Msg("processing recording")

	if _, err := p.write(ctx, ref, NotePatch{
		Status:    statusPtr(StatusTranscribing),
		AudioPath: stringPtr(event.Name),
		UpdatedAt: p.now(),
	}); err != nil {
		return p.fail(ref, log, fmt.Errorf("marking note transcribing: %w", err))
	}

	transcript, err := p.transcribe(ctx, event.Name, ref.FileName)
	if err != nil {
		return p.fail(ref, log, err)
	}
	log.Info().Int("transcriptChars", len(transcript)).Msg("transcription complete")

	if _, err := p.write(ctx, ref, NotePatch{
		Transcription: stringPtr(transcript),
		Status:        statusPtr(StatusAnalyzing),
		UpdatedAt:     p.now(),
	}); err != nil {
		return p.fail(ref, log, fmt.Errorf("marking note analyzing: %w", err))
	}

	analysis, err := p.analyzer.Analyze(ctx, transcript)
	if err != nil {
		return p.fail(ref, log, err)
	}
	log.Info().Str("category", analysis.Category).Msg("analysis complete")

	if _, err := p.write(ctx, ref, NotePatch{
		Summary:   stringPtr(analysis.Summary),
		Category:  stringPtr(analysis.Category),
		Fields:    analysis.Fields,
		Status:    statusPtr(StatusComplete),
		UpdatedAt: p.now(),
	}); err != nil {
		return p.fail(ref, log, fmt.Errorf("marking note complete: %w", err))
	}

	log.Info().Msg("note complete")
	return nil
}

// transcribe downloads the artifact to a temp file and submits it to
// the transcription service. The temp copy is removed on every path.
func (p *Pipeline) transcribe(ctx context.Context, objectName, fileName string) (string, error) {
	artifact, err := p.artifacts.Open(ctx, objectName)
	if err != nil {
		return "", fmt.Errorf("downloading artifact %s: %w", objectName, err)
	}
	defer artifact.Close()

	temp, err := os.CreateTemp(p.tempDir, "notepipe-*-"+fileName)
	if err != nil {
		return "", err
	}
	tempPath := temp.Name()
	defer os.Remove(tempPath)
	defer temp.Close()

	if _, err := io.Copy(temp, artifact); err != nil {
		return "", fmt.Errorf("downloading artifact %s: %w", objectName, err)
	}
	if _, err := temp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return p.transcriber.Transcribe(ctx, fileName, temp)
}

func (p *Pipeline) write(ctx context.Context, ref RecordingRef, patch NotePatch) (Note, error) {
	note, err := p.ledger.MergeWrite(ctx, ref.OwnerID, ref.NoteID, patch)
	if err != nil {
		return Note{}, err
	}
	p.notifier.NoteChanged(ref.OwnerID, note)
	return note, nil
}

// fail records the terminal error state best-effort and returns the
// original error. The error write runs on a fresh short-lived context:
// the invocation budget may already be exhausted, and an unreachable
// ledger must not stop the root cause from propagating.
func (p *Pipeline) fail(ref RecordingRef, log zerolog.Logger, cause error) error {
	log.Error().Err(cause).Msg("pipeline failed")

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.write(writeCtx, ref, NotePatch{
		Status:    statusPtr(StatusError),
		Error:     stringPtr(cause.Error()),
		UpdatedAt: p.now(),
	}); err != nil {
		log.Error().Err(err).Msg("failed to record error state")
	}
	return cause
}
