// Package archive removes messages from the inbox in bulk: resolve a
// selection against the local cache, strip INBOX remotely in fixed-size
// chunks, then reconcile the cache optimistically.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/fameoflight/mailsweep/internal/gmail"
)

// Progress receives archive progress events.
type Progress interface {
	OnStart(total int64)
	OnAdvance(n int64)
	OnFinish()
}

// NullProgress discards all progress events.
type NullProgress struct{}

func (NullProgress) OnStart(total int64) {}
func (NullProgress) OnAdvance(n int64)   {}
func (NullProgress) OnFinish()           {}

// Cache is the slice of the local store the archiver reconciles.
type Cache interface {
	MarkArchived(ids []string) error
}

// Options configures archive execution.
type Options struct {
	// ChunkSize is the number of ids per remote mutation (default/max: 100)
	ChunkSize int

	// ChunksPerMin paces remote mutations (default: 60)
	ChunksPerMin int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		ChunkSize:    100,
		ChunksPerMin: 60,
	}
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if o.ChunkSize < 1 || o.ChunkSize > 100 {
		o.ChunkSize = d.ChunkSize
	}
	if o.ChunksPerMin < 1 {
		o.ChunksPerMin = d.ChunksPerMin
	}
}

// Summary describes one archive run.
type Summary struct {
	Selected     int // ids the selection resolved to
	Chunks       int // remote mutations attempted
	FailedChunks int // remote mutations that errored (logged, not fatal)
	Duration     time.Duration
}

// Archiver performs bulk archive runs.
type Archiver struct {
	client   gmail.MessageMutator
	store    Cache
	logger   *slog.Logger
	progress Progress
	limiter  *rate.Limiter
	opts     *Options
}

// New creates an Archiver.
func New(client gmail.MessageMutator, st Cache, opts *Options) *Archiver {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts.normalize()

	return &Archiver{
		client:   client,
		store:    st,
		logger:   slog.Default(),
		progress: NullProgress{},
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.ChunksPerMin)), 1),
		opts:     opts,
	}
}

// WithLogger sets the logger.
func (a *Archiver) WithLogger(logger *slog.Logger) *Archiver {
	a.logger = logger
	return a
}

// WithProgress sets the progress sink.
func (a *Archiver) WithProgress(p Progress) *Archiver {
	a.progress = p
	return a
}

// Archive strips INBOX from the given messages remotely, in chunks, then
// marks them all archived in the cache. Chunk failures are logged and
// skipped, never fatal, and progress advances by the full chunk either
// way. The cache reconciliation is unconditional: the remote call is
// idempotent and a failed chunk is corrected by the next sync.
func (a *Archiver) Archive(ctx context.Context, ids []string) (*Summary, error) {
	start := time.Now()
	summary := &Summary{Selected: len(ids)}

	if len(ids) == 0 {
		return summary, nil
	}

	a.logger.Info("archiving messages", "count", len(ids), "chunk_size", a.opts.ChunkSize)

	a.progress.OnStart(int64(len(ids)))
	defer a.progress.OnFinish()

	var waitErr error
	for i := 0; i < len(ids); i += a.opts.ChunkSize {
		end := i + a.opts.ChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		if waitErr = a.limiter.Wait(ctx); waitErr != nil {
			break
		}

		summary.Chunks++
		if err := a.client.BatchModify(ctx, chunk, nil, []string{gmail.LabelInbox}); err != nil {
			summary.FailedChunks++
			a.logger.Warn("archive chunk failed",
				"offset", i, "size", len(chunk), "error", err)
		}

		a.progress.OnAdvance(int64(len(chunk)))
	}

	// Reconcile the cache for the whole selection, including chunks that
	// failed or were never attempted.
	if err := a.store.MarkArchived(ids); err != nil {
		return summary, fmt.Errorf("mark archived: %w", err)
	}

	summary.Duration = time.Since(start)

	a.logger.Info("archive finished",
		"selected", summary.Selected, "chunks", summary.Chunks,
		"failed_chunks", summary.FailedChunks, "duration", summary.Duration)

	if waitErr != nil {
		return summary, waitErr
	}
	return summary, nil
}
