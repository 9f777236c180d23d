// Package sync implements the mailbox synchronization pipeline: a
// paginated lister feeding a bounded queue, a pool of fetch workers,
// and a single aggregator that flushes batches to the local cache.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fameoflight/mailsweep/internal/gmail"
	"github.com/fameoflight/mailsweep/internal/mime"
	"github.com/fameoflight/mailsweep/internal/store"
	"github.com/fameoflight/mailsweep/internal/textutil"
)

// Options configures sync behavior.
type Options struct {
	// Query is an optional Gmail search query (e.g., "before:2020/01/01")
	Query string

	// Force refetches full message content even for cached ids
	Force bool

	// Workers is the number of concurrent fetchers (default: 10)
	Workers int

	// QueueSize bounds the id queue between lister and workers (default: 1000)
	QueueSize int

	// PageSize is the number of ids per list request (default/max: 500)
	PageSize int

	// BatchSize is the number of messages per cache flush (default: 50)
	BatchSize int

	// ItemTimeout bounds each per-message fetch (default: 30s)
	ItemTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		Workers:     10,
		QueueSize:   1000,
		PageSize:    500,
		BatchSize:   50,
		ItemTimeout: 30 * time.Second,
	}
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if o.Workers < 1 {
		o.Workers = d.Workers
	}
	if o.QueueSize < 1 {
		o.QueueSize = d.QueueSize
	}
	if o.PageSize < 1 || o.PageSize > 500 {
		o.PageSize = d.PageSize
	}
	if o.BatchSize < 1 {
		o.BatchSize = d.BatchSize
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = d.ItemTimeout
	}
}

// Summary describes one completed (or cancelled) sync run.
type Summary struct {
	Discovered int64 // ids seen by the counting pass
	Processed  int64 // ids that went through a worker
	Added      int64 // full messages written to the cache
	Refreshed  int64 // cached messages whose labels were updated
	Skipped    int64 // per-item failures, logged and counted but not written
	Duration   time.Duration
	Cancelled  bool
}

// AuthRecoverer restores credentials after an authorization error.
// A nil return means the caller may retry the failed request once.
type AuthRecoverer interface {
	Recover(ctx context.Context, cause error) error
}

// Cache is the slice of the local store the pipeline writes through.
type Cache interface {
	ExistingIDs() (map[string]struct{}, error)
	UpsertBatch(records []*store.MessageRecord) error
	UpdateLabels(id string, labels []string) error
}

// Syncer runs the synchronization pipeline against one account.
type Syncer struct {
	client    gmail.API
	newClient func() gmail.API
	store     Cache
	logger    *slog.Logger
	progress  Progress
	cancel    *Token
	recoverer AuthRecoverer
	opts      *Options
}

// New creates a Syncer. All workers share client unless a per-worker
// factory is installed with WithClientFactory.
func New(client gmail.API, st Cache, opts *Options) *Syncer {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts.normalize()

	return &Syncer{
		client:    client,
		newClient: func() gmail.API { return client },
		store:     st,
		logger:    slog.Default(),
		progress:  NullProgress{},
		cancel:    &Token{},
		opts:      opts,
	}
}

// WithLogger sets the logger.
func (s *Syncer) WithLogger(logger *slog.Logger) *Syncer {
	s.logger = logger
	return s
}

// WithProgress sets the progress sink.
func (s *Syncer) WithProgress(p Progress) *Syncer {
	s.progress = p
	return s
}

// WithCancel installs a shared cancellation token (e.g. one set by a
// signal handler).
func (s *Syncer) WithCancel(t *Token) *Syncer {
	s.cancel = t
	return s
}

// WithRecoverer installs the credential recovery hook used on
// authorization errors.
func (s *Syncer) WithRecoverer(r AuthRecoverer) *Syncer {
	s.recoverer = r
	return s
}

// WithClientFactory installs a factory producing an independent API
// handle per worker, so each worker keeps its own HTTP connections.
func (s *Syncer) WithClientFactory(f func() gmail.API) *Syncer {
	s.newClient = f
	return s
}

// fetchResult is one typed per-item outcome flowing from a worker to
// the aggregator.
type fetchResult struct {
	record  *store.MessageRecord // full fetch, to be batched and flushed
	refresh *gmail.MessageLabels // cheap label-only refresh
	skipped bool                 // per-item failure, counted but never written
	done    bool                 // worker exit marker
}

// Run executes a full pipeline pass: count, list, fetch, aggregate.
// Cancellation via the token is not an error; the summary's Cancelled
// flag is set and everything fetched so far is already flushed.
func (s *Syncer) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}

	known, err := s.store.ExistingIDs()
	if err != nil {
		return nil, fmt.Errorf("load cached ids: %w", err)
	}

	// Counting pass. Runs the listing independently of the enumeration
	// pass below; the mailbox can move between the two, so the total is
	// a progress estimate, not a contract.
	total, err := s.countMessages(ctx)
	if err != nil {
		return nil, err
	}
	summary.Discovered = total

	s.logger.Info("sync starting",
		"total", total, "cached", len(known),
		"workers", s.opts.Workers, "query", s.opts.Query)

	s.progress.OnStart(total)
	defer s.progress.OnFinish()

	ids := make(chan string, s.opts.QueueSize)
	results := make(chan fetchResult, s.opts.Workers)

	prog := &counter{sink: s.progress}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.list(gctx, ids)
	})

	for i := 0; i < s.opts.Workers; i++ {
		api := s.newClient()
		g.Go(func() error {
			return s.worker(gctx, api, known, ids, results)
		})
	}

	aggErr := make(chan error, 1)
	go func() {
		aggErr <- s.aggregate(results, prog, summary)
	}()

	err = g.Wait()
	if aerr := <-aggErr; aerr != nil && err == nil {
		err = aerr
	}

	summary.Processed = prog.count()
	summary.Duration = time.Since(start)
	summary.Cancelled = s.cancel.Cancelled()

	if err != nil {
		return summary, err
	}

	s.logger.Info("sync finished",
		"processed", summary.Processed, "added", summary.Added,
		"refreshed", summary.Refreshed, "skipped", summary.Skipped,
		"cancelled", summary.Cancelled, "duration", summary.Duration)

	return summary, nil
}

// countMessages walks all list pages summing id counts. The token is
// polled between pages; a cancelled count returns what it saw so far.
func (s *Syncer) countMessages(ctx context.Context) (int64, error) {
	var total int64
	pageToken := ""

	for {
		if s.cancel.Cancelled() {
			return total, nil
		}

		resp, err := s.listPage(ctx, pageToken)
		if err != nil {
			return 0, fmt.Errorf("count messages: %w", err)
		}

		total += int64(len(resp.Messages))
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return total, nil
		}
	}
}

// list enumerates message ids into the bounded queue, then enqueues one
// sentinel (empty id) per worker so every worker sees exactly one.
func (s *Syncer) list(ctx context.Context, ids chan<- string) error {
	defer func() {
		for i := 0; i < s.opts.Workers; i++ {
			ids <- ""
		}
		close(ids)
	}()

	pageToken := ""
	for {
		if s.cancel.Cancelled() {
			return nil
		}

		resp, err := s.listPage(ctx, pageToken)
		if err != nil {
			s.cancel.Set()
			return fmt.Errorf("list messages: %w", err)
		}

		for _, ref := range resp.Messages {
			ids <- ref.ID
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			return nil
		}
	}
}

// listPage issues one list request, routing authorization errors
// through the recovery hook and re-issuing the request once.
func (s *Syncer) listPage(ctx context.Context, pageToken string) (*gmail.MessageListResponse, error) {
	resp, err := s.client.ListMessages(ctx, s.opts.Query, pageToken, s.opts.PageSize)
	if err == nil || !gmail.IsAuthError(err) || s.recoverer == nil {
		return resp, err
	}

	if rerr := s.recoverer.Recover(ctx, err); rerr != nil {
		return nil, rerr
	}
	return s.client.ListMessages(ctx, s.opts.Query, pageToken, s.opts.PageSize)
}

// worker consumes ids until its sentinel. The token is polled before
// each fetch; once cancelled the worker keeps draining without fetching
// so the pipeline shuts down without losing queued results.
func (s *Syncer) worker(ctx context.Context, api gmail.API, known map[string]struct{}, ids <-chan string, results chan<- fetchResult) error {
	defer func() {
		results <- fetchResult{done: true}
	}()

	var fatal error
	for id := range ids {
		if id == "" {
			return fatal
		}
		if fatal != nil || s.cancel.Cancelled() {
			continue
		}

		res, err := s.fetchOne(ctx, api, id, known)
		if err != nil {
			fatal = err
			s.cancel.Set()
			continue
		}
		results <- res
	}
	return fatal
}

// fetchOne produces the typed outcome for a single id. Cached ids take
// the label-only path unless Force is set. Per-item errors become skip
// outcomes; only authorization errors that survive recovery are fatal.
func (s *Syncer) fetchOne(ctx context.Context, api gmail.API, id string, known map[string]struct{}) (fetchResult, error) {
	_, cached := known[id]

	itemCtx, cancel := context.WithTimeout(ctx, s.opts.ItemTimeout)
	defer cancel()

	if cached && !s.opts.Force {
		labels, err := api.GetMessageLabels(itemCtx, id)
		if err != nil {
			return s.handleFetchError(ctx, id, err, func(retryCtx context.Context) (fetchResult, error) {
				l, rerr := api.GetMessageLabels(retryCtx, id)
				if rerr != nil {
					return fetchResult{}, rerr
				}
				return fetchResult{refresh: l}, nil
			})
		}
		return fetchResult{refresh: labels}, nil
	}

	raw, err := api.GetMessageRaw(itemCtx, id)
	if err != nil {
		return s.handleFetchError(ctx, id, err, func(retryCtx context.Context) (fetchResult, error) {
			r, rerr := api.GetMessageRaw(retryCtx, id)
			if rerr != nil {
				return fetchResult{}, rerr
			}
			return s.buildRecord(id, r), nil
		})
	}
	return s.buildRecord(id, raw), nil
}

// handleFetchError turns a per-item error into a skip outcome, except
// authorization errors, which go through the recovery hook and either
// allow one retry or abort the run.
func (s *Syncer) handleFetchError(ctx context.Context, id string, err error, retry func(context.Context) (fetchResult, error)) (fetchResult, error) {
	if gmail.IsAuthError(err) {
		if s.recoverer == nil {
			return fetchResult{}, err
		}
		if rerr := s.recoverer.Recover(ctx, err); rerr != nil {
			return fetchResult{}, rerr
		}

		retryCtx, cancel := context.WithTimeout(ctx, s.opts.ItemTimeout)
		defer cancel()
		res, rerr := retry(retryCtx)
		if rerr != nil {
			if gmail.IsAuthError(rerr) {
				return fetchResult{}, rerr
			}
			s.logger.Warn("skipping message", "id", id, "error", textutil.FirstLine(rerr.Error()))
			return fetchResult{skipped: true}, nil
		}
		return res, nil
	}

	s.logger.Warn("skipping message", "id", id, "error", textutil.FirstLine(err.Error()))
	return fetchResult{skipped: true}, nil
}

// buildRecord normalizes a raw message into its cached form. Parse
// failures yield a skip outcome, same as fetch failures.
func (s *Syncer) buildRecord(id string, raw *gmail.RawMessage) fetchResult {
	parsed, err := mime.Parse(raw.Raw)
	if err != nil {
		s.logger.Warn("skipping unparseable message", "id", id, "error", textutil.FirstLine(err.Error()))
		return fetchResult{skipped: true}
	}

	rec := &store.MessageRecord{
		ID:           raw.ID,
		ThreadID:     raw.ThreadID,
		FromEmail:    parsed.FromEmail,
		FromName:     parsed.FromName,
		FromDomain:   parsed.FromDomain,
		Subject:      parsed.Subject,
		Snippet:      textutil.EnsureUTF8(raw.Snippet),
		Body:         parsed.Body(),
		Labels:       raw.LabelIDs,
		SizeEstimate: raw.SizeEstimate,
	}
	if rec.ID == "" {
		rec.ID = id
	}
	if rec.ThreadID == "" {
		rec.ThreadID = rec.ID
	}

	if !parsed.Date.IsZero() {
		rec.DateReceived = parsed.Date.Unix()
	} else if raw.InternalDate > 0 {
		rec.DateReceived = raw.InternalDate / 1000
	}

	for _, att := range parsed.Attachments {
		rec.Attachments = append(rec.Attachments, store.AttachmentRecord{
			ID:        rec.ID + "/" + att.PartID,
			MessageID: rec.ID,
			Filename:  att.Filename,
			MimeType:  att.MimeType,
			Size:      att.Size,
		})
	}

	return fetchResult{record: rec}
}

// aggregate is the single cache writer. Full records accumulate into
// batches flushed as one transaction each; label refreshes apply
// immediately. It exits after collecting one done marker per worker,
// flushing any partial batch exactly once.
func (s *Syncer) aggregate(results <-chan fetchResult, prog *counter, summary *Summary) error {
	batch := make([]*store.MessageRecord, 0, s.opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.store.UpsertBatch(batch); err != nil {
			return fmt.Errorf("flush batch: %w", err)
		}
		s.logger.Debug("flushed batch", "size", len(batch))
		batch = batch[:0]
		return nil
	}

	doneWorkers := 0
	var flushErr error

	for res := range results {
		if res.done {
			doneWorkers++
			if doneWorkers == s.opts.Workers {
				break
			}
			continue
		}

		// After a flush failure keep draining so workers never block,
		// but stop writing.
		if flushErr != nil {
			continue
		}

		switch {
		case res.record != nil:
			batch = append(batch, res.record)
			summary.Added++
			if len(batch) >= s.opts.BatchSize {
				flushErr = flush()
			}
		case res.refresh != nil:
			if err := s.store.UpdateLabels(res.refresh.ID, res.refresh.LabelIDs); err != nil {
				flushErr = err
			} else {
				summary.Refreshed++
			}
		case res.skipped:
			summary.Skipped++
		}

		prog.advance(1)
	}

	if flushErr != nil {
		s.cancel.Set()
		return flushErr
	}
	return flush()
}
