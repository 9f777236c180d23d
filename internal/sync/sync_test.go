package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fameoflight/mailsweep/internal/gmail"
	"github.com/fameoflight/mailsweep/internal/store"
	"github.com/fameoflight/mailsweep/internal/testutil/email"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// addMessages registers n messages on the mock, ids msg-0000..msg-n.
func addMessages(mock *gmail.MockAPI, n, pageSize int) {
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("msg-%04d", i)
		mock.AddMessage(&gmail.RawMessage{
			ID:           id,
			ThreadID:     "thread-" + id,
			LabelIDs:     []string{"INBOX", "UNREAD"},
			Snippet:      "snippet " + id,
			InternalDate: 1700000000000,
			SizeEstimate: 512,
			Raw: email.MakeRaw(email.Options{
				From:    "Alice <alice@example.com>",
				Subject: "Subject " + id,
				Date:    "Mon, 01 Jan 2024 12:00:00 +0000",
				Body:    "body of " + id,
			}),
		}, pageSize)
	}
}

func testOptions() *Options {
	return &Options{
		Workers:     3,
		QueueSize:   8,
		PageSize:    5,
		BatchSize:   4,
		ItemTimeout: 5 * time.Second,
	}
}

func TestRunEmptyMailbox(t *testing.T) {
	mock := gmail.NewMockAPI()
	st := testStore(t)

	summary, err := New(mock, st, testOptions()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Discovered != 0 || summary.Processed != 0 || summary.Added != 0 {
		t.Errorf("summary = %+v, want all zero", summary)
	}
	if summary.Cancelled {
		t.Error("Cancelled = true on clean run")
	}
}

func TestRunFullSync(t *testing.T) {
	mock := gmail.NewMockAPI()
	st := testStore(t)
	addMessages(mock, 7, 3)

	summary, err := New(mock, st, testOptions()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Discovered != 7 {
		t.Errorf("Discovered = %d, want 7", summary.Discovered)
	}
	if summary.Processed != 7 {
		t.Errorf("Processed = %d, want 7", summary.Processed)
	}
	if summary.Added != 7 {
		t.Errorf("Added = %d, want 7", summary.Added)
	}
	if summary.Skipped != 0 || summary.Refreshed != 0 {
		t.Errorf("Skipped = %d, Refreshed = %d, want 0, 0", summary.Skipped, summary.Refreshed)
	}

	count, err := st.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 7 {
		t.Errorf("cache count = %d, want 7", count)
	}

	// Normalized fields land in the cache.
	rec, err := st.GetMessage("msg-0003")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if rec.FromEmail != "alice@example.com" {
		t.Errorf("FromEmail = %q", rec.FromEmail)
	}
	if rec.FromName != "Alice" {
		t.Errorf("FromName = %q", rec.FromName)
	}
	if rec.FromDomain != "example.com" {
		t.Errorf("FromDomain = %q", rec.FromDomain)
	}
	if rec.Subject != "Subject msg-0003" {
		t.Errorf("Subject = %q", rec.Subject)
	}
	if rec.Body != "body of msg-0003" {
		t.Errorf("Body = %q", rec.Body)
	}
	if rec.DateReceived != time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).Unix() {
		t.Errorf("DateReceived = %d", rec.DateReceived)
	}
	if diff := cmp.Diff([]string{"INBOX", "UNREAD"}, rec.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestRunWorksForAnyWorkerCount(t *testing.T) {
	for _, workers := range []int{1, 2, 5, 16} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			mock := gmail.NewMockAPI()
			st := testStore(t)
			addMessages(mock, 23, 10)

			opts := testOptions()
			opts.Workers = workers

			summary, err := New(mock, st, opts).Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if summary.Added != 23 {
				t.Errorf("Added = %d, want 23", summary.Added)
			}
		})
	}
}

// flushRecorder wraps a real store and records every batch flush size.
type flushRecorder struct {
	*store.Store
	sizes []int
}

func (f *flushRecorder) UpsertBatch(records []*store.MessageRecord) error {
	f.sizes = append(f.sizes, len(records))
	return f.Store.UpsertBatch(records)
}

func TestBatchFlushSizes(t *testing.T) {
	mock := gmail.NewMockAPI()
	rec := &flushRecorder{Store: testStore(t)}
	addMessages(mock, 237, 100)

	opts := testOptions()
	opts.Workers = 4
	opts.BatchSize = 50
	opts.QueueSize = 500

	summary, err := New(mock, rec, opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Added != 237 {
		t.Fatalf("Added = %d, want 237", summary.Added)
	}

	// 237 messages at batch size 50: four full flushes and one final
	// partial flush of 37.
	want := []int{50, 50, 50, 50, 37}
	if diff := cmp.Diff(want, rec.sizes); diff != "" {
		t.Errorf("flush sizes mismatch (-want +got):\n%s", diff)
	}

	count, err := rec.Store.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 237 {
		t.Errorf("cache count = %d, want 237", count)
	}
}

func TestIncrementalLabelRefresh(t *testing.T) {
	mock := gmail.NewMockAPI()
	st := testStore(t)
	addMessages(mock, 5, 10)

	if _, err := New(mock, st, testOptions()).Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	// Labels change remotely between runs.
	mock.Messages["msg-0002"].LabelIDs = []string{"INBOX"}
	mock.GetMessageCalls = nil

	summary, err := New(mock, st, testOptions()).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if summary.Added != 0 {
		t.Errorf("Added = %d, want 0 on incremental run", summary.Added)
	}
	if summary.Refreshed != 5 {
		t.Errorf("Refreshed = %d, want 5", summary.Refreshed)
	}
	if len(mock.GetMessageCalls) != 0 {
		t.Errorf("full fetches on incremental run: %v", mock.GetMessageCalls)
	}

	rec, err := st.GetMessage("msg-0002")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if diff := cmp.Diff([]string{"INBOX"}, rec.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestForceRefetchesCached(t *testing.T) {
	mock := gmail.NewMockAPI()
	st := testStore(t)
	addMessages(mock, 3, 10)

	if _, err := New(mock, st, testOptions()).Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	opts := testOptions()
	opts.Force = true

	summary, err := New(mock, st, opts).Run(context.Background())
	if err != nil {
		t.Fatalf("forced Run() error = %v", err)
	}
	if summary.Added != 3 {
		t.Errorf("Added = %d, want 3 on forced run", summary.Added)
	}
	if summary.Refreshed != 0 {
		t.Errorf("Refreshed = %d, want 0 on forced run", summary.Refreshed)
	}

	count, err := st.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 3 {
		t.Errorf("cache count = %d, want 3", count)
	}
}

func TestPerItemFailuresAreSkipped(t *testing.T) {
	mock := gmail.NewMockAPI()
	st := testStore(t)
	addMessages(mock, 6, 10)
	mock.GetMessageError["msg-0001"] = errors.New("boom")
	mock.GetMessageError["msg-0004"] = errors.New("boom")

	summary, err := New(mock, st, testOptions()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", summary.Skipped)
	}
	if summary.Added != 4 {
		t.Errorf("Added = %d, want 4", summary.Added)
	}
	if summary.Processed != 6 {
		t.Errorf("Processed = %d, want 6", summary.Processed)
	}

	// Skipped messages are never written.
	ids, err := st.ExistingIDs()
	if err != nil {
		t.Fatalf("ExistingIDs() error = %v", err)
	}
	if _, ok := ids["msg-0001"]; ok {
		t.Error("skipped message msg-0001 landed in the cache")
	}
}

func TestFetchTimeoutSkips(t *testing.T) {
	mock := gmail.NewMockAPI()
	st := testStore(t)
	addMessages(mock, 3, 10)
	mock.FetchDelay = 100 * time.Millisecond

	opts := testOptions()
	opts.ItemTimeout = 10 * time.Millisecond

	summary, err := New(mock, st, opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Skipped != 3 {
		t.Errorf("Skipped = %d, want 3", summary.Skipped)
	}
	if summary.Added != 0 {
		t.Errorf("Added = %d, want 0", summary.Added)
	}
}

// cancelAfter sets a token after observing n advances.
type cancelAfter struct {
	NullProgress
	token *Token
	left  atomic.Int64
}

func (c *cancelAfter) OnAdvance(n int64) {
	if c.left.Add(-n) <= 0 {
		c.token.Set()
	}
}

func TestCancellationKeepsFetchedResults(t *testing.T) {
	mock := gmail.NewMockAPI()
	st := testStore(t)
	addMessages(mock, 100, 10)

	token := &Token{}
	prog := &cancelAfter{token: token}
	prog.left.Store(10)

	opts := testOptions()
	opts.QueueSize = 4

	summary, err := New(mock, st, opts).
		WithCancel(token).
		WithProgress(prog).
		Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !summary.Cancelled {
		t.Fatal("Cancelled = false after token set")
	}
	if summary.Processed < 10 {
		t.Errorf("Processed = %d, want >= 10", summary.Processed)
	}
	if summary.Processed == 100 {
		t.Errorf("Processed = 100, cancellation had no effect")
	}

	// Everything counted as added is actually flushed.
	count, err := st.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != summary.Added {
		t.Errorf("cache count = %d, summary.Added = %d; fetched results lost", count, summary.Added)
	}
}

func TestPreCancelledRunProcessesNothing(t *testing.T) {
	mock := gmail.NewMockAPI()
	st := testStore(t)
	addMessages(mock, 10, 10)

	token := &Token{}
	token.Set()

	summary, err := New(mock, st, testOptions()).WithCancel(token).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !summary.Cancelled {
		t.Error("Cancelled = false")
	}
	if summary.Processed != 0 {
		t.Errorf("Processed = %d, want 0", summary.Processed)
	}
}

func TestIdempotentReruns(t *testing.T) {
	mock := gmail.NewMockAPI()
	st := testStore(t)
	addMessages(mock, 12, 5)

	for i := 0; i < 3; i++ {
		if _, err := New(mock, st, testOptions()).Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d error = %v", i, err)
		}
	}

	count, err := st.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 12 {
		t.Errorf("cache count = %d after 3 runs, want 12", count)
	}
}

// clearingRecoverer simulates a successful silent refresh by clearing
// the injected error, so the retried call succeeds.
type clearingRecoverer struct {
	mock  *gmail.MockAPI
	id    string
	calls int
}

func (r *clearingRecoverer) Recover(ctx context.Context, cause error) error {
	r.calls++
	delete(r.mock.GetMessageError, r.id)
	return nil
}

func TestAuthErrorRecoveredAndRetried(t *testing.T) {
	mock := gmail.NewMockAPI()
	st := testStore(t)
	addMessages(mock, 4, 10)
	mock.GetMessageError["msg-0002"] = &gmail.AuthError{StatusCode: 401, Body: "expired"}

	rec := &clearingRecoverer{mock: mock, id: "msg-0002"}

	opts := testOptions()
	opts.Workers = 1

	summary, err := New(mock, st, opts).WithRecoverer(rec).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rec.calls != 1 {
		t.Errorf("recoverer calls = %d, want 1", rec.calls)
	}
	if summary.Added != 4 {
		t.Errorf("Added = %d, want 4 (retried message included)", summary.Added)
	}
	if summary.Skipped != 0 {
		t.Errorf("Skipped = %d, want 0", summary.Skipped)
	}
}

// fatalRecoverer always reports the credentials as unrecoverable.
type fatalRecoverer struct{ err error }

func (r *fatalRecoverer) Recover(ctx context.Context, cause error) error { return r.err }

func TestAuthErrorFatalWhenRecoveryFails(t *testing.T) {
	mock := gmail.NewMockAPI()
	st := testStore(t)
	addMessages(mock, 4, 10)
	mock.GetMessageError["msg-0000"] = &gmail.AuthError{StatusCode: 401, Body: "revoked"}

	reauth := errors.New("re-authorization required")

	opts := testOptions()
	opts.Workers = 1

	summary, err := New(mock, st, opts).
		WithRecoverer(&fatalRecoverer{err: reauth}).
		Run(context.Background())
	if !errors.Is(err, reauth) {
		t.Fatalf("Run() error = %v, want %v", err, reauth)
	}
	if summary == nil || !summary.Cancelled {
		t.Errorf("summary = %+v, want cancelled", summary)
	}
}

func TestQueryIsForwarded(t *testing.T) {
	mock := gmail.NewMockAPI()
	st := testStore(t)
	addMessages(mock, 2, 10)

	opts := testOptions()
	opts.Query = "before:2020/01/01"

	if _, err := New(mock, st, opts).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if mock.LastQuery != "before:2020/01/01" {
		t.Errorf("LastQuery = %q", mock.LastQuery)
	}
}

func TestAttachmentsAreCached(t *testing.T) {
	mock := gmail.NewMockAPI()
	st := testStore(t)

	raw := email.MakeMultipart(email.Options{
		From:    "Bob <bob@work.org>",
		Subject: "Files",
		Body:    "see attached",
	},
		email.Attachment{Filename: "a.pdf", ContentType: "application/pdf", Data: []byte("pdf-bytes")},
		email.Attachment{Filename: "b.png", ContentType: "image/png", Data: []byte("png-bytes")},
	)

	mock.AddMessage(&gmail.RawMessage{
		ID:           "msg-att",
		ThreadID:     "thread-att",
		LabelIDs:     []string{"INBOX"},
		InternalDate: 1700000000000,
		Raw:          raw,
	}, 10)

	if _, err := New(mock, st, testOptions()).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec, err := st.GetMessage("msg-att")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if len(rec.Attachments) != 2 {
		t.Fatalf("len(Attachments) = %d, want 2", len(rec.Attachments))
	}

	names := map[string]bool{}
	for _, att := range rec.Attachments {
		names[att.Filename] = true
		if att.MessageID != "msg-att" {
			t.Errorf("attachment MessageID = %q", att.MessageID)
		}
		if att.ID == "msg-att/" {
			t.Errorf("attachment ID missing part suffix: %q", att.ID)
		}
	}
	if !names["a.pdf"] || !names["b.png"] {
		t.Errorf("attachment names = %v", names)
	}
}

func TestCancelTokenIsSticky(t *testing.T) {
	var tok Token
	if tok.Cancelled() {
		t.Fatal("fresh token is cancelled")
	}
	tok.Set()
	tok.Set()
	if !tok.Cancelled() {
		t.Fatal("token not cancelled after Set")
	}
}
