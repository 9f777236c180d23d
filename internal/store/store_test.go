package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mattn/go-sqlite3"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id string) *MessageRecord {
	return &MessageRecord{
		ID:           id,
		ThreadID:     "thread-" + id,
		FromEmail:    "alice@example.com",
		FromName:     "Alice",
		FromDomain:   "example.com",
		Subject:      "Subject " + id,
		Snippet:      "snippet",
		Body:         "body text",
		DateReceived: 1700000000,
		Labels:       []string{"INBOX", "UNREAD"},
		SizeEstimate: 1024,
	}
}

func TestUpsertBatchRoundTrip(t *testing.T) {
	s := testStore(t)

	rec := testRecord("msg-1")
	rec.Attachments = []AttachmentRecord{
		{ID: "msg-1/part-2", MessageID: "msg-1", Filename: "report.pdf", MimeType: "application/pdf", Size: 2048},
	}

	if err := s.UpsertBatch([]*MessageRecord{rec}); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}

	got, err := s.GetMessage("msg-1")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertBatchIdempotent(t *testing.T) {
	s := testStore(t)

	rec := testRecord("msg-1")
	for i := 0; i < 3; i++ {
		if err := s.UpsertBatch([]*MessageRecord{rec}); err != nil {
			t.Fatalf("UpsertBatch() #%d error = %v", i, err)
		}
	}

	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Count() = %d after 3 identical upserts, want 1", count)
	}
}

func TestUpsertBatchUpdatesExisting(t *testing.T) {
	s := testStore(t)

	rec := testRecord("msg-1")
	if err := s.UpsertBatch([]*MessageRecord{rec}); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}

	rec.Subject = "Updated"
	rec.Labels = []string{"INBOX"}
	if err := s.UpsertBatch([]*MessageRecord{rec}); err != nil {
		t.Fatalf("UpsertBatch() update error = %v", err)
	}

	got, err := s.GetMessage("msg-1")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if got.Subject != "Updated" {
		t.Errorf("Subject = %q, want Updated", got.Subject)
	}
	if got.HasLabel("UNREAD") {
		t.Errorf("labels = %v, want UNREAD removed", got.Labels)
	}
}

func TestUpdateLabels(t *testing.T) {
	s := testStore(t)

	if err := s.UpsertBatch([]*MessageRecord{testRecord("msg-1")}); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}

	if err := s.UpdateLabels("msg-1", []string{"INBOX", "STARRED"}); err != nil {
		t.Fatalf("UpdateLabels() error = %v", err)
	}

	got, err := s.GetMessage("msg-1")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if diff := cmp.Diff([]string{"INBOX", "STARRED"}, got.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}

	// Unknown ids are ignored.
	if err := s.UpdateLabels("missing", []string{"INBOX"}); err != nil {
		t.Errorf("UpdateLabels(missing) error = %v", err)
	}
}

func TestMarkArchived(t *testing.T) {
	s := testStore(t)

	records := []*MessageRecord{testRecord("msg-1"), testRecord("msg-2"), testRecord("msg-3")}
	if err := s.UpsertBatch(records); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}

	if err := s.MarkArchived([]string{"msg-1", "msg-3"}); err != nil {
		t.Fatalf("MarkArchived() error = %v", err)
	}

	for _, tc := range []struct {
		id       string
		archived bool
	}{
		{"msg-1", true},
		{"msg-2", false},
		{"msg-3", true},
	} {
		got, err := s.GetMessage(tc.id)
		if err != nil {
			t.Fatalf("GetMessage(%s) error = %v", tc.id, err)
		}
		if got.HasLabel("INBOX") == tc.archived {
			t.Errorf("%s: HasLabel(INBOX) = %v, want %v", tc.id, got.HasLabel("INBOX"), !tc.archived)
		}
		// Other labels survive.
		if !got.HasLabel("UNREAD") {
			t.Errorf("%s: UNREAD label lost during archive", tc.id)
		}
	}
}

func TestMarkArchivedUnknownIDs(t *testing.T) {
	s := testStore(t)

	if err := s.UpsertBatch([]*MessageRecord{testRecord("msg-1")}); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}

	// Ids absent from the cache are silently skipped.
	if err := s.MarkArchived([]string{"msg-1", "never-cached"}); err != nil {
		t.Fatalf("MarkArchived() error = %v", err)
	}

	got, err := s.GetMessage("msg-1")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if got.HasLabel("INBOX") {
		t.Errorf("msg-1 still has INBOX after archive")
	}
}

func TestExistingIDs(t *testing.T) {
	s := testStore(t)

	ids, err := s.ExistingIDs()
	if err != nil {
		t.Fatalf("ExistingIDs() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ExistingIDs() = %v on empty cache", ids)
	}

	if err := s.UpsertBatch([]*MessageRecord{testRecord("a"), testRecord("b")}); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}

	ids, err = s.ExistingIDs()
	if err != nil {
		t.Fatalf("ExistingIDs() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("len(ExistingIDs()) = %d, want 2", len(ids))
	}
	if _, ok := ids["a"]; !ok {
		t.Errorf("ExistingIDs() missing a")
	}
}

func TestCounts(t *testing.T) {
	s := testStore(t)

	read := testRecord("read-1")
	read.Labels = []string{"INBOX"}
	unread := testRecord("unread-1")

	if err := s.UpsertBatch([]*MessageRecord{read, unread}); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}

	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 2 {
		t.Errorf("Count() = %d, want 2", count)
	}

	unreadCount, err := s.UnreadCount()
	if err != nil {
		t.Fatalf("UnreadCount() error = %v", err)
	}
	if unreadCount != 1 {
		t.Errorf("UnreadCount() = %d, want 1", unreadCount)
	}
}

func TestGetStats(t *testing.T) {
	s := testStore(t)

	rec := testRecord("msg-1")
	rec.Attachments = []AttachmentRecord{
		{ID: "msg-1/p1", MessageID: "msg-1", Filename: "a.txt", MimeType: "text/plain", Size: 10},
		{ID: "msg-1/p2", MessageID: "msg-1", Filename: "b.txt", MimeType: "text/plain", Size: 20},
	}
	if err := s.UpsertBatch([]*MessageRecord{rec}); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", stats.MessageCount)
	}
	if stats.AttachmentCount != 2 {
		t.Errorf("AttachmentCount = %d, want 2", stats.AttachmentCount)
	}
	if stats.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", stats.UnreadCount)
	}
	if stats.DatabaseSize <= 0 {
		t.Errorf("DatabaseSize = %d, want > 0", stats.DatabaseSize)
	}
}

func TestIsSQLiteError(t *testing.T) {
	notADB := sqlite3.Error{Code: sqlite3.ErrNotADB}
	if !isSQLiteError(fmt.Errorf("execute schema.sql: %w", notADB), "not a database") {
		t.Error("wrapped sqlite3.Error not recognized")
	}
	if isSQLiteError(errors.New("no such table: messages"), "no such table") {
		t.Error("plain error misclassified as sqlite error")
	}
	if isSQLiteError(nil, "anything") {
		t.Error("nil error misclassified as sqlite error")
	}
}

func TestOpenRejectsNonDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	junk := []byte("plain text, long enough to cover the sqlite header region")
	if err := os.WriteFile(path, junk, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path)
	if err == nil {
		t.Fatal("Open() accepted a non-database file")
	}
	if !strings.Contains(err.Error(), "not a mailsweep cache database") {
		t.Errorf("Open() error = %v, want the not-a-cache-database message", err)
	}
}

func seedQueryFixture(t *testing.T, s *Store) {
	t.Helper()

	mk := func(id, email, name, domain string, date int64, labels []string) *MessageRecord {
		return &MessageRecord{
			ID: id, ThreadID: "t-" + id,
			FromEmail: email, FromName: name, FromDomain: domain,
			Subject: "s-" + id, DateReceived: date, Labels: labels,
		}
	}

	records := []*MessageRecord{
		mk("1", "news@shop.com", "Shop News", "shop.com", 100, []string{"INBOX", "UNREAD"}),
		mk("2", "news@shop.com", "Shop News", "shop.com", 200, []string{"INBOX"}),
		mk("3", "deals@shop.com", "Shop Deals", "shop.com", 300, []string{"INBOX", "UNREAD"}),
		mk("4", "bob@work.org", "Bob", "work.org", 400, []string{"INBOX"}),
		mk("5", "bob@work.org", "Bob", "work.org", 500, []string{"UNREAD"}),
	}
	if err := s.UpsertBatch(records); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}
}

func TestTopSenders(t *testing.T) {
	s := testStore(t)
	seedQueryFixture(t, s)

	stats, err := s.TopSenders(10)
	if err != nil {
		t.Fatalf("TopSenders() error = %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("len(TopSenders()) = %d, want 3", len(stats))
	}

	top := stats[0]
	if top.Email != "news@shop.com" && top.Email != "bob@work.org" {
		t.Errorf("top sender = %q", top.Email)
	}
	if top.Count != 2 {
		t.Errorf("top sender count = %d, want 2", top.Count)
	}

	// Limit is honored.
	stats, err = s.TopSenders(1)
	if err != nil {
		t.Fatalf("TopSenders(1) error = %v", err)
	}
	if len(stats) != 1 {
		t.Errorf("len(TopSenders(1)) = %d, want 1", len(stats))
	}
}

func TestDomainStats(t *testing.T) {
	s := testStore(t)
	seedQueryFixture(t, s)

	stats, err := s.DomainStats(10)
	if err != nil {
		t.Fatalf("DomainStats() error = %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("len(DomainStats()) = %d, want 2", len(stats))
	}

	if stats[0].Domain != "shop.com" {
		t.Fatalf("top domain = %q, want shop.com", stats[0].Domain)
	}
	if stats[0].Count != 3 {
		t.Errorf("shop.com count = %d, want 3", stats[0].Count)
	}
	if stats[0].Unread != 2 {
		t.Errorf("shop.com unread = %d, want 2", stats[0].Unread)
	}
	if diff := cmp.Diff([]string{"Shop Deals", "Shop News"}, stats[0].SampleNames); diff != "" {
		t.Errorf("shop.com sample names mismatch (-want +got):\n%s", diff)
	}
}

func TestMessagesBySender(t *testing.T) {
	s := testStore(t)
	seedQueryFixture(t, s)

	msgs, err := s.MessagesBySender("news@shop.com", 200)
	if err != nil {
		t.Fatalf("MessagesBySender() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	// Newest first.
	if msgs[0].ID != "2" || msgs[1].ID != "1" {
		t.Errorf("order = [%s %s], want [2 1]", msgs[0].ID, msgs[1].ID)
	}
}

func TestMessagesByDomain(t *testing.T) {
	s := testStore(t)
	seedQueryFixture(t, s)

	msgs, err := s.MessagesByDomain("shop.com", 200)
	if err != nil {
		t.Fatalf("MessagesByDomain() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}

	// Limit bounds the selection.
	msgs, err = s.MessagesByDomain("shop.com", 2)
	if err != nil {
		t.Fatalf("MessagesByDomain(limit=2) error = %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("len = %d, want 2", len(msgs))
	}
}

func TestMessagesUnread(t *testing.T) {
	s := testStore(t)
	seedQueryFixture(t, s)

	msgs, err := s.MessagesUnread(200)
	if err != nil {
		t.Fatalf("MessagesUnread() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	for _, m := range msgs {
		if !m.HasLabel("UNREAD") {
			t.Errorf("%s: not unread", m.ID)
		}
	}
}

func TestMessagesByDate(t *testing.T) {
	s := testStore(t)
	seedQueryFixture(t, s)

	oldest, err := s.MessagesByDate(true, 2)
	if err != nil {
		t.Fatalf("MessagesByDate(oldest) error = %v", err)
	}
	if len(oldest) != 2 || oldest[0].ID != "1" || oldest[1].ID != "2" {
		t.Errorf("oldest first = %v", idsOf(oldest))
	}

	newest, err := s.MessagesByDate(false, 2)
	if err != nil {
		t.Fatalf("MessagesByDate(newest) error = %v", err)
	}
	if len(newest) != 2 || newest[0].ID != "5" || newest[1].ID != "4" {
		t.Errorf("newest first = %v", idsOf(newest))
	}
}

func TestLargeBatchSingleTransaction(t *testing.T) {
	s := testStore(t)

	// Well past the SQLite parameter limit to exercise chunking paths.
	var records []*MessageRecord
	for i := 0; i < 1200; i++ {
		records = append(records, testRecord(fmt.Sprintf("msg-%04d", i)))
	}
	if err := s.UpsertBatch(records); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}

	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1200 {
		t.Errorf("Count() = %d, want 1200", count)
	}

	var ids []string
	for i := 0; i < 1200; i++ {
		ids = append(ids, fmt.Sprintf("msg-%04d", i))
	}
	if err := s.MarkArchived(ids); err != nil {
		t.Fatalf("MarkArchived() error = %v", err)
	}

	got, err := s.GetMessage("msg-1199")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if got.HasLabel("INBOX") {
		t.Errorf("msg-1199 still in inbox after bulk archive")
	}
}

func idsOf(records []*MessageRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
