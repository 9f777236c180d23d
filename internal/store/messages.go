package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// MessageRecord is the cached form of a single message.
type MessageRecord struct {
	ID           string
	ThreadID     string
	FromEmail    string
	FromName     string
	FromDomain   string
	Subject      string
	Snippet      string
	Body         string
	DateReceived int64 // epoch seconds
	Labels       []string
	SizeEstimate int64

	Attachments []AttachmentRecord
}

// AttachmentRecord describes one attachment of a cached message. ID is
// the message id joined with the MIME part id, unique across the cache.
type AttachmentRecord struct {
	ID        string
	MessageID string
	Filename  string
	MimeType  string
	Size      int64
}

// HasLabel reports whether the record carries the given label.
func (m *MessageRecord) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func joinLabels(labels []string) string {
	return strings.Join(labels, " ")
}

func splitLabels(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

// UpsertBatch writes a batch of messages and their attachments in a
// single transaction. Either the whole batch becomes visible or none
// of it does.
func (s *Store) UpsertBatch(records []*MessageRecord) error {
	if len(records) == 0 {
		return nil
	}

	return s.withTx(func(tx *sql.Tx) error {
		msgStmt, err := tx.Prepare(`
			INSERT INTO messages (
				id, thread_id, from_email, from_name, from_domain,
				subject, snippet, body, date_received, labels, size_estimate
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				thread_id = excluded.thread_id,
				from_email = excluded.from_email,
				from_name = excluded.from_name,
				from_domain = excluded.from_domain,
				subject = excluded.subject,
				snippet = excluded.snippet,
				body = excluded.body,
				date_received = excluded.date_received,
				labels = excluded.labels,
				size_estimate = excluded.size_estimate
		`)
		if err != nil {
			return fmt.Errorf("prepare message upsert: %w", err)
		}
		defer msgStmt.Close()

		attStmt, err := tx.Prepare(`
			INSERT INTO attachments (id, message_id, filename, mime_type, size)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				filename = excluded.filename,
				mime_type = excluded.mime_type,
				size = excluded.size
		`)
		if err != nil {
			return fmt.Errorf("prepare attachment upsert: %w", err)
		}
		defer attStmt.Close()

		for _, rec := range records {
			_, err := msgStmt.Exec(
				rec.ID, rec.ThreadID, rec.FromEmail, rec.FromName, rec.FromDomain,
				rec.Subject, rec.Snippet, rec.Body, rec.DateReceived,
				joinLabels(rec.Labels), rec.SizeEstimate,
			)
			if err != nil {
				return fmt.Errorf("upsert message %s: %w", rec.ID, err)
			}

			for _, att := range rec.Attachments {
				_, err := attStmt.Exec(att.ID, rec.ID, att.Filename, att.MimeType, att.Size)
				if err != nil {
					return fmt.Errorf("upsert attachment %s: %w", att.ID, err)
				}
			}
		}
		return nil
	})
}

// UpdateLabels replaces the label set of a cached message. Missing
// messages are ignored; the label refresh path may race a remote delete.
func (s *Store) UpdateLabels(id string, labels []string) error {
	_, err := s.db.Exec(`UPDATE messages SET labels = ? WHERE id = ?`, joinLabels(labels), id)
	if err != nil {
		return fmt.Errorf("update labels %s: %w", id, err)
	}
	return nil
}

// MarkArchived strips the INBOX label from the given cached messages.
func (s *Store) MarkArchived(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	return s.withTx(func(tx *sql.Tx) error {
		return execInChunks(tx, ids, `
			UPDATE messages
			SET labels = TRIM(REPLACE(' ' || labels || ' ', ' INBOX ', ' '))
			WHERE id IN (%s)
		`)
	})
}

// ExistingIDs returns the set of all cached message ids.
func (s *Store) ExistingIDs() (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT id FROM messages`)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// Count returns the number of cached messages.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// UnreadCount returns the number of cached messages carrying UNREAD.
func (s *Store) UnreadCount() (int64, error) {
	var n int64
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE ' ' || labels || ' ' LIKE '% UNREAD %'
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// GetMessage fetches a single cached message with its attachments.
// Returns sql.ErrNoRows if the id is not cached.
func (s *Store) GetMessage(id string) (*MessageRecord, error) {
	rec := &MessageRecord{}
	var labels string
	err := s.db.QueryRow(`
		SELECT id, thread_id, from_email, from_name, from_domain,
		       subject, snippet, body, date_received, labels, size_estimate
		FROM messages WHERE id = ?
	`, id).Scan(
		&rec.ID, &rec.ThreadID, &rec.FromEmail, &rec.FromName, &rec.FromDomain,
		&rec.Subject, &rec.Snippet, &rec.Body, &rec.DateReceived, &labels, &rec.SizeEstimate,
	)
	if err != nil {
		return nil, err
	}
	rec.Labels = splitLabels(labels)

	rows, err := s.db.Query(`
		SELECT id, message_id, filename, mime_type, size
		FROM attachments WHERE message_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query attachments %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var att AttachmentRecord
		if err := rows.Scan(&att.ID, &att.MessageID, &att.Filename, &att.MimeType, &att.Size); err != nil {
			return nil, err
		}
		rec.Attachments = append(rec.Attachments, att)
	}
	return rec, rows.Err()
}
