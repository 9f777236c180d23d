package store

import (
	"fmt"
)

// SenderStat is one row of the per-sender aggregate.
type SenderStat struct {
	Email  string
	Name   string
	Count  int64
	Unread int64
	Newest int64 // epoch seconds of most recent message
}

// DomainStat is one row of the per-domain aggregate. SampleNames holds
// up to three distinct sender names seen for the domain.
type DomainStat struct {
	Domain      string
	Count       int64
	Unread      int64
	SampleNames []string
}

// TopSenders returns senders ordered by message count, descending.
func (s *Store) TopSenders(limit int) ([]SenderStat, error) {
	rows, err := s.db.Query(`
		SELECT from_email,
		       MAX(from_name),
		       COUNT(*),
		       SUM(CASE WHEN ' ' || labels || ' ' LIKE '% UNREAD %' THEN 1 ELSE 0 END),
		       MAX(date_received)
		FROM messages
		WHERE from_email != ''
		GROUP BY from_email
		ORDER BY COUNT(*) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top senders: %w", err)
	}
	defer rows.Close()

	var stats []SenderStat
	for rows.Next() {
		var st SenderStat
		if err := rows.Scan(&st.Email, &st.Name, &st.Count, &st.Unread, &st.Newest); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// DomainStats returns domains ordered by message count, descending,
// each with a few sample sender names.
func (s *Store) DomainStats(limit int) ([]DomainStat, error) {
	rows, err := s.db.Query(`
		SELECT from_domain,
		       COUNT(*),
		       SUM(CASE WHEN ' ' || labels || ' ' LIKE '% UNREAD %' THEN 1 ELSE 0 END)
		FROM messages
		WHERE from_domain != ''
		GROUP BY from_domain
		ORDER BY COUNT(*) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query domain stats: %w", err)
	}
	defer rows.Close()

	var stats []DomainStat
	for rows.Next() {
		var st DomainStat
		if err := rows.Scan(&st.Domain, &st.Count, &st.Unread); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range stats {
		names, err := s.sampleSenderNames(stats[i].Domain, 3)
		if err != nil {
			return nil, err
		}
		stats[i].SampleNames = names
	}
	return stats, nil
}

func (s *Store) sampleSenderNames(domain string, limit int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT from_name FROM messages
		WHERE from_domain = ? AND from_name != ''
		ORDER BY from_name
		LIMIT ?
	`, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("query sender names for %s: %w", domain, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

const messageColumns = `id, thread_id, from_email, from_name, from_domain,
	subject, snippet, body, date_received, labels, size_estimate`

func (s *Store) queryMessages(query string, args ...interface{}) ([]*MessageRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var records []*MessageRecord
	for rows.Next() {
		rec := &MessageRecord{}
		var labels string
		err := rows.Scan(
			&rec.ID, &rec.ThreadID, &rec.FromEmail, &rec.FromName, &rec.FromDomain,
			&rec.Subject, &rec.Snippet, &rec.Body, &rec.DateReceived, &labels, &rec.SizeEstimate,
		)
		if err != nil {
			return nil, err
		}
		rec.Labels = splitLabels(labels)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MessagesBySender returns cached messages from one sender address,
// newest first, bounded by limit.
func (s *Store) MessagesBySender(email string, limit int) ([]*MessageRecord, error) {
	return s.queryMessages(`
		SELECT `+messageColumns+` FROM messages
		WHERE from_email = ?
		ORDER BY date_received DESC
		LIMIT ?
	`, email, limit)
}

// MessagesByDomain returns cached messages from one sender domain,
// newest first, bounded by limit.
func (s *Store) MessagesByDomain(domain string, limit int) ([]*MessageRecord, error) {
	return s.queryMessages(`
		SELECT `+messageColumns+` FROM messages
		WHERE from_domain = ?
		ORDER BY date_received DESC
		LIMIT ?
	`, domain, limit)
}

// MessagesUnread returns cached messages carrying UNREAD, newest first,
// bounded by limit.
func (s *Store) MessagesUnread(limit int) ([]*MessageRecord, error) {
	return s.queryMessages(`
		SELECT `+messageColumns+` FROM messages
		WHERE ' ' || labels || ' ' LIKE '% UNREAD %'
		ORDER BY date_received DESC
		LIMIT ?
	`, limit)
}

// MessagesByDate returns cached messages ordered by receive date,
// oldest first when oldestFirst is true, bounded by limit.
func (s *Store) MessagesByDate(oldestFirst bool, limit int) ([]*MessageRecord, error) {
	order := "DESC"
	if oldestFirst {
		order = "ASC"
	}
	return s.queryMessages(`
		SELECT `+messageColumns+` FROM messages
		ORDER BY date_received `+order+`
		LIMIT ?
	`, limit)
}
