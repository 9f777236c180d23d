package archive

import (
	"fmt"

	"github.com/fameoflight/mailsweep/internal/store"
)

// Criterion selects cached messages for archiving. Construct one with
// BySender, ByDomain, Unread, or ByDateWindow; the zero value selects
// nothing. Resolution reads the local cache only and never talks to the
// remote mailbox.
type Criterion struct {
	kind        criterionKind
	value       string
	oldestFirst bool
	limit       int
}

type criterionKind int

const (
	kindNone criterionKind = iota
	kindSender
	kindDomain
	kindUnread
	kindDateWindow
)

// BySender selects messages from one sender address.
func BySender(email string) Criterion {
	return Criterion{kind: kindSender, value: email}
}

// ByDomain selects messages from one sender domain.
func ByDomain(domain string) Criterion {
	return Criterion{kind: kindDomain, value: domain}
}

// Unread selects messages carrying the UNREAD label.
func Unread() Criterion {
	return Criterion{kind: kindUnread}
}

// ByDateWindow selects messages by receive date. With oldestFirst the
// window covers the oldest messages; otherwise the newest. limit
// overrides the resolver's default page when positive.
func ByDateWindow(oldestFirst bool, limit int) Criterion {
	return Criterion{kind: kindDateWindow, oldestFirst: oldestFirst, limit: limit}
}

// String describes the criterion for confirmation prompts and logs.
func (c Criterion) String() string {
	switch c.kind {
	case kindSender:
		return "from " + c.value
	case kindDomain:
		return "from domain " + c.value
	case kindUnread:
		return "unread"
	case kindDateWindow:
		if c.oldestFirst {
			return "oldest first"
		}
		return "newest first"
	default:
		return "nothing"
	}
}

// Resolve evaluates the criterion against the cache, returning at most
// defaultLimit messages (or the criterion's own limit when set).
func (c Criterion) Resolve(st *store.Store, defaultLimit int) ([]*store.MessageRecord, error) {
	limit := defaultLimit
	if c.limit > 0 {
		limit = c.limit
	}

	switch c.kind {
	case kindSender:
		return st.MessagesBySender(c.value, limit)
	case kindDomain:
		return st.MessagesByDomain(c.value, limit)
	case kindUnread:
		return st.MessagesUnread(limit)
	case kindDateWindow:
		return st.MessagesByDate(c.oldestFirst, limit)
	case kindNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown criterion kind %d", c.kind)
	}
}
