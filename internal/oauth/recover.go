package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
)

// ErrReauthRequired indicates that credentials could not be refreshed
// silently and the user must run add-account again.
var ErrReauthRequired = errors.New("authorization expired, run 'mailsweep add-account' to re-authorize")

// Source is an oauth2.TokenSource whose backing source can be swapped
// after a successful silent refresh. All clients sharing a Source pick
// up the new credentials on their next request. Safe for concurrent use.
type Source struct {
	mu sync.Mutex
	ts oauth2.TokenSource
}

// NewSource wraps a token source so it can be swapped later.
func NewSource(ts oauth2.TokenSource) *Source {
	return &Source{ts: ts}
}

// Token returns a token from the current backing source.
func (s *Source) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	ts := s.ts
	s.mu.Unlock()
	return ts.Token()
}

// Swap replaces the backing source.
func (s *Source) Swap(ts oauth2.TokenSource) {
	s.mu.Lock()
	s.ts = ts
	s.mu.Unlock()
}

// Refresher is the subset of Manager the recoverer needs.
type Refresher interface {
	Refresh(ctx context.Context, email string) (oauth2.TokenSource, error)
	DeleteToken(email string) error
}

// Recoverer grants at most one silent token refresh per run. The first
// authorization failure triggers a refresh through the stored refresh
// token; if it succeeds the caller may re-issue the failed request. A
// second failure, or a failed refresh, deletes the stored token so the
// next run starts from a clean slate.
type Recoverer struct {
	refresher Refresher
	source    *Source
	email     string
	logger    *slog.Logger

	mu   sync.Mutex
	used bool
}

// NewRecoverer creates a recoverer for the given account. source is the
// swappable token source shared by the account's API clients.
func NewRecoverer(r Refresher, source *Source, email string, logger *slog.Logger) *Recoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{
		refresher: r,
		source:    source,
		email:     email,
		logger:    logger,
	}
}

// Recover attempts to restore usable credentials after an authorization
// error. It returns nil if the caller may retry the failed request, or
// a fatal error (wrapping ErrReauthRequired) after the stored token has
// been purged.
func (r *Recoverer) Recover(ctx context.Context, cause error) error {
	r.mu.Lock()
	alreadyUsed := r.used
	r.used = true
	r.mu.Unlock()

	if alreadyUsed {
		r.purge()
		return fmt.Errorf("authorization failed again after refresh (%v): %w", cause, ErrReauthRequired)
	}

	r.logger.Warn("authorization error, attempting silent token refresh",
		"email", r.email, "error", cause)

	ts, err := r.refresher.Refresh(ctx, r.email)
	if err != nil {
		r.purge()
		return fmt.Errorf("silent refresh failed (%v): %w", err, ErrReauthRequired)
	}

	r.source.Swap(ts)
	r.logger.Info("token refreshed, retrying", "email", r.email)
	return nil
}

func (r *Recoverer) purge() {
	if err := r.refresher.DeleteToken(r.email); err != nil {
		r.logger.Warn("failed to delete stale token", "email", r.email, "error", err)
	}
}
