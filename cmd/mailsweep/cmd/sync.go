package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fameoflight/mailsweep/internal/gmail"
	"github.com/fameoflight/mailsweep/internal/oauth"
	"github.com/fameoflight/mailsweep/internal/store"
	"github.com/fameoflight/mailsweep/internal/sync"
)

var (
	syncQuery string
	syncForce bool
)

var syncCmd = &cobra.Command{
	Use:   "sync [email]",
	Short: "Sync messages from Gmail into the local cache",
	Long: `Synchronize a Gmail account into the local cache.

Already-cached messages get a cheap label-only refresh; new messages are
fetched in full. Use --force to refetch full content for cached messages.

If no email is given, syncs every account listed in the config file.

Ctrl+C stops the sync gracefully: in-flight fetches finish and everything
fetched so far is kept, so the next run picks up where this one left off.

Examples:
  mailsweep sync you@gmail.com
  mailsweep sync you@gmail.com --query "before:2020/01/01"
  mailsweep sync you@gmail.com --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		oauthMgr, err := newOAuthManager()
		if err != nil {
			return err
		}

		emails, err := resolveAccounts(oauthMgr, args)
		if err != nil {
			return err
		}

		// Ctrl+C sets the cancel token instead of cancelling the context,
		// so in-flight requests complete and their results are kept.
		cancelToken := &sync.Token{}
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			<-sigChan
			fmt.Println("\nInterrupted. Letting in-flight fetches finish...")
			cancelToken.Set()
		}()

		var syncErrors []string
		for _, email := range emails {
			if cancelToken.Cancelled() {
				break
			}
			if err := runSync(cmd.Context(), oauthMgr, email, cancelToken); err != nil {
				syncErrors = append(syncErrors, fmt.Sprintf("%s: %v", email, err))
			}
		}

		if len(syncErrors) > 0 {
			fmt.Println()
			fmt.Println("Errors:")
			for _, e := range syncErrors {
				fmt.Printf("  %s\n", e)
			}
			return fmt.Errorf("%d account(s) failed to sync", len(syncErrors))
		}

		return nil
	},
}

// resolveAccounts picks the accounts to operate on: the explicit argument
// if given, otherwise every configured account with a stored token.
func resolveAccounts(oauthMgr *oauth.Manager, args []string) ([]string, error) {
	if len(args) == 1 {
		return []string{args[0]}, nil
	}

	var emails []string
	for _, acc := range cfg.Accounts {
		if !oauthMgr.HasToken(acc.Email) {
			fmt.Printf("Skipping %s (no OAuth token - run 'add-account' first)\n", acc.Email)
			continue
		}
		emails = append(emails, acc.Email)
	}
	if len(emails) == 0 {
		return nil, fmt.Errorf("no accounts configured - run 'add-account <email>' or pass an email")
	}
	return emails, nil
}

// accountSession bundles the per-account cache store, Gmail client, and
// auth-retry plumbing that sync and archive both need.
type accountSession struct {
	store     *store.Store
	client    *gmail.Client
	factory   func() gmail.API
	recoverer *oauth.Recoverer
}

func openAccountSession(ctx context.Context, oauthMgr *oauth.Manager, email string) (*accountSession, error) {
	tokenSource, err := oauthMgr.TokenSource(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("get token source: %w (run 'add-account %s' first)", err, email)
	}

	st, err := store.Open(cfg.DatabasePath(email))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	// All clients for this account share one swappable source, so a
	// silent token refresh mid-run reaches every worker.
	source := oauth.NewSource(tokenSource)
	rateLimiter := gmail.NewRateLimiter(float64(cfg.Sync.RateLimitQPS))
	client := gmail.NewClient(source,
		gmail.WithLogger(logger),
		gmail.WithRateLimiter(rateLimiter),
	)

	return &accountSession{
		store:     st,
		client:    client,
		factory:   func() gmail.API { return client.Clone() },
		recoverer: oauth.NewRecoverer(oauthMgr, source, email, logger),
	}, nil
}

func (s *accountSession) Close() {
	s.client.Close()
	s.store.Close()
}

// purgeCache removes the account's cache database after the session is
// closed, so a re-authorized account starts from a clean slate.
func (s *accountSession) purgeCache() {
	path := s.store.Path()
	for _, f := range []string{path, path + "-wal", path + "-shm"} {
		os.Remove(f)
	}
}

func runSync(ctx context.Context, oauthMgr *oauth.Manager, email string, cancelToken *sync.Token) error {
	session, err := openAccountSession(ctx, oauthMgr, email)
	if err != nil {
		return err
	}
	defer session.Close()

	opts := sync.DefaultOptions()
	opts.Query = syncQuery
	opts.Force = syncForce
	opts.Workers = cfg.Sync.Workers
	opts.QueueSize = cfg.Sync.QueueSize
	opts.PageSize = cfg.Sync.PageSize
	opts.BatchSize = cfg.Sync.BatchSize

	syncer := sync.New(session.client, session.store, opts).
		WithLogger(logger).
		WithProgress(&CLIProgress{}).
		WithCancel(cancelToken).
		WithRecoverer(session.recoverer).
		WithClientFactory(session.factory)

	fmt.Printf("Starting sync for %s\n", email)
	if syncQuery != "" {
		fmt.Printf("Query: %s\n", syncQuery)
	}
	fmt.Println()

	summary, err := syncer.Run(ctx)
	if err != nil {
		if errors.Is(err, oauth.ErrReauthRequired) {
			// Stale credentials also mean a stale cache.
			session.store.Close()
			session.purgeCache()
			fmt.Printf("\nCache for %s removed; re-authorize and sync again.\n", email)
		}
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Println()
	if summary.Cancelled {
		fmt.Println("Sync interrupted. Run again to continue.")
	} else {
		fmt.Println("Sync complete!")
	}
	fmt.Printf("  Duration:   %s\n", summary.Duration.Round(time.Second))
	fmt.Printf("  Messages:   %d found, %d processed\n", summary.Discovered, summary.Processed)
	fmt.Printf("  Added:      %d\n", summary.Added)
	fmt.Printf("  Refreshed:  %d\n", summary.Refreshed)
	if summary.Skipped > 0 {
		fmt.Printf("  Skipped:    %d (see log for per-message errors)\n", summary.Skipped)
	}
	if summary.Added > 0 && summary.Duration.Seconds() >= 1 {
		fmt.Printf("  Rate:       %.1f messages/sec\n",
			float64(summary.Added)/summary.Duration.Seconds())
	}

	logger.Info("sync completed",
		"email", email,
		"added", summary.Added,
		"refreshed", summary.Refreshed,
		"skipped", summary.Skipped,
		"duration", summary.Duration,
	)

	return nil
}

func init() {
	syncCmd.Flags().StringVar(&syncQuery, "query", "", "Gmail search query to restrict the sync")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "Refetch full content for already-cached messages")
	rootCmd.AddCommand(syncCmd)
}
