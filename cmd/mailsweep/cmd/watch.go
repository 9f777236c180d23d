package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fameoflight/mailsweep/internal/oauth"
	"github.com/fameoflight/mailsweep/internal/scheduler"
	"github.com/fameoflight/mailsweep/internal/sync"
)

var watchNow bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run scheduled syncs for configured accounts",
	Long: `Run in the foreground, syncing each configured account on its cron
schedule. Accounts are read from the config file:

  [[accounts]]
  email = "you@gmail.com"
  schedule = "0 */6 * * *"
  enabled = true

An account whose previous sync is still running is skipped for that tick.
Stops on Ctrl+C after letting in-flight syncs finish.

Examples:
  mailsweep watch
  mailsweep watch --now`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		oauthMgr, err := newOAuthManager()
		if err != nil {
			return err
		}

		sched := scheduler.New(func(ctx context.Context, email string) error {
			return runScheduledSync(ctx, oauthMgr, email)
		}).WithLogger(logger)

		scheduled, errs := sched.AddAccountsFromConfig(cfg)
		for _, e := range errs {
			logger.Error("skipping account", "error", e)
		}
		if scheduled == 0 {
			return fmt.Errorf("no enabled accounts with schedules in config")
		}

		sched.Start()
		for _, st := range sched.Status() {
			fmt.Printf("Scheduled %s (%s), next run %s\n",
				st.Email, st.Schedule, st.NextRun.Format(time.RFC1123))
		}

		if watchNow {
			for _, st := range sched.Status() {
				if err := sched.TriggerSync(st.Email); err != nil {
					logger.Warn("immediate sync not started", "email", st.Email, "error", err)
				}
			}
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		<-sigChan

		fmt.Println("\nStopping. Waiting for in-flight syncs...")
		select {
		case <-sched.Stop().Done():
		case <-time.After(2 * time.Minute):
			logger.Warn("shutdown timed out with syncs still running")
		}

		return nil
	},
}

// runScheduledSync is the scheduler callback: one full sync pass for one
// account, logging instead of printing. Cancelling ctx (scheduler stop)
// sets the sync token so the pipeline drains rather than aborting.
func runScheduledSync(ctx context.Context, oauthMgr *oauth.Manager, email string) error {
	session, err := openAccountSession(ctx, oauthMgr, email)
	if err != nil {
		return err
	}
	defer session.Close()

	cancelToken := &sync.Token{}
	stopWatch := context.AfterFunc(ctx, cancelToken.Set)
	defer stopWatch()

	opts := sync.DefaultOptions()
	opts.Workers = cfg.Sync.Workers
	opts.QueueSize = cfg.Sync.QueueSize
	opts.PageSize = cfg.Sync.PageSize
	opts.BatchSize = cfg.Sync.BatchSize

	syncer := sync.New(session.client, session.store, opts).
		WithLogger(logger).
		WithCancel(cancelToken).
		WithRecoverer(session.recoverer).
		WithClientFactory(session.factory)

	summary, err := syncer.Run(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}

	logger.Info("scheduled sync summary",
		"email", email,
		"added", summary.Added,
		"refreshed", summary.Refreshed,
		"skipped", summary.Skipped,
		"cancelled", summary.Cancelled,
	)
	return nil
}

func init() {
	watchCmd.Flags().BoolVar(&watchNow, "now", false, "Also sync every account immediately on startup")
	rootCmd.AddCommand(watchCmd)
}
