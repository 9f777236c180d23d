// Package scheduler runs account syncs on cron schedules for the watch
// command. One sync may run per account at a time; a tick that finds
// the previous run still in flight is skipped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fameoflight/mailsweep/internal/config"
)

// SyncFunc performs one sync pass for an account. The context is
// cancelled when the scheduler stops.
type SyncFunc func(ctx context.Context, email string) error

// AccountStatus is the scheduling state of one account.
type AccountStatus struct {
	Email     string
	Schedule  string
	Running   bool
	LastRun   time.Time
	NextRun   time.Time
	LastError string
}

// account is the per-account state, guarded by Scheduler.mu.
type account struct {
	entryID  cron.EntryID
	schedule string
	running  bool
	lastRun  time.Time
	lastErr  error
}

// cronFields accepts standard 5-field expressions, minute through
// day-of-week.
var cronFields = cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow

// Scheduler drives periodic account syncs from cron expressions.
type Scheduler struct {
	cron     *cron.Cron
	syncFunc SyncFunc
	logger   *slog.Logger

	mu       sync.RWMutex
	accounts map[string]*account
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler with the given sync callback.
func New(syncFunc SyncFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(cron.WithParser(cron.NewParser(cronFields))),
		syncFunc: syncFunc,
		logger:   slog.Default(),
		accounts: make(map[string]*account),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// WithLogger sets the logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// Schedule registers an account under the given cron expression,
// replacing any existing schedule for that account.
func (s *Scheduler) Schedule(email, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc, exists := s.accounts[email]; exists {
		s.cron.Remove(acc.entryID)
		delete(s.accounts, email)
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() { s.tick(email) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s.accounts[email] = &account{entryID: entryID, schedule: cronExpr}
	s.logger.Info("account scheduled",
		"email", email,
		"cron", cronExpr,
		"next", s.cron.Entry(entryID).Next)

	return nil
}

// AddAccountsFromConfig schedules every enabled account from the config.
// Returns the number of accounts scheduled and any per-account errors.
func (s *Scheduler) AddAccountsFromConfig(cfg *config.Config) (int, []error) {
	var errs []error
	scheduled := 0

	for _, acc := range cfg.ScheduledAccounts() {
		if err := s.Schedule(acc.Email, acc.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", acc.Email, err))
		} else {
			scheduled++
		}
	}

	return scheduled, errs
}

// tick fires on the account's cron schedule. It runs one sync pass, or
// nothing when the previous pass has not finished.
func (s *Scheduler) tick(email string) {
	s.mu.Lock()
	acc, exists := s.accounts[email]
	if !exists || s.stopped || acc.running {
		s.mu.Unlock()
		return
	}
	acc.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	s.runSync(email, acc)
}

// TriggerSync runs an account's sync immediately, outside its schedule.
func (s *Scheduler) TriggerSync(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	acc, exists := s.accounts[email]
	if !exists {
		return fmt.Errorf("account %s is not scheduled", email)
	}
	if acc.running {
		return fmt.Errorf("sync already running for %s", email)
	}

	acc.running = true
	s.wg.Add(1)
	go s.runSync(email, acc)
	return nil
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "accounts", len(s.accounts))
}

// Stop stops the scheduler, cancels running syncs, and returns a context
// that is done once all in-flight work has finished.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping, draining in-flight syncs")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	s.cancel()

	drained, done := context.WithCancel(context.Background())
	go func() {
		defer done()
		<-cronDone.Done()
		s.wg.Wait()
	}()
	return drained
}

// runSync executes one sync pass. The caller has already claimed the
// account's running slot and incremented the wait group.
func (s *Scheduler) runSync(email string, acc *account) {
	defer s.wg.Done()

	s.logger.Info("account sync starting", "email", email)
	start := time.Now()

	err := s.syncFunc(s.ctx, email)

	s.mu.Lock()
	acc.running = false
	acc.lastErr = err
	if err == nil {
		acc.lastRun = time.Now()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("account sync failed",
			"email", email, "duration", time.Since(start), "error", err)
	} else {
		s.logger.Info("account sync finished",
			"email", email, "duration", time.Since(start))
	}
}

// Status returns the state of all scheduled accounts, ordered by email.
func (s *Scheduler) Status() []AccountStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]AccountStatus, 0, len(s.accounts))
	for email, acc := range s.accounts {
		status := AccountStatus{
			Email:    email,
			Schedule: acc.schedule,
			Running:  acc.running,
			LastRun:  acc.lastRun,
			NextRun:  s.cron.Entry(acc.entryID).Next,
		}
		if acc.lastErr != nil {
			status.LastError = acc.lastErr.Error()
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Email < statuses[j].Email
	})
	return statuses
}

// ValidateCronExpr validates a cron expression without scheduling anything.
func ValidateCronExpr(expr string) error {
	if _, err := cron.NewParser(cronFields).Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
