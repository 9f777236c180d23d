package cmd

import (
	"fmt"
	"time"

	"github.com/fameoflight/mailsweep/internal/archive"
	"github.com/fameoflight/mailsweep/internal/sync"
)

// CLIProgress renders pipeline progress as a single terminal line,
// overwritten in place. It satisfies both the sync and archive progress
// interfaces.
type CLIProgress struct {
	startTime time.Time
	lastPrint time.Time
	total     int64
	processed int64
}

var (
	_ sync.Progress    = (*CLIProgress)(nil)
	_ archive.Progress = (*CLIProgress)(nil)
)

func (p *CLIProgress) OnStart(total int64) {
	now := time.Now()
	p.startTime = now
	p.lastPrint = now
	p.total = total
	p.processed = 0
}

func (p *CLIProgress) OnAdvance(n int64) {
	if p.startTime.IsZero() {
		now := time.Now()
		p.startTime = now
		p.lastPrint = now
	}
	p.processed += n

	// Throttle output to every 2 seconds
	if time.Since(p.lastPrint) < 2*time.Second {
		return
	}
	p.lastPrint = time.Now()
	p.printLine()
}

func (p *CLIProgress) OnFinish() {
	if p.processed > 0 {
		p.printLine()
	}
	fmt.Println() // leave the progress line behind
}

func (p *CLIProgress) printLine() {
	elapsed := time.Since(p.startTime)
	rate := 0.0
	if elapsed.Seconds() >= 1 {
		rate = float64(p.processed) / elapsed.Seconds()
	}

	totalStr := "?"
	if p.total > 0 {
		totalStr = fmt.Sprintf("%d", p.total)
	}

	fmt.Printf("\r  Processed: %d/%s | Rate: %.1f/s | Elapsed: %s    ",
		p.processed, totalStr, rate, formatDuration(elapsed))
}

// formatDuration formats a duration as "Xs", "Xm Ys" or "Xh Ym".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
