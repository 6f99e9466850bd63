package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// HistoryTrimmer is implemented by the activation history store; the
// janitor calls it on a schedule to enforce retention.
type HistoryTrimmer interface {
	Trim(ctx context.Context, olderThan time.Time) (int64, error)
}

// JanitorOptions holds the cron schedules ("@every 1m" descriptors or
// standard cron expressions) and the history retention window.
type JanitorOptions struct {
	CacheSweepSchedule  string
	HistoryTrimSchedule string
	HistoryRetention    time.Duration
}

// Janitor runs periodic maintenance: sweeping expired selection cache
// entries and trimming old activation history. History is optional.
type Janitor struct {
	cron     *cron.Cron
	selector *Selector
	history  HistoryTrimmer
	opts     JanitorOptions
	logger   *slog.Logger
}

// NewJanitor creates a Janitor. history may be nil when the history store
// is disabled.
func NewJanitor(selector *Selector, history HistoryTrimmer, opts JanitorOptions, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cron:     cron.New(),
		selector: selector,
		history:  history,
		opts:     opts,
		logger:   logger,
	}
}

// Start registers the maintenance jobs and starts the scheduler.
func (j *Janitor) Start() error {
	if j.opts.CacheSweepSchedule != "" {
		if _, err := j.cron.AddFunc(j.opts.CacheSweepSchedule, j.sweepCache); err != nil {
			return err
		}
	}
	if j.history != nil && j.opts.HistoryTrimSchedule != "" {
		if _, err := j.cron.AddFunc(j.opts.HistoryTrimSchedule, j.trimHistory); err != nil {
			return err
		}
	}
	j.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweepCache() {
	if removed := j.selector.SweepCache(); removed > 0 {
		j.logger.Debug("selection cache swept", "removed", removed, "remaining", j.selector.CacheLen())
	}
}

func (j *Janitor) trimHistory() {
	cutoff := time.Now().Add(-j.opts.HistoryRetention)
	removed, err := j.history.Trim(context.Background(), cutoff)
	if err != nil {
		j.logger.Warn("history trim failed", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Debug("activation history trimmed", "removed", removed, "cutoff", cutoff)
	}
}
