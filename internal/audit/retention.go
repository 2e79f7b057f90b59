package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Defaults for Retention.
const (
	DefaultRetentionSchedule = "@hourly"
	DefaultRetention         = 7 * 24 * time.Hour
)

// Retention prunes old entries on a cron schedule.
type Retention struct {
	store  *Store
	keep   time.Duration
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// NewRetention schedules pruning of entries older than keep. schedule is a
// standard five-field cron expression or a descriptor such as @hourly.
func NewRetention(store *Store, schedule string, keep time.Duration, logger *slog.Logger) (*Retention, error) {
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if keep <= 0 {
		keep = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("audit: invalid retention schedule %q: %w", schedule, err)
	}

	r := &Retention{
		store:  store,
		keep:   keep,
		cron:   cron.New(),
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
	r.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := r.PruneNow(context.Background()); err != nil {
			r.logger.Warn("audit prune failed", "error", err)
		}
	}))
	return r, nil
}

// Start begins the schedule.
func (r *Retention) Start() {
	r.cron.Start()
	r.logger.Info("audit retention started", "keep", r.keep)
}

// Stop halts the schedule and waits for a running prune.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// PruneNow removes expired entries immediately.
func (r *Retention) PruneNow(ctx context.Context) (int64, error) {
	n, err := r.store.Prune(ctx, r.now().Add(-r.keep))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("audit entries pruned", "count", n)
	}
	return n, nil
}
