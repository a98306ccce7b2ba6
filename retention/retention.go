// Package retention prunes old chat history on a schedule.
package retention

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// Policy defines which messages are kept. A message is deleted only when no
// enabled rule retains it.
type Policy struct {
	// KeepDays retains messages newer than this many days (0 = disabled).
	KeepDays int
	// KeepPerChannel retains the N most recent messages of every channel (0 = disabled).
	KeepPerChannel int
	// DryRun logs what would be deleted without deleting.
	DryRun   bool
	Interval time.Duration
}

// Enabled reports whether any rule is configured.
func (p Policy) Enabled() bool { return p.KeepDays > 0 || p.KeepPerChannel > 0 }

// Pruner deletes messages outside the policy and reports per-channel counts.
// A zero before disables the age rule; keepPerChannel 0 disables the count rule.
type Pruner interface {
	PruneMessages(ctx context.Context, before time.Time, keepPerChannel int, dryRun bool) (map[string]int64, error)
}

// Invalidator drops cached history for a channel.
type Invalidator interface {
	Invalidate(ctx context.Context, channel string)
}

// Job runs the retention policy periodically.
type Job struct {
	store  Pruner
	cache  Invalidator
	policy Policy
	log    *slog.Logger
	now    func() time.Time
}

// NewJob creates a job. cache may be nil.
func NewJob(store Pruner, cache Invalidator, policy Policy, logger *slog.Logger) *Job {
	if policy.Interval <= 0 {
		policy.Interval = 6 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		store:  store,
		cache:  cache,
		policy: policy,
		log:    logger.With(slog.String("component", "retention"), slog.Bool("dry_run", policy.DryRun)),
		now:    time.Now,
	}
}

// Run blocks until ctx is done. It returns immediately when no rule is configured.
func (j *Job) Run(ctx context.Context) {
	if !j.policy.Enabled() {
		j.log.Info("retention job disabled (no policy configured)")
		return
	}
	j.log.Info("retention job starting",
		slog.Int("keep_days", j.policy.KeepDays),
		slog.Int("keep_per_channel", j.policy.KeepPerChannel),
		slog.Duration("interval", j.policy.Interval))

	// Run immediately on start
	if _, err := j.RunOnce(ctx); err != nil {
		j.log.Warn("retention cleanup failed", slog.Any("err", err))
	}

	ticker := time.NewTicker(j.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.log.Info("retention job stopped")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.log.Warn("retention cleanup failed", slog.Any("err", err))
			}
		}
	}
}

// RunOnce performs a single cleanup cycle and returns the number of messages
// deleted (or that would be deleted in dry-run mode).
func (j *Job) RunOnce(ctx context.Context) (int64, error) {
	if !j.policy.Enabled() {
		return 0, nil
	}
	var before time.Time
	if j.policy.KeepDays > 0 {
		before = j.now().Add(-time.Duration(j.policy.KeepDays) * 24 * time.Hour)
	}
	counts, err := j.store.PruneMessages(ctx, before, j.policy.KeepPerChannel, j.policy.DryRun)
	if err != nil {
		return 0, err
	}

	channels := make([]string, 0, len(counts))
	for ch := range counts {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	var total int64
	for _, ch := range channels {
		n := counts[ch]
		total += n
		if j.policy.DryRun {
			j.log.Info("dry-run: would delete messages", slog.String("channel", ch), slog.Int64("count", n))
			continue
		}
		if j.cache != nil {
			j.cache.Invalidate(ctx, ch)
		}
		j.log.Debug("pruned channel history", slog.String("channel", ch), slog.Int64("count", n))
	}

	mode := "cleanup"
	if j.policy.DryRun {
		mode = "dry-run"
	}
	j.log.Info("retention cleanup completed",
		slog.String("mode", mode),
		slog.Int("channels", len(channels)),
		slog.Int64("messages", total))
	return total, nil
}
