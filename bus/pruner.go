package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPruneSchedule runs retention once an hour.
const DefaultPruneSchedule = "@every 1h"

var pruneScheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// PrunerConfig configures event retention.
type PrunerConfig struct {
	Store Prunable

	// Schedule is a five-field UTC cron expression or descriptor such as
	// "@hourly". Empty means DefaultPruneSchedule.
	Schedule string

	// MaxAge deletes events older than this (0 = keep forever).
	MaxAge time.Duration

	// MaxPerRun keeps only the newest events of each run (0 = unlimited).
	MaxPerRun int

	Now    func() time.Time
	Logger *slog.Logger
}

// Pruner applies the retention policy to an event store on a cron schedule.
type Pruner struct {
	store     Prunable
	maxAge    time.Duration
	maxPerRun int
	now       func() time.Time
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewPruner validates cfg and returns a stopped pruner.
func NewPruner(cfg PrunerConfig) (*Pruner, error) {
	if cfg.Store == nil {
		return nil, errors.New("pruner store is nil")
	}
	if cfg.MaxAge < 0 || cfg.MaxPerRun < 0 {
		return nil, errors.New("retention limits must not be negative")
	}
	spec := strings.TrimSpace(cfg.Schedule)
	if spec == "" {
		spec = DefaultPruneSchedule
	}
	if strings.Contains(strings.ToUpper(spec), "TZ=") {
		return nil, fmt.Errorf("prune schedule must be UTC-only")
	}
	schedule, err := pruneScheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pruner{
		store:     cfg.Store,
		maxAge:    cfg.MaxAge,
		maxPerRun: cfg.MaxPerRun,
		now:       cfg.Now,
		logger:    cfg.Logger,
		cron:      cron.New(cron.WithLocation(time.UTC)),
	}
	p.cron.Schedule(schedule, cron.FuncJob(func() {
		_, _ = p.RunOnce(context.Background())
	}))
	return p, nil
}

// Enabled reports whether any retention limit is configured.
func (p *Pruner) Enabled() bool {
	return p.maxAge > 0 || p.maxPerRun > 0
}

// Start begins scheduled pruning. It does nothing when no limit is set.
func (p *Pruner) Start() {
	if p.Enabled() {
		p.cron.Start()
	}
}

// Stop halts scheduling and waits for a running pass to finish or ctx to
// end.
func (p *Pruner) Stop(ctx context.Context) error {
	done := p.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce applies the retention policy once.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	if !p.Enabled() {
		return 0, nil
	}
	r := Retention{MaxPerRun: p.maxPerRun}
	if p.maxAge > 0 {
		r.Before = p.now().Add(-p.maxAge)
	}
	removed, err := p.store.Prune(ctx, r)
	if err != nil {
		p.logger.Error("event pruning failed", "error", err)
		return removed, err
	}
	if removed > 0 {
		p.logger.Info("pruned run events", "removed", removed)
	}
	return removed, nil
}
