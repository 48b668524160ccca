// Package pipeline runs the background jobs of a copyvault node: the
// scheduled journal archive and the long-running service loops.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// vaultPageSize bounds each VaultStore.List call during a run.
const vaultPageSize = 100

// Archiver copies every vault's journal to cold storage.
type Archiver struct {
	vaults   domain.VaultStore
	archiver domain.JournalArchiver
	lag      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewArchiver creates a new Archiver. Events younger than lag are left for
// the next run.
func NewArchiver(vaults domain.VaultStore, archiver domain.JournalArchiver, lag time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		vaults:   vaults,
		archiver: archiver,
		lag:      lag,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive run over all vaults. A failing vault is
// logged and skipped; the first such error is returned after the run.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().Add(-a.lag)
	a.logger.Info("starting archive run", slog.Time("cutoff", cutoff))

	var (
		total, vaults int64
		firstErr      error
	)
	for offset := 0; ; offset += vaultPageSize {
		page, err := a.vaults.List(ctx, domain.ListOpts{Limit: vaultPageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("pipeline: list vaults: %w", err)
		}
		for _, v := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := a.archiver.ArchiveJournal(ctx, v.ID, cutoff)
			if err != nil {
				a.logger.Error("archive vault journal failed",
					slog.String("vault_id", v.ID),
					slog.String("error", err.Error()),
				)
				if firstErr == nil {
					firstErr = fmt.Errorf("pipeline: archive %s: %w", v.ID, err)
				}
				continue
			}
			if n > 0 {
				a.logger.Debug("archived vault journal", slog.String("vault_id", v.ID), slog.Int64("events", n))
			}
			total += n
			vaults++
		}
		if len(page) < vaultPageSize {
			break
		}
	}

	a.logger.Info("archive run complete",
		slog.Int64("vaults", vaults),
		slog.Int64("events_archived", total),
	)
	return firstErr
}

// RunCron runs the archiver on a cron schedule until ctx is cancelled. The
// expression has six fields, seconds first: "0 0 3 * * *" runs daily at
// 03:00:00 UTC. Overlapping runs are skipped.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	logger := cron.PrintfLogger(slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn))
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(expr, func() {
		if err := a.Run(ctx); err != nil {
			a.logger.Error("archive run failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("pipeline: parse archive schedule %q: %w", expr, err)
	}

	a.logger.Info("archiver cron started", slog.String("cron", expr))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	a.logger.Info("archiver cron stopped")
	return ctx.Err()
}
