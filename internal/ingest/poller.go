package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/shubhankar-shipowl/help-desk-sub001/internal/events"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/mailbox"
)

// Poller repeatedly syncs a set of mailboxes in recent mode. One cycle
// runs the mailboxes sequentially; a failing mailbox is logged and the
// rest proceed.
type Poller struct {
	orch     *Orchestrator
	jobs     []Job
	interval time.Duration
	bus      *events.Bus
	logger   *slog.Logger
}

// NewPoller creates a Poller syncing jobs every interval.
func NewPoller(orch *Orchestrator, jobs []Job, interval time.Duration, bus *events.Bus, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{orch: orch, jobs: jobs, interval: interval, bus: bus, logger: logger}
}

// Run polls until ctx is cancelled. The first cycle starts
// immediately.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller starting", "mailboxes", len(p.jobs), "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.cycle(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping", "reason", ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	p.bus.Publish(events.Event{
		Timestamp: time.Now(), Source: events.SourcePoller, Kind: events.KindPollStart,
		Data: map[string]any{"mailboxes": len(p.jobs)},
	})

	totalStored, totalErrors := 0, 0
	for _, job := range p.jobs {
		if ctx.Err() != nil {
			return
		}
		job.Mode = mailbox.ModeRecent

		res, err := p.orch.Sync(ctx, job)
		totalStored += res.Stored
		totalErrors += res.Errors
		if err != nil {
			p.logger.Error("mailbox sync failed",
				"tenant_id", job.TenantID, "store_id", job.StoreID, "error", err)
		}
	}

	p.bus.Publish(events.Event{
		Timestamp: time.Now(), Source: events.SourcePoller, Kind: events.KindPollComplete,
		Data: map[string]any{"mailboxes": len(p.jobs), "stored": totalStored, "errors": totalErrors},
	})
}
