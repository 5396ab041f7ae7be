package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/wisbric/chainowl/internal/telemetry"
	"github.com/wisbric/chainowl/pkg/backend"
	"github.com/wisbric/chainowl/pkg/notify"
	"github.com/wisbric/chainowl/pkg/store"
)

// Reaper terminates instances whose lifetime has elapsed. Exactly one reaper
// must run per instance set; leadership is decided by the worker lock.
type Reaper struct {
	store    store.Store
	backend  backend.Backend
	notifier *notify.Notifier
	logger   *slog.Logger
	interval time.Duration
}

// NewReaper creates a Reaper with the standard one-second tick.
func NewReaper(st store.Store, b backend.Backend, notifier *notify.Notifier, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:    st,
		backend:  b,
		notifier: notifier,
		logger:   logger,
		interval: time.Second,
	}
}

// Run loops until ctx is cancelled. Tick failures are logged and swallowed;
// the loop never exits on error.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	expired, err := r.store.GetExpired(ctx, time.Now())
	if err != nil {
		r.logger.Error("reaper: listing expired instances", "error", err)
		return
	}

	for _, rec := range expired {
		r.logger.Info("pruning expired instance", "instance_id", rec.InstanceID)

		removed, err := r.backend.Kill(ctx, rec.InstanceID)
		if err != nil {
			r.logger.Error("reaper: killing instance", "instance_id", rec.InstanceID, "error", err)
			continue
		}
		if removed != nil {
			telemetry.InstancesReapedTotal.Inc()
			r.notifier.InstanceReaped(ctx, removed)
		}
	}
}
