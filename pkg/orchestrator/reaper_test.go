package orchestrator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/chainowl/pkg/instance"
)

func TestReaperRemovesExpired(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	b := &memBackend{store: st}

	now := float64(time.Now().Unix())
	for _, rec := range []*instance.Record{
		{InstanceID: "expired-1", ExternalID: instance.NewExternalID(), ExpiresAt: now - 10},
		{InstanceID: "expired-2", ExternalID: instance.NewExternalID(), ExpiresAt: now - 1},
		{InstanceID: "live", ExternalID: instance.NewExternalID(), ExpiresAt: now + 3600},
	} {
		if err := st.Register(ctx, rec); err != nil {
			t.Fatalf("registering %s: %v", rec.InstanceID, err)
		}
	}

	r := NewReaper(st, b, nil, slog.New(slog.DiscardHandler))
	r.tick(ctx)

	if len(b.killed) != 2 {
		t.Fatalf("killed %v, want the two expired instances", b.killed)
	}
	for _, id := range []string{"expired-1", "expired-2"} {
		if rec, _ := st.Get(ctx, id); rec != nil {
			t.Errorf("%s still registered after tick", id)
		}
	}
	if rec, _ := st.Get(ctx, "live"); rec == nil {
		t.Error("live instance was reaped")
	}
}

func TestReaperSecondTickIsNoop(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	b := &memBackend{store: st}

	now := float64(time.Now().Unix())
	if err := st.Register(ctx, &instance.Record{
		InstanceID: "expired",
		ExternalID: instance.NewExternalID(),
		ExpiresAt:  now - 5,
	}); err != nil {
		t.Fatal(err)
	}

	r := NewReaper(st, b, nil, slog.New(slog.DiscardHandler))

	// A second tick after the record is gone must be a quiet noop.
	r.tick(ctx)
	r.tick(ctx)

	if len(b.killed) != 1 {
		t.Errorf("killed = %v, want exactly one kill", b.killed)
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	st := newMemStore()
	b := &memBackend{store: st}

	r := NewReaper(st, b, nil, slog.New(slog.DiscardHandler))
	r.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on context cancellation")
	}
}
