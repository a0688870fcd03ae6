package reaper

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type fakeReclaimer struct {
	calls atomic.Int32
}

func (f *fakeReclaimer) ReclaimExpired(ctx context.Context) (int, error) {
	f.calls.Add(1)
	return 0, nil
}

func TestRunStopsOnCancel(t *testing.T) {
	fake := &fakeReclaimer{}
	r := &Reaper{svc: fake, interval: 5 * time.Millisecond, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("reaper did not stop after context cancellation")
	}

	if fake.calls.Load() == 0 {
		t.Fatal("expected at least one reclaim pass")
	}
}
