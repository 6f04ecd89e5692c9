package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bobarin/adreel/internal/logger"
)

func TestShutdownRunsHandlersLIFO(t *testing.T) {
	mgr := NewManager(logger.Nop(), time.Second)

	var order []string
	mgr.RegisterSimple("queue", func() { order = append(order, "queue") })
	mgr.RegisterSimple("workers", func() { order = append(order, "workers") })
	mgr.Register("http", func(ctx context.Context) error {
		order = append(order, "http")
		return errors.New("boom")
	})

	mgr.Shutdown()

	want := []string{"http", "workers", "queue"}
	if len(order) != len(want) {
		t.Fatalf("expected %d handlers to run, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("handler %d = %s, want %s", i, order[i], want[i])
		}
	}

	select {
	case <-mgr.Done():
	default:
		t.Error("expected Done to be closed")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	mgr := NewManager(logger.Nop(), time.Second)
	calls := 0
	mgr.RegisterSimple("once", func() { calls++ })

	mgr.Shutdown()
	mgr.Shutdown()

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestShutdownHandlerSeesDeadline(t *testing.T) {
	mgr := NewManager(logger.Nop(), 50*time.Millisecond)
	var hadDeadline bool
	mgr.Register("slow", func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		<-ctx.Done()
		return ctx.Err()
	})

	mgr.Shutdown()
	if !hadDeadline {
		t.Error("expected handler context to carry a deadline")
	}
}

func TestWaitWithContext(t *testing.T) {
	mgr := NewManager(logger.Nop(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mgr.WaitWithContext(ctx)
	select {
	case <-mgr.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete")
	}
}
