package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmcruz/parley/internal/chat"
	"github.com/dmcruz/parley/internal/transport"
)

type signalRecorder struct {
	mu      sync.Mutex
	signals []bool
}

func (r *signalRecorder) Emit(_ context.Context, eventType string, payload any) error {
	p, ok := payload.(transport.Typing)
	if !ok || eventType != "typing" {
		return nil
	}
	r.mu.Lock()
	r.signals = append(r.signals, p.IsTyping)
	r.mu.Unlock()
	return nil
}

func (r *signalRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.signals...)
}

func setup(t *testing.T) (*Debouncer, *signalRecorder, *chat.Store) {
	t.Helper()
	rec := &signalRecorder{}
	store := chat.NewStore("self", nil)
	d := NewDebouncer(store, rec, "self", "me", nil)
	d.SetIntervals(60*time.Millisecond, 80*time.Millisecond)
	return d, rec, store
}

func TestBurstEmitsOneStartOneStop(t *testing.T) {
	d, rec, _ := setup(t)

	// Keystrokes at t=0, 20ms, 40ms; silence after.
	d.Activity(context.Background(), "c1")
	time.Sleep(20 * time.Millisecond)
	d.Activity(context.Background(), "c1")
	time.Sleep(20 * time.Millisecond)
	d.Activity(context.Background(), "c1")

	// Wait past the re-armed debounce window.
	time.Sleep(150 * time.Millisecond)

	got := rec.snapshot()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("signals = %v, want [true false]", got)
	}
}

func TestActivityReArmsTimer(t *testing.T) {
	d, rec, _ := setup(t)

	d.Activity(context.Background(), "c1")
	// Keep typing past the original window; no stop should fire while
	// activity continues.
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		d.Activity(context.Background(), "c1")
	}

	got := rec.snapshot()
	if len(got) != 1 || got[0] != true {
		t.Errorf("signals = %v, want only the initial [true]", got)
	}
}

func TestStopEmitsImmediately(t *testing.T) {
	d, rec, _ := setup(t)

	d.Activity(context.Background(), "c1")
	d.Stop(context.Background(), "c1")

	got := rec.snapshot()
	if len(got) != 2 || got[1] != false {
		t.Errorf("signals = %v, want [true false]", got)
	}

	// A Stop without a preceding Activity emits nothing.
	d.Stop(context.Background(), "c1")
	if got := rec.snapshot(); len(got) != 2 {
		t.Errorf("signals = %v, redundant stop emitted", got)
	}
}

func TestConversationsDebounceIndependently(t *testing.T) {
	d, rec, _ := setup(t)

	d.Activity(context.Background(), "c1")
	d.Activity(context.Background(), "c2")
	time.Sleep(150 * time.Millisecond)

	got := rec.snapshot()
	trues := 0
	for _, s := range got {
		if s {
			trues++
		}
	}
	if trues != 2 || len(got) != 4 {
		t.Errorf("signals = %v, want start/stop per conversation", got)
	}
}

func TestHandleRemoteSetsAndClears(t *testing.T) {
	d, _, store := setup(t)

	d.HandleRemote("c1", "u2", "ana", true)
	if users := store.TypingUsers("c1"); users["u2"] != "ana" {
		t.Errorf("typing map = %v, want u2=ana", users)
	}

	d.HandleRemote("c1", "u2", "ana", false)
	if users := store.TypingUsers("c1"); len(users) != 0 {
		t.Errorf("typing map = %v, want empty after stop", users)
	}
}

func TestHandleRemoteIdleTimeout(t *testing.T) {
	d, _, store := setup(t)

	// Remote start whose stop signal is lost.
	d.HandleRemote("c1", "u2", "ana", true)
	time.Sleep(150 * time.Millisecond)

	if users := store.TypingUsers("c1"); len(users) != 0 {
		t.Errorf("typing map = %v, want cleared by idle timeout", users)
	}
}

func TestHandleRemoteRefreshExtendsIdle(t *testing.T) {
	d, _, store := setup(t)

	d.HandleRemote("c1", "u2", "ana", true)
	time.Sleep(50 * time.Millisecond)
	d.HandleRemote("c1", "u2", "ana", true) // refresh before idle expiry
	time.Sleep(50 * time.Millisecond)

	if users := store.TypingUsers("c1"); users["u2"] != "ana" {
		t.Errorf("typing map = %v, want u2 still present", users)
	}
}
