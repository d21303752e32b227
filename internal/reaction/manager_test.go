package reaction

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmcruz/parley/internal/chat"
)

type countingAPI struct {
	adds    atomic.Int32
	removes atomic.Int32
}

func (c *countingAPI) AddReaction(context.Context, string, string) error {
	c.adds.Add(1)
	return nil
}

func (c *countingAPI) RemoveReaction(context.Context, string, string) error {
	c.removes.Add(1)
	return nil
}

func setup(t *testing.T) (*Manager, *countingAPI, *chat.Store) {
	t.Helper()
	store := chat.NewStore("u1", nil)
	store.UpsertRemote(chat.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u2",
		Body:           "react to me",
		Status:         chat.StatusDelivered,
		CreatedAt:      time.UnixMilli(1000),
	})
	api := &countingAPI{}
	return NewManager(store, api, nil), api, store
}

func waitCalls(t *testing.T, counter *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.After(time.Second)
	for counter.Load() != want {
		select {
		case <-deadline:
			t.Fatalf("calls = %d, want %d", counter.Load(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestReactIdempotent(t *testing.T) {
	m, api, store := setup(t)

	m.React(context.Background(), "c1", "m1", "👍")
	m.React(context.Background(), "c1", "m1", "👍")

	msg, _ := store.Message("c1", "m1")
	if len(msg.Reactions["👍"]) != 1 {
		t.Errorf("reactions = %v, want one 👍 by u1", msg.Reactions)
	}
	waitCalls(t, &api.adds, 1) // the duplicate never hits the network
}

func TestReactUnreactSequence(t *testing.T) {
	m, _, store := setup(t)

	// u1 local, u2 remote, then u1 withdraws.
	m.React(context.Background(), "c1", "m1", "👍")
	m.ApplyRemoteAdd("c1", "m1", "u2", "👍")
	m.Unreact(context.Background(), "c1", "m1", "👍")

	msg, _ := store.Message("c1", "m1")
	set := msg.Reactions["👍"]
	if len(set) != 1 {
		t.Fatalf("set = %v, want exactly u2", set)
	}
	if _, ok := set["u2"]; !ok {
		t.Errorf("set = %v, want u2", set)
	}
}

func TestUnreactLastPrunesEmoji(t *testing.T) {
	m, _, store := setup(t)

	m.React(context.Background(), "c1", "m1", "🔥")
	m.Unreact(context.Background(), "c1", "m1", "🔥")

	msg, _ := store.Message("c1", "m1")
	if _, ok := msg.Reactions["🔥"]; ok {
		t.Errorf("reactions = %v, want 🔥 key pruned", msg.Reactions)
	}
}

func TestUnreactAbsentIsNoOp(t *testing.T) {
	m, api, _ := setup(t)

	m.Unreact(context.Background(), "c1", "m1", "👀")
	time.Sleep(20 * time.Millisecond)
	if api.removes.Load() != 0 {
		t.Errorf("removes = %d, want 0", api.removes.Load())
	}
}

func TestMultipleEmojiPerUserAllowed(t *testing.T) {
	m, _, store := setup(t)

	m.React(context.Background(), "c1", "m1", "👍")
	m.React(context.Background(), "c1", "m1", "🔥")

	msg, _ := store.Message("c1", "m1")
	if len(msg.Reactions) != 2 {
		t.Errorf("reactions = %v, want distinct 👍 and 🔥", msg.Reactions)
	}
}

func TestRemoteOverridesOptimisticGuess(t *testing.T) {
	m, _, store := setup(t)

	// Optimistic add, then the server says it was removed (e.g. another
	// device raced us).
	m.React(context.Background(), "c1", "m1", "👍")
	m.ApplyRemoteRemove("c1", "m1", "u1", "👍")

	msg, _ := store.Message("c1", "m1")
	if _, ok := msg.Reactions["👍"]; ok {
		t.Errorf("reactions = %v, remote removal must win", msg.Reactions)
	}
}
