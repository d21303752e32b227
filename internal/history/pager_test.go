package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmcruz/parley/internal/api"
	"github.com/dmcruz/parley/internal/bus"
	"github.com/dmcruz/parley/internal/chat"
)

type fakeAPI struct {
	mu    sync.Mutex
	pages map[string]map[int][]api.MessageRecord
	err   error
	gates map[string]chan struct{} // block fetches per conversation
	calls int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		pages: make(map[string]map[int][]api.MessageRecord),
		gates: make(map[string]chan struct{}),
	}
}

func (f *fakeAPI) setPage(convID string, page int, recs []api.MessageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages[convID] == nil {
		f.pages[convID] = make(map[int][]api.MessageRecord)
	}
	f.pages[convID][page] = recs
}

func (f *fakeAPI) FetchMessages(_ context.Context, convID string, page, _ int) ([]api.MessageRecord, error) {
	f.mu.Lock()
	gate := f.gates[convID]
	f.calls++
	err := f.err
	recs := f.pages[convID][page]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (f *fakeAPI) MarkSeen(context.Context, string) error { return nil }

type memCache struct {
	mu    sync.Mutex
	pages map[string][]chat.Message
}

func newMemCache() *memCache {
	return &memCache{pages: make(map[string][]chat.Message)}
}

func (c *memCache) CachedMessages(convID string) []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pages[convID]
}

func (c *memCache) SetCachedMessages(convID string, msgs []chat.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[convID] = msgs
	return nil
}

func rec(id string, atMS int64, body string) api.MessageRecord {
	return api.MessageRecord{ID: id, ConversationID: "c1", SenderID: "u2", Body: body, CreatedAt: atMS}
}

func setup(t *testing.T) (*Pager, *fakeAPI, *memCache, *chat.Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	store := chat.NewStore("self", b)
	fa := newFakeAPI()
	mc := newMemCache()
	p := NewPager(store, fa, mc, b, nil)
	p.SetPageSize(2)
	return p, fa, mc, store, b
}

func TestActivatePaintsFromCacheThenRefreshes(t *testing.T) {
	p, fa, mc, store, b := setup(t)
	ch, unsub := b.Subscribe("history.", 32)
	defer unsub()

	_ = mc.SetCachedMessages("c1", []chat.Message{
		{ID: "m1", ConversationID: "c1", Body: "old", CreatedAt: time.UnixMilli(1000), Status: chat.StatusDelivered},
	})
	fa.setPage("c1", 1, []api.MessageRecord{rec("m1", 1000, "old"), rec("m2", 2000, "new")})

	if err := p.Activate(context.Background(), "c1"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	var kinds []string
	for len(kinds) < 2 {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
		case <-time.After(time.Second):
			t.Fatalf("events = %v, want painted then refreshed", kinds)
		}
	}
	if kinds[0] != "history.painted" || kinds[1] != "history.refreshed" {
		t.Errorf("events = %v, want [history.painted history.refreshed]", kinds)
	}
	if got := len(store.Messages("c1")); got != 2 {
		t.Errorf("messages = %d, want 2 after refresh", got)
	}
}

func TestActivateSameLengthSkipsRerender(t *testing.T) {
	p, fa, mc, _, b := setup(t)
	ch, unsub := b.Subscribe("history.refreshed", 8)
	defer unsub()

	_ = mc.SetCachedMessages("c1", []chat.Message{
		{ID: "m1", ConversationID: "c1", Body: "x", CreatedAt: time.UnixMilli(1000), Status: chat.StatusDelivered},
	})
	fa.setPage("c1", 1, []api.MessageRecord{rec("m1", 1000, "x")})

	if err := p.Activate(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected re-render: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestActivateErrorNoCache(t *testing.T) {
	p, fa, _, _, b := setup(t)
	ch, unsub := b.Subscribe("history.load_failed", 8)
	defer unsub()

	fa.err = errors.New("network down")
	if err := p.Activate(context.Background(), "c1"); err == nil {
		t.Fatal("expected error for empty-with-error state")
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("history.load_failed not published")
	}
}

func TestActivateErrorFallsBackToCache(t *testing.T) {
	p, fa, mc, store, _ := setup(t)

	_ = mc.SetCachedMessages("c1", []chat.Message{
		{ID: "m1", ConversationID: "c1", Body: "cached", CreatedAt: time.UnixMilli(1000), Status: chat.StatusDelivered},
	})
	fa.err = errors.New("network down")

	if err := p.Activate(context.Background(), "c1"); err != nil {
		t.Fatalf("Activate() error = %v, want nil (cache fallback)", err)
	}
	if got := len(store.Messages("c1")); got != 1 {
		t.Errorf("messages = %d, want cached page", got)
	}
}

func TestCancellationInvariant(t *testing.T) {
	p, fa, _, store, _ := setup(t)

	// C1's fetch hangs until released; C2 resolves immediately.
	gate := make(chan struct{})
	fa.mu.Lock()
	fa.gates["c1"] = gate
	fa.mu.Unlock()
	fa.setPage("c1", 1, []api.MessageRecord{rec("m1", 1000, "for c1"), rec("m2", 2000, "also c1")})

	errCh := make(chan error, 1)
	go func() { errCh <- p.Activate(context.Background(), "c1") }()

	// Give the first Activate time to reach the network.
	time.Sleep(20 * time.Millisecond)

	// Switch to c2 before c1's load resolves.
	if err := p.Activate(context.Background(), "c2"); err != nil {
		t.Fatalf("Activate(c2) error = %v", err)
	}
	close(gate)

	if err := <-errCh; !errors.Is(err, ErrCancelled) {
		t.Errorf("Activate(c1) error = %v, want ErrCancelled", err)
	}

	// C1's late result landed in the background...
	if got := len(store.Messages("c1")); got != 2 {
		t.Errorf("c1 background messages = %d, want 2", got)
	}
	// ...and never leaked into c2's visible state.
	if got := len(store.Messages("c2")); got != 0 {
		t.Errorf("c2 messages = %d, want 0", got)
	}
	if store.ActiveID() != "c2" {
		t.Errorf("active = %s, want c2", store.ActiveID())
	}
}

func TestLoadMorePrependsOlderPage(t *testing.T) {
	p, fa, _, store, _ := setup(t)

	fa.setPage("c1", 1, []api.MessageRecord{rec("m3", 3000, "three"), rec("m4", 4000, "four")})
	// Server returns page 2 unsorted; the pager re-sorts after merge.
	fa.setPage("c1", 2, []api.MessageRecord{rec("m1", 1000, "one"), rec("m2", 2000, "two")})

	if err := p.Activate(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	n, err := p.LoadMore(context.Background())
	if err != nil {
		t.Fatalf("LoadMore() error = %v", err)
	}
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}

	msgs := store.Messages("c1")
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	want := []string{"m1", "m2", "m3", "m4"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("msgs[%d] = %s, want %s", i, msgs[i].ID, id)
		}
	}
}

func TestLoadMoreStopsAtEnd(t *testing.T) {
	p, fa, _, _, _ := setup(t)

	fa.setPage("c1", 1, []api.MessageRecord{rec("m1", 1000, "one"), rec("m2", 2000, "two")})
	fa.setPage("c1", 2, []api.MessageRecord{rec("m0", 500, "zero")}) // short page: end of history

	if err := p.Activate(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.LoadMore(context.Background()); err != nil {
		t.Fatal(err)
	}

	fa.mu.Lock()
	before := fa.calls
	fa.mu.Unlock()

	// History exhausted: no further network calls.
	if n, err := p.LoadMore(context.Background()); n != 0 || err != nil {
		t.Errorf("LoadMore() = %d, %v; want 0, nil", n, err)
	}
	fa.mu.Lock()
	after := fa.calls
	fa.mu.Unlock()
	if after != before {
		t.Errorf("calls = %d, want %d (no fetch past the end)", after, before)
	}
}
