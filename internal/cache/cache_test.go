package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dmcruz/parley/internal/chat"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetAndGetCachedMessages(t *testing.T) {
	db := testDB(t)

	msgs := []chat.Message{
		{ID: "m2", ConversationID: "c1", Body: "second", CreatedAt: time.UnixMilli(2000)},
		{ID: "m1", ConversationID: "c1", Body: "first", CreatedAt: time.UnixMilli(1000)},
	}
	if err := db.SetCachedMessages("c1", msgs); err != nil {
		t.Fatalf("SetCachedMessages() error = %v", err)
	}

	got := db.CachedMessages("c1")
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	// Reads come back oldest first regardless of write order.
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("order = %s, %s; want m1, m2", got[0].ID, got[1].ID)
	}
	if got[0].Body != "first" {
		t.Errorf("body = %q, want first", got[0].Body)
	}
}

func TestSetCachedMessagesReplaces(t *testing.T) {
	db := testDB(t)

	_ = db.SetCachedMessages("c1", []chat.Message{
		{ID: "m1", CreatedAt: time.UnixMilli(1000)},
	})
	_ = db.SetCachedMessages("c1", []chat.Message{
		{ID: "m2", CreatedAt: time.UnixMilli(2000)},
		{ID: "m3", CreatedAt: time.UnixMilli(3000)},
	})

	got := db.CachedMessages("c1")
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2 (replaced)", len(got))
	}
	if got[0].ID != "m2" {
		t.Errorf("first id = %s, want m2", got[0].ID)
	}
}

func TestCachedMessagesMiss(t *testing.T) {
	db := testDB(t)
	if got := db.CachedMessages("nope"); got != nil {
		t.Errorf("got %v, want nil for unknown conversation", got)
	}
}

func TestClearCachedMessages(t *testing.T) {
	db := testDB(t)

	_ = db.SetCachedMessages("c1", []chat.Message{{ID: "m1", CreatedAt: time.UnixMilli(1000)}})
	if err := db.ClearCachedMessages("c1"); err != nil {
		t.Fatalf("ClearCachedMessages() error = %v", err)
	}
	if got := db.CachedMessages("c1"); got != nil {
		t.Errorf("got %v, want nil after clear", got)
	}
}

func TestCachedMessageRoundTripFields(t *testing.T) {
	db := testDB(t)

	msg := chat.Message{
		ID:             "m1",
		ClientRef:      "ref-1",
		ConversationID: "c1",
		SenderID:       "u1",
		Body:           "hello",
		Status:         chat.StatusSeen,
		Attachments:    []chat.Attachment{{URI: "https://x/pic.png", Kind: chat.KindImage}},
		Reactions:      map[string]map[string]struct{}{"👍": {"u2": {}}},
		CreatedAt:      time.UnixMilli(1000),
	}
	_ = db.SetCachedMessages("c1", []chat.Message{msg})

	got := db.CachedMessages("c1")
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	m := got[0]
	if m.Status != chat.StatusSeen {
		t.Errorf("status = %s, want seen", m.Status)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].Kind != chat.KindImage {
		t.Errorf("attachments = %v", m.Attachments)
	}
	if _, ok := m.Reactions["👍"]["u2"]; !ok {
		t.Errorf("reactions = %v, want 👍 by u2", m.Reactions)
	}
}

func TestUpsertAndListSummaries(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertSummary(chat.Summary{ID: "c1", Type: chat.ConversationDirect, Name: "ana", UnseenCount: 2}); err != nil {
		t.Fatal(err)
	}
	// Upsert again with new unseen count.
	if err := db.UpsertSummary(chat.Summary{ID: "c1", Type: chat.ConversationDirect, Name: "ana", UnseenCount: 0}); err != nil {
		t.Fatal(err)
	}

	sums, err := db.Summaries()
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 {
		t.Fatalf("got %d summaries, want 1", len(sums))
	}
	if sums[0].UnseenCount != 0 {
		t.Errorf("unseen = %d, want 0", sums[0].UnseenCount)
	}
}
