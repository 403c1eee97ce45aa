package store

import (
	"context"
	"errors"
	"testing"
)

func TestMessageStoreListPaginatesByCursor(t *testing.T) {
	ctx := context.Background()
	threads, messages := openTestStores(t)

	th, err := threads.Create(ctx, "flow-1")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	var ids []string
	for i := 0; i < 5; i++ {
		m, err := messages.Append(ctx, &Message{ThreadID: th.ID, Role: RoleAgent, Format: "text", Content: []byte(`{"text":"x"}`)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, m.ID)
	}

	page, more, err := messages.List(ctx, th.ID, 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !more || len(page) != 2 {
		t.Fatalf("first page len=%d more=%v, want 2/true", len(page), more)
	}
	if page[0].ID != ids[3] || page[1].ID != ids[4] {
		t.Fatalf("first page should hold the newest messages in ascending order")
	}

	page, more, err = messages.List(ctx, th.ID, page[0].Seq, 10)
	if err != nil {
		t.Fatalf("list older: %v", err)
	}
	if more || len(page) != 3 || page[0].ID != ids[0] {
		t.Fatalf("older page len=%d more=%v", len(page), more)
	}
}

func TestMessageStoreAppendUnknownThread(t *testing.T) {
	_, messages := openTestStores(t)
	_, err := messages.Append(context.Background(), &Message{ThreadID: "missing", Role: RoleAgent, Format: "text"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageStoreAppendTouchesThread(t *testing.T) {
	ctx := context.Background()
	threads, messages := openTestStores(t)

	th, err := threads.Create(ctx, "flow-1")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, err := messages.Append(ctx, &Message{ThreadID: th.ID, Role: RoleAgent, Format: "text"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := threads.GetByID(ctx, th.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UpdatedAt.Before(th.UpdatedAt) {
		t.Fatalf("updated_at moved backwards")
	}
}
