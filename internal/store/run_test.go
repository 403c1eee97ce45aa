package store

import (
	"context"
	"sync"
	"testing"
)

func seedUserMessage(t *testing.T, threads *ThreadStore) (*Thread, *Message) {
	t.Helper()
	ctx := context.Background()
	th, err := threads.Create(ctx, "flow-1")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	msg := &Message{Role: RoleUser, Format: "text", Content: []byte(`{"text":"hello"}`)}
	if _, err := threads.AcceptUserMessage(ctx, th.ID, msg); err != nil {
		t.Fatalf("accept message: %v", err)
	}
	return th, msg
}

func TestRunStoreCreateMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	threads, _ := openTestStores(t)
	runs := NewRunStore(threads.DB())
	th, msg := seedUserMessage(t, threads)

	first, existing, err := runs.Create(ctx, th.ID, msg.ID)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if existing {
		t.Fatalf("first create should not be existing")
	}

	second, existing, err := runs.Create(ctx, th.ID, msg.ID)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !existing {
		t.Fatalf("second create should be existing")
	}
	if first.ID != second.ID {
		t.Fatalf("expected same run id for duplicate message, got %s vs %s", first.ID, second.ID)
	}
}

func TestRunStoreCreateConcurrent(t *testing.T) {
	ctx := context.Background()
	threads, _ := openTestStores(t)
	runs := NewRunStore(threads.DB())
	th, msg := seedUserMessage(t, threads)

	const workers = 20
	type result struct {
		run      *Run
		existing bool
		err      error
	}

	results := make(chan result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, existing, err := runs.Create(ctx, th.ID, msg.ID)
			results <- result{run: run, existing: existing, err: err}
		}()
	}
	wg.Wait()
	close(results)

	ids := map[string]struct{}{}
	var createdCount int
	for r := range results {
		if r.err != nil {
			t.Fatalf("concurrent create failed: %v", r.err)
		}
		ids[r.run.ID] = struct{}{}
		if !r.existing {
			createdCount++
		}
	}

	if len(ids) != 1 {
		t.Fatalf("expected one canonical run id, got %d", len(ids))
	}
	if createdCount != 1 {
		t.Fatalf("expected exactly one created run, got %d", createdCount)
	}
}

func TestRunStoreUpdateStatusStampsTimes(t *testing.T) {
	ctx := context.Background()
	threads, _ := openTestStores(t)
	runs := NewRunStore(threads.DB())
	th, msg := seedUserMessage(t, threads)

	run, _, err := runs.Create(ctx, th.ID, msg.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := runs.UpdateStatus(ctx, run.ID, RunStatusRunning, nil, nil); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	reply := "reply-1"
	if err := runs.UpdateStatus(ctx, run.ID, RunStatusDone, &reply, nil); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	got, err := runs.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != RunStatusDone || got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.ReplyID == nil || *got.ReplyID != reply {
		t.Fatalf("reply id not stored")
	}
}
