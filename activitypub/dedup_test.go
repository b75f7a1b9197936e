package activitypub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDeduplicator(t *testing.T) {
	d := NewDeduplicator(setupTestDB(t), testLogger())
	ctx := context.Background()

	if d.IsDuplicate(ctx, "https://remote.example/activities/1") {
		t.Error("First delivery must not be a duplicate")
	}
	if !d.IsDuplicate(ctx, "https://remote.example/activities/1") {
		t.Error("Second delivery must be a duplicate")
	}
	if d.IsDuplicate(ctx, "https://remote.example/activities/2") {
		t.Error("Different id must not be a duplicate")
	}
	if d.IsDuplicate(ctx, "") || d.IsDuplicate(ctx, "") {
		t.Error("Activities without id are never duplicates")
	}
}

func TestDeduplicatorConcurrentDeliveries(t *testing.T) {
	d := NewDeduplicator(setupTestDB(t), testLogger())

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.IsDuplicate(context.Background(), "https://remote.example/activities/race") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	if fresh.Load() != 1 {
		t.Errorf("Expected exactly one delivery to win, got %d", fresh.Load())
	}
}

func TestDeduplicatorFailsOpen(t *testing.T) {
	d := NewDeduplicator(failingLog{}, testLogger())
	if d.IsDuplicate(context.Background(), "https://remote.example/activities/1") {
		t.Error("Store errors must not drop activities")
	}
}
