package queue

import (
	"context"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/vigil/internal/models"
)

func newTestManager(t *testing.T, visibility time.Duration, maxReceive int) *Manager {
	t.Helper()

	opts := badgerdb.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		t.Fatalf("Failed to open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m, err := NewManager(db, visibility, maxReceive)
	if err != nil {
		t.Fatalf("Failed to create queue manager: %v", err)
	}
	return m
}

func enqueue(t *testing.T, m *Manager, queue, msgType, dedupID string, payload interface{}) {
	t.Helper()
	msg, err := models.NewMessage(msgType, dedupID, payload)
	if err != nil {
		t.Fatalf("Failed to build message: %v", err)
	}
	if err := m.Enqueue(context.Background(), queue, msg); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

func TestEnqueueReceiveAck(t *testing.T) {
	m := newTestManager(t, time.Minute, 3)
	ctx := context.Background()

	enqueue(t, m, models.QueueCrawl, "crawl", "item-1", models.CrawlPayload{ItemID: "item-1"})

	msg, ack, err := m.Receive(ctx, models.QueueCrawl)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.Type != "crawl" || msg.DedupID != "item-1" {
		t.Errorf("Unexpected message: type=%s dedup=%s", msg.Type, msg.DedupID)
	}
	if err := ack(); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	if _, _, err := m.Receive(ctx, models.QueueCrawl); err != ErrNoMessage {
		t.Errorf("Expected ErrNoMessage after ack, got %v", err)
	}
}

func TestReceiveEmptyQueue(t *testing.T) {
	m := newTestManager(t, time.Minute, 3)

	if _, _, err := m.Receive(context.Background(), models.QueueSearch); err != ErrNoMessage {
		t.Errorf("Expected ErrNoMessage, got %v", err)
	}
}

func TestDedupSuppressesWhileQueued(t *testing.T) {
	m := newTestManager(t, time.Minute, 3)
	ctx := context.Background()

	enqueue(t, m, models.QueueAnalyze, "analyze", "item-1", models.AnalyzePayload{ItemID: "item-1"})
	enqueue(t, m, models.QueueAnalyze, "analyze", "item-1", models.AnalyzePayload{ItemID: "item-1"})

	_, ack, err := m.Receive(ctx, models.QueueAnalyze)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := ack(); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	// The duplicate was suppressed, not queued behind the first.
	if _, _, err := m.Receive(ctx, models.QueueAnalyze); err != ErrNoMessage {
		t.Errorf("Expected ErrNoMessage, got %v", err)
	}

	// After the ack drops the dedup marker the same id may be queued again.
	enqueue(t, m, models.QueueAnalyze, "analyze", "item-1", models.AnalyzePayload{ItemID: "item-1"})
	if _, _, err := m.Receive(ctx, models.QueueAnalyze); err != nil {
		t.Errorf("Expected redelivery after re-enqueue, got %v", err)
	}
}

func TestUnackedMessageRedeliveredAfterVisibilityTimeout(t *testing.T) {
	m := newTestManager(t, 50*time.Millisecond, 3)
	ctx := context.Background()

	enqueue(t, m, models.QueueCrawl, "crawl", "item-1", models.CrawlPayload{ItemID: "item-1"})

	if _, _, err := m.Receive(ctx, models.QueueCrawl); err != nil {
		t.Fatalf("First receive failed: %v", err)
	}

	// Invisible while the timeout runs.
	if _, _, err := m.Receive(ctx, models.QueueCrawl); err != ErrNoMessage {
		t.Fatalf("Expected ErrNoMessage during visibility window, got %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	msg, ack, err := m.Receive(ctx, models.QueueCrawl)
	if err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}
	if msg.DedupID != "item-1" {
		t.Errorf("Redelivered wrong message: %s", msg.DedupID)
	}
	if err := ack(); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

func TestPoisonMessageDroppedAfterMaxReceive(t *testing.T) {
	m := newTestManager(t, 10*time.Millisecond, 2)
	ctx := context.Background()

	enqueue(t, m, models.QueueCrawl, "crawl", "item-1", models.CrawlPayload{ItemID: "item-1"})

	for i := 0; i < 2; i++ {
		if _, _, err := m.Receive(ctx, models.QueueCrawl); err != nil {
			t.Fatalf("Receive %d failed: %v", i+1, err)
		}
		time.Sleep(30 * time.Millisecond)
	}

	// Third delivery attempt hits the receive cap and drops the message.
	if _, _, err := m.Receive(ctx, models.QueueCrawl); err != ErrNoMessage {
		t.Errorf("Expected the poison message to be dropped, got %v", err)
	}

	// The drop also cleared the dedup marker.
	enqueue(t, m, models.QueueCrawl, "crawl", "item-1", models.CrawlPayload{ItemID: "item-1"})
	if _, _, err := m.Receive(ctx, models.QueueCrawl); err != nil {
		t.Errorf("Expected re-enqueue after drop to deliver, got %v", err)
	}
}

func TestQueuesAreIsolated(t *testing.T) {
	m := newTestManager(t, time.Minute, 3)
	ctx := context.Background()

	enqueue(t, m, models.QueueSearch, "search", "", models.SearchPayload{Keywords: []string{"kw"}})

	if _, _, err := m.Receive(ctx, models.QueueCrawl); err != ErrNoMessage {
		t.Errorf("Message leaked into another queue: %v", err)
	}
	if _, _, err := m.Receive(ctx, models.QueueSearch); err != nil {
		t.Errorf("Message missing from its own queue: %v", err)
	}
}

func TestReceiveOrderFollowsEnqueue(t *testing.T) {
	m := newTestManager(t, time.Minute, 3)
	ctx := context.Background()

	for _, id := range []string{"item-1", "item-2", "item-3"} {
		enqueue(t, m, models.QueueCrawl, "crawl", id, models.CrawlPayload{ItemID: id})
		// Distinct visibility timestamps keep the index order deterministic.
		time.Sleep(2 * time.Millisecond)
	}

	for _, want := range []string{"item-1", "item-2", "item-3"} {
		msg, ack, err := m.Receive(ctx, models.QueueCrawl)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if msg.DedupID != want {
			t.Errorf("Received %s, want %s", msg.DedupID, want)
		}
		if err := ack(); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	}
}
