package events

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// wants tests
// ---------------------------------------------------------------------------

func TestWants_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: SyncCompleted, Timestamp: time.Now()}
	if !client.wants(event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestWants_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []string{SyncCompleted, SyncFailed},
	}}

	completed := &Event{Type: SyncCompleted}
	failed := &Event{Type: SyncFailed}
	jobDone := &Event{Type: JobSucceeded}

	if !client.wants(completed) {
		t.Error("Should receive sync.completed events")
	}
	if !client.wants(failed) {
		t.Error("Should receive sync.failed events")
	}
	if client.wants(jobDone) {
		t.Error("Should NOT receive job.succeeded events")
	}
}

func TestWants_TenantFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		TenantIDs: []string{"ten_1"},
	}}

	matching := &Event{Type: SyncCompleted, TenantID: "ten_1"}
	other := &Event{Type: SyncCompleted, TenantID: "ten_2"}

	if !client.wants(matching) {
		t.Error("Should match subscribed tenant")
	}
	if client.wants(other) {
		t.Error("Should NOT match unrelated tenant")
	}
}

func TestWants_CombinedFilters(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []string{JobFailed},
		TenantIDs:  []string{"ten_1"},
	}}

	both := &Event{Type: JobFailed, TenantID: "ten_1"}
	wrongType := &Event{Type: JobSucceeded, TenantID: "ten_1"}
	wrongTenant := &Event{Type: JobFailed, TenantID: "ten_2"}

	if !client.wants(both) {
		t.Error("Should match when both filters pass")
	}
	if client.wants(wrongType) {
		t.Error("Should NOT match wrong event type")
	}
	if client.wants(wrongTenant) {
		t.Error("Should NOT match wrong tenant")
	}
}

func TestWants_EmptySubscription(t *testing.T) {
	// No filters, not AllEvents: filters only narrow, so everything
	// passes.
	client := &Client{sub: Subscription{}}

	event := &Event{Type: SyncStarted}
	if !client.wants(event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_PublishAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Publish(SyncCompleted, "ten_1", map[string]any{"fetched": 3})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishReachesClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(JobSucceeded, "ten_1", map[string]any{"id": "j1"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := testHub() // Run loop intentionally not started

	// Well past the buffer size; extra events must be dropped, not
	// block the caller.
	for i := 0; i < 500; i++ {
		h.Publish(SyncStarted, "ten_1", nil)
	}
	if h.dropped.Load() == 0 {
		t.Error("Expected overflow events to be counted as dropped")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants job failures
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{JobFailed}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// A sync event should be filtered out
	h.Publish(SyncCompleted, "ten_1", nil)
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive sync.completed event")
	default:
		// Good - filtered out
	}

	// A job failure should be received
	h.Publish(JobFailed, "ten_1", map[string]any{"id": "j9"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive job.failed event")
	}
}
