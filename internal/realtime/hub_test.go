package realtime

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
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Kind: "deal.funded", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_KindFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Kinds: []string{"deal.funded", "deal.disputed"},
	}}

	funded := &Event{Kind: "deal.funded"}
	disputed := &Event{Kind: "deal.disputed"}
	message := &Event{Kind: "deal.message"}

	if !h.shouldSend(client, funded) {
		t.Error("Should receive deal.funded events")
	}
	if !h.shouldSend(client, disputed) {
		t.Error("Should receive deal.disputed events")
	}
	if h.shouldSend(client, message) {
		t.Error("Should NOT receive deal.message events")
	}
}

func TestShouldSend_AccountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Accounts: []string{"acc_alice"},
	}}

	matching := &Event{
		Kind: "deal.funded",
		Data: map[string]any{"account": "acc_alice", "dealId": "deal_1"},
	}
	notMatching := &Event{
		Kind: "deal.funded",
		Data: map[string]any{"account": "acc_bob", "dealId": "deal_2"},
	}
	matchingSeller := &Event{
		Kind: "deal.completed",
		Data: map[string]any{"seller": "acc_alice"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on account")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated accounts")
	}
	if !h.shouldSend(client, matchingSeller) {
		t.Error("Should match on seller")
	}
}

func TestShouldSend_DealFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		DealIDs: []string{"deal_42"},
	}}

	matching := &Event{Kind: "deal.message", Data: map[string]any{"dealId": "deal_42"}}
	notMatching := &Event{Kind: "deal.message", Data: map[string]any{"dealId": "deal_7"}}

	if !h.shouldSend(client, matching) {
		t.Error("Should match watched deal")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other deals")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents: nothing flows until the client asks.
	client := &Client{sub: Subscription{}}

	event := &Event{Kind: "deal.funded"}
	if h.shouldSend(client, event) {
		t.Error("Empty subscription should receive nothing")
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

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Kind: "deal.funded", Timestamp: time.Now()})
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

func TestHub_BroadcastToClient(t *testing.T) {
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

	h.Broadcast(&Event{
		Kind:      "deal.funded",
		Timestamp: time.Now(),
		Data:      map[string]any{"dealId": "deal_1", "price": "5.000000"},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_NotifyAddsAccount(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Accounts: []string{"acc_seller"}},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Notify(context.Background(), "acc_seller", "deal.funded", map[string]any{"dealId": "deal_9"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Notify did not reach the watching client")
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

	// Client only wants disputes
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Kinds: []string{"deal.disputed"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a funded event (should be filtered out)
	h.Broadcast(&Event{Kind: "deal.funded", Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive deal.funded event")
	default:
		// Good - filtered out
	}

	// Send a dispute event (should be received)
	h.Broadcast(&Event{Kind: "deal.disputed", Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive deal.disputed event")
	}
}
