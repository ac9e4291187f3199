package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hubctl/pkg/stores"
)

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 100})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	log := &eventLog{}
	ep.Subscribe(log.subscribe, nil)

	for i := 0; i < 50; i++ {
		if err := ep.PublishAttemptFailed("op-1", testTarget, i+1, "transient_auth", "Forbidden"); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if got := len(log.types()); got != 50 {
		t.Errorf("Expected 50 delivered events, got %d", got)
	}
	for i, e := range log.events {
		if e.Data["attempt"] != i+1 {
			t.Fatalf("Expected events in publish order, event %d has attempt %v", i, e.Data["attempt"])
		}
	}

	if err := ep.Publish(Event{Type: "late"}); err == nil {
		t.Error("Expected error publishing after shutdown")
	}
}

func TestEventPublisherBufferFull(t *testing.T) {
	block := make(chan struct{})
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 1})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}
	ep.Subscribe(func(Event) { <-block }, nil)

	var dropped bool
	for i := 0; i < 10; i++ {
		if err := ep.Publish(Event{Type: "x"}); err != nil {
			dropped = true
			break
		}
	}
	close(block)

	if !dropped {
		t.Error("Expected an event to be dropped once the buffer is full")
	}
	_ = ep.Shutdown(context.Background())
}

func TestEventFilters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	warnings := &eventLog{}
	ep.Subscribe(warnings.subscribe, FilterByLevel(EventLevelWarning))
	op2 := &eventLog{}
	ep.Subscribe(op2.subscribe, FilterByOperationID("op-2"))
	retries := &eventLog{}
	ep.Subscribe(retries.subscribe, FilterByType(EventTypeRetryScheduled))

	_ = ep.PublishOperationStarted("op-1", testTarget, "user")
	_ = ep.PublishAttemptFailed("op-1", testTarget, 1, "transient_network", "connection reset")
	_ = ep.PublishRetryScheduled("op-2", testTarget, 1, "transient_network", time.Minute)
	_ = ep.PublishOperationExhausted("op-2", testTarget, 6, "transient_network", "no_obvious_issue")

	if got := len(warnings.events); got != 2 {
		t.Errorf("Expected 2 warning-or-worse events, got %d", got)
	}
	if got := len(op2.events); got != 2 {
		t.Errorf("Expected 2 events for op-2, got %d", got)
	}
	if got := len(retries.events); got != 1 {
		t.Errorf("Expected 1 retry event, got %d", got)
	}
	if !strings.Contains(retries.events[0].Message, "1m0s") {
		t.Errorf("Expected delay in retry message, got %q", retries.events[0].Message)
	}

	ep.AddFilter(func(e Event) bool { return e.OperationID != "op-1" })
	_ = ep.PublishOperationStarted("op-1", testTarget, "user")
	if got := len(warnings.events) + len(op2.events) + len(retries.events); got != 5 {
		t.Errorf("Expected global filter to drop the event, got %d deliveries", got)
	}
}

func TestDisabledPublisher(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}
	if err := ep.PublishOperationStarted("op", testTarget, "user"); err != nil {
		t.Errorf("Expected disabled publish to be a no-op, got %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected disabled shutdown to be a no-op, got %v", err)
	}
}

func TestPersistTo(t *testing.T) {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}
	ep.Subscribe(PersistTo(store, zerolog.Nop()), nil)

	_ = ep.PublishOperationStarted("op-1", testTarget, "managed_identity")
	_ = ep.PublishRetryScheduled("op-1", testTarget, 1, "transient_auth", 30*time.Second)
	_ = ep.PublishPolicyViolation(testTarget, "scope-format", "error", "bad scope")

	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	opID := "op-1"
	events, err := store.GetEvents(ctx, &opID, nil, 10, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 persisted events for op-1, got %d", len(events))
	}
	if events[1].Type != EventTypeRetryScheduled || events[1].Details == nil {
		t.Errorf("Unexpected persisted event %+v", events[1])
	}
	if !strings.Contains(*events[1].Details, `"class":"transient_auth"`) {
		t.Errorf("Expected details JSON to carry the class, got %s", *events[1].Details)
	}

	level := stores.EventLevelError
	errs, err := store.GetEvents(ctx, nil, &level, 10, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(errs) != 1 || errs[0].OperationID != nil {
		t.Errorf("Expected one operation-less policy event, got %+v", errs)
	}
}
