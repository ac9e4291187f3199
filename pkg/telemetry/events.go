package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hubctl/pkg/stores"
)

// Event represents a telemetry event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// OperationID is the associated operation (request) ID, if applicable.
	OperationID string `json:"operation_id,omitempty"`

	// ResourceID is the associated resource ID, if applicable.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeOperationStarted   = "operation.started"
	EventTypeAttemptFailed      = "attempt.failed"
	EventTypeRetryScheduled     = "retry.scheduled"
	EventTypeOperationSucceeded = "operation.succeeded"
	EventTypeOperationExhausted = "operation.exhausted"
	EventTypeOperationCancelled = "operation.cancelled"
	EventTypePolicyViolation    = "policy.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. Subscribers
// are called one event at a time, in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishOperationStarted publishes an operation started event.
func (ep *EventPublisher) PublishOperationStarted(operationID, resourceID, principalKind string) error {
	return ep.Publish(Event{
		Type:        EventTypeOperationStarted,
		Source:      "orchestrator",
		OperationID: operationID,
		ResourceID:  resourceID,
		Message:     fmt.Sprintf("Operation %s started on %s", operationID, resourceID),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"principal_kind": principalKind,
		},
	})
}

// PublishAttemptFailed publishes a failed attempt.
func (ep *EventPublisher) PublishAttemptFailed(operationID, resourceID string, attempt int, class, message string) error {
	return ep.Publish(Event{
		Type:        EventTypeAttemptFailed,
		Source:      "orchestrator",
		OperationID: operationID,
		ResourceID:  resourceID,
		Message:     fmt.Sprintf("Attempt %d failed (%s): %s", attempt, class, message),
		Level:       EventLevelWarning,
		Data: map[string]interface{}{
			"attempt": attempt,
			"class":   class,
		},
	})
}

// PublishRetryScheduled publishes a scheduled retry.
func (ep *EventPublisher) PublishRetryScheduled(operationID, resourceID string, attempt int, class string, delay time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeRetryScheduled,
		Source:      "orchestrator",
		OperationID: operationID,
		ResourceID:  resourceID,
		Message:     fmt.Sprintf("Retrying after %s (attempt %d, %s)", delay, attempt+1, class),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"next_attempt": attempt + 1,
			"class":        class,
			"delay":        delay.Seconds(),
		},
	})
}

// PublishOperationSucceeded publishes a succeeded operation.
func (ep *EventPublisher) PublishOperationSucceeded(operationID, resourceID string, attempts int, waited time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeOperationSucceeded,
		Source:      "orchestrator",
		OperationID: operationID,
		ResourceID:  resourceID,
		Message:     fmt.Sprintf("Operation %s succeeded after %d attempt(s)", operationID, attempts),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"attempts": attempts,
			"waited":   waited.Seconds(),
		},
	})
}

// PublishOperationExhausted publishes an exhausted operation with its
// diagnostic verdict.
func (ep *EventPublisher) PublishOperationExhausted(operationID, resourceID string, attempts int, class, overall string) error {
	return ep.Publish(Event{
		Type:        EventTypeOperationExhausted,
		Source:      "orchestrator",
		OperationID: operationID,
		ResourceID:  resourceID,
		Message:     fmt.Sprintf("Operation %s exhausted after %d attempt(s): %s", operationID, attempts, class),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"attempts": attempts,
			"class":    class,
			"overall":  overall,
		},
	})
}

// PublishOperationCancelled publishes a cancelled operation.
func (ep *EventPublisher) PublishOperationCancelled(operationID, resourceID string, attempts int) error {
	return ep.Publish(Event{
		Type:        EventTypeOperationCancelled,
		Source:      "orchestrator",
		OperationID: operationID,
		ResourceID:  resourceID,
		Message:     fmt.Sprintf("Operation %s cancelled after %d attempt(s)", operationID, attempts),
		Level:       EventLevelWarning,
		Data: map[string]interface{}{
			"attempts": attempts,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(resourceID, policyName, severity, reason string) error {
	level := EventLevelWarning
	if severity == "error" || severity == "critical" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:       EventTypePolicyViolation,
		Source:     "policy_engine",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Policy %s: %s", policyName, reason),
		Level:      level,
		Data: map[string]interface{}{
			"policy":   policyName,
			"severity": severity,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events until shutdown, then drains the
// buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for buffered ones to be
// delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByOperationID creates a filter that only allows events for one operation.
func FilterByOperationID(operationID string) EventFilter {
	return func(event Event) bool {
		return event.OperationID == operationID
	}
}

// EventAppender persists events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *stores.Event) error
}

// PersistTo returns a subscriber that appends every event to the store.
// Append failures are logged and dropped.
func PersistTo(appender EventAppender, logger zerolog.Logger) EventSubscriber {
	return func(event Event) {
		var details *string
		if len(event.Data) > 0 {
			data, err := json.Marshal(event.Data)
			if err == nil {
				d := string(data)
				details = &d
			}
		}

		var operationID *string
		if event.OperationID != "" {
			id := event.OperationID
			operationID = &id
		}

		err := appender.AppendEvent(context.Background(), &stores.Event{
			OperationID: operationID,
			Type:        event.Type,
			Level:       stores.EventLevel(event.Level),
			Message:     event.Message,
			Details:     details,
			Timestamp:   event.Timestamp,
		})
		if err != nil {
			logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to persist event")
		}
	}
}
