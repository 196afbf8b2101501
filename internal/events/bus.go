// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from orchestration components (debouncer,
// planner, send pipeline, etc.) to subscribers (the debug WebSocket
// handler, future metrics collector). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceDebounce identifies events from the message debouncer (C2).
	SourceDebounce = "debounce"
	// SourcePreprocess identifies events from the event preprocessor (C3).
	SourcePreprocess = "preprocess"
	// SourcePlanner identifies events from the planner (C6).
	SourcePlanner = "planner"
	// SourceReply identifies events from the reply pipeline (C9).
	SourceReply = "reply"
	// SourceSend identifies events from the send pipeline (C10).
	SourceSend = "send"
	// SourceTurnTaking identifies events from the turn-taking guard and
	// typing interruption subsystem (C11).
	SourceTurnTaking = "turn_taking"
	// SourceOrchestrator identifies events from the orchestrator (C12).
	SourceOrchestrator = "orchestrator"
	// SourceSession identifies events from the session state store (C1).
	SourceSession = "session"
)

// Kind constants describe the type of event within a source.
const (
	// KindDebounceFlush signals a debounce window elapsed and a snapshot
	// was handed to the orchestrator.
	// Data: user_key, count.
	KindDebounceFlush = "debounce_flush"

	// KindStaleEvent signals an event was classified as stale backfill.
	// Data: session_key, lag_ms.
	KindStaleEvent = "stale_event"
	// KindValidationError signals a malformed event was dropped.
	// Data: session_key, reason.
	KindValidationError = "validation_error"

	// KindPlanDecision signals a planner decision was made.
	// Data: session_key, should_reply, mode, probability, reason.
	KindPlanDecision = "plan_decision"

	// KindReplyStart signals the reply pipeline began building a reply.
	// Data: session_key, mode.
	KindReplyStart = "reply_start"
	// KindReplyFailure signals the LLM call failed.
	// Data: session_key, error.
	KindReplyFailure = "reply_failure"
	// KindReplyCommitted signals a bot turn was appended after a
	// successful send.
	// Data: session_key, mode.
	KindReplyCommitted = "reply_committed"

	// KindTypingStart signals the send pipeline began the simulated
	// typing delay.
	// Data: session_key.
	KindTypingStart = "typing_start"
	// KindSendSegment signals a single segment was sent.
	// Data: session_key, segment_index, length.
	KindSendSegment = "send_segment"
	// KindSendCancelled signals the send pipeline aborted due to typing
	// interruption.
	// Data: session_key.
	KindSendCancelled = "send_cancelled"
	// KindSendFailure signals the adapter's send call returned an error.
	// Data: session_key, error.
	KindSendFailure = "send_failure"

	// KindTypingInterrupted signals the interruption threshold was
	// crossed and the active typing token was cancelled.
	// Data: session_key, incoming_while_typing.
	KindTypingInterrupted = "typing_interrupted"

	// KindSessionRotated signals a session was rotated due to inactivity.
	// Data: session_key.
	KindSessionRotated = "session_rotated"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
