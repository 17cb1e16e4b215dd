// Package transport defines the publish/subscribe contract every mesh
// backend satisfies, so producers and consumers never depend on the wire
// technology underneath.
//
// Delivery is at-least-once from the caller's point of view: a successful
// Publish means the backend accepted the message, not that a subscriber
// consumed it. Backends may duplicate, reorder, or drop; the trust layer's
// replay guard handles duplicates.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Headers carry transport-level metadata alongside a payload.
type Headers map[string]string

// TransientError marks failures the caller may retry: a network blip, a
// broker briefly unavailable, a full queue.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient transport error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks failures retrying cannot fix: malformed topic,
// rejected credentials, a closed or disabled backend.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent transport error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is classified retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is classified non-retryable.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// ErrClosed is the permanent failure returned by Publish and Subscribe
// after Close.
var ErrClosed = errors.New("transport closed")

// Message is one delivered message. Handlers may Ack it or Nack it with an
// optional requeue; on backends with no native acknowledgment concept both
// are no-ops and every delivery counts as acknowledged.
type Message struct {
	Topic   string
	Payload []byte
	Headers Headers

	ackFn  func()
	nackFn func(requeue bool)
}

// NewMessage builds a delivered message with backend acknowledgment hooks.
// Either hook may be nil.
func NewMessage(topic string, payload []byte, headers Headers, ack func(), nack func(requeue bool)) *Message {
	return &Message{Topic: topic, Payload: payload, Headers: headers, ackFn: ack, nackFn: nack}
}

// Ack confirms processing of this delivery.
func (m *Message) Ack() {
	if m.ackFn != nil {
		m.ackFn()
	}
}

// Nack rejects this delivery, optionally asking the backend to requeue it.
func (m *Message) Nack(requeue bool) {
	if m.nackFn != nil {
		m.nackFn(requeue)
	}
}

// Handler processes one delivered message. A backend may invoke it on its
// own goroutine; invocations for a single subscription are serialized, but
// distinct subscriptions deliver concurrently.
type Handler func(ctx context.Context, msg *Message)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	// Unsubscribe stops delivery and releases the subscription's worker.
	Unsubscribe()
}

// Status is the health probe result.
type Status struct {
	Status    string `json:"status"`
	Transport string `json:"transport"`
}

// SubscribeOptions tune a subscription. The zero value is valid.
type SubscribeOptions struct {
	// Group names a consumer group on backends that support one.
	Group string
	// QueueDepth bounds the delivery buffer; 0 uses the backend default.
	QueueDepth int
}

// PublishOptions tune a publish call. The zero value is valid.
type PublishOptions struct {
	Headers Headers
	// PartitionKey routes the message on partitioned backends.
	PartitionKey string
}

// Transport is the backend contract.
type Transport interface {
	// Publish hands payload to the backend for at-least-once delivery on
	// topic. It blocks with a bounded timeout and returns a transient error
	// on expiry rather than waiting indefinitely.
	Publish(ctx context.Context, topic string, payload []byte, opts *PublishOptions) error

	// Subscribe registers handler for every message delivered on the given
	// topics.
	Subscribe(ctx context.Context, topics []string, handler Handler, opts *SubscribeOptions) (Subscription, error)

	Healthz() Status
	Readyz() Status

	// Close releases backend resources and unblocks pending listeners within
	// a bounded time. Publish and Subscribe fail permanently afterwards.
	Close() error
}

// EncodePayload converts a legacy structured payload to the canonical byte
// form carried at the transport boundary.
func EncodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("payload encode: %w", err)
		}
		return b, nil
	}
}
