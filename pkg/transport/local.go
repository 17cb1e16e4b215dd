package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultPublishTimeout = 3 * time.Second
	defaultQueueDepth     = 64
)

// Local is the in-process loopback backend: publishes are delivered to
// matching subscriptions over bounded channels, each drained by its own
// worker goroutine. Used as the default transport and in tests.
//
// There is no native acknowledgment; every delivery is implicitly acked.
type Local struct {
	mu             sync.RWMutex
	subs           map[*localSub]struct{}
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

// NewLocal creates a loopback transport.
func NewLocal() *Local {
	return &Local{
		subs:           make(map[*localSub]struct{}),
		publishTimeout: defaultPublishTimeout,
		logger:         slog.Default().With("component", "transport.local"),
	}
}

type localSub struct {
	parent *Local
	topics map[string]struct{}
	queue  chan *Message
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *localSub) Unsubscribe() {
	s.once.Do(func() {
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
		s.cancel()
		<-s.done
	})
}

func (t *Local) Publish(ctx context.Context, topic string, payload []byte, opts *PublishOptions) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return Permanent(ErrClosed)
	}
	var targets []*localSub
	for s := range t.subs {
		if _, ok := s.topics[topic]; ok {
			targets = append(targets, s)
		}
	}
	t.mu.RUnlock()

	var headers Headers
	if opts != nil {
		headers = opts.Headers
	}

	// Each subscriber gets its own copy of the payload slice header; the
	// bytes themselves are shared and treated as immutable after publish.
	timer := time.NewTimer(t.publishTimeout)
	defer timer.Stop()
	for _, s := range targets {
		msg := NewMessage(topic, payload, headers, nil, nil)
		select {
		case s.queue <- msg:
		case <-ctx.Done():
			return Transient(ctx.Err())
		case <-timer.C:
			return Transient(errTimeout{topic})
		}
	}
	return nil
}

type errTimeout struct{ topic string }

func (e errTimeout) Error() string { return "publish to " + e.topic + " timed out: subscriber queue full" }

func (t *Local) Subscribe(ctx context.Context, topics []string, handler Handler, opts *SubscribeOptions) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, Permanent(ErrClosed)
	}

	depth := defaultQueueDepth
	if opts != nil && opts.QueueDepth > 0 {
		depth = opts.QueueDepth
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &localSub{
		parent: t,
		topics: make(map[string]struct{}, len(topics)),
		queue:  make(chan *Message, depth),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, topic := range topics {
		s.topics[topic] = struct{}{}
	}
	t.subs[s] = struct{}{}

	go func() {
		defer close(s.done)
		for {
			select {
			case <-subCtx.Done():
				return
			case msg := <-s.queue:
				handler(subCtx, msg)
			}
		}
	}()

	return s, nil
}

func (t *Local) Healthz() Status { return Status{Status: "ok", Transport: "local"} }

func (t *Local) Readyz() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return Status{Status: "closed", Transport: "local"}
	}
	return Status{Status: "ok", Transport: "local"}
}

func (t *Local) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*localSub, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	t.logger.Debug("loopback transport closed", "subscriptions", len(subs))
	return nil
}
