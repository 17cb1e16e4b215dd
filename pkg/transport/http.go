package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	httpPublishTimeout = 5 * time.Second
	sseInitialBackoff  = time.Second
	sseMaxBackoff      = 30 * time.Second
)

// HTTP is the broker-facing backend: envelopes are POSTed to the broker's
// /emit endpoint and subscriptions consume the long-lived SSE stream at
// /subscribe/{topic}. The stream is resumed with backoff whenever it drops.
type HTTP struct {
	base      string
	pubClient *http.Client
	subClient *http.Client
	logger    *slog.Logger

	mu     sync.RWMutex
	grant  string
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHTTP creates an HTTP transport for the broker at baseURL.
func NewHTTP(baseURL string) *HTTP {
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTP{
		base:      strings.TrimRight(baseURL, "/"),
		pubClient: &http.Client{Timeout: httpPublishTimeout},
		// The subscribe connection is long-lived; only dialing is bounded.
		subClient: &http.Client{},
		logger:    slog.Default().With("component", "transport.http"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetGrant stores the Bearer token attached to every request, the session
// grant handed out at AE registration.
func (t *HTTP) SetGrant(grant string) {
	t.mu.Lock()
	t.grant = grant
	t.mu.Unlock()
}

func (t *HTTP) authorize(req *http.Request) {
	t.mu.RLock()
	grant := t.grant
	t.mu.RUnlock()
	if grant != "" {
		req.Header.Set("Authorization", "Bearer "+grant)
	}
}

func (t *HTTP) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *HTTP) Publish(ctx context.Context, topic string, payload []byte, opts *PublishOptions) error {
	if t.isClosed() {
		return Permanent(ErrClosed)
	}

	url := t.base + "/emit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Permanent(fmt.Errorf("build emit request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if opts != nil {
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
	}
	t.authorize(req)

	resp, err := t.pubClient.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("emit %s: %w", topic, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// The broker's response body is not surfaced; the contract's
		// publish outcome is acceptance or a classified error. Drain it so
		// the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("emit %s: broker returned %d: %s", topic, resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Transient(err)
	}
	return Permanent(err)
}

type httpSub struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *httpSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (t *HTTP) Subscribe(ctx context.Context, topics []string, handler Handler, opts *SubscribeOptions) (Subscription, error) {
	if t.isClosed() {
		return nil, Permanent(ErrClosed)
	}
	if len(topics) == 0 {
		return nil, Permanent(fmt.Errorf("subscribe: no topics given"))
	}

	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel) // Close() tears down every stream
	done := make(chan struct{})

	var wg sync.WaitGroup
	for _, topic := range topics {
		wg.Add(1)
		t.wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			defer t.wg.Done()
			t.streamTopic(subCtx, topic, handler)
		}(topic)
	}
	go func() {
		wg.Wait()
		stop()
		close(done)
	}()

	return &httpSub{cancel: cancel, done: done}, nil
}

// streamTopic consumes the SSE stream for one topic until ctx is cancelled,
// reconnecting with exponential backoff on drops.
func (t *HTTP) streamTopic(ctx context.Context, topic string, handler Handler) {
	backoff := sseInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := t.readStream(ctx, topic, handler)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.logger.Warn("subscribe stream dropped", "topic", topic, "error", err)
		}
		if connected {
			backoff = sseInitialBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > sseMaxBackoff {
			backoff = sseMaxBackoff
		}
	}
}

// readStream opens one SSE connection and dispatches events until it ends.
// It reports whether the connection was established at all.
func (t *HTTP) readStream(ctx context.Context, topic string, handler Handler) (bool, error) {
	url := t.base + "/subscribe/" + topic
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	t.authorize(req)

	resp, err := t.subClient.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("subscribe %s: broker returned %d", topic, resp.StatusCode)
	}

	t.logger.Info("subscribed", "topic", topic)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		switch {
		case line == "":
			// Blank line terminates one event; multi-line payloads are
			// rejoined with newlines before decoding downstream.
			if len(dataLines) > 0 {
				payload := strings.Join(dataLines, "\n")
				dataLines = nil
				handler(ctx, NewMessage(topic, []byte(payload), nil, nil, nil))
			}
		case strings.HasPrefix(line, ":"):
			// Heartbeat.
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return true, scanner.Err()
}

func (t *HTTP) Healthz() Status { return Status{Status: "ok", Transport: "http"} }

func (t *HTTP) Readyz() Status {
	if t.isClosed() {
		return Status{Status: "closed", Transport: "http"}
	}
	return Status{Status: "ok", Transport: "http"}
}

func (t *HTTP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return nil
}
