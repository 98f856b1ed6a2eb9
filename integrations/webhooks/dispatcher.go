package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"d2dtreasury/core/events"
	"d2dtreasury/core/types"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultQueueSize   = 256

	// SignatureHeader carries the HMAC-SHA256 of the body.
	SignatureHeader = "X-D2D-Signature"
	// EventHeader carries the event type.
	EventHeader = "X-D2D-Event"
	// DeliveryHeader carries the delivery id.
	DeliveryHeader = "X-D2D-Delivery"
)

var ErrDispatcherClosed = errors.New("webhook: dispatcher closed")

// Payload is the webhook body.
type Payload struct {
	DeliveryID string            `json:"deliveryId"`
	Type       string            `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
}

// Dispatcher forwards treasury events to an HTTP endpoint with retry and
// exponential backoff.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	types       map[string]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan delivery
	wg      sync.WaitGroup
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type delivery struct {
	id        string
	eventType string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithEventTypes restricts forwarding to the listed event types.
func WithEventTypes(eventTypes ...string) Option {
	return func(d *Dispatcher) {
		for _, t := range eventTypes {
			if t = strings.TrimSpace(t); t != "" {
				if d.types == nil {
					d.types = make(map[string]struct{})
				}
				d.types[t] = struct{}{}
			}
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops the dispatcher and waits for inflight deliveries to complete.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Emit implements events.Emitter. It never blocks: events are dropped when
// the queue is full.
func (d *Dispatcher) Emit(evt events.Event) {
	env, ok := events.EnvelopeOf(evt)
	if !ok {
		return
	}
	if err := d.Enqueue(env); err != nil {
		d.dropped.Add(1)
	}
}

// Enqueue schedules env for delivery.
func (d *Dispatcher) Enqueue(env *types.Event) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	if env == nil {
		return errors.New("webhook: nil event")
	}
	if d.types != nil {
		if _, ok := d.types[env.Type]; !ok {
			return nil
		}
	}
	payload := Payload{
		DeliveryID: uuid.NewString(),
		Type:       env.Type,
		Timestamp:  env.Timestamp,
		Attributes: env.Attributes,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if d.ctx.Err() != nil {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- delivery{id: payload.DeliveryID, eventType: env.Type, body: data}:
		return nil
	default:
		return errors.New("webhook: queue full")
	}
}

// Stats reports deliveries dropped at enqueue and abandoned after retries.
func (d *Dispatcher) Stats() (dropped, failed uint64) {
	return d.dropped.Load(), d.failed.Load()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			return
		}
		if attempt >= d.maxAttempts {
			d.failed.Add(1)
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, job.eventType)
	req.Header.Set(DeliveryHeader, job.id)
	req.Header.Set(SignatureHeader, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header in constant time.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
