// Package bus adapts pkg/queue's generic envelope transport to this
// system's content-type routing (spec.md §6.2): book messages and
// contributor messages share one underlying queue, but the Ingestor
// wants a dedicated queue.Runner per content type, filtered the way a
// broker's binding arguments filter a topic exchange.
//
// The match-predicate idiom ("*" is a wildcard, anything else is an
// exact match) follows normalizer/internal/engine.MatchPipeline's
// wildMatch; the buffered-channel fan-out follows
// orchestrator/internal/queue/consumer.go's ChannelSource, generalized
// here to route by binding rather than feed a single consumer.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bookmeta/reconciler/pkg/queue"
)

// Binding names one content-type route: Match is evaluated against the
// envelope's Type field. "*" matches anything.
type Binding struct {
	Name  string
	Match string
}

func (b Binding) matches(envType string) bool {
	want := strings.TrimSpace(b.Match)
	if want == "*" || want == "" {
		return true
	}
	return want == strings.TrimSpace(envType)
}

// Router pumps a single underlying queue.Consumer and fans its
// messages out to per-binding buffered channels (spec.md §6.2's
// listener.input.prefetch), then exposes each binding as its own
// queue.Consumer so a queue.Runner can be built per content type
// without a second physical queue.
type Router struct {
	consumer queue.Consumer
	queue    queue.QueueName
	bindings []Binding
	prefetch int
	logger   queue.Logger

	mu   sync.Mutex
	outs map[string]chan queue.DequeueResult
}

// NewRouter builds a Router over an existing queue.Consumer, with one
// output channel per binding buffered to prefetch.
func NewRouter(consumer queue.Consumer, q queue.QueueName, bindings []Binding, prefetch int, logger queue.Logger) *Router {
	if prefetch <= 0 {
		prefetch = 1
	}
	r := &Router{
		consumer: consumer,
		queue:    q,
		bindings: bindings,
		prefetch: prefetch,
		logger:   logger,
		outs:     make(map[string]chan queue.DequeueResult, len(bindings)),
	}
	for _, b := range bindings {
		r.outs[b.Name] = make(chan queue.DequeueResult, prefetch)
	}
	return r
}

// Consumer returns a queue.Consumer scoped to one binding: Dequeue
// drains that binding's channel; Ack/Nack/NackWithDeadLetter/
// ExtendVisibility forward to the Router's underlying consumer, since
// the receipt they carry was issued against the real queue.
func (r *Router) Consumer(name string) queue.Consumer {
	return &boundConsumer{router: r, name: name}
}

// Pump runs the dispatch loop: Dequeue from the underlying consumer and
// Route each result, until ctx is cancelled or the underlying Dequeue
// returns an error other than queue.ErrEmpty/queue.ErrTimeout. Intended
// to run in its own goroutine alongside the per-binding Runners.
func (r *Router) Pump(ctx context.Context, pollTimeout, visibilityTimeout time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := r.consumer.Dequeue(ctx, r.queue, pollTimeout, visibilityTimeout)
		if err != nil {
			if isTransient(err) {
				continue
			}
			return err
		}
		r.route(ctx, msg)
	}
}

func isTransient(err error) bool {
	return err == queue.ErrEmpty || err == queue.ErrTimeout
}

// route dispatches msg to every binding whose Match predicate accepts
// its envelope type. A message matching no binding is acked and
// dropped with a log line: an unroutable message isn't worth a retry
// loop.
func (r *Router) route(ctx context.Context, msg queue.DequeueResult) {
	matched := false
	for _, b := range r.bindings {
		if !b.matches(msg.Env.Type) {
			continue
		}
		matched = true
		ch := r.outs[b.Name]
		select {
		case ch <- msg:
		case <-ctx.Done():
			return
		}
	}
	if !matched {
		if r.logger != nil {
			r.logger.Printf("bus: no binding matched envelope type %q (id=%s), acking and dropping", msg.Env.Type, msg.Env.ID)
		}
		_ = r.consumer.Ack(ctx, r.queue, msg.Receipt)
	}
}

// Close closes every binding's output channel.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.outs {
		close(ch)
	}
}

type boundConsumer struct {
	router *Router
	name   string
}

func (b *boundConsumer) Dequeue(ctx context.Context, _ queue.QueueName, pollTimeout, _ time.Duration) (queue.DequeueResult, error) {
	ch, ok := b.router.outs[b.name]
	if !ok {
		return queue.DequeueResult{}, fmt.Errorf("bus: unknown binding %q", b.name)
	}
	timer := time.NewTimer(pollTimeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			return queue.DequeueResult{}, queue.ErrClosed
		}
		return msg, nil
	case <-timer.C:
		return queue.DequeueResult{}, queue.ErrEmpty
	case <-ctx.Done():
		return queue.DequeueResult{}, ctx.Err()
	}
}

func (b *boundConsumer) Ack(ctx context.Context, _ queue.QueueName, receipt string) error {
	return b.router.consumer.Ack(ctx, b.router.queue, receipt)
}

func (b *boundConsumer) Nack(ctx context.Context, _ queue.QueueName, receipt string, delay time.Duration) error {
	return b.router.consumer.Nack(ctx, b.router.queue, receipt, delay)
}

func (b *boundConsumer) NackWithDeadLetter(ctx context.Context, _ queue.QueueName, receipt string, delay time.Duration, reason string) error {
	return b.router.consumer.NackWithDeadLetter(ctx, b.router.queue, receipt, delay, reason)
}

func (b *boundConsumer) ExtendVisibility(ctx context.Context, _ queue.QueueName, receipt string, visibilityTimeout time.Duration) error {
	return b.router.consumer.ExtendVisibility(ctx, b.router.queue, receipt, visibilityTimeout)
}
