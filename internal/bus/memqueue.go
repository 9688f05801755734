package bus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/bookmeta/reconciler/pkg/idempotency"
	"github.com/bookmeta/reconciler/pkg/queue"
)

// MemQueue is a single-process queue.Queue (+queue.DeadLetter +
// queue.DLQStore) for local runs and tests, since pkg/queue defines
// only the wire contracts and no backend ships with the teacher pack.
// Leasing/visibility-timeout semantics follow the contract comment
// atop pkg/queue/queue.go (at-least-once, lease-based visibility,
// explicit Ack/Nack); the poll-with-short-ticks idiom for Dequeue's
// blocking wait follows orchestrator/internal/queue/consumer.go's
// worker loop's own empty-backoff retry shape.
type MemQueue struct {
	mu     sync.Mutex
	queues map[queue.QueueName]*memQueueState
}

type memQueueState struct {
	ready   []readyItem
	leased  map[string]leasedItem
	dlq     []queue.DLQRecord
	dlqByID map[string]int
	seen    map[string]bool
}

type readyItem struct {
	env       queue.Envelope
	visibleAt time.Time
}

type leasedItem struct {
	env      queue.Envelope
	receipt  string
	deadline time.Time
}

func NewMemQueue() *MemQueue {
	return &MemQueue{queues: make(map[queue.QueueName]*memQueueState)}
}

func (m *MemQueue) state(q queue.QueueName) *memQueueState {
	st, ok := m.queues[q]
	if !ok {
		st = &memQueueState{leased: make(map[string]leasedItem), dlqByID: make(map[string]int), seen: make(map[string]bool)}
		m.queues[q] = st
	}
	return st
}

// Enqueue dedupes on a content-derived idempotency key before admitting
// the envelope, so a producer that retries a publish after an ambiguous
// ack (or a redelivered at-least-once message from an upstream bus) does
// not fan out into a second pipeline run. The key's tenant/scope follow
// idempotency.BuildKey's "tenant:scope:hash" shape with the envelope's
// content type as tenant and the queue name as scope.
func (m *MemQueue) Enqueue(ctx context.Context, q queue.QueueName, env queue.Envelope) error {
	norm, err := queue.NormalizeEnvelope(env)
	if err != nil {
		return err
	}
	norm.Queue = q

	dedupeKey, err := idempotency.BuildKey(norm.Type, string(q), string(norm.Payload))
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(q)
	if st.seen[dedupeKey] {
		return nil
	}
	st.seen[dedupeKey] = true
	st.ready = append(st.ready, readyItem{env: norm, visibleAt: time.Now()})
	return nil
}

func (m *MemQueue) EnqueueBatch(ctx context.Context, q queue.QueueName, envs []queue.Envelope) error {
	if len(envs) > queue.MaxBatchSize {
		return queue.ErrInvalid
	}
	for _, env := range envs {
		if err := m.Enqueue(ctx, q, env); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemQueue) Dequeue(ctx context.Context, q queue.QueueName, pollTimeout, visibilityTimeout time.Duration) (queue.DequeueResult, error) {
	deadline := time.Now().Add(pollTimeout)
	const tick = 10 * time.Millisecond
	for {
		if res, ok := m.tryDequeue(q, visibilityTimeout); ok {
			return res, nil
		}
		if time.Now().After(deadline) {
			return queue.DequeueResult{}, queue.ErrEmpty
		}
		timer := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			return queue.DequeueResult{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *MemQueue) tryDequeue(q queue.QueueName, visibilityTimeout time.Duration) (queue.DequeueResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(q)
	now := time.Now()
	for r, li := range st.leased {
		if now.After(li.deadline) {
			delete(st.leased, r)
			env := li.env
			env.Attempt++
			st.ready = append(st.ready, readyItem{env: env, visibleAt: now})
		}
	}
	for i, item := range st.ready {
		if item.visibleAt.After(now) {
			continue
		}
		st.ready = append(st.ready[:i:i], st.ready[i+1:]...)
		receipt := newReceipt()
		st.leased[receipt] = leasedItem{env: item.env, receipt: receipt, deadline: now.Add(visibilityTimeout)}
		return queue.DequeueResult{Env: item.env, Receipt: receipt}, true
	}
	return queue.DequeueResult{}, false
}

func (m *MemQueue) Ack(ctx context.Context, q queue.QueueName, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(q)
	if _, ok := st.leased[receipt]; !ok {
		return queue.ErrInvalid
	}
	delete(st.leased, receipt)
	return nil
}

func (m *MemQueue) Nack(ctx context.Context, q queue.QueueName, receipt string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(q)
	li, ok := st.leased[receipt]
	if !ok {
		return queue.ErrInvalid
	}
	delete(st.leased, receipt)
	env := li.env
	env.Attempt++
	st.ready = append(st.ready, readyItem{env: env, visibleAt: time.Now().Add(delay)})
	return nil
}

func (m *MemQueue) NackWithDeadLetter(ctx context.Context, q queue.QueueName, receipt string, delay time.Duration, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(q)
	li, ok := st.leased[receipt]
	if !ok {
		return queue.ErrInvalid
	}
	delete(st.leased, receipt)

	rec, err := queue.NewDLQRecord(q, li.env, li.env.Attempt, reason, time.Time{})
	if err != nil {
		return err
	}
	rec.RecordID = newReceipt()
	st.dlqByID[rec.RecordID] = len(st.dlq)
	st.dlq = append(st.dlq, rec)
	return nil
}

func (m *MemQueue) ExtendVisibility(ctx context.Context, q queue.QueueName, receipt string, visibilityTimeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(q)
	li, ok := st.leased[receipt]
	if !ok {
		return queue.ErrInvalid
	}
	li.deadline = time.Now().Add(visibilityTimeout)
	st.leased[receipt] = li
	return nil
}

// MoveToDLQ satisfies queue.DeadLetter for administrative flows that
// want to dead-letter a message outside the normal Nack path.
func (m *MemQueue) MoveToDLQ(ctx context.Context, q queue.QueueName, receipt string, reason string) error {
	return m.NackWithDeadLetter(ctx, q, receipt, 0, reason)
}

// Put/Get/List/Delete satisfy queue.DLQStore so the same in-memory
// instance can serve as both transport and DLQ inspection surface for
// local runs, without a second backend.
func (m *MemQueue) Put(ctx context.Context, rec queue.DLQRecord) error {
	norm, err := queue.NormalizeDLQRecord(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(norm.Queue)
	if norm.RecordID == "" {
		norm.RecordID = newReceipt()
	}
	st.dlqByID[norm.RecordID] = len(st.dlq)
	st.dlq = append(st.dlq, norm)
	return nil
}

func (m *MemQueue) Get(ctx context.Context, recordID string) (queue.DLQRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.queues {
		if idx, ok := st.dlqByID[recordID]; ok {
			return st.dlq[idx], nil
		}
	}
	return queue.DLQRecord{}, queue.ErrInvalid
}

func (m *MemQueue) List(ctx context.Context, q queue.QueueName, limit int) ([]queue.DLQRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(q)
	if limit <= 0 || limit > len(st.dlq) {
		limit = len(st.dlq)
	}
	out := make([]queue.DLQRecord, limit)
	copy(out, st.dlq[:limit])
	return out, nil
}

func (m *MemQueue) Delete(ctx context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.queues {
		if idx, ok := st.dlqByID[recordID]; ok {
			st.dlq = append(st.dlq[:idx:idx], st.dlq[idx+1:]...)
			delete(st.dlqByID, recordID)
			for id, i := range st.dlqByID {
				if i > idx {
					st.dlqByID[id] = i - 1
				}
			}
			return nil
		}
	}
	return queue.ErrInvalid
}

func newReceipt() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "receipt_fallback"
	}
	return "rcpt_" + hex.EncodeToString(b[:])
}
