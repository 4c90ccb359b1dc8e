// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Memory is an in-process Broker.
//
// Description:
//
//	Each subject is a FIFO queue shared by all of its subscriptions.
//	A delivered message moves to an in-flight set with a deadline of
//	now+AckWait; when the deadline passes it returns to the queue and the
//	delivery counter grows. Messages past MaxDeliver are dropped with a
//	warning. Receivers block on a signal channel and a deadline timer, never
//	on a polling sleep.
//
// Thread Safety: Safe for concurrent use.
type Memory struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*memQueue
	nextID uint64
	done   chan struct{}
	closed bool
}

var _ Broker = (*Memory)(nil)

type memMessage struct {
	id        uint64
	data      []byte
	delivered uint64
	deadline  time.Time
	// token changes on every delivery so a stale Delivery cannot settle a
	// message that has since been handed to someone else.
	token uint64
}

type memQueue struct {
	ready    []*memMessage
	inflight map[uint64]*memMessage
	signal   chan struct{}
}

func (q *memQueue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// NewMemory creates an empty in-process broker. A nil logger uses
// slog.Default().
func NewMemory(opts Options, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		opts:   opts,
		logger: logger.With(slog.String("component", "transport.memory")),
		queues: make(map[string]*memQueue),
		done:   make(chan struct{}),
	}
}

func (m *Memory) queueLocked(subject string) *memQueue {
	q, ok := m.queues[subject]
	if !ok {
		q = &memQueue{inflight: make(map[uint64]*memMessage), signal: make(chan struct{})}
		m.queues[subject] = q
	}
	return q
}

// Publish enqueues a copy of data.
func (m *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.nextID++
	q := m.queueLocked(subject)
	q.ready = append(q.ready, &memMessage{id: m.nextID, data: append([]byte(nil), data...)})
	q.wake()
	return nil
}

// Subscribe attaches a consumer to subject.
func (m *Memory) Subscribe(_ context.Context, subject string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.queueLocked(subject)
	return &memSubscription{broker: m, subject: subject, done: make(chan struct{})}, nil
}

// Flush is a no-op: publishes are visible immediately.
func (m *Memory) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close wakes every blocked receiver with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Depth returns the ready and in-flight counts of subject.
func (m *Memory) Depth(subject string) (ready, inflight int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[subject]
	if !ok {
		return 0, 0
	}
	m.expireLocked(subject, q, time.Now())
	return len(q.ready), len(q.inflight)
}

// expireLocked returns overdue in-flight messages to the queue and
// reports the earliest remaining deadline.
func (m *Memory) expireLocked(subject string, q *memQueue, now time.Time) time.Time {
	var next time.Time
	for id, msg := range q.inflight {
		if msg.deadline.IsZero() {
			continue
		}
		if now.Before(msg.deadline) {
			if next.IsZero() || msg.deadline.Before(next) {
				next = msg.deadline
			}
			continue
		}
		delete(q.inflight, id)
		if m.opts.MaxDeliver > 0 && msg.delivered >= uint64(m.opts.MaxDeliver) {
			m.logger.Warn("dropping message after max deliveries",
				slog.String("subject", subject),
				slog.Uint64("deliveries", msg.delivered))
			continue
		}
		q.ready = append(q.ready, msg)
	}
	return next
}

type memSubscription struct {
	broker  *Memory
	subject string

	closeOnce sync.Once
	done      chan struct{}
}

func (s *memSubscription) Next(ctx context.Context) (Delivery, error) {
	m := s.broker
	for {
		m.mu.Lock()
		select {
		case <-s.done:
			m.mu.Unlock()
			return nil, ErrClosed
		default:
		}
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}

		now := time.Now()
		q := m.queueLocked(s.subject)
		next := m.expireLocked(s.subject, q, now)
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready[0] = nil
			q.ready = q.ready[1:]
			msg.delivered++
			msg.token++
			msg.deadline = time.Time{}
			q.inflight[msg.id] = msg
			if m.opts.AckWait > 0 {
				msg.deadline = now.Add(m.opts.AckWait)
				// Idle receivers re-arm their timers against the new deadline.
				q.wake()
			}
			d := &memDelivery{
				broker:    m,
				queue:     q,
				msg:       msg,
				token:     msg.token,
				data:      msg.data,
				delivered: msg.delivered,
			}
			m.mu.Unlock()
			return d, nil
		}
		signal := q.signal
		m.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-s.done:
			stopTimer(timer)
			return nil, ErrClosed
		case <-m.done:
			stopTimer(timer)
			return nil, ErrClosed
		case <-signal:
		case <-timeout:
		}
		stopTimer(timer)
	}
}

func (s *memSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

type memDelivery struct {
	broker    *Memory
	queue     *memQueue
	msg       *memMessage
	token     uint64
	data      []byte
	delivered uint64
}

func (d *memDelivery) Data() []byte         { return d.data }
func (d *memDelivery) NumDelivered() uint64 { return d.delivered }

// ownedLocked reports whether this delivery still holds the message.
func (d *memDelivery) ownedLocked() bool {
	cur, ok := d.queue.inflight[d.msg.id]
	return ok && cur.token == d.token
}

func (d *memDelivery) Ack(_ context.Context) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	if !d.ownedLocked() {
		return ErrAcked
	}
	delete(d.queue.inflight, d.msg.id)
	return nil
}

func (d *memDelivery) Nak(_ context.Context) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	if !d.ownedLocked() {
		return ErrAcked
	}
	delete(d.queue.inflight, d.msg.id)
	d.queue.ready = append(d.queue.ready, d.msg)
	d.queue.wake()
	return nil
}

func (d *memDelivery) InProgress(_ context.Context) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	if !d.ownedLocked() {
		return ErrAcked
	}
	if d.broker.opts.AckWait > 0 {
		d.msg.deadline = time.Now().Add(d.broker.opts.AckWait)
	}
	return nil
}
