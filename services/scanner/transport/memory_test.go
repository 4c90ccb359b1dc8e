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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, sub Subscription, within time.Duration) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	d, err := sub.Next(ctx)
	require.NoError(t, err)
	return d
}

func TestMemory_PublishThenReceive(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(DefaultOptions(), nil)
	defer b.Close()

	sub, err := b.Subscribe(ctx, "s")
	require.NoError(t, err)

	payload := []byte("hello")
	require.NoError(t, b.Publish(ctx, "s", payload))
	payload[0] = 'j'

	d := next(t, sub, time.Second)
	assert.Equal(t, "hello", string(d.Data()), "publish copies the payload")
	assert.Equal(t, uint64(1), d.NumDelivered())
	require.NoError(t, d.Ack(ctx))
	assert.ErrorIs(t, d.Ack(ctx), ErrAcked)

	ready, inflight := b.Depth("s")
	assert.Zero(t, ready)
	assert.Zero(t, inflight)
}

func TestMemory_BlocksUntilPublish(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(DefaultOptions(), nil)
	defer b.Close()
	sub, err := b.Subscribe(ctx, "s")
	require.NoError(t, err)

	got := make(chan string, 1)
	go func() {
		d, err := sub.Next(ctx)
		if err == nil {
			got <- string(d.Data())
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, "s", []byte("late")))

	select {
	case v := <-got:
		assert.Equal(t, "late", v)
	case <-time.After(time.Second):
		t.Fatal("receiver never woke up")
	}
}

func TestMemory_NextHonoursContext(t *testing.T) {
	b := NewMemory(DefaultOptions(), nil)
	defer b.Close()
	sub, err := b.Subscribe(context.Background(), "s")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemory_RedeliversAfterAckWait(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(Options{AckWait: 30 * time.Millisecond}, nil)
	defer b.Close()

	zombie, err := b.Subscribe(ctx, "s")
	require.NoError(t, err)
	healthy, err := b.Subscribe(ctx, "s")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "s", []byte("task")))
	first := next(t, zombie, time.Second)

	second := next(t, healthy, time.Second)
	assert.Equal(t, "task", string(second.Data()))
	assert.Equal(t, uint64(2), second.NumDelivered())

	assert.ErrorIs(t, first.Ack(ctx), ErrAcked, "the zombie lost ownership")
	require.NoError(t, second.Ack(ctx))
}

func TestMemory_InProgressKeepsOwnership(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(Options{AckWait: 40 * time.Millisecond}, nil)
	defer b.Close()
	sub, err := b.Subscribe(ctx, "s")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "s", []byte("long")))

	d := next(t, sub, time.Second)
	for i := 0; i < 5; i++ {
		time.Sleep(15 * time.Millisecond)
		require.NoError(t, d.InProgress(ctx))
	}
	_, inflight := b.Depth("s")
	assert.Equal(t, 1, inflight)
	require.NoError(t, d.Ack(ctx))
}

func TestMemory_NakRedeliversImmediately(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(DefaultOptions(), nil)
	defer b.Close()
	sub, err := b.Subscribe(ctx, "s")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "s", []byte("x")))

	d := next(t, sub, time.Second)
	require.NoError(t, d.Nak(ctx))
	again := next(t, sub, time.Second)
	assert.Equal(t, uint64(2), again.NumDelivered())
}

func TestMemory_MaxDeliverDrops(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(Options{AckWait: 10 * time.Millisecond, MaxDeliver: 1}, nil)
	defer b.Close()
	sub, err := b.Subscribe(ctx, "s")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "s", []byte("poison")))

	next(t, sub, time.Second)
	time.Sleep(30 * time.Millisecond)

	ready, inflight := b.Depth("s")
	assert.Zero(t, ready)
	assert.Zero(t, inflight)
}

func TestMemory_CompetingConsumersSplitWork(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(DefaultOptions(), nil)
	defer b.Close()

	const messages = 200
	for i := 0; i < messages; i++ {
		require.NoError(t, b.Publish(ctx, "s", []byte(fmt.Sprint(i))))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		sub, err := b.Subscribe(ctx, "s")
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
				d, err := sub.Next(rctx)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[string(d.Data())]++
				mu.Unlock()
				_ = d.Ack(ctx)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, messages)
	for k, n := range seen {
		assert.Equal(t, 1, n, "message %s delivered more than once", k)
	}
}

func TestMemory_CloseWakesReceivers(t *testing.T) {
	b := NewMemory(DefaultOptions(), nil)
	sub, err := b.Subscribe(context.Background(), "s")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver not woken by Close")
	}
	assert.ErrorIs(t, b.Publish(context.Background(), "s", nil), ErrClosed)
	assert.ErrorIs(t, b.Flush(context.Background()), ErrClosed)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "skyscan.abc.tasks", TasksSubject("abc"))
	assert.Equal(t, "skyscan.abc.results", ResultsSubject("abc"))
	assert.Equal(t, "skyscan_abc_tasks", consumerName(TasksSubject("abc")))
}

func TestJetStreamHelpers(t *testing.T) {
	assert.Equal(t, -1, maxDeliver(0))
	assert.Equal(t, 5, maxDeliver(5))

	assert.True(t, isFetchTimeout(nats.ErrTimeout))
	assert.True(t, isFetchTimeout(fmt.Errorf("wrapped: %w", jetstream.ErrNoMessages)))
	assert.False(t, isFetchTimeout(errors.New("connection refused")))

	cfg := DefaultJetStreamConfig()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, 5*time.Minute, cfg.AckWait)
}
