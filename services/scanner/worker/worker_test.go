// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skyscan/services/scanner/oracle"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
	"github.com/AleutianAI/skyscan/services/scanner/transport"
)

// fakeDelivery records what the worker does with a delivery.
type fakeDelivery struct {
	data       []byte
	acks       atomic.Int32
	naks       atomic.Int32
	heartbeats atomic.Int32
}

func (d *fakeDelivery) Data() []byte { return d.data }
func (d *fakeDelivery) NumDelivered() uint64 { return 1 }
func (d *fakeDelivery) Ack(context.Context) error {
	d.acks.Add(1)
	return nil
}

func (d *fakeDelivery) Nak(context.Context) error {
	d.naks.Add(1)
	return nil
}

func (d *fakeDelivery) InProgress(context.Context) error {
	d.heartbeats.Add(1)
	return nil
}

// recorder is a Publisher that keeps what it was given.
type recorder struct {
	mu       sync.Mutex
	subjects []string
	results  []skymap.TaskResult
	err      error
}

func (r *recorder) Publish(_ context.Context, subject string, data []byte) error {
	if r.err != nil {
		return r.err
	}
	res, err := skymap.DecodeTaskResult(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.results = append(r.results, res)
	return nil
}

// idleSubscription never yields a delivery.
type idleSubscription struct{}

func (idleSubscription) Next(ctx context.Context) (transport.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (idleSubscription) Close() error { return nil }

func encodedTask(t *testing.T) []byte {
	t.Helper()
	data, err := skymap.EncodeTask(skymap.Task{
		ScanID:    "scan-1",
		EventID:   "evt",
		Key:       skymap.PixelKey{NSide: 8, Pixel: 12},
		Variation: 4,
		Direction: skymap.Direction{Zenith: 1.1, Azimuth: 2.3},
		Geometry:  "gcd",
		MJD:       60000,
	})
	require.NoError(t, err)
	return data
}

func newWorker(t *testing.T, pub Publisher, rec oracle.Reconstructor, heartbeat time.Duration) *Worker {
	t.Helper()
	w, err := New(Config{ID: "w1", HeartbeatInterval: heartbeat}, idleSubscription{}, pub, rec, nil)
	require.NoError(t, err)
	return w
}

func TestNew_Validates(t *testing.T) {
	_, err := New(DefaultConfig(), nil, &recorder{}, oracle.DefaultSynthetic(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{}, idleSubscription{}, &recorder{}, oracle.DefaultSynthetic(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	w, err := New(DefaultConfig(), idleSubscription{}, &recorder{}, oracle.DefaultSynthetic(), nil)
	require.NoError(t, err)
	assert.Regexp(t, `^worker-[0-9a-f]{8}$`, w.ID())
}

func TestHandle_PublishesThenAcks(t *testing.T) {
	pub := &recorder{}
	w := newWorker(t, pub, oracle.DefaultSynthetic(), time.Minute)
	d := &fakeDelivery{data: encodedTask(t)}

	require.NoError(t, w.Handle(context.Background(), d))

	assert.Equal(t, int32(1), d.acks.Load())
	assert.Zero(t, d.naks.Load())
	require.Len(t, pub.results, 1)
	assert.Equal(t, transport.ResultsSubject("scan-1"), pub.subjects[0])

	res := pub.results[0]
	assert.Equal(t, "scan-1", res.ScanID)
	assert.Equal(t, skymap.PixelKey{NSide: 8, Pixel: 12}, res.Key)
	assert.Equal(t, skymap.Variation(4), res.Variation)
	assert.Equal(t, "w1", res.WorkerID)
	assert.True(t, res.Fit.LLH.IsSet())
}

func TestHandle_OracleFailureBecomesUnsetLLH(t *testing.T) {
	pub := &recorder{}
	failing := oracle.Func(func(context.Context, oracle.Request) (skymap.FitResult, error) {
		return skymap.FitResult{}, oracle.ErrNotConverged
	})
	w := newWorker(t, pub, failing, time.Minute)
	d := &fakeDelivery{data: encodedTask(t)}

	require.NoError(t, w.Handle(context.Background(), d))

	require.Len(t, pub.results, 1)
	assert.False(t, pub.results[0].Fit.LLH.IsSet())
	assert.Equal(t, int32(1), d.acks.Load())
}

func TestHandle_MalformedTaskIsAcked(t *testing.T) {
	pub := &recorder{}
	w := newWorker(t, pub, oracle.DefaultSynthetic(), time.Minute)
	d := &fakeDelivery{data: []byte(`{"key":{"nside":8,"pixel":1},"variation":9}`)}

	require.NoError(t, w.Handle(context.Background(), d))
	assert.Equal(t, int32(1), d.acks.Load())
	assert.Empty(t, pub.results)
}

func TestHandle_HeartbeatsWhileOracleRuns(t *testing.T) {
	pub := &recorder{}
	slow := oracle.Func(func(ctx context.Context, _ oracle.Request) (skymap.FitResult, error) {
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return skymap.FitResult{}, ctx.Err()
		}
		return skymap.FitResult{LLH: skymap.SomeLLH(1)}, nil
	})
	w := newWorker(t, pub, slow, 20*time.Millisecond)
	d := &fakeDelivery{data: encodedTask(t)}

	require.NoError(t, w.Handle(context.Background(), d))
	assert.GreaterOrEqual(t, d.heartbeats.Load(), int32(3))

	after := d.heartbeats.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, d.heartbeats.Load(), "heartbeat stops with the task")
}

func TestHandle_PublishFailureLeavesTaskForRedelivery(t *testing.T) {
	pub := &recorder{err: errors.New("broker down")}
	w := newWorker(t, pub, oracle.DefaultSynthetic(), time.Minute)
	d := &fakeDelivery{data: encodedTask(t)}

	err := w.Handle(context.Background(), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Zero(t, d.acks.Load())
	assert.Equal(t, int32(1), d.naks.Load())
}

func TestHandle_CancelledMidTask(t *testing.T) {
	pub := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	blocking := oracle.Func(func(ctx context.Context, _ oracle.Request) (skymap.FitResult, error) {
		cancel()
		<-ctx.Done()
		return skymap.FitResult{}, ctx.Err()
	})
	w := newWorker(t, pub, blocking, time.Minute)
	d := &fakeDelivery{data: encodedTask(t)}

	err := w.Handle(ctx, d)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.results)
	assert.Zero(t, d.acks.Load())
	assert.Equal(t, int32(1), d.naks.Load())
}

func TestRun_StopsOnClose(t *testing.T) {
	broker := transport.NewMemory(transport.DefaultOptions(), nil)
	sub, err := broker.Subscribe(context.Background(), transport.TasksSubject("scan-1"))
	require.NoError(t, err)
	w, err := New(DefaultConfig(), sub, broker, oracle.DefaultSynthetic(), nil)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- w.Run(context.Background()) }()
	require.NoError(t, broker.Close())

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestPool_ProcessesEveryTaskOnce(t *testing.T) {
	broker := transport.NewMemory(transport.DefaultOptions(), nil)
	defer broker.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := broker.Subscribe(ctx, transport.ResultsSubject("scan-1"))
	require.NoError(t, err)

	pool := &Pool{
		Size:   3,
		ScanID: "scan-1",
		Broker: broker,
		Oracle: oracle.DefaultSynthetic(),
		Config: Config{ID: "local", HeartbeatInterval: time.Second},
	}
	poolCtx, stopPool := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() { errc <- pool.Run(poolCtx) }()

	const n = 21
	for i := 0; i < n; i++ {
		data, err := skymap.EncodeTask(skymap.Task{
			ScanID:    "scan-1",
			Key:       skymap.PixelKey{NSide: 8, Pixel: uint64(i / skymap.NumVariations)},
			Variation: skymap.Variation(i % skymap.NumVariations),
		})
		require.NoError(t, err)
		require.NoError(t, broker.Publish(ctx, transport.TasksSubject("scan-1"), data))
	}

	type taskID struct {
		key       skymap.PixelKey
		variation skymap.Variation
	}
	seen := map[taskID]int{}
	workers := map[string]bool{}
	for i := 0; i < n; i++ {
		d, err := results.Next(ctx)
		require.NoError(t, err)
		r, err := skymap.DecodeTaskResult(d.Data())
		require.NoError(t, err)
		require.NoError(t, d.Ack(ctx))
		seen[taskID{r.Key, r.Variation}]++
		workers[r.WorkerID] = true
	}
	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "%s/%d", id.key, id.variation)
	}
	for id := range workers {
		assert.Regexp(t, `^local-[0-2]$`, id)
	}

	stopPool()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	ready, inflight := broker.Depth(transport.TasksSubject("scan-1"))
	assert.Zero(t, ready+inflight)
}

func TestPool_RejectsEmpty(t *testing.T) {
	p := &Pool{Size: 0}
	assert.ErrorIs(t, p.Run(context.Background()), ErrInvalidConfig)
}
