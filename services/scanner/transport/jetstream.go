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
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig configures the NATS JetStream broker.
type JetStreamConfig struct {
	// URL of the NATS server, e.g. nats://localhost:4222.
	URL string `json:"url" yaml:"url" validate:"required"`

	// Stream is the JetStream stream holding every skyscan subject.
	Stream string `json:"stream" yaml:"stream" validate:"required"`

	// FetchWait bounds a single pull request. Next loops over fetches
	// until ctx ends, so this only sets how often ctx is re-checked.
	FetchWait time.Duration `json:"fetch_wait" yaml:"fetch_wait"`

	// ClientName identifies the connection in server monitoring.
	ClientName string `json:"client_name" yaml:"client_name"`

	Options `yaml:",inline"`
}

// DefaultJetStreamConfig returns a local-server configuration.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:        nats.DefaultURL,
		Stream:     "SKYSCAN",
		FetchWait:  5 * time.Second,
		ClientName: "skyscan",
		Options:    DefaultOptions(),
	}
}

// JetStream is a Broker backed by a NATS JetStream work-queue stream.
//
// Description:
//
//	One stream with work-queue retention captures "skyscan.>". Every
//	subject gets one durable pull consumer with explicit acks; all
//	subscriptions to a subject bind to it and so compete for messages.
//	AckWait on the consumer is the zombie timeout and InProgress extends
//	it.
//
// Thread Safety: Safe for concurrent use.
type JetStream struct {
	cfg    JetStreamConfig
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

var _ Broker = (*JetStream)(nil)

// NewJetStream connects to NATS and ensures the stream exists.
//
// Inputs:
//
//	ctx - Bounds stream creation.
//	cfg - Connection and delivery settings.
//	logger - Optional; nil uses slog.Default().
//
// Outputs:
//
//	*JetStream - Connected broker. Caller must Close it.
//	error - Connection or stream setup failure.
func NewJetStream(ctx context.Context, cfg JetStreamConfig, logger *slog.Logger) (*JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "transport.jetstream"))
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = DefaultJetStreamConfig().FetchWait
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{"skyscan.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	logger.Info("connected to jetstream",
		slog.String("url", nc.ConnectedUrl()),
		slog.String("stream", cfg.Stream))
	return &JetStream{cfg: cfg, nc: nc, js: js, logger: logger}, nil
}

// Publish stores data on subject and waits for the server ack.
func (b *JetStream) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe binds to the durable consumer of subject, creating it if needed.
func (b *JetStream) Subscribe(ctx context.Context, subject string) (Subscription, error) {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       consumerName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    maxDeliver(b.cfg.MaxDeliver),
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", subject, err)
	}
	return &jsSubscription{cons: cons, wait: b.cfg.FetchWait, done: make(chan struct{})}, nil
}

// Flush round-trips the connection so buffered publishes reach the server.
func (b *JetStream) Flush(ctx context.Context) error {
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush nats connection: %w", err)
	}
	return nil
}

// Close drains the connection.
func (b *JetStream) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

// DeleteScan removes the durable consumers of a finished scan.
func (b *JetStream) DeleteScan(ctx context.Context, scanID string) error {
	var errs []error
	for _, subject := range []string{TasksSubject(scanID), ResultsSubject(scanID)} {
		err := b.js.DeleteConsumer(ctx, b.cfg.Stream, consumerName(subject))
		if err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// consumerName maps a subject to a legal durable name.
func consumerName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_")
	return r.Replace(subject)
}

func maxDeliver(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

type jsSubscription struct {
	cons jetstream.Consumer
	wait time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func (s *jsSubscription) Next(ctx context.Context) (Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		default:
		}

		wait := s.wait
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < wait {
				wait = left
			}
		}
		if wait <= 0 {
			return nil, context.DeadlineExceeded
		}

		batch, err := s.cons.Fetch(1, jetstream.FetchMaxWait(wait))
		if err != nil {
			if isFetchTimeout(err) {
				continue
			}
			return nil, fmt.Errorf("fetch: %w", err)
		}
		for msg := range batch.Messages() {
			return &jsDelivery{msg: msg}, nil
		}
		if err := batch.Error(); err != nil && !isFetchTimeout(err) {
			return nil, fmt.Errorf("fetch: %w", err)
		}
	}
}

func (s *jsSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, jetstream.ErrNoMessages) ||
		errors.Is(err, context.DeadlineExceeded)
}

type jsDelivery struct {
	msg jetstream.Msg
}

func (d *jsDelivery) Data() []byte { return d.msg.Data() }

func (d *jsDelivery) Ack(_ context.Context) error { return d.msg.Ack() }

func (d *jsDelivery) Nak(_ context.Context) error { return d.msg.Nak() }

func (d *jsDelivery) InProgress(_ context.Context) error { return d.msg.InProgress() }

func (d *jsDelivery) NumDelivered() uint64 {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return meta.NumDelivered
}
