// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport moves tasks and results between the scan coordinator
// and its workers.
//
// # Semantics
//
// Every subject is a work queue: each message goes to exactly one of the
// subscriptions on that subject, and stays owned by that subscription until
// it is acknowledged. A delivery that is neither acknowledged nor kept alive
// with InProgress within the ack deadline is handed to another subscriber.
// This is the only retry mechanism; a crashed worker is simply one whose
// deliveries time out.
//
// Two brokers are provided:
//   - Memory: in-process queues for single-binary runs and tests
//   - JetStream: NATS JetStream work-queue streams for distributed workers
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed broker or subscription.
	ErrClosed = errors.New("transport closed")

	// ErrAcked is returned when settling a delivery that was already settled
	// or whose deadline expired and which now belongs to someone else.
	ErrAcked = errors.New("delivery no longer owned")
)

// Delivery is one received message.
type Delivery interface {
	// Data returns the message payload.
	Data() []byte

	// Ack settles the message; it will not be delivered again.
	Ack(ctx context.Context) error

	// Nak returns the message for immediate redelivery.
	Nak(ctx context.Context) error

	// InProgress resets the ack deadline. Workers call it as a heartbeat
	// while the oracle runs.
	InProgress(ctx context.Context) error

	// NumDelivered counts deliveries of this message, starting at 1.
	NumDelivered() uint64
}

// Subscription is a pull consumer on one subject.
type Subscription interface {
	// Next blocks until a message is available, ctx is done, or the
	// subscription is closed.
	Next(ctx context.Context) (Delivery, error)

	// Close stops the subscription. Unsettled deliveries are redelivered
	// once their deadline passes.
	Close() error
}

// Broker publishes and subscribes on named subjects.
type Broker interface {
	// Publish enqueues data on subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe attaches a competing consumer to subject.
	Subscribe(ctx context.Context, subject string) (Subscription, error)

	// Flush pushes any buffered publishes to the server.
	Flush(ctx context.Context) error

	// Close releases the broker.
	Close() error
}

// Options configure delivery guarantees common to every broker.
type Options struct {
	// AckWait is the zombie timeout: an unsettled delivery is redelivered
	// after this long without an Ack or InProgress.
	AckWait time.Duration `json:"ack_wait" yaml:"ack_wait"`

	// MaxDeliver caps deliveries per message. 0 means unlimited.
	MaxDeliver int `json:"max_deliver" yaml:"max_deliver"`
}

// DefaultOptions returns a five-minute zombie timeout and unlimited
// redelivery.
func DefaultOptions() Options {
	return Options{AckWait: 5 * time.Minute}
}

// TasksSubject is where the dispatcher publishes tasks for a scan.
func TasksSubject(scanID string) string {
	return fmt.Sprintf("skyscan.%s.tasks", scanID)
}

// ResultsSubject is where workers publish results for a scan.
func ResultsSubject(scanID string) string {
	return fmt.Sprintf("skyscan.%s.results", scanID)
}
