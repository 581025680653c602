// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package queue implements the outbound federation sender (spec
// §4.7): one durable queue per destination, each drained by a single
// goroutine batching PDUs/EDUs into a transaction with at most one
// in-flight send, exponential-backoff-with-jitter retry, and a
// replay of pending work at startup ("netburst"). Grounded on
// github.com/element-hq/dendrite/federationapi/queue's per-destination
// queue/metrics split; the teacher's destinationQueue implementation
// itself was not present in the retrieved pack, so the worker loop
// below is written directly against spec §4.7's numbered behaviors
// using the same atomic-gauge metrics pattern the teacher's
// metrics_test.go exercises.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/federationapi/storage"
)

const (
	maxPDUsPerTransaction = 50
	maxEDUsPerTransaction = 100
	defaultBackoffStart   = time.Second
	defaultBackoffCeiling = 24 * time.Hour
)

// Transaction is the payload handed to Sender for one destination.
type Transaction struct {
	TransactionID string
	PDUs          []json.RawMessage
	EDUs          []json.RawMessage
}

// Sender issues the outgoing transport call for a destination's
// transaction (spec §4.7 "Send"): the Matrix `send_transaction`
// request, an appservice PUT, or a push gateway POST, depending on
// what kind of destination the caller constructs a Sender for.
// Implemented by federationapi/client, out of core scope here.
type Sender interface {
	SendTransaction(ctx context.Context, destination string, txn Transaction) (retryAfter time.Duration, err error)
}

// Config tunes the queue's batching and backoff behavior.
type Config struct {
	BackoffStart       time.Duration
	BackoffCeiling     time.Duration
	StartupNetburst    bool
	StartupNetburstKeep int
}

// DefaultConfig returns the spec's literal defaults (spec §4.7: "start
// ~1s, cap ~24h").
func DefaultConfig() Config {
	return Config{
		BackoffStart:        defaultBackoffStart,
		BackoffCeiling:      defaultBackoffCeiling,
		StartupNetburst:     true,
		StartupNetburstKeep: 50,
	}
}

// Queues owns one worker goroutine per destination with pending work.
// A destination queue is drained by at most one in-flight transaction
// at a time (spec §4.1 "Destination queue").
type Queues struct {
	store  *storage.QueueStore
	sender Sender
	cfg    Config
	log    *logrus.Entry

	mu      sync.Mutex
	workers map[string]chan struct{} // destination -> wake signal, closed on shutdown
	stopped bool
}

// NewQueues constructs a Queues collaborator. Call Start once the
// process is ready to begin sending.
func NewQueues(store *storage.QueueStore, sender Sender, cfg Config) *Queues {
	return &Queues{
		store:   store,
		sender:  sender,
		cfg:     cfg,
		log:     logrus.WithField("component", "federationapi.queue"),
		workers: map[string]chan struct{}{},
	}
}

// Start replays every destination with pending work at process
// startup (spec §4.7 "Startup netburst"), respecting
// StartupNetburstKeep when StartupNetburst is disabled.
func (q *Queues) Start(ctx context.Context) error {
	destinations, err := q.store.Destinations()
	if err != nil {
		return fmt.Errorf("federationapi/queue: list destinations at startup: %w", err)
	}
	for _, dest := range destinations {
		if !q.cfg.StartupNetburst {
			if err := q.trimExcess(dest); err != nil {
				q.log.WithError(err).WithField("destination", dest).Warn("failed to trim startup netburst backlog")
			}
		}
		q.wake(ctx, dest)
	}
	return nil
}

// trimExcess drops the oldest queued items beyond StartupNetburstKeep
// for dest, used when StartupNetburst is false (spec §4.7: "excess
// oldest items may be dropped").
func (q *Queues) trimExcess(dest string) error {
	depth, err := q.store.QueueDepth(dest)
	if err != nil {
		return err
	}
	if depth <= q.cfg.StartupNetburstKeep {
		return nil
	}
	excess := depth - q.cfg.StartupNetburstKeep
	pending, err := q.store.Pending(dest, excess)
	if err != nil {
		return err
	}
	seqs := make([]uint64, len(pending))
	for i, p := range pending {
		seqs[i] = p.Seq
	}
	observeSendQueueDepth(-int64(len(seqs)))
	return q.store.Ack(dest, seqs)
}

// SendPDU enqueues a PDU for destination and wakes its worker.
func (q *Queues) SendPDU(ctx context.Context, destination string, pduJSON json.RawMessage) error {
	return q.enqueue(ctx, destination, "pdu", pduJSON)
}

// SendEDU enqueues an EDU for destination and wakes its worker.
func (q *Queues) SendEDU(ctx context.Context, destination string, eduJSON json.RawMessage) error {
	return q.enqueue(ctx, destination, "edu", eduJSON)
}

func (q *Queues) enqueue(ctx context.Context, destination, eventType string, raw json.RawMessage) error {
	if err := q.store.Enqueue(destination, eventType, raw); err != nil {
		return fmt.Errorf("federationapi/queue: enqueue to %s: %w", destination, err)
	}
	observeSendQueueDepth(1)
	q.wake(ctx, destination)
	return nil
}

// wake ensures a worker is running for destination, starting one if
// this is its first pending item, and otherwise nudging the existing
// worker so it re-checks the queue (spec §4.7: "while backing off, new
// enqueues accumulate but do not trigger an immediate send" — the
// worker itself decides whether backoff is still in effect).
func (q *Queues) wake(ctx context.Context, destination string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	ch, ok := q.workers[destination]
	if !ok {
		ch = make(chan struct{}, 1)
		q.workers[destination] = ch
		go q.runWorker(ctx, destination, ch)
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Stop signals every worker to exit. A worker that is already draining
// keeps sending until its queue is empty or a send fails, then returns.
// Stop itself returns at once: it does not wait for workers and applies
// no shutdown timeout. Unsent items stay in the store for the next Start.
func (q *Queues) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	for _, ch := range q.workers {
		close(ch)
	}
}

func (q *Queues) runWorker(ctx context.Context, destination string, wake chan struct{}) {
	logger := q.log.WithField("destination", destination)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-wake:
			if !ok {
				return
			}
		}

		for {
			sent, err := q.drainOnce(ctx, destination, logger)
			if err != nil {
				// Wake this worker again once the backoff recorded by
				// drainOnce has elapsed, so the retained items are retried.
				if rs, ok, rerr := q.store.GetRetryState(destination); rerr == nil && ok {
					time.AfterFunc(time.Until(rs.RetryUntil), func() { q.wake(ctx, destination) })
				}
				break
			}
			if !sent {
				break
			}
		}
	}
}

// drainOnce sends at most one transaction for destination. It returns
// sent=true if a transaction was attempted (success or failure), so
// the caller keeps looping while there is more queued work and the
// destination is not backing off.
func (q *Queues) drainOnce(ctx context.Context, destination string, logger *logrus.Entry) (sent bool, err error) {
	if rs, ok, err := q.store.GetRetryState(destination); err == nil && ok {
		if time.Now().Before(rs.RetryUntil) {
			return false, nil
		}
	}

	pending, err := q.store.Pending(destination, maxPDUsPerTransaction+maxEDUsPerTransaction)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	var pdus, edus []json.RawMessage
	var seqs []uint64
	for _, item := range pending {
		switch item.EventType {
		case "pdu":
			if len(pdus) >= maxPDUsPerTransaction {
				continue
			}
			pdus = append(pdus, item.JSON)
		case "edu":
			if len(edus) >= maxEDUsPerTransaction {
				continue
			}
			edus = append(edus, item.JSON)
		}
		seqs = append(seqs, item.Seq)
		if len(pdus) >= maxPDUsPerTransaction && len(edus) >= maxEDUsPerTransaction {
			break
		}
	}

	txn := Transaction{TransactionID: uuid.NewString(), PDUs: pdus, EDUs: edus}
	retryAfter, sendErr := q.sender.SendTransaction(ctx, destination, txn)
	if sendErr != nil {
		q.backoff(destination, retryAfter, sendErr, logger)
		return true, fmt.Errorf("federationapi/queue: send to %s: %w", destination, sendErr)
	}

	if err := q.store.Ack(destination, seqs); err != nil {
		logger.WithError(err).Error("failed to ack sent transaction")
	}
	observeSendQueueDepth(-int64(len(seqs)))
	if err := q.store.ClearRetryState(destination); err != nil {
		logger.WithError(err).Warn("failed to clear retry state after successful send")
	}
	return true, nil
}

// backoff records destination's next retry time per spec §4.7's
// exponential-backoff-with-jitter rule, honoring an explicit
// Retry-After (retryAfter > 0) from a 429 response in preference to
// the computed exponential value.
func (q *Queues) backoff(destination string, retryAfter time.Duration, sendErr error, logger *logrus.Entry) {
	rs, _, _ := q.store.GetRetryState(destination)
	rs.FailureCount++
	rs.LastError = sendErr.Error()

	wait := retryAfter
	if wait <= 0 {
		wait = q.cfg.BackoffStart << uint(rs.FailureCount-1)
		if wait <= 0 || wait > q.cfg.BackoffCeiling {
			wait = q.cfg.BackoffCeiling
		}
		wait = jitter(wait)
	}
	rs.RetryUntil = time.Now().Add(wait)

	if err := q.store.SetRetryState(destination, rs); err != nil {
		logger.WithError(err).Error("failed to persist retry state")
	}
	logger.WithFields(logrus.Fields{
		"failure_count": rs.FailureCount,
		"retry_in":      wait,
	}).Warn("destination transaction failed, backing off")
}

// jitter returns d scaled by a random factor in [0.5, 1.0), avoiding
// thundering-herd retries across destinations that failed together.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

// Inspector is the read-only introspection boundary over a running
// Queues (SUPPLEMENTED in SPEC_FULL.md: queue depth, backoff state per
// destination, for an admin/debug surface the distilled spec did not
// call out but a production sender needs).
type Inspector interface {
	QueueDepth(destination string) (int, error)
	RetryState(destination string) (storage.RetryState, bool, error)
}

var _ Inspector = (*Queues)(nil)

// QueueDepth reports how many items are queued for destination.
func (q *Queues) QueueDepth(destination string) (int, error) {
	return q.store.QueueDepth(destination)
}

// RetryState reports destination's current backoff state, if any.
func (q *Queues) RetryState(destination string) (storage.RetryState, bool, error) {
	return q.store.GetRetryState(destination)
}
