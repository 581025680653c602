// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package fanout is the internal fan-out bus described in spec §2's
// control flow ("fan-out via sender to pushes/appservices/other
// servers and to subscribed local clients") and §4.5 stage 10. It
// embeds a NATS server with JetStream enabled in-process and exposes a
// typed publish/subscribe surface over it, so a single accepted
// timeline event reaches every interested downstream collaborator
// (outbound sender, local client long-poll, appservice dispatch)
// without those collaborators depending on each other directly.
//
// Grounded on github.com/element-hq/dendrite/contrib/dendrite-demo-embedded/server.go,
// which starts an embedded NATS instance (jetstream.NATSInstance) in
// front of every other component; that package's NATSInstance type
// itself was not present in the retrieved pack, so the embedding and
// JetStream wiring below talks to github.com/nats-io/nats-server/v2
// and github.com/nats-io/nats.go directly, using the long-stable
// nats.Conn.JetStream()/JetStreamContext API rather than the newer
// nats.go/jetstream package, which we could not confirm the exact
// surface of without vendor access.
package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/roomserver/types"
)

const (
	timelineStreamName  = "TIMELINE"
	timelineAppendSubject = "timeline.append"
)

// Bus owns the embedded NATS server and the client connection used to
// publish to and consume from it.
type Bus struct {
	ns  *natsserver.Server
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *logrus.Entry
}

// Config tunes the embedded server.
type Config struct {
	// StoreDir is where JetStream persists its message log. Empty uses
	// an in-memory store, fine for tests and single-process demos.
	StoreDir string
}

// NewEmbeddedBus starts an in-process NATS server with JetStream
// enabled, connects a client to it, and ensures the timeline-append
// stream exists.
func NewEmbeddedBus(cfg Config) (*Bus, error) {
	opts := &natsserver.Options{
		JetStream: true,
		StoreDir:  cfg.StoreDir,
		Port:      -1, // random free port; the client below connects to it over TCP
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("fanout: start embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("fanout: embedded nats server did not become ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("fanout: connect to embedded nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("fanout: acquire jetstream context: %w", err)
	}

	storage := nats.MemoryStorage
	if cfg.StoreDir != "" {
		storage = nats.FileStorage
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     timelineStreamName,
		Subjects: []string{"timeline.>"},
		Storage:  storage,
	}); err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("fanout: create timeline stream: %w", err)
	}

	return &Bus{
		ns:  ns,
		nc:  nc,
		js:  js,
		log: logrus.WithField("component", "fanout"),
	}, nil
}

// Close drains the client connection and shuts down the embedded
// server. Safe to call once.
func (b *Bus) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
	}
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
	}
}

// timelineAppendMessage is the wire payload published for every
// accepted timeline event.
type timelineAppendMessage struct {
	RoomID      string `json:"room_id"`
	EventID     string `json:"event_id"`
	ShortRoomID uint64 `json:"short_room_id"`
	Count       int64  `json:"count"`
}

// NotifyTimelineAppend implements roomserver/internal/input.Notifier:
// it publishes the appended event to the bus for asynchronous pickup
// by the outbound sender and local client subscribers. A publish
// failure is logged rather than propagated, since the interface this
// satisfies has no error return and the timeline append itself has
// already durably committed by the time this runs (spec §4.5 stage 10
// runs after the append, not as part of its atomicity).
func (b *Bus) NotifyTimelineAppend(roomID, eventID string, pduID types.PduID) {
	msg := timelineAppendMessage{
		RoomID:      roomID,
		EventID:     eventID,
		ShortRoomID: pduID.ShortRoomID,
		Count:       int64(pduID.Count),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.log.WithError(err).WithField("event_id", eventID).Error("failed to marshal timeline append notification")
		return
	}
	if _, err := b.js.Publish(timelineAppendSubject, payload); err != nil {
		b.log.WithError(err).WithField("event_id", eventID).Error("failed to publish timeline append notification")
	}
}

// TimelineAppendHandler is called once per delivered timeline-append
// message.
type TimelineAppendHandler func(roomID, eventID string, pduID types.PduID)

// SubscribeTimelineAppend registers a durable JetStream consumer named
// durable that invokes handler for every timeline-append message,
// acking each message only after handler returns so a crash mid-handle
// redelivers it (at-least-once, matching spec §4.1's durable-queue
// delivery guarantee for the outbound sender feed). The returned func
// unsubscribes.
func (b *Bus) SubscribeTimelineAppend(durable string, handler TimelineAppendHandler) (func() error, error) {
	sub, err := b.js.Subscribe(timelineAppendSubject, func(m *nats.Msg) {
		var msg timelineAppendMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.log.WithError(err).Error("failed to unmarshal timeline append notification")
			_ = m.Ack()
			return
		}
		handler(msg.RoomID, msg.EventID, types.PduID{
			ShortRoomID: msg.ShortRoomID,
			Count:       types.PduCount(msg.Count),
		})
		_ = m.Ack()
	}, nats.Durable(durable), nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("fanout: subscribe %s: %w", durable, err)
	}
	return sub.Unsubscribe, nil
}
