// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

// Package eventbus carries invoice lifecycle notifications between the
// scanner, the lifecycle workers, and any process-internal listener
// that wants to react to a status transition without being wired into
// the detection path directly (structured-logging audit trail,
// future metrics hooks). It is not on the path that actually commits a
// transition or enqueues a webhook delivery — pkg/store does that
// within its own transactions — so a slow or panicking listener can
// never stall detection.
package eventbus

import (
	lg "github.com/sirupsen/logrus"

	"cipherpay.dev/cipherpay-core/pkg/corelog"
)

// Topic identifies the kind of invoice lifecycle event being published.
type Topic string

const (
	TopicDetected Topic = "invoice.detected"
	TopicConfirmed Topic = "invoice.confirmed"
	TopicExpired  Topic = "invoice.expired"
)

// Event is the payload delivered to every Listener subscribed to its Topic.
type Event struct {
	Topic      Topic
	InvoiceID  string
	MerchantID string
	TxID       string
}

// Listener receives Events published on a topic it subscribed to.
type Listener interface {
	Notify(Event)
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(Event)

func (f ListenerFunc) Notify(e Event) { f(e) }

var logEB = corelog.For("eventbus")

// EventBus is a process-local, in-memory publish/subscribe hub. Publish
// never blocks on slow listeners: each is invoked in its own goroutine,
// matching the teacher's fire-and-forget dispatch to topic listeners.
type EventBus struct {
	listeners *listenerStore
}

// New creates an empty EventBus.
func New() *EventBus {
	return &EventBus{listeners: newListenerStore()}
}

// Subscribe registers listener for topic and returns an id that can be
// passed to Unsubscribe later.
func (bus *EventBus) Subscribe(topic Topic, listener Listener) uint32 {
	return bus.listeners.store(topic, listener)
}

// Unsubscribe removes the listener previously registered under id for topic.
func (bus *EventBus) Unsubscribe(topic Topic, id uint32) {
	found := bus.listeners.delete(topic, id)
	logEB.WithFields(lg.Fields{
		"found": found,
		"topic": topic,
	}).Traceln("unsubscribing")
}

// Publish notifies every listener subscribed to ev.Topic. Each listener
// runs on its own goroutine so a blocked or panicking subscriber cannot
// delay the caller (the scanner or lifecycle worker that produced ev).
func (bus *EventBus) Publish(ev Event) {
	for _, listener := range bus.listeners.snapshot(ev.Topic) {
		go func(l Listener) {
			defer func() {
				if r := recover(); r != nil {
					logEB.WithField("panic", r).Error("eventbus: listener panicked")
				}
			}()
			l.Notify(ev)
		}(listener)
	}
}
