// Package lifecycle implements the InvoiceLifecycle component
// (spec.md §4.7): the expiry worker and purge worker, each a
// `time.Ticker`-driven goroutine in the teacher's idle-tick idiom
// (pkg/core/mempool/mempool.go's `case <-time.After(20 * time.Second):
// m.onIdle()`).
package lifecycle

import (
	"context"
	"time"

	"cipherpay.dev/cipherpay-core/pkg/corelog"
	"cipherpay.dev/cipherpay-core/pkg/eventbus"
)

var log = corelog.For("lifecycle")

const (
	expiryInterval = 30 * time.Second
	purgeInterval  = 1 * time.Hour
)

// Store is the slice of pkg/store the lifecycle workers need.
type Store interface {
	ExpirableInvoiceIDs(ctx context.Context, now time.Time) ([]string, error)
	MarkExpired(ctx context.Context, invoiceID string, now time.Time) error

	PurgeCandidateIDs(ctx context.Context, now time.Time) ([]string, error)
	PurgeShipping(ctx context.Context, invoiceID string) error
}

// Workers runs the expiry and purge workers.
type Workers struct {
	store Store
	bus   *eventbus.EventBus
}

// New builds a Workers. bus may be nil.
func New(s Store, bus *eventbus.EventBus) *Workers {
	return &Workers{store: s, bus: bus}
}

func (w *Workers) publish(ev eventbus.Event) {
	if w.bus != nil {
		w.bus.Publish(ev)
	}
}

// Run starts both workers and blocks until ctx is cancelled.
func (w *Workers) Run(ctx context.Context) error {
	done := make(chan struct{}, 2)

	go func() {
		w.runExpiryWorker(ctx)
		done <- struct{}{}
	}()
	go func() {
		w.runPurgeWorker(ctx)
		done <- struct{}{}
	}()

	<-done
	<-done
	return ctx.Err()
}

func (w *Workers) runExpiryWorker(ctx context.Context) {
	ticker := time.NewTicker(expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.expireOnce(ctx)
		}
	}
}

func (w *Workers) expireOnce(ctx context.Context) {
	now := time.Now()
	ids, err := w.store.ExpirableInvoiceIDs(ctx, now)
	if err != nil {
		log.WithError(err).Warn("expiry scan failed")
		return
	}
	for _, id := range ids {
		if err := w.store.MarkExpired(ctx, id, now); err != nil {
			log.WithField("invoice_id", id).WithError(err).Warn("mark expired failed")
			continue
		}
		w.publish(eventbus.Event{Topic: eventbus.TopicExpired, InvoiceID: id})
	}
}

func (w *Workers) runPurgeWorker(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.purgeOnce(ctx)
		}
	}
}

func (w *Workers) purgeOnce(ctx context.Context) {
	now := time.Now()
	ids, err := w.store.PurgeCandidateIDs(ctx, now)
	if err != nil {
		log.WithError(err).Warn("purge scan failed")
		return
	}
	for _, id := range ids {
		if err := w.store.PurgeShipping(ctx, id); err != nil {
			log.WithField("invoice_id", id).WithError(err).Warn("purge shipping failed")
		}
	}
}
