// Package scanner implements the Scanner component (spec.md §4.8): a
// mempool loop and a block loop, each built the same way as the
// teacher's pkg/core/mempool/mempool.go — a single goroutine running
// a select loop on a ticker, never holding state across cycles beyond
// what the store persists.
package scanner

import (
	"context"
	"time"

	"cipherpay.dev/cipherpay-core/pkg/chainsource"
	"cipherpay.dev/cipherpay-core/pkg/corelog"
	"cipherpay.dev/cipherpay-core/pkg/decrypt"
	"cipherpay.dev/cipherpay-core/pkg/eventbus"
	"cipherpay.dev/cipherpay-core/pkg/matcher"
	"cipherpay.dev/cipherpay-core/pkg/store"
	"cipherpay.dev/cipherpay-core/pkg/txparser"
	"cipherpay.dev/cipherpay-core/pkg/viewingkey"
)

var log = corelog.For("scanner")

// Store is the slice of pkg/store the scanner needs.
type Store interface {
	matcher.InvoiceLookup

	SeenTx(ctx context.Context, txid string) (*store.SeenTxEntry, error)
	RecordSeenTx(ctx context.Context, txid string, disposition store.SeenTxDisposition, matchedInvoiceID string, at time.Time) error
	MarkDetected(ctx context.Context, invoiceID, txid string, valueZats int64, at time.Time) (detected bool, err error)
	MarkConfirmed(ctx context.Context, invoiceID string, blockHeight uint64, at time.Time) error
	GetScannerCursor(ctx context.Context) (height uint64, ok bool, err error)
	SetScannerCursor(ctx context.Context, height uint64, at time.Time) error
}

// KeySource is the slice of pkg/viewingkey the scanner needs.
type KeySource interface {
	Snapshot() []viewingkey.Entry
}

// Scanner owns the mempool and block loops. Each runs on its own
// goroutine, started by Run, and drives InvoiceStore transitions
// through the shared decryption pool.
type Scanner struct {
	chain chainsource.Source
	store Store
	keys  KeySource
	pool  *decrypt.Pool
	bus   *eventbus.EventBus

	mempoolInterval time.Duration
	blockInterval   time.Duration
}

// New builds a Scanner. bus may be nil, in which case lifecycle
// transitions are simply not published (tests commonly pass nil).
func New(chain chainsource.Source, st Store, keys KeySource, pool *decrypt.Pool, bus *eventbus.EventBus, mempoolInterval, blockInterval time.Duration) *Scanner {
	return &Scanner{
		chain:           chain,
		store:           st,
		keys:            keys,
		pool:            pool,
		bus:             bus,
		mempoolInterval: mempoolInterval,
		blockInterval:   blockInterval,
	}
}

func (s *Scanner) publish(ev eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// Run starts both loops and blocks until ctx is cancelled, mirroring
// the teacher's per-service Run() contract. On cancellation it lets
// an in-flight block cycle finish before returning, so the cursor
// never falls ahead of actually-processed work (spec.md §5).
func (s *Scanner) Run(ctx context.Context) error {
	done := make(chan struct{}, 2)

	go func() {
		s.runMempoolLoop(ctx)
		done <- struct{}{}
	}()
	go func() {
		s.runBlockLoop(ctx)
		done <- struct{}{}
	}()

	<-done
	<-done
	return ctx.Err()
}

func (s *Scanner) runMempoolLoop(ctx context.Context) {
	ticker := time.NewTicker(s.mempoolInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.mempoolCycle(ctx); err != nil {
				log.WithError(err).Warn("mempool cycle failed")
			}
		}
	}
}

func (s *Scanner) mempoolCycle(ctx context.Context) error {
	txids, err := s.chain.MempoolTxIDs(ctx)
	if err != nil {
		return err
	}

	var fresh []string
	for _, txid := range txids {
		seen, err := s.store.SeenTx(ctx, txid)
		if err != nil {
			log.WithField("txid", txid).WithError(err).Warn("seen-tx lookup failed")
			continue
		}
		if seen == nil {
			fresh = append(fresh, txid)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	raws, err := s.chain.RawTxBatch(ctx, fresh)
	if err != nil {
		return err
	}

	for _, txid := range fresh {
		raw, ok := raws[txid]
		if !ok {
			// disappeared from the mempool between diff and fetch
			continue
		}
		s.processTx(ctx, txid, raw, nil)
	}
	return nil
}

func (s *Scanner) runBlockLoop(ctx context.Context) {
	ticker := time.NewTicker(s.blockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.blockCycle(ctx); err != nil {
				log.WithError(err).Warn("block cycle failed")
			}
		}
	}
}

func (s *Scanner) blockCycle(ctx context.Context) error {
	last, ok, err := s.store.GetScannerCursor(ctx)
	if err != nil {
		return err
	}

	info, err := s.chain.BlockchainInfo(ctx)
	if err != nil {
		return err
	}

	indexedTip, err := s.chain.IndexedTip(ctx, info.Blocks)
	if err != nil {
		return err
	}
	tip := uint64(indexedTip)

	if !ok {
		// First-ever startup: the cursor's initial value is the current
		// chain tip (spec.md §3), not genesis, so a fresh deployment
		// never trial-decrypts the entire chain history.
		return s.store.SetScannerCursor(ctx, tip, time.Now())
	}
	start := last + 1

	for h := start; h <= tip; h++ {
		if err := s.processBlock(ctx, h); err != nil {
			return err
		}
		if err := s.store.SetScannerCursor(ctx, h, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) processBlock(ctx context.Context, height uint64) error {
	block, found, err := s.chain.Block(ctx, int(height))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	for _, txid := range block.TxIDs {
		seen, err := s.store.SeenTx(ctx, txid)
		if err != nil {
			log.WithField("txid", txid).WithError(err).Warn("seen-tx lookup failed")
			continue
		}

		if seen != nil && seen.Disposition == store.DispositionMatchedInvoice && seen.MatchedInvoice != nil {
			if err := s.store.MarkConfirmed(ctx, *seen.MatchedInvoice, height, time.Now()); err != nil {
				log.WithField("invoice_id", *seen.MatchedInvoice).WithError(err).Warn("mark confirmed failed")
			} else {
				s.publish(eventbus.Event{Topic: eventbus.TopicConfirmed, InvoiceID: *seen.MatchedInvoice, TxID: txid})
			}
			continue
		}
		if seen != nil {
			continue
		}

		raw, found, err := s.chain.RawTx(ctx, txid)
		if err != nil || !found {
			continue
		}
		s.processTx(ctx, txid, raw, &height)
	}
	return nil
}

// processTx parses raw, runs the decryption matrix across every
// registered merchant, and applies the first match. height is nil
// when processing from the mempool loop, non-nil from the block loop
// (in which case a match both detects and immediately confirms, per
// spec.md §4.8's "within the same block-processing transaction").
func (s *Scanner) processTx(ctx context.Context, txid string, raw []byte, height *uint64) {
	now := time.Now()

	parsed, err := txparser.Parse(raw)
	if err != nil {
		log.WithField("txid", txid).WithError(err).Info("malformed transaction, skipping")
		_ = s.store.RecordSeenTx(ctx, txid, store.DispositionNoMatch, "", now)
		return
	}

	entries := s.keys.Snapshot()
	var attempts []decrypt.Attempt
	for _, entry := range entries {
		for i := range parsed.OrchardActions {
			attempts = append(attempts, decrypt.Attempt{MerchantID: entry.MerchantID, Orchard: &parsed.OrchardActions[i], IVK: entry.IVK})
		}
		for i := range parsed.SaplingOutputs {
			attempts = append(attempts, decrypt.Attempt{MerchantID: entry.MerchantID, Sapling: &parsed.SaplingOutputs[i], IVK: entry.IVK})
		}
	}

	if len(attempts) == 0 {
		_ = s.store.RecordSeenTx(ctx, txid, store.DispositionNoMatch, "", now)
		return
	}

	results, err := s.pool.Run(ctx, attempts)
	if err != nil {
		log.WithField("txid", txid).WithError(err).Warn("decryption pool run failed")
		return
	}

	valueByMerchant := make(map[string]int64)
	memoByMerchant := make(map[string]string)
	for _, r := range results {
		if r.Decrypted == nil {
			continue
		}
		valueByMerchant[r.MerchantID] += r.Decrypted.ValueZats
		if memoByMerchant[r.MerchantID] == "" {
			memoByMerchant[r.MerchantID] = r.Decrypted.Memo
		}
	}

	matchedInvoiceID := ""
	for merchantID, value := range valueByMerchant {
		m, err := matcher.Match(s.store, merchantID, memoByMerchant[merchantID], value)
		if err != nil {
			log.WithField("txid", txid).WithError(err).Info("invalid memo code")
			continue
		}
		if m.Outcome == matcher.NoMatch {
			continue
		}

		detected, err := s.store.MarkDetected(ctx, m.InvoiceID, txid, value, now)
		if err != nil {
			log.WithField("invoice_id", m.InvoiceID).WithError(err).Warn("mark detected failed")
			continue
		}
		matchedInvoiceID = m.InvoiceID
		if detected {
			s.publish(eventbus.Event{Topic: eventbus.TopicDetected, InvoiceID: m.InvoiceID, MerchantID: merchantID, TxID: txid})
		}

		if height != nil && detected {
			if err := s.store.MarkConfirmed(ctx, m.InvoiceID, *height, now); err != nil {
				log.WithField("invoice_id", m.InvoiceID).WithError(err).Warn("mark confirmed failed")
			} else {
				s.publish(eventbus.Event{Topic: eventbus.TopicConfirmed, InvoiceID: m.InvoiceID, MerchantID: merchantID, TxID: txid})
			}
		}
		break
	}

	disposition := store.DispositionNoMatch
	if matchedInvoiceID != "" {
		disposition = store.DispositionMatchedInvoice
	}
	if err := s.store.RecordSeenTx(ctx, txid, disposition, matchedInvoiceID, now); err != nil {
		log.WithField("txid", txid).WithError(err).Warn("record seen tx failed")
	}
}
