// Command cipherpayd runs the CipherPay core payment-detection engine:
// the scanner's mempool and block loops, the invoice lifecycle
// workers, and the webhook dispatcher, all sharing one InvoiceStore
// and one ViewingKeyCache. Wiring follows the shape of the teacher's
// cmd/exporter/exporter.go (a single main() launching background
// goroutines behind a panic handler) generalized to a proper
// context-driven shutdown since this process has more than one
// service to stop cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cipherpay.dev/cipherpay-core/pkg/chainsource"
	"cipherpay.dev/cipherpay-core/pkg/config"
	"cipherpay.dev/cipherpay-core/pkg/corelog"
	"cipherpay.dev/cipherpay-core/pkg/decrypt"
	"cipherpay.dev/cipherpay-core/pkg/envelope"
	"cipherpay.dev/cipherpay-core/pkg/eventbus"
	"cipherpay.dev/cipherpay-core/pkg/lifecycle"
	"cipherpay.dev/cipherpay-core/pkg/rateoracle"
	"cipherpay.dev/cipherpay-core/pkg/scanner"
	"cipherpay.dev/cipherpay-core/pkg/store"
	"cipherpay.dev/cipherpay-core/pkg/viewingkey"
	"cipherpay.dev/cipherpay-core/pkg/webhook"
)

var configPath = flag.String("config", "/etc/cipherpay/cipherpayd.toml", "path to the cipherpayd TOML config file")

const decryptionPoolWorkers = 8

func main() {
	defer handlePanic()
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cipherpayd: config:", err)
		os.Exit(1)
	}

	if err := corelog.Init(corelog.Options{Level: "info"}); err != nil {
		fmt.Fprintln(os.Stderr, "cipherpayd: logging:", err)
		os.Exit(1)
	}
	log := corelog.For("main")
	log.Info(cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.WithError(err).Fatal("opening invoice store")
	}
	defer st.Close()

	keyCache, err := viewingkey.Open(cfg.ViewingKeyCachePath)
	if err != nil {
		log.WithError(err).Fatal("opening viewing key cache")
	}
	defer keyCache.Close()

	if err := bootstrapMerchants(ctx, st, keyCache, cfg.Network); err != nil {
		log.WithError(err).Fatal("bootstrapping merchants into viewing key cache")
	}

	chain, err := chainsource.New(ctx, cfg.ChainSourceBaseURL, cfg.Network)
	if err != nil {
		log.WithError(err).Fatal("connecting to chainsource")
	}

	_ = rateoracle.New(cfg.ChainSourceBaseURL) // consumed by the (out-of-scope) invoice-creation API; New makes no request and validates nothing

	bus := eventbus.New()
	bus.Subscribe(eventbus.TopicDetected, eventbus.ListenerFunc(logLifecycleEvent))
	bus.Subscribe(eventbus.TopicConfirmed, eventbus.ListenerFunc(logLifecycleEvent))
	bus.Subscribe(eventbus.TopicExpired, eventbus.ListenerFunc(logLifecycleEvent))

	pool := decrypt.NewPool(decryptionPoolWorkers)
	scan := scanner.New(chain, st, keyCache, pool, bus, cfg.MempoolPollInterval, cfg.BlockPollInterval)
	workers := lifecycle.New(st, bus)
	dispatcher := webhook.New(st, nil, 10*time.Second)

	errCh := make(chan error, 3)
	go func() { errCh <- scan.Run(ctx) }()
	go func() { errCh <- workers.Run(ctx) }()
	go func() { errCh <- dispatcher.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	running := 3
	select {
	case sig := <-sigCh:
		log.Infof("received signal %s, shutting down", sig)
		cancel()
	case err := <-errCh:
		log.WithError(err).Warn("service exited")
		running--
		cancel()
	}

	// Drain the remaining service goroutines so the block loop's
	// current cycle finishes before the process exits (spec.md §5:
	// "the scanner finishes its current block ... and then stops").
	for ; running > 0; running-- {
		<-errCh
	}
}

func bootstrapMerchants(ctx context.Context, st *store.Store, cache *viewingkey.Cache, network config.Network) error {
	merchants, err := st.ListMerchants(ctx)
	if err != nil {
		return err
	}

	cfg := config.Get()
	for _, m := range merchants {
		plaintext, err := envelope.Open(cfg.UFVKEncryptionKeyHex, m.UFVKCiphertext, m.UFVKNonce)
		if err != nil {
			corelog.For("main").WithField("merchant_id", m.ID).WithError(err).Warn("skipping merchant with undecryptable UFVK")
			continue
		}
		ufvkText := string(plaintext)
		if err := cache.Install(m.ID, ufvkText, m.PaymentAddress, network); err != nil {
			corelog.For("main").WithField("merchant_id", m.ID).WithError(err).Warn("skipping merchant with invalid viewing key")
		}
	}
	return nil
}

// logLifecycleEvent is the audit-trail subscriber: every invoice
// lifecycle transition lands in the structured log independently of
// whatever a future API layer subscribes for its own purposes.
func logLifecycleEvent(ev eventbus.Event) {
	corelog.For("main").WithField("invoice_id", ev.InvoiceID).WithField("txid", ev.TxID).Info(string(ev.Topic))
}

func handlePanic() {
	if r := recover(); r != nil {
		fmt.Fprintln(os.Stderr, "cipherpayd: panic:", r)
		os.Exit(1)
	}
}
