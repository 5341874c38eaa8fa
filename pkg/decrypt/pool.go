package decrypt

import (
	"context"

	"golang.org/x/sync/semaphore"

	"cipherpay.dev/cipherpay-core/pkg/txparser"
	"cipherpay.dev/cipherpay-core/pkg/viewingkey"
)

// Attempt is one (action-or-output, merchant) pair to try.
type Attempt struct {
	MerchantID string
	Orchard    *txparser.OrchardAction
	Sapling    *txparser.SaplingOutput
	IVK        viewingkey.PreparedIVK
}

// Result pairs an Attempt's MerchantID with its outcome. Decrypted is
// nil when the attempt was not a match.
type Result struct {
	MerchantID string
	Decrypted  *Decrypted
	Err        error
}

// Pool runs trial decryption attempts on a bounded number of worker
// goroutines, never on the caller's own goroutine. This is what keeps
// cryptographic work off the cooperative runtime threads that also
// serve webhook delivery and the read API (spec.md §5). It is sized
// once at startup and reused for every scan cycle.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a decryption pool that runs at most maxWorkers
// attempts concurrently.
func NewPool(maxWorkers int64) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(maxWorkers)}
}

// Run executes every attempt, respecting ctx cancellation, and returns
// one Result per attempt in the same order. Per-output early exit
// (spec.md §4.4: "implementations may early-exit per-output on the
// first successful decryption") is the caller's responsibility since
// it depends on invoice-matching context the pool itself doesn't have.
func (p *Pool) Run(ctx context.Context, attempts []Attempt) ([]Result, error) {
	results := make([]Result, len(attempts))
	errs := make(chan error, 1)
	done := make(chan struct{}, len(attempts))

	for i, a := range attempts {
		i, a := i, a
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return results, err
		}
		go func() {
			defer p.sem.Release(1)
			defer func() { done <- struct{}{} }()
			results[i] = runOne(a)
		}()
	}

	for range attempts {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-done:
		case err := <-errs:
			return results, err
		}
	}

	return results, nil
}

func runOne(a Attempt) Result {
	var dec *Decrypted
	var err error

	switch {
	case a.Orchard != nil:
		dec, err = Orchard(*a.Orchard, a.IVK)
	case a.Sapling != nil:
		dec, err = Sapling(*a.Sapling, a.IVK)
	}

	return Result{MerchantID: a.MerchantID, Decrypted: dec, Err: err}
}
