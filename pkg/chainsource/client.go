// Package chainsource implements the ChainSourceClient component
// (spec.md §4.2): a typed wrapper over the external ChainSource HTTP
// API (§6.2), retrying transient failures with backoff, grounded on
// the zcash-lightwalletd common.go style of a package-level Time shim
// plus a retry-with-backoff request loop.
package chainsource

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"cipherpay.dev/cipherpay-core/pkg/cipherpayerrs"
	"cipherpay.dev/cipherpay-core/pkg/config"
	"cipherpay.dev/cipherpay-core/pkg/corelog"
)

var log = corelog.For("chainsource")

// Time is a package-level shim over time.Now/time.Sleep so tests can
// drive retry timing deterministically, mirroring the lightwalletd
// common.go convention of the same name.
var Time = struct {
	Now   func() time.Time
	Sleep func(time.Duration)
}{Now: time.Now, Sleep: time.Sleep}

const (
	maxRetries    = 3
	retryBaseWait = 200 * time.Millisecond
	batchSize     = 20
)

// BlockchainInfo is the response of GET /api/blockchain/info.
type BlockchainInfo struct {
	Blocks int    `json:"blocks"`
	Chain  string `json:"chain"`
}

// TxLocation is the response of GET /api/tx/{txid}.
type TxLocation struct {
	BlockHeight *int    `json:"block_height"`
	BlockHash   *string `json:"block_hash"`
}

// Block is the response of GET /api/block/{height}.
type Block struct {
	Hash  string   `json:"hash"`
	TxIDs []string `json:"txids"`
}

// Source is the capability interface Scanner depends on (spec.md §9
// design note), satisfied by *Client or a test fixture.
type Source interface {
	BlockchainInfo(ctx context.Context) (BlockchainInfo, error)
	MempoolTxIDs(ctx context.Context) ([]string, error)
	RawTx(ctx context.Context, txid string) ([]byte, bool, error)
	TxLocation(ctx context.Context, txid string) (TxLocation, error)
	Block(ctx context.Context, height int) (Block, bool, error)
	RawTxBatch(ctx context.Context, txids []string) (map[string][]byte, error)
	IndexedTip(ctx context.Context, reportedTip int) (int, error)
}

// Client is the HTTP implementation of Source.
type Client struct {
	baseURL string
	http    *http.Client
	sem     *semaphore.Weighted
}

// New builds a Client against baseURL, verifying the reported network
// matches want (spec.md §6.2: "mismatch is fatal at startup").
func New(ctx context.Context, baseURL string, want config.Network) (*Client, error) {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		sem:     semaphore.NewWeighted(batchSize),
	}

	info, err := c.BlockchainInfo(ctx)
	if err != nil {
		return nil, err
	}

	wantChain := "main"
	if want == config.Testnet {
		wantChain = "test"
	}
	if info.Chain != wantChain {
		return nil, cipherpayerrs.Wrapf(cipherpayerrs.ErrWrongNetwork, "chainsource reports %q, configured for %q", info.Chain, wantChain)
	}

	return c, nil
}

func (c *Client) BlockchainInfo(ctx context.Context) (BlockchainInfo, error) {
	var out BlockchainInfo
	err := c.getJSON(ctx, "/api/blockchain/info", &out)
	return out, err
}

func (c *Client) MempoolTxIDs(ctx context.Context) ([]string, error) {
	var out struct {
		TxIDs []string `json:"txids"`
	}
	if err := c.getJSON(ctx, "/api/mempool", &out); err != nil {
		return nil, err
	}
	return out.TxIDs, nil
}

func (c *Client) RawTx(ctx context.Context, txid string) ([]byte, bool, error) {
	var out struct {
		Hex string `json:"hex"`
	}
	found, err := c.getJSONMaybe404(ctx, "/api/tx/"+txid+"/raw", &out)
	if err != nil || !found {
		return nil, found, err
	}
	raw, err := hex.DecodeString(out.Hex)
	if err != nil {
		return nil, true, cipherpayerrs.Wrap(cipherpayerrs.ErrMalformedTx, err.Error())
	}
	return raw, true, nil
}

func (c *Client) TxLocation(ctx context.Context, txid string) (TxLocation, error) {
	var out TxLocation
	err := c.getJSON(ctx, "/api/tx/"+txid, &out)
	return out, err
}

func (c *Client) Block(ctx context.Context, height int) (Block, bool, error) {
	var out Block
	found, err := c.getJSONMaybe404(ctx, fmt.Sprintf("/api/block/%d", height), &out)
	return out, found, err
}

// RawTxBatch fetches many raw transactions concurrently, bounded to
// batchSize in flight at once (spec.md §4.2: "batched concurrent
// raw-tx fetch").
func (c *Client) RawTxBatch(ctx context.Context, txids []string) (map[string][]byte, error) {
	results := make(map[string][]byte, len(txids))
	resultCh := make(chan struct {
		txid string
		raw  []byte
		ok   bool
		err  error
	}, len(txids))

	for _, txid := range txids {
		txid := txid
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func() {
			defer c.sem.Release(1)
			raw, ok, err := c.RawTx(ctx, txid)
			resultCh <- struct {
				txid string
				raw  []byte
				ok   bool
				err  error
			}{txid, raw, ok, err}
		}()
	}

	for range txids {
		r := <-resultCh
		if r.err != nil {
			log.WithField("txid", r.txid).WithError(r.err).Warn("raw tx fetch failed")
			continue
		}
		if r.ok {
			results[r.txid] = r.raw
		}
	}
	return results, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	found, err := c.getJSONMaybe404(ctx, path, out)
	if err != nil {
		return err
	}
	if !found {
		return cipherpayerrs.ErrUnexpectedStatus
	}
	return nil
}

// getJSONMaybe404 performs a GET with retry-with-backoff, treating a
// 404 response as a normal "not found" result rather than an error,
// since several ChainSource endpoints use it that way (spec.md §6.2).
func (c *Client) getJSONMaybe404(ctx context.Context, path string, out interface{}) (bool, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Jittered exponential backoff: a random wait in the upper
			// half of the doubling window.
			wait := retryBaseWait * time.Duration(1<<uint(attempt-1))
			Time.Sleep(wait/2 + time.Duration(rand.Int63n(int64(wait/2)+1)))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return false, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = cipherpayerrs.Wrap(cipherpayerrs.ErrChainSourceTimeout, err.Error())
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return false, nil
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = cipherpayerrs.Wrapf(cipherpayerrs.ErrChainSourceHTTP5xx, "status %d", resp.StatusCode)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false, cipherpayerrs.Wrapf(cipherpayerrs.ErrUnexpectedStatus, "status %d", resp.StatusCode)
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return false, cipherpayerrs.Wrap(cipherpayerrs.ErrMalformedTx, err.Error())
		}
		return true, nil
	}

	return false, lastErr
}
