package viewingkey

import (
	"bytes"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	lverrors "github.com/syndtr/goleveldb/leveldb/errors"

	"cipherpay.dev/cipherpay-core/pkg/cipherpayerrs"
	"cipherpay.dev/cipherpay-core/pkg/config"
	"cipherpay.dev/cipherpay-core/pkg/corelog"
)

var log = corelog.For("viewingkey")

// Entry is one merchant's prepared key material plus the address the
// scanner should report in match results.
type Entry struct {
	MerchantID     string
	PaymentAddress string
	IVK            PreparedIVK
}

// snapshot is the immutable, reference-counted view handed out by
// Cache.Snapshot. Swapping it atomically on install/evict means
// scanner cycles in flight keep working off the view they started
// with, per spec.md §5's "viewing-key snapshot is read-only and
// swapped atomically" policy.
type snapshot struct {
	entries []Entry
}

// Cache holds prepared IVKs for every registered merchant, keyed by
// merchant ID. It is backed by a small on-disk leveldb store so a
// restart does not have to re-derive key material for every merchant
// before the first scan cycle — mirroring the teacher's ldb wrapper in
// pkg/core/chain/database.go, here repurposed from "block/tx KV store"
// to "derived-key bootstrap cache" rather than dropped, since the
// spec's own relational store lives in pkg/store instead.
type Cache struct {
	db   *leveldb.DB
	snap atomic.Pointer[snapshot]
}

const keyPrefix = "ivk:"

// Open opens (or creates) the on-disk cache at path.
func Open(path string) (*Cache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if _, corrupted := err.(*lverrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrap(cipherpayerrs.ErrStorageUnavailable, err.Error())
	}

	c := &Cache{db: db}
	c.snap.Store(&snapshot{})
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases the on-disk cache.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Install parses and derives a merchant's UFVK, persists the derived
// key material, and swaps it into the live snapshot. Fails with
// ErrInvalidViewingKey/ErrWrongNetwork without touching the snapshot.
func (c *Cache) Install(merchantID string, ufvkText string, paymentAddress string, network config.Network) error {
	u, err := ParseUFVK(ufvkText)
	if err != nil {
		return err
	}
	if err := u.CheckNetwork(network); err != nil {
		return err
	}

	entry := Entry{
		MerchantID:     merchantID,
		PaymentAddress: paymentAddress,
		IVK:            u.Prepare(paymentAddress),
	}

	if err := c.persist(entry); err != nil {
		return err
	}

	c.swapInstall(entry)
	log.WithField("merchant_id", merchantID).Info("installed viewing key")
	return nil
}

// Evict removes a merchant's key material from disk and from the live
// snapshot, for UFVK rotation. It does not touch the seen-tx set in
// pkg/store (see DESIGN.md, "UFVK rotation").
func (c *Cache) Evict(merchantID string) error {
	if err := c.db.Delete([]byte(keyPrefix+merchantID), nil); err != nil {
		return errors.Wrap(err, "viewingkey: evict")
	}

	old := c.snap.Load()
	next := &snapshot{entries: make([]Entry, 0, len(old.entries))}
	for _, e := range old.entries {
		if e.MerchantID != merchantID {
			next.entries = append(next.entries, e)
		}
	}
	c.snap.Store(next)
	return nil
}

// Snapshot returns the current immutable view. Safe to call
// concurrently with Install/Evict; the caller's slice never mutates
// under it.
func (c *Cache) Snapshot() []Entry {
	return c.snap.Load().entries
}

func (c *Cache) swapInstall(entry Entry) {
	old := c.snap.Load()
	next := &snapshot{entries: make([]Entry, 0, len(old.entries)+1)}
	for _, e := range old.entries {
		if e.MerchantID != entry.MerchantID {
			next.entries = append(next.entries, e)
		}
	}
	next.entries = append(next.entries, entry)
	c.snap.Store(next)
}

func (c *Cache) persist(entry Entry) error {
	var buf bytes.Buffer
	if err := encodeEntry(&buf, entry); err != nil {
		return errors.Wrap(err, "viewingkey: encode")
	}
	key := []byte(keyPrefix + entry.MerchantID)
	if err := c.db.Put(key, buf.Bytes(), nil); err != nil {
		return errors.Wrap(cipherpayerrs.ErrStorageUnavailable, err.Error())
	}
	return nil
}

func (c *Cache) reload() error {
	iter := c.db.NewIterator(nil, nil)
	defer iter.Release()

	var entries []Entry
	for iter.Next() {
		key := string(iter.Key())
		if len(key) <= len(keyPrefix) {
			continue
		}
		merchantID := key[len(keyPrefix):]
		entry, err := decodeEntry(merchantID, iter.Value())
		if err != nil {
			log.WithField("merchant_id", merchantID).Warn("skipping corrupt cached key: " + err.Error())
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return errors.Wrap(cipherpayerrs.ErrStorageCorrupt, err.Error())
	}

	c.snap.Store(&snapshot{entries: entries})
	return nil
}
