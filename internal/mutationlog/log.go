// Package mutationlog implements the append-only, totally ordered log of
// admitted mutation envelopes: one bbolt file, one bucket per logical
// collection, JSON-serialized records, db.Update for writes and db.View
// for reads.
package mutationlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/meridiandb/node/internal/address"
	"github.com/meridiandb/node/internal/apierrors"
	"github.com/meridiandb/node/internal/codec"
)

var (
	bucketEntries = []byte("entries")
	bucketByID    = []byte("content_index")
	bucketMeta    = []byte("meta")

	keyCurrentBlock = []byte("current_block")
)

// Entry is one stored log record. Payload is nil once PruneUpTo has
// removed it for blocks below the GC'd boundary; header fields are always
// retained so historical proofs remain answerable.
type Entry struct {
	Block          uint64       `json:"block"`
	Order          uint64       `json:"order"`
	ContentID      [32]byte     `json:"content_id"`
	Sender         address.Addr `json:"sender"`
	Action         codec.Action `json:"action"`
	PayloadSize    int          `json:"payload_size"`
	Payload        []byte       `json:"payload,omitempty"`
	Signature      []byte       `json:"signature,omitempty"`
	ReceivedTimeMS int64        `json:"received_time_ms"`
	Failed         bool         `json:"failed"`
}

// Log is the durable, single-writer append-only mutation log.
type Log struct {
	db *bbolt.DB

	mu           sync.Mutex
	currentBlock uint64
	nextOrder    uint64
}

// Open opens (creating if necessary) the bbolt-backed log file at path and
// recovers the current block counter and next order from the last entry.
func Open(path string) (*Log, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, apierrors.IO("mutationlog: open %s: %v", path, err)
	}

	l := &Log{db: db}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketByID, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, apierrors.IO("mutationlog: init buckets: %v", err)
	}

	if err := l.recoverCounters(); err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

// Close releases the underlying bbolt file.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) recoverCounters() error {
	return l.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if raw := meta.Get(keyCurrentBlock); raw != nil {
			l.currentBlock = binary.BigEndian.Uint64(raw)
		}

		c := tx.Bucket(bucketEntries).Cursor()
		prefix := positionKey(l.currentBlock, 0)[:8]
		var lastOrder uint64
		found := false
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			lastOrder = binary.BigEndian.Uint64(k[8:16])
			found = true
		}
		if found {
			l.nextOrder = lastOrder + 1
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func positionKey(block, order uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], block)
	binary.BigEndian.PutUint64(key[8:16], order)
	return key
}

// CurrentBlock returns the block currently open for appends.
func (l *Log) CurrentBlock() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentBlock
}

// AdvanceBlock closes the currently open block and opens the next one,
// called by the block ticker at a fixed cadence. It never
// blocks on I/O.
func (l *Log) AdvanceBlock() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentBlock++
	l.nextOrder = 0
	return l.currentBlock
}

// Append assigns the entry the currently open block and the next order
// within that block, and durably persists it before returning. The
// admission path holds a short mutex across the counter allocation and the
// fsync.
func (l *Log) Append(e Entry) (block, order uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Block = l.currentBlock
	e.Order = l.nextOrder

	if err := l.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		byID := tx.Bucket(bucketByID)
		meta := tx.Bucket(bucketMeta)

		buf, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}

		posKey := positionKey(e.Block, e.Order)
		if err := entries.Put(posKey, buf); err != nil {
			return err
		}
		if err := byID.Put(e.ContentID[:], posKey); err != nil {
			return err
		}

		var blockBuf [8]byte
		binary.BigEndian.PutUint64(blockBuf[:], l.currentBlock)
		return meta.Put(keyCurrentBlock, blockBuf[:])
	}); err != nil {
		return 0, 0, apierrors.IO("mutationlog: append: %v", err)
	}

	l.nextOrder++
	return e.Block, e.Order, nil
}

// MarkFailed records that execution of the entry at (block, order) failed,
// so the indexer and GC do not re-attempt it.
func (l *Log) MarkFailed(block, order uint64) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		posKey := positionKey(block, order)
		raw := entries.Get(posKey)
		if raw == nil {
			return apierrors.NotFound("mutationlog: no entry at (%d,%d)", block, order)
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		e.Failed = true
		buf, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return entries.Put(posKey, buf)
	})
}

// GetByPosition returns the entry at (block, order).
func (l *Log) GetByPosition(block, order uint64) (*Entry, error) {
	var e Entry
	found := false
	err := l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get(positionKey(block, order))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &e)
	})
	if err != nil {
		return nil, apierrors.IO("mutationlog: get_by_position: %v", err)
	}
	if !found {
		return nil, apierrors.NotFound("mutationlog: no entry at (%d,%d)", block, order)
	}
	return &e, nil
}

// GetByContentID returns the entry whose content id is id.
func (l *Log) GetByContentID(id [32]byte) (*Entry, error) {
	var posKey []byte
	err := l.db.View(func(tx *bbolt.Tx) error {
		posKey = tx.Bucket(bucketByID).Get(id[:])
		return nil
	})
	if err != nil {
		return nil, apierrors.IO("mutationlog: get_by_content_id: %v", err)
	}
	if posKey == nil {
		return nil, apierrors.NotFound("mutationlog: no entry with content id %x", id)
	}
	block := binary.BigEndian.Uint64(posKey[0:8])
	order := binary.BigEndian.Uint64(posKey[8:16])
	return l.GetByPosition(block, order)
}

// Scan returns entries in (block, order) order starting at start, up to
// limit entries. The storage node and the sibling index node both use this
// to consume the log without mutating state.
func (l *Log) Scan(start Position, limit int) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		startKey := positionKey(start.Block, start.Order)
		for k, v := c.Seek(startKey); k != nil && len(out) < limit; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, apierrors.IO("mutationlog: scan: %v", err)
	}
	return out, nil
}

// Position identifies a log entry by its (block, order) pair.
type Position struct {
	Block uint64
	Order uint64
}

// PruneUpTo removes payload bytes (and signature bytes) for entries
// strictly below block, retaining header metadata. It is only ever called
// by the garbage collector with an end_block authorized by the rollup
// scheduler.
func (l *Log) PruneUpTo(block uint64) (bytesFreed int64, err error) {
	err = l.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		c := entries.Cursor()
		endKey := positionKey(block, 0)
		for k, v := c.First(); k != nil && lessThan(k, endKey); k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Payload == nil && e.Signature == nil {
				continue
			}
			bytesFreed += int64(len(e.Payload) + len(e.Signature))
			e.Payload = nil
			e.Signature = nil
			buf, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := entries.Put(k, buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, apierrors.IO("mutationlog: prune_up_to: %v", err)
	}
	return bytesFreed, nil
}

func lessThan(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
