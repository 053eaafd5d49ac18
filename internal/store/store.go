// Package store implements the State Store: a persistent ordered key/value
// projection of the mutation log — databases, collections, documents,
// per-document owners, per-sender nonces, rollup/gc records, and the
// singleton system config — one bbolt bucket per entity, mirroring the
// layout of internal/mutationlog.
//
// All writes within a single mutation execution commit atomically via one
// bbolt write transaction; reads are snapshot-consistent relative to the
// last committed mutation.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/meridiandb/node/internal/address"
	"github.com/meridiandb/node/internal/apierrors"
	"github.com/meridiandb/node/internal/codec"
)

// DatabaseKind distinguishes a document database from a contract-events
// database.
type DatabaseKind uint8

const (
	KindDocDB DatabaseKind = iota
	KindEventDB
)

// Database is the db/<db_addr> record.
type Database struct {
	Addr     address.Addr `json:"addr"`
	Kind     DatabaseKind `json:"kind"`
	Owner    address.Addr `json:"owner"`
	Desc     string       `json:"desc"`
	DocOrder uint64       `json:"doc_order"`
}

// Collection is the col/<db_addr>/<name> record.
type Collection struct {
	DBAddr  address.Addr     `json:"db_addr"`
	Name    string           `json:"name"`
	Owner   address.Addr     `json:"owner"`
	Indexes []codec.IndexDef `json:"indexes"`
}

// Document is the doc/<db_addr>/<col>/<doc_id> record.
type Document struct {
	DocID uint64       `json:"doc_id"`
	Owner address.Addr `json:"owner"`
	Body  []byte       `json:"body"`
}

// SystemConfig is the sys/config singleton.
type SystemConfig struct {
	Admin             address.Addr `json:"admin"`
	RollupInterval    int64        `json:"rollup_interval_ms"`
	MinRollupSize     int64        `json:"min_rollup_size"`
	NetworkID         uint64       `json:"network_id"`
	ChainID           uint64       `json:"chain_id"`
	ContractAddr      string       `json:"contract_addr"`
	RollupMaxInterval int64        `json:"rollup_max_interval_ms"`
	EVMNodeURL        string       `json:"evm_node_url"`
	ArNodeURL         string       `json:"ar_node_url"`
	MinGCOffset       int64        `json:"min_gc_offset_ms"`
	Initialized       bool         `json:"initialized"`
}

// RollupRecord is the rollup/<end_block> record.
type RollupRecord struct {
	StartBlock       uint64 `json:"start_block"`
	EndBlock         uint64 `json:"end_block"`
	RawBytes         int64  `json:"raw_bytes"`
	CompressedBytes  int64  `json:"compressed_bytes"`
	MutationCount    int    `json:"mutation_count"`
	BlobID           string `json:"blob_id"`
	ChainTx          string `json:"chain_tx"`
	ProcessedTimeMS  int64  `json:"processed_time_ms"`
	Cost             int64  `json:"cost"`
	ChainConfirmed   bool   `json:"chain_confirmed"`
}

// GcRecord is the gc/<end_block> record.
type GcRecord struct {
	EndBlock    uint64 `json:"end_block"`
	BytesFreed  int64  `json:"bytes_freed"`
	ProcessedAt int64  `json:"processed_time_ms"`
	AttemptID   string `json:"attempt_id"`
}

var (
	bucketDB        = []byte("db")
	bucketCol       = []byte("col")
	bucketDoc       = []byte("doc")
	bucketNonce     = []byte("nonce")
	bucketSys       = []byte("sys")
	bucketRollup    = []byte("rollup")
	bucketGC        = []byte("gc")
	bucketOwnerDB   = []byte("owner_db")
	bucketIndexKeys = []byte("index_keys")

	sysConfigKey = []byte("config")
)

var allBuckets = [][]byte{
	bucketDB, bucketCol, bucketDoc, bucketNonce, bucketSys,
	bucketRollup, bucketGC, bucketOwnerDB, bucketIndexKeys,
}

// Store is the bbolt-backed State Store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt-backed state file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, apierrors.IO("store: open %s: %v", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, apierrors.IO("store: init buckets: %v", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file.
func (s *Store) Close() error { return s.db.Close() }

// Tx wraps a bbolt transaction with typed accessors for each entity. The
// same type serves both read-only (View) and read-write (Update) callers;
// bbolt rejects writes on a read-only Tx at the bucket level.
type Tx struct {
	tx *bbolt.Tx
}

// View runs fn against a read-only snapshot.
func (s *Store) View(fn func(*Tx) error) error {
	err := s.db.View(func(btx *bbolt.Tx) error { return fn(&Tx{tx: btx}) })
	if err != nil {
		if ne, ok := err.(*apierrors.NodeError); ok {
			return ne
		}
		return apierrors.IO("store: view: %v", err)
	}
	return nil
}

// Update runs fn inside one atomic write transaction. All writes fn makes
// are committed together or not at all.
func (s *Store) Update(fn func(*Tx) error) error {
	err := s.db.Update(func(btx *bbolt.Tx) error { return fn(&Tx{tx: btx}) })
	if err != nil {
		if ne, ok := err.(*apierrors.NodeError); ok {
			return ne
		}
		return apierrors.IO("store: update: %v", err)
	}
	return nil
}

func dbKey(addr address.Addr) []byte { return addr[:] }

func colKey(dbAddr address.Addr, name string) []byte {
	return append(append([]byte{}, dbAddr[:]...), []byte("/"+name)...)
}

func docKey(dbAddr address.Addr, col string, docID uint64) []byte {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], docID)
	return append(append(append([]byte{}, dbAddr[:]...), []byte("/"+col+"/")...), idBuf[:]...)
}

func docPrefix(dbAddr address.Addr, col string) []byte {
	return append(append([]byte{}, dbAddr[:]...), []byte("/"+col+"/")...)
}

// GetDatabase returns the Database record at addr, or NotFound.
func (t *Tx) GetDatabase(addr address.Addr) (*Database, error) {
	raw := t.tx.Bucket(bucketDB).Get(dbKey(addr))
	if raw == nil {
		return nil, apierrors.NotFound("store: no database %s", addr)
	}
	var d Database
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// PutDatabase inserts or replaces a Database record and its owner index
// entry.
func (t *Tx) PutDatabase(d Database) error {
	buf, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketDB).Put(dbKey(d.Addr), buf); err != nil {
		return err
	}
	ownerKey := append(append([]byte{}, d.Owner[:]...), d.Addr[:]...)
	return t.tx.Bucket(bucketOwnerDB).Put(ownerKey, d.Addr[:])
}

// ListDatabasesByOwner returns every database address owned by owner.
func (t *Tx) ListDatabasesByOwner(owner address.Addr) ([]address.Addr, error) {
	c := t.tx.Bucket(bucketOwnerDB).Cursor()
	var out []address.Addr
	prefix := owner[:]
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var a address.Addr
		copy(a[:], v)
		out = append(out, a)
	}
	return out, nil
}

// GetCollection returns the Collection record, or NotFound.
func (t *Tx) GetCollection(dbAddr address.Addr, name string) (*Collection, error) {
	raw := t.tx.Bucket(bucketCol).Get(colKey(dbAddr, name))
	if raw == nil {
		return nil, apierrors.NotFound("store: no collection %s/%s", dbAddr, name)
	}
	var c Collection
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutCollection inserts or replaces a Collection record.
func (t *Tx) PutCollection(c Collection) error {
	buf, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketCol).Put(colKey(c.DBAddr, c.Name), buf)
}

// ListCollections returns every collection defined in dbAddr.
func (t *Tx) ListCollections(dbAddr address.Addr) ([]Collection, error) {
	c := t.tx.Bucket(bucketCol).Cursor()
	prefix := append(append([]byte{}, dbAddr[:]...), '/')
	var out []Collection
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var col Collection
		if err := json.Unmarshal(v, &col); err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, nil
}

// GetDocument returns the Document record, or NotFound.
func (t *Tx) GetDocument(dbAddr address.Addr, col string, docID uint64) (*Document, error) {
	raw := t.tx.Bucket(bucketDoc).Get(docKey(dbAddr, col, docID))
	if raw == nil {
		return nil, apierrors.NotFound("store: no document %s/%s/%d", dbAddr, col, docID)
	}
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// PutDocument inserts or replaces a Document record.
func (t *Tx) PutDocument(dbAddr address.Addr, col string, d Document) error {
	buf, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketDoc).Put(docKey(dbAddr, col, d.DocID), buf)
}

// DeleteDocument removes a Document record.
func (t *Tx) DeleteDocument(dbAddr address.Addr, col string, docID uint64) error {
	return t.tx.Bucket(bucketDoc).Delete(docKey(dbAddr, col, docID))
}

// ScanDocuments returns every document stored in dbAddr/col, in doc_id order.
func (t *Tx) ScanDocuments(dbAddr address.Addr, col string) ([]Document, error) {
	c := t.tx.Bucket(bucketDoc).Cursor()
	prefix := docPrefix(dbAddr, col)
	var out []Document
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var d Document
		if err := json.Unmarshal(v, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// IndexEntryKey builds the sortable index-bucket key for one document's
// extracted field value, scoped under its collection and index path so
// that equal-value lookups and duplicate-path rejects both stay O(1)/scan.
func IndexEntryKey(dbAddr address.Addr, col, path string, fieldKey []byte, docID uint64) []byte {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], docID)
	key := append([]byte{}, dbAddr[:]...)
	key = append(key, []byte("/"+col+path+"/")...)
	key = append(key, fieldKey...)
	key = append(key, '/')
	key = append(key, idBuf[:]...)
	return key
}

// PutIndexEntry records that docID's field at path extracted to fieldKey.
func (t *Tx) PutIndexEntry(dbAddr address.Addr, col, path string, fieldKey []byte, docID uint64) error {
	return t.tx.Bucket(bucketIndexKeys).Put(IndexEntryKey(dbAddr, col, path, fieldKey, docID), nil)
}

func indexPathPrefix(dbAddr address.Addr, col, path string) []byte {
	prefix := append([]byte{}, dbAddr[:]...)
	return append(prefix, []byte("/"+col+path+"/")...)
}

// ScanIndexEntries returns the ids of every document whose extracted
// field at path equals fieldKey, in doc_id order.
func (t *Tx) ScanIndexEntries(dbAddr address.Addr, col, path string, fieldKey []byte) ([]uint64, error) {
	prefix := append(indexPathPrefix(dbAddr, col, path), fieldKey...)
	prefix = append(prefix, '/')
	c := t.tx.Bucket(bucketIndexKeys).Cursor()
	var out []uint64
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if len(k) < 8 {
			continue
		}
		out = append(out, binary.BigEndian.Uint64(k[len(k)-8:]))
	}
	return out, nil
}

// DeleteIndexEntries removes every entry docID holds under the index at
// path, used when a document is updated or deleted so stale keys do not
// accumulate.
func (t *Tx) DeleteIndexEntries(dbAddr address.Addr, col, path string, docID uint64) error {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], docID)
	prefix := indexPathPrefix(dbAddr, col, path)
	b := t.tx.Bucket(bucketIndexKeys)
	c := b.Cursor()
	var stale [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if len(k) >= 8 && bytes.Equal(k[len(k)-8:], idBuf[:]) {
			stale = append(stale, append([]byte{}, k...))
		}
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// GetNonce returns the last-seen nonce for sender, 0 if never seen.
func (t *Tx) GetNonce(sender address.Addr) uint64 {
	raw := t.tx.Bucket(bucketNonce).Get(sender[:])
	if raw == nil {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

// PutNonce persists sender's last-seen nonce, piggy-backed on the same
// write transaction that applies the mutation.
func (t *Tx) PutNonce(sender address.Addr, nonce uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return t.tx.Bucket(bucketNonce).Put(sender[:], buf[:])
}

// AllNonces returns every persisted sender->last_seen pair, used to rebuild
// the in-memory nonce registry on restart.
func (t *Tx) AllNonces() (map[address.Addr]uint64, error) {
	out := make(map[address.Addr]uint64)
	c := t.tx.Bucket(bucketNonce).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var a address.Addr
		copy(a[:], k)
		out[a] = binary.BigEndian.Uint64(v)
	}
	return out, nil
}

// GetSystemConfig returns the singleton SystemConfig, or a zero-value
// unitialized config if Setup has never run.
func (t *Tx) GetSystemConfig() (*SystemConfig, error) {
	raw := t.tx.Bucket(bucketSys).Get(sysConfigKey)
	if raw == nil {
		return &SystemConfig{}, nil
	}
	var cfg SystemConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PutSystemConfig writes the singleton SystemConfig. Only the admin RPC
// path calls this; it is the node's own responsibility
// to have already checked AdminDenied before calling.
func (t *Tx) PutSystemConfig(cfg SystemConfig) error {
	buf, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketSys).Put(sysConfigKey, buf)
}

func blockKey(endBlock uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], endBlock)
	return buf[:]
}

// PutRollupRecord appends a RollupRecord keyed by its end_block.
func (t *Tx) PutRollupRecord(r RollupRecord) error {
	buf, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketRollup).Put(blockKey(r.EndBlock), buf)
}

// ScanRollupRecords returns rollup records in end_block order, starting at
// or after startEndBlock, up to limit records.
func (t *Tx) ScanRollupRecords(startEndBlock uint64, limit int) ([]RollupRecord, error) {
	c := t.tx.Bucket(bucketRollup).Cursor()
	var out []RollupRecord
	for k, v := c.Seek(blockKey(startEndBlock)); k != nil && len(out) < limit; k, v = c.Next() {
		var r RollupRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// LastRollupRecord returns the highest-end_block rollup record, if any.
func (t *Tx) LastRollupRecord() (*RollupRecord, bool, error) {
	c := t.tx.Bucket(bucketRollup).Cursor()
	k, v := c.Last()
	if k == nil {
		return nil, false, nil
	}
	var r RollupRecord
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

// PutGcRecord appends a GcRecord keyed by its end_block.
func (t *Tx) PutGcRecord(r GcRecord) error {
	buf, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketGC).Put(blockKey(r.EndBlock), buf)
}

// ScanGcRecords returns gc records in end_block order.
func (t *Tx) ScanGcRecords(startEndBlock uint64, limit int) ([]GcRecord, error) {
	c := t.tx.Bucket(bucketGC).Cursor()
	var out []GcRecord
	for k, v := c.Seek(blockKey(startEndBlock)); k != nil && len(out) < limit; k, v = c.Next() {
		var r GcRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// LastGcRecord returns the highest-end_block gc record, if any.
func (t *Tx) LastGcRecord() (*GcRecord, bool, error) {
	c := t.tx.Bucket(bucketGC).Cursor()
	k, v := c.Last()
	if k == nil {
		return nil, false, nil
	}
	var r GcRecord
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}
