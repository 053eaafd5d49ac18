// Package executor drives a mutation from "admitted to log" to "reflected
// in state": it applies each action's state machine transactionally
// against the State Store, enforcing ownership and allocating ids, and
// returns typed results or a typed error per operation.
package executor

import (
	"github.com/meridiandb/node/internal/address"
	"github.com/meridiandb/node/internal/apierrors"
	"github.com/meridiandb/node/internal/codec"
	"github.com/meridiandb/node/internal/docmask"
	"github.com/meridiandb/node/internal/indexkey"
	"github.com/meridiandb/node/internal/store"
)

// Result carries the ids a successful mutation produced, surfaced to the
// caller as SendMutation's `items` field.
type Result struct {
	DatabaseAddr *address.Addr
	DocumentID   *uint64
}

// Executor applies admitted mutations to the State Store.
type Executor struct {
	store *store.Store
}

// New constructs an Executor over store.
func New(s *store.Store) *Executor {
	return &Executor{store: s}
}

// Apply executes action on behalf of sender at the given nonce, inside one
// atomic State Store transaction. No operation reads wall-clock time; the
// only timestamp available is receivedTimeMS, the entry's admission time.
//
// The sender's admitted nonce is persisted in the same transaction that
// applies the mutation. When the action itself fails its state-machine
// checks, the transaction still commits with only the nonce in it — the
// nonce reflects admission, not execution outcome, and every state-machine
// check in apply precedes that action's first write, so nothing else can
// leak into the commit. Durability errors abort the whole transaction.
func (e *Executor) Apply(sender address.Addr, nonce uint64, action any, receivedTimeMS int64) (*Result, error) {
	var result Result
	var execErr error
	err := e.store.Update(func(tx *store.Tx) error {
		if err := tx.PutNonce(sender, nonce); err != nil {
			return apierrors.Storage("executor: persist nonce: %v", err)
		}
		r, err := apply(tx, sender, nonce, action, receivedTimeMS)
		if err != nil {
			switch apierrors.KindOf(err) {
			case apierrors.KindStorage, apierrors.KindIO, apierrors.Kind(""):
				return err
			}
			execErr = err
			return nil
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, execErr
	}
	return &result, nil
}

func apply(tx *store.Tx, sender address.Addr, nonce uint64, action any, receivedTimeMS int64) (Result, error) {
	switch a := action.(type) {
	case codec.CreateDocDB:
		return applyCreateDB(tx, sender, nonce, store.KindDocDB, a.Desc)
	case codec.CreateEventDB:
		return applyCreateDB(tx, sender, nonce, store.KindEventDB, a.Desc)
	case codec.AddCollection:
		return Result{}, applyAddCollection(tx, sender, a)
	case codec.AddDocument:
		return applyAddDocument(tx, sender, a)
	case codec.UpdateDocument:
		return Result{}, applyUpdateDocument(tx, sender, a)
	case codec.DeleteDocument:
		return Result{}, applyDeleteDocument(tx, sender, a)
	case codec.AddIndex:
		return Result{}, applyAddIndex(tx, sender, a)
	default:
		return Result{}, apierrors.Encoding("executor: unknown action type %T", action)
	}
}

// applyCreateDB handles CreateDocDB and CreateEventDB identically except
// for the recorded Kind.
func applyCreateDB(tx *store.Tx, sender address.Addr, nonce uint64, kind store.DatabaseKind, desc string) (Result, error) {
	dbAddr := address.DeriveDatabase(sender, nonce)

	if _, err := tx.GetDatabase(dbAddr); err == nil {
		return Result{}, apierrors.AlreadyExists("executor: database %s already exists", dbAddr)
	} else if apierrors.KindOf(err) != apierrors.KindNotFound {
		return Result{}, err
	}

	if err := tx.PutDatabase(store.Database{
		Addr:  dbAddr,
		Kind:  kind,
		Owner: sender,
		Desc:  desc,
	}); err != nil {
		return Result{}, apierrors.Storage("executor: put database: %v", err)
	}

	return Result{DatabaseAddr: &dbAddr}, nil
}

func applyAddCollection(tx *store.Tx, sender address.Addr, a codec.AddCollection) error {
	db, err := tx.GetDatabase(a.DBAddr)
	if err != nil {
		return err
	}
	if db.Owner != sender {
		return apierrors.OwnershipDenied("executor: sender %s does not own database %s", sender, a.DBAddr)
	}
	if err := address.ValidateCollectionName(a.Name); err != nil {
		return apierrors.ConstraintViolated("executor: %v", err)
	}
	if _, err := tx.GetCollection(a.DBAddr, a.Name); err == nil {
		return apierrors.AlreadyExists("executor: collection %s already exists in %s", a.Name, a.DBAddr)
	} else if apierrors.KindOf(err) != apierrors.KindNotFound {
		return err
	}

	seen := make(map[string]bool, len(a.Indexes))
	for _, idx := range a.Indexes {
		if err := indexkey.ValidatePath(idx.Path); err != nil {
			return apierrors.ConstraintViolated("executor: %v", err)
		}
		if seen[idx.Path] {
			return apierrors.ConstraintViolated("executor: duplicate index path %q", idx.Path)
		}
		seen[idx.Path] = true
	}

	if err := tx.PutCollection(store.Collection{
		DBAddr:  a.DBAddr,
		Name:    a.Name,
		Owner:   sender,
		Indexes: a.Indexes,
	}); err != nil {
		return apierrors.Storage("executor: put collection: %v", err)
	}
	return nil
}

func applyAddDocument(tx *store.Tx, sender address.Addr, a codec.AddDocument) (Result, error) {
	db, err := tx.GetDatabase(a.DBAddr)
	if err != nil {
		return Result{}, err
	}
	col, err := tx.GetCollection(a.DBAddr, a.Collection)
	if err != nil {
		return Result{}, err
	}

	docID := db.DocOrder

	entries := extractIndexEntries(col.Indexes, a.Body)
	if err := checkUniqueConstraints(tx, a.DBAddr, a.Collection, entries, docID); err != nil {
		return Result{}, err
	}

	db.DocOrder++

	if err := tx.PutDocument(a.DBAddr, a.Collection, store.Document{
		DocID: docID,
		Owner: sender,
		Body:  a.Body,
	}); err != nil {
		return Result{}, apierrors.Storage("executor: put document: %v", err)
	}
	if err := tx.PutDatabase(*db); err != nil {
		return Result{}, apierrors.Storage("executor: bump doc_order: %v", err)
	}
	if err := putIndexEntries(tx, a.DBAddr, a.Collection, docID, entries); err != nil {
		return Result{}, err
	}

	return Result{DocumentID: &docID}, nil
}

func applyUpdateDocument(tx *store.Tx, sender address.Addr, a codec.UpdateDocument) error {
	doc, err := tx.GetDocument(a.DBAddr, a.Collection, a.DocID)
	if err != nil {
		return err
	}
	if doc.Owner != sender {
		return apierrors.OwnershipDenied("executor: sender %s does not own document %d", sender, a.DocID)
	}
	col, err := tx.GetCollection(a.DBAddr, a.Collection)
	if err != nil {
		return err
	}

	newBody, err := docmask.Apply(doc.Body, a.Body, a.Mask)
	if err != nil {
		return apierrors.ConstraintViolated("executor: %v", err)
	}

	entries := extractIndexEntries(col.Indexes, newBody)
	if err := checkUniqueConstraints(tx, a.DBAddr, a.Collection, entries, a.DocID); err != nil {
		return err
	}

	doc.Body = newBody
	if err := tx.PutDocument(a.DBAddr, a.Collection, *doc); err != nil {
		return apierrors.Storage("executor: put document: %v", err)
	}

	for _, idx := range col.Indexes {
		if err := tx.DeleteIndexEntries(a.DBAddr, a.Collection, idx.Path, a.DocID); err != nil {
			return apierrors.Storage("executor: drop stale index entries: %v", err)
		}
	}
	return putIndexEntries(tx, a.DBAddr, a.Collection, a.DocID, entries)
}

func applyDeleteDocument(tx *store.Tx, sender address.Addr, a codec.DeleteDocument) error {
	doc, err := tx.GetDocument(a.DBAddr, a.Collection, a.DocID)
	if err != nil {
		return err
	}
	if doc.Owner != sender {
		return apierrors.OwnershipDenied("executor: sender %s does not own document %d", sender, a.DocID)
	}
	if err := tx.DeleteDocument(a.DBAddr, a.Collection, a.DocID); err != nil {
		return apierrors.Storage("executor: delete document: %v", err)
	}
	if col, err := tx.GetCollection(a.DBAddr, a.Collection); err == nil {
		for _, idx := range col.Indexes {
			if err := tx.DeleteIndexEntries(a.DBAddr, a.Collection, idx.Path, a.DocID); err != nil {
				return apierrors.Storage("executor: drop index entries: %v", err)
			}
		}
	}
	return nil
}

func applyAddIndex(tx *store.Tx, sender address.Addr, a codec.AddIndex) error {
	db, err := tx.GetDatabase(a.DBAddr)
	if err != nil {
		return err
	}
	if db.Owner != sender {
		return apierrors.OwnershipDenied("executor: sender %s is not the owner of database %s", sender, a.DBAddr)
	}
	col, err := tx.GetCollection(a.DBAddr, a.Collection)
	if err != nil {
		return err
	}

	existing := make(map[string]bool, len(col.Indexes))
	for _, idx := range col.Indexes {
		existing[idx.Path] = true
	}
	for _, idx := range a.Indexes {
		if err := indexkey.ValidatePath(idx.Path); err != nil {
			return apierrors.ConstraintViolated("executor: %v", err)
		}
		if existing[idx.Path] {
			return apierrors.ConstraintViolated("executor: index path %q already exists on %s/%s", idx.Path, a.DBAddr, a.Collection)
		}
		existing[idx.Path] = true
	}

	docs, err := tx.ScanDocuments(a.DBAddr, a.Collection)
	if err != nil {
		return apierrors.Storage("executor: scan documents for reindex: %v", err)
	}

	// Backfilling a unique index over documents that already collide must
	// fail before anything is written.
	extracted := make([][]indexEntry, len(docs))
	for i, d := range docs {
		extracted[i] = extractIndexEntries(a.Indexes, d.Body)
	}
	for _, idx := range a.Indexes {
		if idx.Kind != codec.IndexUnique {
			continue
		}
		seen := make(map[string]bool)
		for _, entries := range extracted {
			for _, e := range entries {
				if e.path != idx.Path {
					continue
				}
				if seen[string(e.key)] {
					return apierrors.ConstraintViolated("executor: unique index %q has duplicate value %q", idx.Path, e.key)
				}
				seen[string(e.key)] = true
			}
		}
	}

	col.Indexes = append(col.Indexes, a.Indexes...)
	if err := tx.PutCollection(*col); err != nil {
		return apierrors.Storage("executor: put collection: %v", err)
	}
	for i, d := range docs {
		if err := putIndexEntries(tx, a.DBAddr, a.Collection, d.DocID, extracted[i]); err != nil {
			return err
		}
	}
	return nil
}

// indexEntry is one extracted (path, key) pair for a document.
type indexEntry struct {
	path string
	kind codec.IndexKind
	key  []byte
}

// extractIndexEntries pulls each index's field value out of body. A
// missing or unindexable field yields no entry for that index, not an
// error.
func extractIndexEntries(indexes []codec.IndexDef, body []byte) []indexEntry {
	var out []indexEntry
	for _, idx := range indexes {
		key, err := indexkey.Extract(body, idx.Path, idx.Kind)
		if err != nil {
			continue
		}
		out = append(out, indexEntry{path: idx.Path, kind: idx.Kind, key: key})
	}
	return out
}

// checkUniqueConstraints fails when any Unique-kind entry's key is already
// held by a document other than docID. It runs before the document write
// so a violation leaves the transaction's state untouched.
func checkUniqueConstraints(tx *store.Tx, dbAddr address.Addr, col string, entries []indexEntry, docID uint64) error {
	for _, e := range entries {
		if e.kind != codec.IndexUnique {
			continue
		}
		holders, err := tx.ScanIndexEntries(dbAddr, col, e.path, e.key)
		if err != nil {
			return apierrors.Storage("executor: scan index entries: %v", err)
		}
		for _, h := range holders {
			if h != docID {
				return apierrors.ConstraintViolated("executor: unique index %q already holds value %q", e.path, e.key)
			}
		}
	}
	return nil
}

func putIndexEntries(tx *store.Tx, dbAddr address.Addr, col string, docID uint64, entries []indexEntry) error {
	for _, e := range entries {
		if err := tx.PutIndexEntry(dbAddr, col, e.path, e.key, docID); err != nil {
			return apierrors.Storage("executor: put index entry: %v", err)
		}
	}
	return nil
}
