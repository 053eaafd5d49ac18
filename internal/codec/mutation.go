// Package codec implements the canonical binary encoding of mutations: a
// tagged union over the seven mutation actions, encoded deterministically
// so that equal values always produce identical bytes.
package codec

import "github.com/meridiandb/node/internal/address"

// Action discriminates the mutation tagged union.
type Action uint8

const (
	ActionCreateDocDB Action = iota
	ActionCreateEventDB
	ActionAddCollection
	ActionAddDocument
	ActionUpdateDocument
	ActionDeleteDocument
	ActionAddIndex
)

// String renders the action name for logging.
func (a Action) String() string {
	switch a {
	case ActionCreateDocDB:
		return "create_doc_db"
	case ActionCreateEventDB:
		return "create_event_db"
	case ActionAddCollection:
		return "add_collection"
	case ActionAddDocument:
		return "add_document"
	case ActionUpdateDocument:
		return "update_document"
	case ActionDeleteDocument:
		return "delete_document"
	case ActionAddIndex:
		return "add_index"
	default:
		return "unknown"
	}
}

// IndexKind is the type of value an index path is expected to extract.
type IndexKind uint8

const (
	IndexUnique IndexKind = iota
	IndexString
	IndexInt64
	IndexDouble
)

// IndexDef describes one index on a collection.
type IndexDef struct {
	Path string    `cbor:"path"`
	Kind IndexKind `cbor:"kind"`
}

// CreateDocDB creates a new document-oriented database owned by the sender.
type CreateDocDB struct {
	Desc string `cbor:"desc"`
}

// CreateEventDB creates a contract-events database record. The event-replay
// loop that would populate it from an external chain is not part of this
// core — the mutation itself is fully handled.
type CreateEventDB struct {
	Desc string `cbor:"desc"`
}

// AddCollection defines a new collection within an existing database.
type AddCollection struct {
	DBAddr  address.Addr `cbor:"db_addr"`
	Name    string       `cbor:"name"`
	Indexes []IndexDef   `cbor:"indexes"`
}

// AddDocument inserts a new document into a collection.
type AddDocument struct {
	DBAddr     address.Addr `cbor:"db_addr"`
	Collection string       `cbor:"collection"`
	Body       []byte       `cbor:"body"`
}

// UpdateDocument replaces or partially updates an existing document.
// An empty Mask means "replace the whole body".
type UpdateDocument struct {
	DBAddr     address.Addr `cbor:"db_addr"`
	Collection string       `cbor:"collection"`
	DocID      uint64       `cbor:"doc_id"`
	Body       []byte       `cbor:"body"`
	Mask       []string     `cbor:"mask"`
}

// DeleteDocument removes an existing document.
type DeleteDocument struct {
	DBAddr     address.Addr `cbor:"db_addr"`
	Collection string       `cbor:"collection"`
	DocID      uint64       `cbor:"doc_id"`
}

// AddIndex adds one or more indexes to an existing collection.
type AddIndex struct {
	DBAddr     address.Addr `cbor:"db_addr"`
	Collection string       `cbor:"collection"`
	Indexes    []IndexDef   `cbor:"indexes"`
}

// Mutation is the decoded form of a payload: the sender's nonce for this
// action plus exactly the fields the action needs. Body holds one of the
// variant structs above, chosen by Action.
type Mutation struct {
	Nonce  uint64 `cbor:"nonce"`
	Action Action `cbor:"action"`
	Body   any    `cbor:"body"`
}
