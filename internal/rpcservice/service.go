// Package rpcservice implements the transport-neutral client RPC surface:
// SendMutation and the GetX/ScanX read operations (GetSystemStatus is
// served by internal/admin). It is
// the orchestration layer tying together signature verification, the nonce
// registry, the mutation log, and the executor. Service methods return
// typed results or *apierrors.NodeError; the gRPC transport wrapping them
// into wire responses lives outside this repository.
package rpcservice

import (
	"time"

	"github.com/meridiandb/node/internal/address"
	"github.com/meridiandb/node/internal/apierrors"
	"github.com/meridiandb/node/internal/codec"
	"github.com/meridiandb/node/internal/executor"
	"github.com/meridiandb/node/internal/metrics"
	"github.com/meridiandb/node/internal/mutationlog"
	"github.com/meridiandb/node/internal/nonce"
	"github.com/meridiandb/node/internal/sig"
	"github.com/meridiandb/node/internal/store"
)

// Clock abstracts wall-clock reads for the one place the ingress path
// legitimately needs one: stamping an admitted entry's received_time_ms.
type Clock interface{ Now() time.Time }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Service is the storage node's ingress and query surface.
type Service struct {
	log    *mutationlog.Log
	store  *store.Store
	nonces *nonce.Registry
	exec   *executor.Executor
	clock  Clock
}

// New constructs a Service. Callers must call Bootstrap once at startup to
// rebuild the nonce registry before accepting traffic.
func New(log *mutationlog.Log, st *store.Store, nonces *nonce.Registry, exec *executor.Executor) *Service {
	return &Service{log: log, store: st, nonces: nonces, exec: exec, clock: systemClock{}}
}

// Bootstrap rebuilds the in-memory nonce registry from persisted state,
// called once at startup before accepting traffic.
func (s *Service) Bootstrap() error {
	var seen map[address.Addr]uint64
	err := s.store.View(func(tx *store.Tx) error {
		m, err := tx.AllNonces()
		if err != nil {
			return err
		}
		seen = m
		return nil
	})
	if err != nil {
		return err
	}
	s.nonces.LoadAll(seen)
	return nil
}

// SendMutationResponse is the SendMutation RPC's typed result.
type SendMutationResponse struct {
	ContentID [32]byte
	Block     uint64
	Order     uint64
	Result    *executor.Result
}

// SendMutation verifies the signature, checks and bumps the sender's
// nonce, appends the entry to the mutation log, and applies it via the
// executor. Admission errors (EncodingError, SignatureError,
// NonceMismatch) return before any log append. Execution errors leave the
// already-appended entry in place, marked failed.
func (s *Service) SendMutation(payload, signature []byte, scheme sig.Scheme) (*SendMutationResponse, error) {
	sender, err := sig.Verify(payload, signature, scheme)
	if err != nil {
		metrics.MutationsRejectedTotal.WithLabelValues(string(apierrors.KindSignature)).Inc()
		return nil, apierrors.Signature("rpcservice: %v", err)
	}

	m, err := codec.Decode(payload)
	if err != nil {
		metrics.MutationsRejectedTotal.WithLabelValues(string(apierrors.KindEncoding)).Inc()
		return nil, apierrors.Encoding("rpcservice: %v", err)
	}

	if err := s.nonces.CheckAndBump(sender, m.Nonce); err != nil {
		metrics.NonceRejectionsTotal.Inc()
		metrics.MutationsRejectedTotal.WithLabelValues(string(apierrors.KindNonceMismatch)).Inc()
		return nil, err
	}

	contentID := codec.ContentID(payload)
	receivedTimeMS := s.clock.Now().UnixMilli()

	block, order, err := s.log.Append(mutationlog.Entry{
		ContentID:      contentID,
		Sender:         sender,
		Action:         m.Action,
		PayloadSize:    len(payload),
		Payload:        payload,
		Signature:      signature,
		ReceivedTimeMS: receivedTimeMS,
	})
	if err != nil {
		s.nonces.Rollback(sender, m.Nonce)
		return nil, err
	}

	metrics.MutationsAdmittedTotal.WithLabelValues(m.Action.String()).Inc()

	result, err := s.exec.Apply(sender, m.Nonce, m.Body, receivedTimeMS)
	if err != nil {
		metrics.ExecutionFailuresTotal.WithLabelValues(string(apierrors.KindOf(err))).Inc()
		if markErr := s.log.MarkFailed(block, order); markErr != nil {
			return nil, markErr
		}
		return nil, err
	}

	return &SendMutationResponse{ContentID: contentID, Block: block, Order: order, Result: result}, nil
}

// GetNonce returns the next expected nonce for sender.
func (s *Service) GetNonce(sender address.Addr) uint64 {
	return s.nonces.Peek(sender)
}

// Header is a log entry with its payload/signature stripped, answering
// GetMutationHeader/ScanMutationHeader. Headers remain
// answerable after GC prunes a range's body bytes.
type Header struct {
	Block          uint64
	Order          uint64
	ContentID      [32]byte
	Sender         address.Addr
	Action         codec.Action
	PayloadSize    int
	ReceivedTimeMS int64
	Failed         bool
}

func toHeader(e mutationlog.Entry) Header {
	return Header{
		Block: e.Block, Order: e.Order, ContentID: e.ContentID, Sender: e.Sender,
		Action: e.Action, PayloadSize: e.PayloadSize, ReceivedTimeMS: e.ReceivedTimeMS, Failed: e.Failed,
	}
}

// GetMutationHeader answers GetMutationHeader(block, order).
func (s *Service) GetMutationHeader(block, order uint64) (*Header, error) {
	e, err := s.log.GetByPosition(block, order)
	if err != nil {
		return nil, err
	}
	h := toHeader(*e)
	return &h, nil
}

// GetMutationBody answers GetMutationBody(content_id). It returns NotFound
// once the body has been pruned by GC, even though the header remains
// answerable.
func (s *Service) GetMutationBody(contentID [32]byte) ([]byte, error) {
	e, err := s.log.GetByContentID(contentID)
	if err != nil {
		return nil, err
	}
	if e.Payload == nil {
		return nil, apierrors.NotFound("rpcservice: body for content id %x has been pruned", contentID)
	}
	return e.Payload, nil
}

// ScanMutationHeader answers ScanMutationHeader(start, limit).
func (s *Service) ScanMutationHeader(start mutationlog.Position, limit int) ([]Header, error) {
	entries, err := s.log.Scan(start, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Header, len(entries))
	for i, e := range entries {
		out[i] = toHeader(e)
	}
	return out, nil
}

// ScanRollupRecord answers ScanRollupRecord(start, limit).
func (s *Service) ScanRollupRecord(startEndBlock uint64, limit int) ([]store.RollupRecord, error) {
	var out []store.RollupRecord
	err := s.store.View(func(tx *store.Tx) error {
		r, err := tx.ScanRollupRecords(startEndBlock, limit)
		out = r
		return err
	})
	return out, err
}

// ScanGcRecord answers ScanGcRecord(start, limit).
func (s *Service) ScanGcRecord(startEndBlock uint64, limit int) ([]store.GcRecord, error) {
	var out []store.GcRecord
	err := s.store.View(func(tx *store.Tx) error {
		r, err := tx.ScanGcRecords(startEndBlock, limit)
		out = r
		return err
	})
	return out, err
}

// GetDatabase answers GetDatabase(addr).
func (s *Service) GetDatabase(addr address.Addr) (*store.Database, error) {
	var out *store.Database
	err := s.store.View(func(tx *store.Tx) error {
		d, err := tx.GetDatabase(addr)
		out = d
		return err
	})
	return out, err
}

// GetDatabaseOfOwner answers GetDatabaseOfOwner(owner_addr).
func (s *Service) GetDatabaseOfOwner(owner address.Addr) ([]store.Database, error) {
	var out []store.Database
	err := s.store.View(func(tx *store.Tx) error {
		addrs, err := tx.ListDatabasesByOwner(owner)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			d, err := tx.GetDatabase(a)
			if err != nil {
				return err
			}
			out = append(out, *d)
		}
		return nil
	})
	return out, err
}

// GetCollectionOfDatabase answers GetCollectionOfDatabase(db_addr).
func (s *Service) GetCollectionOfDatabase(dbAddr address.Addr) ([]store.Collection, error) {
	var out []store.Collection
	err := s.store.View(func(tx *store.Tx) error {
		c, err := tx.ListCollections(dbAddr)
		out = c
		return err
	})
	return out, err
}

// GetDocument reads one document back, exercising the ownership-enforced
// write path end to end.
func (s *Service) GetDocument(dbAddr address.Addr, col string, docID uint64) (*store.Document, error) {
	var out *store.Document
	err := s.store.View(func(tx *store.Tx) error {
		d, err := tx.GetDocument(dbAddr, col, docID)
		out = d
		return err
	})
	return out, err
}
