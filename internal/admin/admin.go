// Package admin implements the Setup RPC: decoding the JSON-equivalent
// SystemConfig wire document, verifying its detached signature, and
// checking the recovered signer against the configured admin address
// before writing sys/config.
package admin

import (
	"context"
	"encoding/json"

	"github.com/meridiandb/node/internal/address"
	"github.com/meridiandb/node/internal/apierrors"
	"github.com/meridiandb/node/internal/sig"
	"github.com/meridiandb/node/internal/store"
)

// SetupRequest is the signed envelope carrying a SystemConfig document.
type SetupRequest struct {
	Payload   []byte
	Signature []byte
	Scheme    sig.Scheme
}

// ConfigDocument is the JSON-equivalent typed document carried in Payload.
// Interval and offset fields are milliseconds.
type ConfigDocument struct {
	RollupInterval    int64  `json:"rollup_interval"`
	MinRollupSize     int64  `json:"min_rollup_size"`
	NetworkID         uint64 `json:"network_id"`
	ChainID           uint64 `json:"chain_id"`
	ContractAddr      string `json:"contract_addr"`
	RollupMaxInterval int64  `json:"rollup_max_interval"`
	EVMNodeURL        string `json:"evm_node_url"`
	ArNodeURL         string `json:"ar_node_url"`
	MinGCOffset       int64  `json:"min_gc_offset"`
}

// BalanceSource reports the node's settlement-chain account balances for
// the GetSystemStatus surface. internal/chain's Client implements it.
type BalanceSource interface {
	Balances(ctx context.Context) (map[string]string, error)
}

// Service handles the Setup RPC and GetSystemStatus reads.
type Service struct {
	store      *store.Store
	adminAddr  address.Addr
	adminIsSet bool
	balances   BalanceSource
}

// New constructs a Setup service. adminAddr is the configured admin
// identity (operator-provisioned, outside the on-chain SystemConfig
// itself — the first Setup call establishes it in the State Store).
func New(s *store.Store, adminAddr address.Addr) *Service {
	return &Service{store: s, adminAddr: adminAddr, adminIsSet: true}
}

// SetBalanceSource wires the settlement-chain balance reader used by
// GetStatus. Without one, status responses carry no balances.
func (s *Service) SetBalanceSource(b BalanceSource) { s.balances = b }

// Setup verifies req's signature, checks the signer is the configured
// admin, decodes the config document, and writes it to sys/config. Only
// the admin sender may write it, and only once: after the first
// successful Setup the config is read-only.
func (s *Service) Setup(req SetupRequest) error {
	signer, err := sig.Verify(req.Payload, req.Signature, req.Scheme)
	if err != nil {
		return apierrors.Signature("admin: %v", err)
	}
	if s.adminIsSet && signer != s.adminAddr {
		return apierrors.AdminDenied("admin: setup signer %s is not the configured admin %s", signer, s.adminAddr)
	}

	var doc ConfigDocument
	if err := json.Unmarshal(req.Payload, &doc); err != nil {
		return apierrors.Encoding("admin: malformed config document: %v", err)
	}

	cfg := store.SystemConfig{
		Admin:             signer,
		RollupInterval:    doc.RollupInterval,
		MinRollupSize:     doc.MinRollupSize,
		NetworkID:         doc.NetworkID,
		ChainID:           doc.ChainID,
		ContractAddr:      doc.ContractAddr,
		RollupMaxInterval: doc.RollupMaxInterval,
		EVMNodeURL:        doc.EVMNodeURL,
		ArNodeURL:         doc.ArNodeURL,
		MinGCOffset:       doc.MinGCOffset,
		Initialized:       true,
	}

	return s.store.Update(func(tx *store.Tx) error {
		existing, err := tx.GetSystemConfig()
		if err != nil {
			return err
		}
		if existing.Initialized {
			return apierrors.AlreadyExists("admin: system config is already initialized")
		}
		return tx.PutSystemConfig(cfg)
	})
}

// Status answers GetSystemStatus.
type Status struct {
	HasInited bool
	Config    store.SystemConfig
	Balances  map[string]string
	Version   string
}

// GetStatus returns the current system status. The balance read is
// best-effort: an unreachable chain yields an empty Balances map, never an
// error, so status stays answerable while the chain is down.
func (s *Service) GetStatus(ctx context.Context, version string) (*Status, error) {
	var cfg store.SystemConfig
	err := s.store.View(func(tx *store.Tx) error {
		c, err := tx.GetSystemConfig()
		if err != nil {
			return err
		}
		cfg = *c
		return nil
	})
	if err != nil {
		return nil, err
	}

	var balances map[string]string
	if s.balances != nil {
		if b, err := s.balances.Balances(ctx); err == nil {
			balances = b
		}
	}

	return &Status{HasInited: cfg.Initialized, Config: cfg, Balances: balances, Version: version}, nil
}
