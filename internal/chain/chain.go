// Package chain anchors rollup blob ids on the external settlement chain.
// The chain itself is an opaque external collaborator: this package builds
// the anchoring transaction's keccak256 signing hash and submits/polls it
// over JSON-RPC with exponential backoff.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/sha3"

	"github.com/meridiandb/node/internal/apierrors"
)

// AnchorTx is the unsigned "anchor this blob id" transaction submitted to
// the settlement chain's registry contract for this node's network id.
type AnchorTx struct {
	NetworkID    uint64
	ChainID      uint64
	ContractAddr string
	BlobID       string
	Nonce        uint64
}

// SigningHash computes the keccak256 hash a wallet would sign over this
// anchor transaction. It serves as a deterministic attempt id for
// logging and idempotency, not to produce a wire-ready signed transaction;
// signing happens outside this node.
func (a AnchorTx) SigningHash() [32]byte {
	var items bytes.Buffer
	items.WriteString(a.ContractAddr)
	items.WriteByte(0)
	var nb [8]byte
	big.NewInt(0).SetUint64(a.Nonce).FillBytes(nb[:])
	items.Write(nb[:])
	var cb [8]byte
	big.NewInt(0).SetUint64(a.ChainID).FillBytes(cb[:])
	items.Write(cb[:])
	var netb [8]byte
	big.NewInt(0).SetUint64(a.NetworkID).FillBytes(netb[:])
	items.Write(netb[:])
	items.WriteString(a.BlobID)

	h := sha3.NewLegacyKeccak256()
	h.Write(items.Bytes())
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Client submits anchor transactions and polls for mined confirmation.
type Client struct {
	endpoint   string
	httpClient *http.Client
	maxElapsed time.Duration
}

// NewClient constructs a Client against the settlement chain's JSON-RPC
// endpoint, with a cumulative deadline for the retried submit/poll cycle.
func NewClient(endpoint string, maxElapsed time.Duration) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxElapsed: maxElapsed,
	}
}

type anchorRequest struct {
	NetworkID    uint64 `json:"network_id"`
	ChainID      uint64 `json:"chain_id"`
	ContractAddr string `json:"contract_addr"`
	BlobID       string `json:"blob_id"`
	Nonce        uint64 `json:"nonce"`
}

type anchorResponse struct {
	TxHash string `json:"tx_hash"`
}

// Submit anchors tx on chain, retrying with exponential backoff until
// maxElapsed is exhausted.
// On terminal failure it returns ChainUnavailable; the caller abandons the
// rollup attempt without writing a RollupRecord, to be retried on the next
// trigger.
func (c *Client) Submit(ctx context.Context, tx AnchorTx) (txHash string, err error) {
	body, err := json.Marshal(anchorRequest{
		NetworkID: tx.NetworkID, ChainID: tx.ChainID,
		ContractAddr: tx.ContractAddr, BlobID: tx.BlobID, Nonce: tx.Nonce,
	})
	if err != nil {
		return "", apierrors.Encoding("chain: marshal anchor request: %v", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed
	boCtx := backoff.WithContext(bo, ctx)

	op := func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/anchor", bytes.NewReader(body))
		if err != nil {
			return "", backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", err // transient: retry
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return "", fmt.Errorf("chain: submit status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return "", backoff.Permanent(fmt.Errorf("chain: submit rejected with status %d", resp.StatusCode))
		}

		var ar anchorResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return "", backoff.Permanent(fmt.Errorf("chain: decode submit response: %w", err))
		}
		return ar.TxHash, nil
	}

	hash, err := backoff.RetryWithData(op, boCtx)
	if err != nil {
		return "", apierrors.ChainUnavailable("chain: submit anchor for network %d: %v", tx.NetworkID, err)
	}
	return hash, nil
}

type receiptResponse struct {
	Mined bool `json:"mined"`
}

// WaitMined polls for mined confirmation of txHash, retrying with backoff
// until maxElapsed is exhausted.
func (c *Client) WaitMined(ctx context.Context, txHash string) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed
	boCtx := backoff.WithContext(bo, ctx)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/receipt/"+txHash, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("chain: receipt status %d", resp.StatusCode)
		}
		var rr receiptResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			return backoff.Permanent(fmt.Errorf("chain: decode receipt: %w", err))
		}
		if !rr.Mined {
			return fmt.Errorf("chain: tx %s not yet mined", txHash)
		}
		return nil
	}

	if err := backoff.Retry(op, boCtx); err != nil {
		return apierrors.ChainUnavailable("chain: wait mined %s: %v", txHash, err)
	}
	return nil
}

type balancesResponse struct {
	Balances map[string]string `json:"balances"`
}

// Balances returns the anchoring account's balances per asset, as reported
// by the settlement chain endpoint. It is a single best-effort read with no
// retry loop: the only consumer is the GetSystemStatus surface, which
// tolerates an empty map when the chain is unreachable.
func (c *Client) Balances(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/balances", nil)
	if err != nil {
		return nil, apierrors.ChainUnavailable("chain: build balances request: %v", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierrors.ChainUnavailable("chain: balances: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierrors.ChainUnavailable("chain: balances status %d", resp.StatusCode)
	}
	var br balancesResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, apierrors.ChainUnavailable("chain: decode balances: %v", err)
	}
	return br.Balances, nil
}
