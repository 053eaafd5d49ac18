// Package sig verifies the two signature schemes the network accepts over
// an opaque signed payload and recovers the signer's address: compact
// recovery for Secp256k1, attached public key for Ed25519.
package sig

import (
	"crypto/ed25519"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/meridiandb/node/internal/address"
)

// Scheme is the one-byte discriminant carried alongside a signed payload.
type Scheme uint8

const (
	SchemeEd25519   Scheme = 0
	SchemeSecp256k1 Scheme = 1
)

// Signature sizes per scheme. Ed25519's is pubkey(32) || sig(64): the
// verifier has no way to recover an Ed25519 public key from a signature
// alone, so the public key travels with the signature. Secp256k1's is
// r(32) || s(32) || v(1): v lets RecoverCompact reconstruct the public key
// without it ever being sent.
const (
	Ed25519SigSize   = 32 + ed25519.SignatureSize
	Secp256k1SigSize = 65
)

// Verify checks payload/signature/scheme and returns the signer's 20-byte
// address. It is pure and side-effect-free: it never touches the state
// store, nonce registry, or mutation log. A signature whose length does
// not match its declared scheme fails immediately.
func Verify(payload, signature []byte, scheme Scheme) (address.Addr, error) {
	switch scheme {
	case SchemeEd25519:
		return verifyEd25519(payload, signature)
	case SchemeSecp256k1:
		return verifySecp256k1(payload, signature)
	default:
		return address.Addr{}, fmt.Errorf("sig: unknown scheme %d", scheme)
	}
}

func verifyEd25519(payload, signature []byte) (address.Addr, error) {
	if len(signature) != Ed25519SigSize {
		return address.Addr{}, fmt.Errorf("sig: ed25519 signature must be %d bytes, got %d", Ed25519SigSize, len(signature))
	}

	pub := ed25519.PublicKey(signature[:ed25519.PublicKeySize])
	sig := signature[ed25519.PublicKeySize:]

	if !ed25519.Verify(pub, payload, sig) {
		return address.Addr{}, fmt.Errorf("sig: ed25519 signature does not verify")
	}

	digest := address.Keccak256(pub)
	var addr address.Addr
	copy(addr[:], digest[12:])
	return addr, nil
}

func verifySecp256k1(payload, signature []byte) (address.Addr, error) {
	if len(signature) != Secp256k1SigSize {
		return address.Addr{}, fmt.Errorf("sig: secp256k1 signature must be %d bytes, got %d", Secp256k1SigSize, len(signature))
	}

	hash := address.Keccak256(payload)

	v := signature[64]
	compact := make([]byte, 65)
	compact[0] = 27 + v
	copy(compact[1:33], signature[0:32])
	copy(compact[33:65], signature[32:64])

	pubKey, _, err := ecdsa.RecoverCompact(compact, hash[:])
	if err != nil {
		return address.Addr{}, fmt.Errorf("sig: secp256k1 recovery failed: %w", err)
	}

	return deriveFromPubKey(pubKey), nil
}

func deriveFromPubKey(pubKey *btcec.PublicKey) address.Addr {
	uncompressed := pubKey.SerializeUncompressed()
	digest := address.Keccak256(uncompressed[1:])
	var addr address.Addr
	copy(addr[:], digest[12:])
	return addr
}
