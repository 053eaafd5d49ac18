// Package address derives the deterministic 20-byte addresses used to
// identify senders, databases, and collections: an Ethereum-style
// truncation of a Keccak-256 digest.
package address

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Addr is a 20-byte address: a sender, or a derived database address.
type Addr [20]byte

// MaxCollectionNameLen is the maximum byte length of a collection name.
const MaxCollectionNameLen = 128

// Keccak256 hashes data with Keccak-256, the same hash used for address
// derivation, content ids, and transaction signing hashes.
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveDatabase computes a database address from its creator's sender
// address and the nonce of the creating mutation:
//
//	addr = truncate20(hash(u64_be(nonce) || sender_addr))
func DeriveDatabase(sender Addr, nonce uint64) Addr {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	digest := Keccak256(nonceBytes[:], sender[:])
	var out Addr
	copy(out[:], digest[12:])
	return out
}

// ValidateCollectionName rejects empty names and names over the maximum
// length.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("collection name must not be empty")
	}
	if len(name) > MaxCollectionNameLen {
		return fmt.Errorf("collection name exceeds %d bytes", MaxCollectionNameLen)
	}
	return nil
}

// String renders the address as lowercase hex with a 0x prefix.
func (a Addr) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 2+len(a)*2)
	out[0], out[1] = '0', 'x'
	for i, b := range a {
		out[2+i*2] = hextable[b>>4]
		out[2+i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// Bytes returns the address as a byte slice.
func (a Addr) Bytes() []byte {
	return a[:]
}
