// Package rollup implements the time/size-triggered rollup scheduler: it
// batches a contiguous range of mutation log entries, compresses them into
// a bundle, uploads the bundle to the bundler, anchors the returned blob id
// on the settlement chain, and appends a RollupRecord.
//
// The bundle container is a fixed 16-byte header, length-prefixed entries
// in log order, and a keccak256 trailer over the body, streamed through a
// zstd compressor.
package rollup

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/meridiandb/node/internal/address"
	"github.com/meridiandb/node/internal/apierrors"
	"github.com/meridiandb/node/internal/mutationlog"
)

// BundleMagic identifies a Meridian rollup bundle.
const BundleMagic uint32 = 0x4d524442 // "MRDB"

// BundleVersion is the current bundle container version.
const BundleVersion uint8 = 1

const headerSize = 16
const trailerSize = 32

// BundleHeader is the fixed 16-byte header preceding a bundle's entries:
// magic, version, entry count, start_block, end_block.
type BundleHeader struct {
	Magic      uint32
	Version    uint8
	Count      uint16
	StartBlock uint32
	EndBlock   uint32
}

func (h BundleHeader) encode() []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = 0 // reserved
	binary.BigEndian.PutUint16(buf[6:8], h.Count)
	binary.BigEndian.PutUint32(buf[8:12], h.StartBlock)
	binary.BigEndian.PutUint32(buf[12:16], h.EndBlock)
	return buf
}

func decodeHeader(buf []byte) (BundleHeader, error) {
	if len(buf) < headerSize {
		return BundleHeader{}, apierrors.Encoding("rollup: bundle header truncated")
	}
	h := BundleHeader{
		Magic:      binary.BigEndian.Uint32(buf[0:4]),
		Version:    buf[4],
		Count:      binary.BigEndian.Uint16(buf[6:8]),
		StartBlock: binary.BigEndian.Uint32(buf[8:12]),
		EndBlock:   binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Magic != BundleMagic {
		return BundleHeader{}, apierrors.Encoding("rollup: bad bundle magic %x", h.Magic)
	}
	return h, nil
}

// BuildBundle serializes entries (already in log order) into the bundle
// wire format and compresses it with a streaming zstd writer. It returns
// both the raw (uncompressed) and compressed byte counts alongside the
// compressed bundle, for the RollupRecord's raw_bytes/compressed_bytes
// fields.
func BuildBundle(entries []mutationlog.Entry, startBlock, endBlock uint64) (compressed []byte, rawBytes, compressedBytes int64, err error) {
	if len(entries) > 0xFFFF {
		return nil, 0, 0, apierrors.ConstraintViolated("rollup: bundle entry count %d exceeds uint16 range", len(entries))
	}

	var raw bytes.Buffer
	header := BundleHeader{
		Magic:      BundleMagic,
		Version:    BundleVersion,
		Count:      uint16(len(entries)),
		StartBlock: uint32(startBlock),
		EndBlock:   uint32(endBlock),
	}
	raw.Write(header.encode())

	for _, e := range entries {
		buf, err := json.Marshal(e)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("rollup: marshal entry: %w", err)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
		raw.Write(lenBuf[:])
		raw.Write(buf)
	}

	trailer := trailerHash(raw.Bytes())
	raw.Write(trailer[:])

	rawBytes = int64(raw.Len())

	var out bytes.Buffer
	zw, err := zstd.NewWriter(&out)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("rollup: new zstd writer: %w", err)
	}
	if _, err := zw.Write(raw.Bytes()); err != nil {
		zw.Close()
		return nil, 0, 0, fmt.Errorf("rollup: compress bundle: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, 0, 0, fmt.Errorf("rollup: close zstd writer: %w", err)
	}

	return out.Bytes(), rawBytes, int64(out.Len()), nil
}

// ParsedBundle is a decompressed, trailer-verified bundle.
type ParsedBundle struct {
	Header  BundleHeader
	Entries []mutationlog.Entry
}

// ParseBundle decompresses a bundle and validates its trailer hash before
// returning its entries, so a fetched bundle is never trusted unverified.
func ParseBundle(compressed []byte) (*ParsedBundle, error) {
	zr, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, apierrors.Encoding("rollup: new zstd reader: %v", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, apierrors.Encoding("rollup: decompress bundle: %v", err)
	}

	if len(raw) < headerSize+trailerSize {
		return nil, apierrors.Encoding("rollup: bundle too short")
	}
	body := raw[:len(raw)-trailerSize]
	gotTrailer := raw[len(raw)-trailerSize:]
	wantTrailer := trailerHash(body)
	if !bytes.Equal(gotTrailer, wantTrailer[:]) {
		return nil, apierrors.Encoding("rollup: bundle trailer hash mismatch")
	}

	header, err := decodeHeader(body)
	if err != nil {
		return nil, err
	}

	entries := make([]mutationlog.Entry, 0, header.Count)
	rest := body[headerSize:]
	for i := uint16(0); i < header.Count; i++ {
		if len(rest) < 4 {
			return nil, apierrors.Encoding("rollup: bundle truncated at entry %d", i)
		}
		entryLen := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < entryLen {
			return nil, apierrors.Encoding("rollup: bundle truncated at entry %d body", i)
		}
		var e mutationlog.Entry
		if err := json.Unmarshal(rest[:entryLen], &e); err != nil {
			return nil, apierrors.Encoding("rollup: unmarshal entry %d: %v", i, err)
		}
		entries = append(entries, e)
		rest = rest[entryLen:]
	}

	return &ParsedBundle{Header: header, Entries: entries}, nil
}

func trailerHash(body []byte) [32]byte {
	return address.Keccak256(body)
}
