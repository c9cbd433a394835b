// Package reedsolomon implements the systematic Reed-Solomon GF(2^8) FEC
// scheme (spec.md §4.3) on top of github.com/klauspost/reedsolomon, the
// same erasure-coding library aistore uses for its object storage erasure
// coding rather than a hand-rolled Galois-field matrix inverter.
package reedsolomon

import (
	"github.com/klauspost/reedsolomon"

	"github.com/fluteproto/flute/fec"
	"github.com/fluteproto/flute/flerr"
	"github.com/fluteproto/flute/oti"
)

func init() {
	ctorDecoder := func(o oti.Oti, nbSourceSymbols, blockSizeBytes int) (fec.Decoder, error) {
		return NewDecoder(nbSourceSymbols, int(o.MaxNumberOfParitySymbols), blockSizeBytes, int(o.EncodingSymbolLength))
	}
	ctorEncoder := func(o oti.Oti, nbSourceSymbols int) (fec.Encoder, error) {
		return NewEncoder(nbSourceSymbols, int(o.MaxNumberOfParitySymbols), int(o.EncodingSymbolLength))
	}
	fec.RegisterDecoder(oti.ReedSolomonGF28, ctorDecoder)
	fec.RegisterDecoder(oti.ReedSolomonGF28UnderSpecified, ctorDecoder)
	fec.RegisterEncoder(oti.ReedSolomonGF28, ctorEncoder)
	fec.RegisterEncoder(oti.ReedSolomonGF28UnderSpecified, ctorEncoder)
}

// Encoder produces a systematic RS(k+r, k) codeword per source block.
type Encoder struct {
	dataShards   int
	parityShards int
	symbolLength int
	rs           reedsolomon.Encoder
}

// NewEncoder builds an encoder for a block with dataShards source symbols
// and parityShards repair symbols, each symbolLength bytes.
func NewEncoder(dataShards, parityShards, symbolLength int) (*Encoder, error) {
	rs, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, flerr.NewCodecError("reed-solomon: constructing codec", err)
	}
	return &Encoder{dataShards: dataShards, parityShards: parityShards, symbolLength: symbolLength, rs: rs}, nil
}

// SourceBlock pads sourceData into dataShards symbols, computes
// parityShards repair symbols, and returns all of them in ESI order
// (source symbols first, per spec.md §4.3).
func (e *Encoder) SourceBlock(sourceData []byte) ([]fec.Symbol, error) {
	shards := make([][]byte, e.dataShards+e.parityShards)
	for i := 0; i < e.dataShards; i++ {
		shard := make([]byte, e.symbolLength)
		start := i * e.symbolLength
		if start < len(sourceData) {
			end := start + e.symbolLength
			if end > len(sourceData) {
				end = len(sourceData)
			}
			copy(shard, sourceData[start:end])
		}
		shards[i] = shard
	}
	for i := e.dataShards; i < e.dataShards+e.parityShards; i++ {
		shards[i] = make([]byte, e.symbolLength)
	}
	if err := e.rs.Encode(shards); err != nil {
		return nil, flerr.NewCodecError("reed-solomon: encode", err)
	}
	symbols := make([]fec.Symbol, len(shards))
	for i, s := range shards {
		symbols[i] = fec.Symbol{ESI: uint32(i), Payload: s}
	}
	return symbols, nil
}

// Decoder accumulates shards (source or repair) and reconstructs a block
// once at least dataShards distinct ones have arrived (spec.md Testable
// Property 2: loss tolerance up to any sufficient subset).
type Decoder struct {
	dataShards     int
	parityShards   int
	symbolLength   int
	blockSizeBytes int
	rs             reedsolomon.Encoder
	shards         [][]byte
	received       int
}

// NewDecoder builds a decoder for a block with dataShards source symbols
// and parityShards repair symbols; the reconstructed block is trimmed to
// blockSizeBytes (the last block's final symbol may be short).
func NewDecoder(dataShards, parityShards, blockSizeBytes, symbolLength int) (*Decoder, error) {
	rs, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, flerr.NewCodecError("reed-solomon: constructing codec", err)
	}
	return &Decoder{
		dataShards:     dataShards,
		parityShards:   parityShards,
		symbolLength:   symbolLength,
		blockSizeBytes: blockSizeBytes,
		rs:             rs,
		shards:         make([][]byte, dataShards+parityShards),
	}, nil
}

// PushSymbol records a received shard by ESI, ignoring out-of-range ESIs
// and duplicates.
func (d *Decoder) PushSymbol(payload []byte, esi uint32) {
	if int(esi) >= len(d.shards) {
		return
	}
	if d.shards[esi] != nil {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	d.shards[esi] = cp
	d.received++
}

// CanDecode reports whether at least dataShards distinct shards have
// arrived, the minimum needed to invert the code.
func (d *Decoder) CanDecode() bool {
	return d.received >= d.dataShards
}

// Decode reconstructs any missing shards via erasure decoding.
func (d *Decoder) Decode() (bool, error) {
	if !d.CanDecode() {
		return false, nil
	}
	if err := d.rs.Reconstruct(d.shards); err != nil {
		return false, flerr.NewCodecError("reed-solomon: reconstruct", err)
	}
	return true, nil
}

// SourceBlock concatenates the dataShards source shards, trimmed to
// blockSizeBytes.
func (d *Decoder) SourceBlock() ([]byte, error) {
	out := make([]byte, 0, d.dataShards*d.symbolLength)
	for i := 0; i < d.dataShards; i++ {
		if d.shards[i] == nil {
			return nil, flerr.NewCodecError("reed-solomon: source shard missing after reconstruct", nil)
		}
		out = append(out, d.shards[i]...)
	}
	if len(out) > d.blockSizeBytes {
		out = out[:d.blockSizeBytes]
	}
	return out, nil
}
