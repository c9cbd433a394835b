// Package raptorq implements the RaptorQ (RFC 6330) fountain code
// described in spec.md §4.3. It shares its coding engine with fec/raptor
// via fec/internal/xorcode, differing in OTI parameter shape (it carries
// sub_blocks_length and symbol_alignment) and in its ALC payload ID field
// widths (8-bit SBN, 24-bit ESI, per spec.md §4.2) rather than in its
// fountain-code math. See fec/internal/xorcode's doc comment for the
// deviation from a bit-exact RFC 6330 implementation.
package raptorq

import (
	"github.com/fluteproto/flute/fec"
	"github.com/fluteproto/flute/fec/internal/xorcode"
	"github.com/fluteproto/flute/flerr"
	"github.com/fluteproto/flute/oti"
)

func init() {
	fec.RegisterDecoder(oti.RaptorQ, func(o oti.Oti, nbSourceSymbols, blockSizeBytes int) (fec.Decoder, error) {
		salt := schemeSalt(o)
		return NewDecoder(nbSourceSymbols, blockSizeBytes, int(o.EncodingSymbolLength), salt), nil
	})
	fec.RegisterEncoder(oti.RaptorQ, func(o oti.Oti, nbSourceSymbols int) (fec.Encoder, error) {
		salt := schemeSalt(o)
		return NewEncoder(nbSourceSymbols, int(o.MaxNumberOfParitySymbols), int(o.EncodingSymbolLength), salt), nil
	})
}

func schemeSalt(o oti.Oti) uint64 {
	if o.RaptorQ == nil {
		return 0
	}
	return uint64(o.RaptorQ.SubBlocksLength)<<8 | uint64(o.RaptorQ.SymbolAlignment)
}

// Encoder produces a systematic RaptorQ codeword for one source block.
type Encoder struct {
	k, r, symbolLength int
	salt               uint64
}

// NewEncoder builds a RaptorQ encoder for k source symbols, r repair
// symbols, each symbolLength bytes, salted by the scheme parameters.
func NewEncoder(k, r, symbolLength int, salt uint64) *Encoder {
	return &Encoder{k: k, r: r, symbolLength: symbolLength, salt: salt}
}

// SourceBlock returns the k source symbols followed by r repair symbols.
func (e *Encoder) SourceBlock(sourceData []byte) ([]fec.Symbol, error) {
	shards := make([][]byte, e.k)
	for i := 0; i < e.k; i++ {
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
	symbols := make([]fec.Symbol, 0, e.k+e.r)
	for i, s := range shards {
		symbols = append(symbols, fec.Symbol{ESI: uint32(i), Payload: s})
	}
	for esi := e.k; esi < e.k+e.r; esi++ {
		idx := xorcode.RepairIndicesSalted(e.k, uint32(esi), e.salt)
		symbols = append(symbols, fec.Symbol{ESI: uint32(esi), Payload: xorcode.XOR(shards, idx, e.symbolLength)})
	}
	return symbols, nil
}

// Decoder accumulates source and repair symbols for one RaptorQ block.
type Decoder struct {
	k, symbolLength, blockSizeBytes int
	salt                            uint64
	matrix                          *xorcode.Matrix
	received                        int
}

// NewDecoder builds a RaptorQ decoder for a block with k source symbols
// of symbolLength bytes, reconstructed length blockSizeBytes.
func NewDecoder(k, blockSizeBytes, symbolLength int, salt uint64) *Decoder {
	return &Decoder{k: k, symbolLength: symbolLength, blockSizeBytes: blockSizeBytes, salt: salt, matrix: xorcode.NewMatrix(k)}
}

// PushSymbol feeds a received symbol's equation into the solver.
func (d *Decoder) PushSymbol(payload []byte, esi uint32) {
	d.received++
	if int(esi) < d.k {
		d.matrix.AddEquation([]int{int(esi)}, payload)
		return
	}
	idx := xorcode.RepairIndicesSalted(d.k, esi, d.salt)
	d.matrix.AddEquation(idx, payload)
}

// CanDecode reports whether at least k symbols have arrived.
func (d *Decoder) CanDecode() bool {
	return d.received >= d.k
}

// Decode reports whether the GF(2) system has full rank yet.
func (d *Decoder) Decode() (bool, error) {
	return d.matrix.Solved(), nil
}

// SourceBlock concatenates the solved source symbols, trimmed to blockSizeBytes.
func (d *Decoder) SourceBlock() ([]byte, error) {
	if !d.matrix.Solved() {
		return nil, flerr.NewCodecError("raptorq: source block not fully determined", nil)
	}
	out := make([]byte, 0, d.k*d.symbolLength)
	for i := 0; i < d.k; i++ {
		v := d.matrix.Value(i)
		if v == nil {
			return nil, flerr.NewCodecError("raptorq: missing solved value after solve", nil)
		}
		out = append(out, v...)
	}
	if len(out) > d.blockSizeBytes {
		out = out[:d.blockSizeBytes]
	}
	return out, nil
}
