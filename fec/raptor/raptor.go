// Package raptor implements the Raptor (RFC 5053 / R10) systematic
// fountain code described in spec.md §4.3: source symbols are sent
// as-is, and repair symbols let a receiver with any sufficiently large
// superset of symbols reconstruct the block even after loss.
//
// The coding engine is shared with fec/raptorq via fec/internal/xorcode;
// see that package's doc comment for the (intentional, documented)
// deviation from a bit-exact RFC 5053 implementation.
package raptor

import (
	"github.com/fluteproto/flute/fec"
	"github.com/fluteproto/flute/fec/internal/xorcode"
	"github.com/fluteproto/flute/flerr"
	"github.com/fluteproto/flute/oti"
)

func init() {
	fec.RegisterDecoder(oti.Raptor, func(o oti.Oti, nbSourceSymbols, blockSizeBytes int) (fec.Decoder, error) {
		return NewDecoder(nbSourceSymbols, blockSizeBytes, int(o.EncodingSymbolLength)), nil
	})
	fec.RegisterEncoder(oti.Raptor, func(o oti.Oti, nbSourceSymbols int) (fec.Encoder, error) {
		return NewEncoder(nbSourceSymbols, int(o.MaxNumberOfParitySymbols), int(o.EncodingSymbolLength)), nil
	})
}

// Encoder produces a systematic Raptor codeword for one source block.
type Encoder struct {
	k, r, symbolLength int
}

// NewEncoder builds a Raptor encoder for k source symbols, r repair
// symbols, each symbolLength bytes.
func NewEncoder(k, r, symbolLength int) *Encoder {
	return &Encoder{k: k, r: r, symbolLength: symbolLength}
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
		idx := xorcode.RepairIndices(e.k, uint32(esi))
		symbols = append(symbols, fec.Symbol{ESI: uint32(esi), Payload: xorcode.XOR(shards, idx, e.symbolLength)})
	}
	return symbols, nil
}

// Decoder accumulates source and repair symbols and reconstructs the
// block via Gauss-Jordan elimination over GF(2) once enough independent
// equations have arrived.
type Decoder struct {
	k, symbolLength, blockSizeBytes int
	matrix                          *xorcode.Matrix
	received                        int
}

// NewDecoder builds a Raptor decoder for a block with k source symbols of
// symbolLength bytes, whose reconstructed length is blockSizeBytes.
func NewDecoder(k, blockSizeBytes, symbolLength int) *Decoder {
	return &Decoder{k: k, symbolLength: symbolLength, blockSizeBytes: blockSizeBytes, matrix: xorcode.NewMatrix(k)}
}

// PushSymbol feeds a received symbol's equation into the solver: a source
// symbol (esi < k) is a trivial single-index equation; a repair symbol's
// index set is recomputed deterministically from (k, esi).
func (d *Decoder) PushSymbol(payload []byte, esi uint32) {
	d.received++
	if int(esi) < d.k {
		d.matrix.AddEquation([]int{int(esi)}, payload)
		return
	}
	idx := xorcode.RepairIndices(d.k, esi)
	d.matrix.AddEquation(idx, payload)
}

// CanDecode reports whether at least k symbols have arrived. This is a
// necessary, not sufficient, condition for the fountain code (spec.md
// §4.3: "probabilistic on >= k + small overhead"); Decode is the
// authoritative check.
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
		return nil, flerr.NewCodecError("raptor: source block not fully determined", nil)
	}
	out := make([]byte, 0, d.k*d.symbolLength)
	for i := 0; i < d.k; i++ {
		v := d.matrix.Value(i)
		if v == nil {
			return nil, flerr.NewCodecError("raptor: missing solved value after solve", nil)
		}
		out = append(out, v...)
	}
	if len(out) > d.blockSizeBytes {
		out = out[:d.blockSizeBytes]
	}
	return out, nil
}
