// Package nocode implements the trivial FEC scheme: symbols are
// transmitted uncoded, and the decoder simply waits for every source
// symbol to arrive (spec.md §4.3).
package nocode

import (
	"github.com/fluteproto/flute/fec"
	"github.com/fluteproto/flute/flerr"
	"github.com/fluteproto/flute/oti"
)

func init() {
	fec.RegisterDecoder(oti.NoCode, func(o oti.Oti, nbSourceSymbols, blockSizeBytes int) (fec.Decoder, error) {
		return NewDecoder(nbSourceSymbols, blockSizeBytes, int(o.EncodingSymbolLength)), nil
	})
	fec.RegisterEncoder(oti.NoCode, func(o oti.Oti, nbSourceSymbols int) (fec.Encoder, error) {
		return NewEncoder(int(o.EncodingSymbolLength)), nil
	})
}

// Encoder splits a source block into fixed-length symbols and nothing
// else: NoCode has no repair symbols.
type Encoder struct {
	symbolLength int
}

// NewEncoder builds a NoCode encoder for the given symbol length.
func NewEncoder(symbolLength int) *Encoder {
	return &Encoder{symbolLength: symbolLength}
}

// SourceBlock splits sourceData into symbolLength-sized chunks, the last
// one zero-padded if short.
func (e *Encoder) SourceBlock(sourceData []byte) ([]fec.Symbol, error) {
	var symbols []fec.Symbol
	for i, esi := 0, uint32(0); i < len(sourceData); i, esi = i+e.symbolLength, esi+1 {
		end := i + e.symbolLength
		var payload []byte
		if end <= len(sourceData) {
			payload = sourceData[i:end]
		} else {
			payload = make([]byte, e.symbolLength)
			copy(payload, sourceData[i:])
		}
		symbols = append(symbols, fec.Symbol{ESI: esi, Payload: payload})
	}
	return symbols, nil
}

// Decoder accumulates source symbols until every one of them has arrived.
type Decoder struct {
	nbSourceSymbols int
	symbolLength    int
	blockSizeBytes  int
	symbols         map[uint32][]byte
}

// NewDecoder builds a NoCode decoder expecting nbSourceSymbols symbols of
// symbolLength bytes, whose trailing symbol may be shorter because the
// reconstructed block is only blockSizeBytes long.
func NewDecoder(nbSourceSymbols, blockSizeBytes, symbolLength int) *Decoder {
	return &Decoder{
		nbSourceSymbols: nbSourceSymbols,
		symbolLength:    symbolLength,
		blockSizeBytes:  blockSizeBytes,
		symbols:         make(map[uint32][]byte, nbSourceSymbols),
	}
}

// PushSymbol records a received source symbol, ignoring ESIs at or past
// the source symbol count (NoCode never has repair symbols).
func (d *Decoder) PushSymbol(payload []byte, esi uint32) {
	if int(esi) >= d.nbSourceSymbols {
		return
	}
	if _, ok := d.symbols[esi]; ok {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	d.symbols[esi] = cp
}

// CanDecode reports whether every source symbol has arrived.
func (d *Decoder) CanDecode() bool {
	return len(d.symbols) >= d.nbSourceSymbols
}

// Decode is a no-op beyond the completeness check: NoCode symbols are
// already the source data.
func (d *Decoder) Decode() (bool, error) {
	if !d.CanDecode() {
		return false, nil
	}
	return true, nil
}

// SourceBlock concatenates the symbols in ESI order, trimmed to blockSizeBytes.
func (d *Decoder) SourceBlock() ([]byte, error) {
	if !d.CanDecode() {
		return nil, flerr.NewCodecError("nocode: block not yet complete", nil)
	}
	out := make([]byte, 0, d.nbSourceSymbols*d.symbolLength)
	for i := 0; i < d.nbSourceSymbols; i++ {
		out = append(out, d.symbols[uint32(i)]...)
	}
	if len(out) > d.blockSizeBytes {
		out = out[:d.blockSizeBytes]
	}
	return out, nil
}
