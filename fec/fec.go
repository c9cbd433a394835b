// Package fec defines the Encoder/Decoder contracts every FEC scheme
// implements, plus the construction registry the block decoder uses to
// pick a concrete codec from an OTI at runtime (spec.md §4.3, §9).
package fec

import (
	"github.com/fluteproto/flute/flerr"
	"github.com/fluteproto/flute/oti"
)

// Symbol is one encoding symbol: its ESI and payload bytes.
type Symbol struct {
	ESI     uint32
	Payload []byte
}

// Encoder produces, for one source block, all source symbols followed by
// up to MaxNumberOfParitySymbols repair symbols (spec.md §4.3).
type Encoder interface {
	// SourceBlock returns the full ordered symbol list (source symbols
	// first, by ESI, then repair symbols) for the block of source data.
	SourceBlock(sourceData []byte) ([]Symbol, error)
}

// Decoder accumulates symbols for a single source block and reconstructs
// it once enough have arrived (spec.md §4.3).
type Decoder interface {
	// PushSymbol feeds one received symbol into the decoder. Symbols may
	// arrive in any order and duplicates are ignored.
	PushSymbol(payload []byte, esi uint32)
	// CanDecode reports whether enough symbols have arrived to attempt
	// reconstruction. For NoCode this means "all source symbols seen"; for
	// Reed-Solomon it's "at least k distinct symbols"; for the fountain
	// codes it's "at least k symbols received", a necessary but not
	// sufficient condition, with Decode doing the matrix-rank check.
	CanDecode() bool
	// Decode attempts reconstruction, returning whether it succeeded.
	// Encoders/decoders must not panic on malformed input; a failure here
	// becomes a *flerr.CodecError at the block-decoder layer.
	Decode() (bool, error)
	// SourceBlock returns the reconstructed contiguous source bytes. Only
	// valid after Decode returns true.
	SourceBlock() ([]byte, error)
}

// NewDecoder builds a Decoder for the scheme named in o, sized for a
// block with nbSourceSymbols source symbols whose decoded payload is
// blockSizeBytes long.
func NewDecoder(o oti.Oti, nbSourceSymbols int, blockSizeBytes int) (Decoder, error) {
	ctor, ok := decoderRegistry[o.FECEncodingID]
	if !ok {
		return nil, flerr.NewConfigError("no decoder registered for FEC encoding id %d", o.FECEncodingID)
	}
	return ctor(o, nbSourceSymbols, blockSizeBytes)
}

// NewEncoder builds an Encoder for the scheme named in o.
func NewEncoder(o oti.Oti, nbSourceSymbols int) (Encoder, error) {
	ctor, ok := encoderRegistry[o.FECEncodingID]
	if !ok {
		return nil, flerr.NewConfigError("no encoder registered for FEC encoding id %d", o.FECEncodingID)
	}
	return ctor(o, nbSourceSymbols)
}

type decoderCtor func(o oti.Oti, nbSourceSymbols, blockSizeBytes int) (Decoder, error)
type encoderCtor func(o oti.Oti, nbSourceSymbols int) (Encoder, error)

var decoderRegistry = map[oti.FECEncodingID]decoderCtor{}
var encoderRegistry = map[oti.FECEncodingID]encoderCtor{}

// RegisterDecoder is called from each scheme's package init to install
// itself into the registry the block decoder looks up by FECEncodingID.
// This indirection (rather than a switch here importing every scheme
// package) keeps fec free of a dependency on its own children, the way the
// Rust crate's BlockDecoder matches on oti.fec_encoding_id to pick a
// concrete codec without those codecs depending on the dispatcher.
func RegisterDecoder(id oti.FECEncodingID, ctor decoderCtor) {
	decoderRegistry[id] = ctor
}

// RegisterEncoder installs an encoder constructor, mirroring RegisterDecoder.
func RegisterEncoder(id oti.FECEncodingID, ctor encoderCtor) {
	encoderRegistry[id] = ctor
}
