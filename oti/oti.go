// Package oti implements Object Transmission Information: the
// scheme-specific parameter block a receiver needs before it can decode
// an object's FEC symbols (spec.md §3, §4.3).
package oti

import "github.com/fluteproto/flute/flerr"

// FECEncodingID identifies which FEC scheme an OTI describes.
type FECEncodingID uint8

const (
	// NoCode transmits symbols uncoded; the decoder just waits for all of them.
	NoCode FECEncodingID = 0
	// ReedSolomonGF28 is systematic Reed-Solomon over GF(256), RFC 5510.
	ReedSolomonGF28 FECEncodingID = 1
	// ReedSolomonGF28UnderSpecified is the historically deployed RFC 5052
	// "under-specified" RS variant that allows more than 255 blocks.
	ReedSolomonGF28UnderSpecified FECEncodingID = 2
	// Raptor is the RFC 5053 R10 systematic fountain code.
	Raptor FECEncodingID = 5
	// RaptorQ is the RFC 6330 fountain code.
	RaptorQ FECEncodingID = 6
)

// Scheme distinguishes RaptorQ from Raptor where the numeric FECEncodingID
// alone is ambiguous (both commonly run under FEC Encoding ID 6, with the
// FEC Instance ID or a deployment-level convention disambiguating). The
// core keeps them apart explicitly rather than overloading one constant.
type Scheme uint8

const (
	SchemeNone Scheme = iota
	SchemeRaptor
	SchemeRaptorQ
)

// MaxTransferLength48 is the 2^48-1 ceiling for NoCode, Raptor and
// Reed-Solomon transfer lengths (spec.md §3).
const MaxTransferLength48 = (uint64(1) << 48) - 1

// MaxTransferLengthRaptorQ is the RFC 6330 ceiling of 2^40-1.
//
// The source this spec was distilled from carries both a 40-bit and a
// 48-bit constant referenced in RaptorQ context; per spec.md §9 the 48-bit
// one there is a bug, so only this constant is used for RaptorQ.
const MaxTransferLengthRaptorQ = (uint64(1) << 40) - 1

// RaptorQScheme carries the RaptorQ-specific OTI fields (spec.md §3).
type RaptorQScheme struct {
	SubBlocksLength uint16
	SymbolAlignment uint8
}

// RaptorScheme carries the Raptor-specific OTI field: the symbol alignment
// used for intermediate-block XOR operations.
type RaptorScheme struct {
	SymbolAlignment uint8
}

// Oti is the immutable parameter block published for an object (or a
// whole session, when objects inherit it). Once a Sender publishes an
// object's FDT entry, its Oti must not change.
type Oti struct {
	FECEncodingID FECEncodingID
	Scheme        Scheme

	// EncodingSymbolLength is the byte size of one symbol.
	EncodingSymbolLength uint16
	// MaximumSourceBlockLength is the source-symbol count per block.
	MaximumSourceBlockLength uint32
	// MaxNumberOfParitySymbols is the repair-symbol count per block.
	MaxNumberOfParitySymbols uint32

	RaptorQ *RaptorQScheme
	Raptor  *RaptorScheme
}

func checkCommon(encodingSymbolLength uint16, maxSourceBlockLength uint32) error {
	if encodingSymbolLength == 0 {
		return flerr.NewConfigError("encoding symbol length must be non-zero")
	}
	if maxSourceBlockLength == 0 {
		return flerr.NewConfigError("maximum source block length must be non-zero")
	}
	return nil
}

// NewNoCode builds an Oti for the NoCode scheme.
func NewNoCode(encodingSymbolLength uint16, maxSourceBlockLength uint32) (Oti, error) {
	if err := checkCommon(encodingSymbolLength, maxSourceBlockLength); err != nil {
		return Oti{}, err
	}
	return Oti{
		FECEncodingID:            NoCode,
		EncodingSymbolLength:     encodingSymbolLength,
		MaximumSourceBlockLength: maxSourceBlockLength,
	}, nil
}

// NewReedSolomonRS28 builds an Oti for systematic Reed-Solomon GF(2^8),
// rejecting k+n > 255 (spec.md §3). The block count depends on each
// object's transfer length, so it is not checked here.
func NewReedSolomonRS28(encodingSymbolLength uint16, maxSourceBlockLength, maxParitySymbols uint32) (Oti, error) {
	if err := checkCommon(encodingSymbolLength, maxSourceBlockLength); err != nil {
		return Oti{}, err
	}
	if maxSourceBlockLength+maxParitySymbols > 255 {
		return Oti{}, flerr.NewConfigError(
			"reed-solomon GF(2^8): source_block_length(%d) + parity(%d) = %d exceeds 255",
			maxSourceBlockLength, maxParitySymbols, maxSourceBlockLength+maxParitySymbols)
	}
	return Oti{
		FECEncodingID:            ReedSolomonGF28,
		EncodingSymbolLength:     encodingSymbolLength,
		MaximumSourceBlockLength: maxSourceBlockLength,
		MaxNumberOfParitySymbols: maxParitySymbols,
	}, nil
}

// NewReedSolomonRS28UnderSpecified builds the historically deployed RFC
// 5052 variant, which lifts the 255-block ceiling (up to 2^32 blocks) but
// keeps the same k+n <= 255 per-block limit.
func NewReedSolomonRS28UnderSpecified(encodingSymbolLength uint16, maxSourceBlockLength, maxParitySymbols uint32) (Oti, error) {
	o, err := NewReedSolomonRS28(encodingSymbolLength, maxSourceBlockLength, maxParitySymbols)
	if err != nil {
		return Oti{}, err
	}
	o.FECEncodingID = ReedSolomonGF28UnderSpecified
	return o, nil
}

// NewRaptor builds an Oti for the RFC 5053 Raptor (R10) scheme.
func NewRaptor(encodingSymbolLength uint16, maxSourceBlockLength, maxParitySymbols uint32, symbolAlignment uint8) (Oti, error) {
	if err := checkCommon(encodingSymbolLength, maxSourceBlockLength); err != nil {
		return Oti{}, err
	}
	if symbolAlignment == 0 {
		return Oti{}, flerr.NewConfigError("raptor: symbol alignment must be non-zero")
	}
	return Oti{
		FECEncodingID:            Raptor,
		Scheme:                   SchemeRaptor,
		EncodingSymbolLength:     encodingSymbolLength,
		MaximumSourceBlockLength: maxSourceBlockLength,
		MaxNumberOfParitySymbols: maxParitySymbols,
		Raptor:                   &RaptorScheme{SymbolAlignment: symbolAlignment},
	}, nil
}

// NewRaptorQ builds an Oti for the RFC 6330 RaptorQ scheme, rejecting a
// symbol length not evenly divisible by the symbol alignment (spec.md §3).
func NewRaptorQ(encodingSymbolLength uint16, maxSourceBlockLength, maxParitySymbols uint32, subBlocksLength uint16, symbolAlignment uint8) (Oti, error) {
	if err := checkCommon(encodingSymbolLength, maxSourceBlockLength); err != nil {
		return Oti{}, err
	}
	if symbolAlignment == 0 {
		return Oti{}, flerr.NewConfigError("raptorq: symbol alignment must be non-zero")
	}
	if encodingSymbolLength%uint16(symbolAlignment) != 0 {
		return Oti{}, flerr.NewConfigError(
			"raptorq: encoding symbol length %d not divisible by symbol alignment %d",
			encodingSymbolLength, symbolAlignment)
	}
	return Oti{
		FECEncodingID:            RaptorQ,
		Scheme:                   SchemeRaptorQ,
		EncodingSymbolLength:     encodingSymbolLength,
		MaximumSourceBlockLength: maxSourceBlockLength,
		MaxNumberOfParitySymbols: maxParitySymbols,
		RaptorQ: &RaptorQScheme{
			SubBlocksLength: subBlocksLength,
			SymbolAlignment: symbolAlignment,
		},
	}, nil
}

// MaxTransferLength returns the maximum transfer length this OTI's scheme
// permits (spec.md §3).
func (o Oti) MaxTransferLength() uint64 {
	if o.Scheme == SchemeRaptorQ {
		return MaxTransferLengthRaptorQ
	}
	return MaxTransferLength48
}

// IsUnderSpecifiedRS reports whether this is the RFC 5052 RS variant that
// permits more than 255 blocks.
func (o Oti) IsUnderSpecifiedRS() bool {
	return o.FECEncodingID == ReedSolomonGF28UnderSpecified
}

// BlockPartition computes, for a transfer of transferLength bytes, the
// number of source blocks and the large/small symbol-count split
// described in spec.md §3: nb_a_large blocks hold a_large symbols, the rest
// hold a_small, with at most a ±1 symbol imbalance.
type BlockPartition struct {
	TotalSymbols   uint32 // S
	NumBlocks      uint32 // nb_block
	NumLargeBlocks uint32 // nb_a_large
	ALarge         uint32
	ASmall         uint32
}

// Partition computes the block partition for a transfer of the given
// length under this OTI's symbol length and maximum source block length.
func (o Oti) Partition(transferLength uint64) BlockPartition {
	symLen := uint64(o.EncodingSymbolLength)
	s := uint32(ceilDiv(transferLength, symLen))
	if s == 0 {
		s = 1
	}
	nbBlock := ceilDiv(uint64(s), uint64(o.MaximumSourceBlockLength))
	if nbBlock == 0 {
		nbBlock = 1
	}
	aLarge := ceilDiv(uint64(s), nbBlock)
	aSmall := uint64(s) / nbBlock
	nbLarge := uint64(s) - aSmall*nbBlock
	return BlockPartition{
		TotalSymbols:   s,
		NumBlocks:      uint32(nbBlock),
		NumLargeBlocks: uint32(nbLarge),
		ALarge:         uint32(aLarge),
		ASmall:         uint32(aSmall),
	}
}

// BlockSourceSymbols returns the number of source symbols for block sbn
// under this partition (blocks [0, NumLargeBlocks) get ALarge symbols,
// the remainder get ASmall).
func (p BlockPartition) BlockSourceSymbols(sbn uint32) uint32 {
	if sbn < p.NumLargeBlocks {
		return p.ALarge
	}
	return p.ASmall
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
