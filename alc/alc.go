// Package alc implements the ALC payload ID: the (SBN, ESI) tuple that
// follows the LCT header and identifies which source block and which
// encoding symbol within it a packet carries (spec.md §4.2).
package alc

import (
	"github.com/fluteproto/flute/flerr"
	"github.com/fluteproto/flute/oti"
)

// PayloadID is the parsed (SBN, ESI) pair.
type PayloadID struct {
	SBN uint32
	ESI uint32
}

// FieldWidths returns the (sbnBits, esiBits) used on the wire for the
// given FEC scheme, per spec.md §4.2: RaptorQ is 8/24, NoCode is 16/16,
// strict Reed-Solomon GF(2^8) is 8/8, under-specified Reed-Solomon is
// 32/8, and Raptor uses an 8-bit SBN with a 16-bit ESI, widened to 24 bits
// when MaximumSourceBlockLength + MaxNumberOfParitySymbols exceeds 65536.
func FieldWidths(o oti.Oti) (sbnBits, esiBits int) {
	switch o.FECEncodingID {
	case oti.RaptorQ:
		return 8, 24
	case oti.NoCode:
		return 16, 16
	case oti.ReedSolomonGF28:
		return 8, 8
	case oti.ReedSolomonGF28UnderSpecified:
		return 32, 8
	case oti.Raptor:
		return sbnBitsFor(o.MaximumSourceBlockLength), esiBitsFor(o.MaximumSourceBlockLength + o.MaxNumberOfParitySymbols)
	default:
		return 16, 16
	}
}

func sbnBitsFor(maxSourceBlockLength uint32) int {
	// One byte is enough for any realistic block count list length; widen
	// only if the configured source block length needs more than 255 blocks
	// worth of addressing headroom is out of scope here since MaximumSourceBlockLength
	// bounds symbols-per-block, not block count.
	return 8
}

func esiBitsFor(maxSymbols uint32) int {
	if maxSymbols <= 1<<16 {
		return 16
	}
	return 24
}

// Encode packs a payload ID into its fixed-size wire form for the given OTI.
func Encode(o oti.Oti, id PayloadID) ([]byte, error) {
	sbnBits, esiBits := FieldWidths(o)
	totalBits := sbnBits + esiBits
	if totalBits%8 != 0 {
		return nil, flerr.NewConfigError("alc payload id: %d+%d bits not byte-aligned", sbnBits, esiBits)
	}
	buf := make([]byte, totalBits/8)
	packBits(buf, 0, sbnBits, id.SBN)
	packBits(buf, sbnBits, esiBits, id.ESI)
	return buf, nil
}

// Parse unpacks a payload ID from the front of data, returning the
// remaining bytes (the FEC symbol payload).
func Parse(o oti.Oti, data []byte) (PayloadID, []byte, error) {
	sbnBits, esiBits := FieldWidths(o)
	totalBits := sbnBits + esiBits
	n := totalBits / 8
	if len(data) < n {
		return PayloadID{}, nil, flerr.NewParseError(flerr.Truncated, "alc payload id needs %d bytes, got %d", n, len(data))
	}
	sbn := unpackBits(data, 0, sbnBits)
	esi := unpackBits(data, sbnBits, esiBits)
	return PayloadID{SBN: sbn, ESI: esi}, data[n:], nil
}

// packBits writes value into buf at the given bit offset, using the least
// significant bitWidth bits of value, big-endian within the field.
func packBits(buf []byte, bitOffset, bitWidth int, value uint32) {
	for i := 0; i < bitWidth; i++ {
		bit := (value >> (bitWidth - 1 - i)) & 1
		pos := bitOffset + i
		if bit != 0 {
			buf[pos/8] |= 1 << (7 - uint(pos%8))
		}
	}
}

func unpackBits(buf []byte, bitOffset, bitWidth int) uint32 {
	var v uint32
	for i := 0; i < bitWidth; i++ {
		pos := bitOffset + i
		bit := (buf[pos/8] >> (7 - uint(pos%8))) & 1
		v = (v << 1) | uint32(bit)
	}
	return v
}
