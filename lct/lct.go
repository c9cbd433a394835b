// Package lct implements the Layered Coding Transport header: the fixed
// 4-byte prefix, variable-length TSI/TOI fields, and extension headers
// (EXT_FDT, EXT_FTI, EXT_CENC, EXT_TIME, EXT_TOL) that every FLUTE/ALC
// packet carries (spec.md §4.1).
//
// The wire layout mirrors the binary-header style the teacher uses for its
// own UDP discovery protocol (tools/net/netboot), reading/writing 32-bit
// words with encoding/binary rather than hand-rolled bit shifting where a
// stdlib helper already does the job.
package lct

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fluteproto/flute/flerr"
)

// Version is the only LCT version this codec emits or accepts.
const Version = 1

// Cenc identifies a content-encoding applied to an object's bytes before
// FEC coding (spec.md §4.10).
type Cenc uint8

const (
	CencNull Cenc = iota
	CencZlib
	CencDeflate
	CencGzip
)

func (c Cenc) String() string {
	switch c {
	case CencNull:
		return "null"
	case CencZlib:
		return "zlib"
	case CencDeflate:
		return "deflate"
	case CencGzip:
		return "gzip"
	default:
		return fmt.Sprintf("cenc(%d)", uint8(c))
	}
}

// extension header type codes (LCT Header Extensions registry).
const (
	extFTI  = 64
	extTOL  = 65
	extFDT  = 192
	extCenc = 193
	extTime = 194
)

// Fields holds the parsed/serialized LCT base header fields (spec.md §4.1).
// Congestion control info is always echoed as zero: this core doesn't
// implement congestion control (spec.md Non-goals).
type Fields struct {
	TSI          uint64
	TOI          uint64 // low 64 bits; TOIHigh carries bits 64-127 for the full 128-bit TOI
	TOIHigh      uint64
	CloseSession bool
	CloseObject  bool
	Codepoint    uint8
}

// Extensions holds the optional trailers this codec understands. A nil
// field means the extension is absent; a non-nil one is present even when
// its values are zero (EXT_TOL's value can legitimately be 0).
type Extensions struct {
	FDT   *FDTExtension
	FTI   *FTIExtension
	CENC  *CencExtension
	Time  *TimeExtension
	TOL   *TOLExtension
}

// FDTExtension (EXT_FDT) carries the FDT instance this object's TOI=0
// packet belongs to.
type FDTExtension struct {
	FDTInstanceID uint32 // 20-bit field on the wire
	FDTVersion    uint8  // 4-bit field on the wire, truncated to its low nibble
}

// FTIExtension (EXT_FTI) carries the transfer length plus OTI
// scheme-specific parameters in-band, so a receiver never needs the FDT to
// start decoding (spec.md §3, §4.1).
type FTIExtension struct {
	TransferLength           uint64
	FECEncodingID            uint8
	EncodingSymbolLength     uint16
	MaximumSourceBlockLength uint32
	MaxNumberOfParitySymbols uint32
	// SchemeSpecific carries the variant-dependent tail (RaptorQ: 2 bytes
	// sub-blocks length + 1 byte alignment; Raptor: 1 byte alignment; RS
	// and NoCode: none).
	SchemeSpecific []byte
}

// CencExtension (EXT_CENC) carries the content-encoding in-band.
type CencExtension struct {
	Cenc Cenc
}

// TimeExtension (EXT_TIME) carries the sender's wall clock, as a Unix
// timestamp in seconds, at emission.
type TimeExtension struct {
	SenderCurrentTime uint32
}

// TOLExtension (EXT_TOL) carries the 48-bit transfer length when EXT_FTI
// is absent (spec.md §4.1).
type TOLExtension struct {
	TransferLength uint64 // 48-bit value
}

// tsiBytesForLen and toiBytesForLen map a TSI/TOI length code to the
// field's size in bytes: 0 = 0 bytes, 1 = 4 bytes (32 bits), 2 = 8 bytes
// (64 bits), and, for the TOI only, 3 = 16 bytes (the full 128-bit TOI).
// These codes are this codec's own, kept symmetric between encodedTSI/
// encodedTOI and Parse, not the RFC 5651 table verbatim.
func tsiBytesForLen(lenCode uint8) int {
	switch lenCode {
	case 0:
		return 0
	case 1:
		return 4
	case 2:
		return 8
	default:
		return 8
	}
}

func toiBytesForLen(lenCode uint8) int {
	switch lenCode {
	case 0:
		return 0
	case 1:
		return 4
	case 2:
		return 8
	case 3:
		return 16
	default:
		return 8
	}
}

// Encode serializes an LCT header plus its extensions, followed by
// payload. Extensions are appended in the canonical order {EXT_FDT,
// EXT_FTI, EXT_CENC, EXT_TIME, EXT_TOL} and the whole header is padded to
// a 32-bit boundary (spec.md §4.1).
func Encode(f Fields, ext Extensions, payload []byte) ([]byte, error) {
	var body bytes.Buffer

	tsiLen, tsiLenCode := encodedTSI(f.TSI)
	toiLen, toiLenCode := encodedTOI(f.TOI, f.TOIHigh)

	// Reserve the 4-byte base prefix; header length gets patched in at the end.
	body.Write(make([]byte, 4))
	body.Write(tsiLen)
	body.Write(toiLen)

	if ext.FDT != nil {
		if err := writeExt(&body, extFDT, encodeFDTExt(*ext.FDT)); err != nil {
			return nil, err
		}
	}
	if ext.FTI != nil {
		if err := writeExt(&body, extFTI, encodeFTIExt(*ext.FTI)); err != nil {
			return nil, err
		}
	}
	if ext.CENC != nil {
		if err := writeExt(&body, extCenc, []byte{byte(ext.CENC.Cenc)}); err != nil {
			return nil, err
		}
	}
	if ext.Time != nil {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, ext.Time.SenderCurrentTime)
		if err := writeExt(&body, extTime, b); err != nil {
			return nil, err
		}
	}
	if ext.TOL != nil {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, ext.TOL.TransferLength)
		if err := writeExt(&body, extTOL, b[2:]); err != nil { // 48-bit value, low 6 bytes
			return nil, err
		}
	}

	for body.Len()%4 != 0 {
		body.WriteByte(0)
	}

	out := body.Bytes()
	hdrLenWords := uint8(len(out) / 4)

	cp := f.Codepoint
	b0 := Version<<4 | boolBit(f.CloseSession, 1) | boolBit(f.CloseObject, 0)
	out[0] = b0
	out[1] = hdrLenWords
	out[2] = (tsiLenCode << 6) | (toiLenCode << 3)
	out[3] = cp

	out = append(out, payload...)
	return out, nil
}

func boolBit(v bool, shift uint) uint8 {
	if !v {
		return 0
	}
	return 1 << shift
}

func encodedTSI(tsi uint64) ([]byte, uint8) {
	if tsi == 0 {
		return nil, 0
	}
	if tsi <= 0xFFFFFFFF {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(tsi))
		return b, 1
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, tsi)
	return b, 2
}

func encodedTOI(toiLow, toiHigh uint64) ([]byte, uint8) {
	if toiHigh != 0 {
		b := make([]byte, 16)
		binary.BigEndian.PutUint64(b[:8], toiHigh)
		binary.BigEndian.PutUint64(b[8:], toiLow)
		return b, 3
	}
	if toiLow == 0 {
		return nil, 0
	}
	if toiLow <= 0xFFFFFFFF {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(toiLow))
		return b, 1
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, toiLow)
	return b, 2
}

func writeExt(buf *bytes.Buffer, code uint8, data []byte) error {
	// Extension length is in 32-bit words, including the 1-byte type and
	// 1-byte length fields themselves.
	total := 2 + len(data)
	for total%4 != 0 {
		total++
	}
	lenWords := total / 4
	if lenWords > 0xFF {
		return flerr.NewConfigError("extension %d too large to encode (%d bytes)", code, len(data))
	}
	buf.WriteByte(code)
	buf.WriteByte(byte(lenWords))
	buf.Write(data)
	for i := 2 + len(data); i < total; i++ {
		buf.WriteByte(0)
	}
	return nil
}

func encodeFDTExt(e FDTExtension) []byte {
	b := make([]byte, 4)
	v := (e.FDTInstanceID & 0x0FFFFF) | (uint32(e.FDTVersion&0xF) << 20)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func encodeFTIExt(e FTIExtension) []byte {
	b := make([]byte, 0, 16)
	tl := make([]byte, 8)
	binary.BigEndian.PutUint64(tl, e.TransferLength)
	b = append(b, tl...)
	b = append(b, e.FECEncodingID)
	esl := make([]byte, 2)
	binary.BigEndian.PutUint16(esl, e.EncodingSymbolLength)
	b = append(b, esl...)
	sbl := make([]byte, 4)
	binary.BigEndian.PutUint32(sbl, e.MaximumSourceBlockLength)
	b = append(b, sbl...)
	psym := make([]byte, 4)
	binary.BigEndian.PutUint32(psym, e.MaxNumberOfParitySymbols)
	b = append(b, psym...)
	b = append(b, e.SchemeSpecific...)
	return b
}

// Parsed is the result of a successful Parse.
type Parsed struct {
	Fields     Fields
	Extensions Extensions
	Payload    []byte
}

// Parse decodes an LCT header and its extensions from data, returning the
// remaining payload. Any malformed input yields a *flerr.ParseError
// (spec.md §4.1).
func Parse(data []byte) (Parsed, error) {
	if len(data) < 4 {
		return Parsed{}, flerr.NewParseError(flerr.Truncated, "short of the 4-byte LCT prefix: %d bytes", len(data))
	}
	version := data[0] >> 4
	if version != Version {
		return Parsed{}, flerr.NewParseError(flerr.BadVersion, "got version %d, want %d", version, Version)
	}
	closeSession := data[0]&0x2 != 0
	closeObject := data[0]&0x1 != 0
	hdrLenWords := int(data[1])
	tsiLenCode := (data[2] >> 6) & 0x3
	toiLenCode := (data[2] >> 3) & 0x7
	codepoint := data[3]

	hdrLen := hdrLenWords * 4
	if hdrLen < 4 || hdrLen > len(data) {
		return Parsed{}, flerr.NewParseError(flerr.Truncated, "header length %d words exceeds packet size %d", hdrLenWords, len(data))
	}

	cursor := 4
	tsiBytes := tsiBytesForLen(tsiLenCode)
	if cursor+tsiBytes > hdrLen {
		return Parsed{}, flerr.NewParseError(flerr.Truncated, "TSI field runs past header")
	}
	var tsi uint64
	if tsiBytes == 4 {
		tsi = uint64(binary.BigEndian.Uint32(data[cursor : cursor+4]))
	} else if tsiBytes == 8 {
		tsi = binary.BigEndian.Uint64(data[cursor : cursor+8])
	}
	cursor += tsiBytes

	toiBytes := toiBytesForLen(toiLenCode)
	if cursor+toiBytes > hdrLen {
		return Parsed{}, flerr.NewParseError(flerr.Truncated, "TOI field runs past header")
	}
	var toiLow, toiHigh uint64
	switch toiBytes {
	case 4:
		toiLow = uint64(binary.BigEndian.Uint32(data[cursor : cursor+4]))
	case 8:
		toiLow = binary.BigEndian.Uint64(data[cursor : cursor+8])
	case 16:
		toiHigh = binary.BigEndian.Uint64(data[cursor : cursor+8])
		toiLow = binary.BigEndian.Uint64(data[cursor+8 : cursor+16])
	}
	cursor += toiBytes

	var ext Extensions
	for cursor < hdrLen {
		if cursor+2 > hdrLen {
			return Parsed{}, flerr.NewParseError(flerr.Truncated, "extension header truncated")
		}
		code := data[cursor]
		lenWords := int(data[cursor+1])
		if lenWords == 0 {
			return Parsed{}, flerr.NewParseError(flerr.BadExtensionLength, "extension %d declares zero length", code)
		}
		extTotal := lenWords * 4
		if cursor+extTotal > hdrLen {
			return Parsed{}, flerr.NewParseError(flerr.BadExtensionLength, "extension %d (%d bytes) runs past header", code, extTotal)
		}
		extData := data[cursor+2 : cursor+extTotal]
		switch code {
		case extFDT:
			if len(extData) < 4 {
				return Parsed{}, flerr.NewParseError(flerr.BadExtensionLength, "EXT_FDT too short")
			}
			v := binary.BigEndian.Uint32(extData[:4])
			ext.FDT = &FDTExtension{FDTInstanceID: v & 0x0FFFFF, FDTVersion: uint8(v >> 20 & 0xF)}
		case extFTI:
			fti, err := parseFTIExt(extData)
			if err != nil {
				return Parsed{}, err
			}
			ext.FTI = fti
		case extCenc:
			if len(extData) < 1 {
				return Parsed{}, flerr.NewParseError(flerr.BadExtensionLength, "EXT_CENC too short")
			}
			ext.CENC = &CencExtension{Cenc: Cenc(extData[0])}
		case extTime:
			if len(extData) < 4 {
				return Parsed{}, flerr.NewParseError(flerr.BadExtensionLength, "EXT_TIME too short")
			}
			ext.Time = &TimeExtension{SenderCurrentTime: binary.BigEndian.Uint32(extData[:4])}
		case extTOL:
			if len(extData) < 6 {
				return Parsed{}, flerr.NewParseError(flerr.BadExtensionLength, "EXT_TOL too short")
			}
			var buf [8]byte
			copy(buf[2:], extData[:6])
			ext.TOL = &TOLExtension{TransferLength: binary.BigEndian.Uint64(buf[:])}
		default:
			return Parsed{}, flerr.NewParseError(flerr.UnknownExtension, "extension code %d", code)
		}
		cursor += extTotal
	}

	return Parsed{
		Fields: Fields{
			TSI:          tsi,
			TOI:          toiLow,
			TOIHigh:      toiHigh,
			CloseSession: closeSession,
			CloseObject:  closeObject,
			Codepoint:    codepoint,
		},
		Extensions: ext,
		Payload:    data[hdrLen:],
	}, nil
}

func parseFTIExt(extData []byte) (*FTIExtension, error) {
	if len(extData) < 15 {
		return nil, flerr.NewParseError(flerr.BadExtensionLength, "EXT_FTI too short: %d bytes", len(extData))
	}
	fti := &FTIExtension{
		TransferLength:           binary.BigEndian.Uint64(extData[0:8]),
		FECEncodingID:            extData[8],
		EncodingSymbolLength:     binary.BigEndian.Uint16(extData[9:11]),
		MaximumSourceBlockLength: binary.BigEndian.Uint32(extData[11:15]),
	}
	if len(extData) >= 19 {
		fti.MaxNumberOfParitySymbols = binary.BigEndian.Uint32(extData[15:19])
		// Only the scheme's own tail is kept; the rest is word padding.
		var n int
		switch fti.FECEncodingID {
		case 5: // oti.Raptor: 1 byte alignment
			n = 1
		case 6: // oti.RaptorQ: 2 bytes sub-blocks length + 1 byte alignment
			n = 3
		}
		if n > 0 && len(extData) >= 19+n {
			fti.SchemeSpecific = append([]byte(nil), extData[19:19+n]...)
		}
	}
	return fti, nil
}
