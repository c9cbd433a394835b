// Package fdt implements the File Delivery Table: the in-band XML
// catalog mapping TOIs to object metadata (spec.md §4.6). It covers both
// the sender side (accumulate pending entries, publish numbered
// instances for the carousel) and the receiver side (ingest instances,
// resolve TOIs, expire stale catalog state).
package fdt

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"github.com/fluteproto/flute/flerr"
	"github.com/fluteproto/flute/lct"
	"github.com/fluteproto/flute/oti"
)

// FileEntry is one <File> element: the metadata an FDT instance publishes
// for a single TOI.
type FileEntry struct {
	TOI             uint64
	ContentLocation string
	ContentLength   uint64
	ContentType     string
	ContentMD5      string // base64, "" if none published
	Cenc            lct.Cenc
	OTI             *oti.Oti // per-file override; nil inherits the session/base OTI
}

// Instance is one parsed or published FDT-Instance document.
type Instance struct {
	ID      uint32
	Files   []FileEntry
	Expires time.Time
}

// wire schema, a simplified rendering of RFC 6726 §3.2's FDT-Instance XML.
type xmlInstance struct {
	XMLName xml.Name   `xml:"FDT-Instance"`
	Expires int64       `xml:"Expires,attr"`
	Files   []xmlFile   `xml:"File"`
}

type xmlFile struct {
	TOI             uint64 `xml:"TOI,attr"`
	ContentLocation string `xml:"Content-Location,attr"`
	ContentLength   uint64 `xml:"Content-Length,attr,omitempty"`
	ContentType     string `xml:"Content-Type,attr,omitempty"`
	ContentMD5      string `xml:"Content-MD5,attr,omitempty"`
	ContentEncoding string `xml:"Content-Encoding,attr,omitempty"`

	FECEncodingID       *uint8  `xml:"FEC-OTI-FEC-Encoding-ID,attr,omitempty"`
	SymbolLength        *uint16 `xml:"FEC-OTI-Encoding-Symbol-Length,attr,omitempty"`
	SourceBlockLength   *uint32 `xml:"FEC-OTI-Maximum-Source-Block-Length,attr,omitempty"`
	MaxParitySymbols    *uint32 `xml:"FEC-OTI-Max-Number-of-Encoding-Symbols,attr,omitempty"`
	SchemeSpecificInfo  string  `xml:"FEC-OTI-Scheme-Specific-Info,attr,omitempty"`
}

func cencToString(c lct.Cenc) string {
	switch c {
	case lct.CencZlib:
		return "zlib"
	case lct.CencDeflate:
		return "deflate"
	case lct.CencGzip:
		return "gzip"
	default:
		return ""
	}
}

func cencFromString(s string) lct.Cenc {
	switch s {
	case "zlib":
		return lct.CencZlib
	case "deflate":
		return lct.CencDeflate
	case "gzip":
		return lct.CencGzip
	default:
		return lct.CencNull
	}
}

// EncodeXML serializes inst into an FDT-Instance document.
func EncodeXML(inst Instance) ([]byte, error) {
	wire := xmlInstance{Expires: inst.Expires.Unix()}
	for _, f := range inst.Files {
		xf := xmlFile{
			TOI:             f.TOI,
			ContentLocation: f.ContentLocation,
			ContentLength:   f.ContentLength,
			ContentType:     f.ContentType,
			ContentMD5:      f.ContentMD5,
			ContentEncoding: cencToString(f.Cenc),
		}
		if f.OTI != nil {
			id := uint8(f.OTI.FECEncodingID)
			symLen := f.OTI.EncodingSymbolLength
			blockLen := f.OTI.MaximumSourceBlockLength
			parity := f.OTI.MaxNumberOfParitySymbols
			xf.FECEncodingID = &id
			xf.SymbolLength = &symLen
			xf.SourceBlockLength = &blockLen
			xf.MaxParitySymbols = &parity
			xf.SchemeSpecificInfo = encodeSchemeSpecific(*f.OTI)
		}
		wire.Files = append(wire.Files, xf)
	}
	out, err := xml.MarshalIndent(wire, "", "  ")
	if err != nil {
		return nil, flerr.NewConfigError("fdt: marshal instance: %v", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func encodeSchemeSpecific(o oti.Oti) string {
	switch {
	case o.RaptorQ != nil:
		return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("RQ:%d:%d", o.RaptorQ.SubBlocksLength, o.RaptorQ.SymbolAlignment)))
	case o.Raptor != nil:
		return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("R:%d", o.Raptor.SymbolAlignment)))
	default:
		return ""
	}
}

// decodeSchemeSpecific parses the base64 FEC-OTI-Scheme-Specific-Info
// produced by encodeSchemeSpecific back into o.Raptor/o.RaptorQ, so an
// object whose OTI is resolved from the FDT alone (no in-band EXT_FTI)
// still recovers its sub-block and symbol-alignment parameters.
func decodeSchemeSpecific(o *oti.Oti, encoded string) {
	if encoded == "" {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return
	}
	switch o.FECEncodingID {
	case oti.RaptorQ:
		var subBlocksLength uint16
		var symbolAlignment uint8
		if _, err := fmt.Sscanf(string(raw), "RQ:%d:%d", &subBlocksLength, &symbolAlignment); err == nil {
			o.RaptorQ = &oti.RaptorQScheme{SubBlocksLength: subBlocksLength, SymbolAlignment: symbolAlignment}
		}
	case oti.Raptor:
		var symbolAlignment uint8
		if _, err := fmt.Sscanf(string(raw), "R:%d", &symbolAlignment); err == nil {
			o.Raptor = &oti.RaptorScheme{SymbolAlignment: symbolAlignment}
		}
	}
}

// ParseXML parses an FDT-Instance document. baseOTI is inherited by any
// file that carries no FEC-OTI-* override.
func ParseXML(data []byte, baseOTI oti.Oti) (Instance, error) {
	var wire xmlInstance
	if err := xml.Unmarshal(data, &wire); err != nil {
		return Instance{}, flerr.NewParseError(flerr.Truncated, "fdt: invalid XML: %v", err)
	}
	inst := Instance{Expires: time.Unix(wire.Expires, 0)}
	for _, xf := range wire.Files {
		f := FileEntry{
			TOI:             xf.TOI,
			ContentLocation: xf.ContentLocation,
			ContentLength:   xf.ContentLength,
			ContentType:     xf.ContentType,
			ContentMD5:      xf.ContentMD5,
			Cenc:            cencFromString(xf.ContentEncoding),
		}
		if xf.FECEncodingID != nil {
			o := baseOTI
			o.FECEncodingID = oti.FECEncodingID(*xf.FECEncodingID)
			if xf.SymbolLength != nil {
				o.EncodingSymbolLength = *xf.SymbolLength
			}
			if xf.SourceBlockLength != nil {
				o.MaximumSourceBlockLength = *xf.SourceBlockLength
			}
			if xf.MaxParitySymbols != nil {
				o.MaxNumberOfParitySymbols = *xf.MaxParitySymbols
			}
			decodeSchemeSpecific(&o, xf.SchemeSpecificInfo)
			f.OTI = &o
		}
		inst.Files = append(inst.Files, f)
	}
	return inst, nil
}

// SenderManager accumulates pending FDT entries and publishes numbered
// instances for a sender's carousel (spec.md §4.6, sender side).
type SenderManager struct {
	mu      sync.Mutex
	nextID  uint32
	baseOTI oti.Oti
	entries map[uint64]FileEntry
	current *Instance
	xml     []byte
}

// NewSenderManager builds a manager whose published instances default to
// baseOTI for any entry without its own override.
func NewSenderManager(baseOTI oti.Oti) *SenderManager {
	return &SenderManager{baseOTI: baseOTI, entries: make(map[uint64]FileEntry)}
}

// AddObject registers (or replaces) an entry to be included in the next
// publish.
func (m *SenderManager) AddObject(entry FileEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.TOI] = entry
}

// RemoveObject drops an entry so it is omitted from future publishes
// (it remains in any already-published, still-retransmitting instance).
func (m *SenderManager) RemoveObject(toi uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, toi)
}

// Publish freezes the current pending entries into a new numbered
// instance, valid until expires, and returns its ID and serialized XML
// (which is also what subsequent carousel retransmissions resend until
// the next Publish).
func (m *SenderManager) Publish(expires time.Time) (uint32, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst := Instance{ID: m.nextID, Expires: expires}
	for _, f := range m.entries {
		inst.Files = append(inst.Files, f)
	}
	data, err := EncodeXML(inst)
	if err != nil {
		return 0, nil, err
	}
	m.nextID++
	m.current = &inst
	m.xml = data
	return inst.ID, data, nil
}

// Current returns the most recently published instance's XML bytes, for
// carousel retransmission, and whether one has been published yet.
func (m *SenderManager) Current() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, false
	}
	return m.xml, true
}

// trackedInstance is the receiver-side bookkeeping for one ingested FDT
// instance: its entries by TOI, and when it stops being authoritative.
type trackedInstance struct {
	entries map[uint64]FileEntry
	expires time.Time
}

// ReceiverManager tracks ingested FDT instances and resolves TOIs against
// them (spec.md §4.6, receiver side).
type ReceiverManager struct {
	mu        sync.Mutex
	baseOTI   oti.Oti
	instances map[uint32]*trackedInstance
	resolved  map[uint64]FileEntry
}

// NewReceiverManager builds an empty receiver-side FDT tracker.
func NewReceiverManager(baseOTI oti.Oti) *ReceiverManager {
	return &ReceiverManager{
		baseOTI:   baseOTI,
		instances: make(map[uint32]*trackedInstance),
		resolved:  make(map[uint64]FileEntry),
	}
}

// Ingest parses a newly received FDT instance and returns the entries it
// makes resolvable for the first time (candidates to drain from an
// unknown-TOI buffer).
func (m *ReceiverManager) Ingest(fdtID uint32, data []byte, now time.Time) ([]FileEntry, error) {
	inst, err := ParseXML(data, m.baseOTI)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.instances[fdtID]; seen {
		return nil, nil
	}

	tracked := &trackedInstance{entries: make(map[uint64]FileEntry), expires: inst.Expires}
	var newlyResolved []FileEntry
	for _, f := range inst.Files {
		tracked.entries[f.TOI] = f
		if _, already := m.resolved[f.TOI]; !already {
			m.resolved[f.TOI] = f
			newlyResolved = append(newlyResolved, f)
		}
	}
	m.instances[fdtID] = tracked
	return newlyResolved, nil
}

// Lookup returns the entry for toi, if any ingested instance has resolved it.
func (m *ReceiverManager) Lookup(toi uint64) (FileEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.resolved[toi]
	return f, ok
}

// Forget drops a resolved TOI once its object has completed or been
// evicted, so a future FDT instance republishing the same TOI number is
// treated as new.
func (m *ReceiverManager) Forget(toi uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resolved, toi)
}

// ExpireInstances drops tracked instances past their expiry. Entries
// already resolved into m.resolved are left alone: an object in flight
// keeps referencing the metadata it started with even after its FDT
// instance's nominal expiry.
func (m *ReceiverManager) ExpireInstances(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inst := range m.instances {
		if now.After(inst.expires) {
			delete(m.instances, id)
		}
	}
}
