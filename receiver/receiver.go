// Package receiver implements the per-(endpoint, TSI) reception pipeline
// (spec.md §4.7): LCT/ALC parsing, FDT dispatch, TOI resolution
// (including speculative creation from in-band OTI and a bounded
// unknown-TOI buffer), block decoding, in-order flush to the object
// assembler, and session-level cleanup (timeout and cache-bound
// eviction).
package receiver

import (
	"bytes"
	"time"

	"github.com/fluteproto/flute/alc"
	"github.com/fluteproto/flute/block"
	"github.com/fluteproto/flute/endpoint"
	"github.com/fluteproto/flute/fdt"
	"github.com/fluteproto/flute/flerr"
	"github.com/fluteproto/flute/lct"
	"github.com/fluteproto/flute/object"
	"github.com/fluteproto/flute/oti"
)

// Config bounds a session's resource usage (spec.md §4.7).
type Config struct {
	ObjectMaxCacheSize uint64
	ObjectTimeout      time.Duration
	KeepPartialFiles   bool
	UnknownTOIBufSize  int
}

// DefaultConfig matches the conservative defaults used across the example
// FLUTE deployments this core was distilled from: a modest cache ceiling,
// a generous timeout, and a small buffer for packets that race ahead of
// their FDT entry.
var DefaultConfig = Config{
	ObjectMaxCacheSize: 64 << 20,
	ObjectTimeout:      5 * time.Minute,
	UnknownTOIBufSize:  64,
}

type toiKey struct{ low, high uint64 }

type objectState struct {
	toi          toiKey
	oti          oti.Oti
	partition    oti.BlockPartition
	assembler    *object.Assembler
	blocks       map[uint32]*block.Decoder
	ignored      bool
	lastActivity time.Time
	cacheBytes   uint64
}

type bufferedPacket struct {
	toi     toiKey
	data    []byte
	arrived time.Time
}

// fdtCollector is the object.Writer that reassembles an in-band FDT
// instance's bytes (spec.md §4.6): FDT instances are framed and FEC-coded
// exactly like a regular object, just at TOI 0, so they need the same
// block-decoder reassembly before the result can be handed to
// fdt.ParseXML.
type fdtCollector struct {
	buf    bytes.Buffer
	failed bool
}

func (c *fdtCollector) Open(time.Time) error                       { return nil }
func (c *fdtCollector) Write(_ uint32, data []byte, _ time.Time) error { c.buf.Write(data); return nil }
func (c *fdtCollector) Complete(time.Time)                          {}
func (c *fdtCollector) Error(time.Time)                             { c.failed = true }
func (c *fdtCollector) Interrupted(time.Time)                       { c.failed = true }
func (c *fdtCollector) EnableMD5Check() bool                        { return false }

// fdtObjectState is the in-progress reassembly of one FDT instance,
// keyed by its FDT-Instance-ID (EXT_FDT), mirroring objectState's role
// for regular TOIs.
type fdtObjectState struct {
	oti       oti.Oti
	partition oti.BlockPartition
	assembler *object.Assembler
	collector *fdtCollector
	blocks    map[uint32]*block.Decoder
}

// Session is the reception state for one (endpoint, TSI) pair.
type Session struct {
	Endpoint endpoint.UDPEndpoint
	TSI      uint64

	builder object.Builder
	fdtMgr  *fdt.ReceiverManager
	baseOTI oti.Oti
	cfg     Config

	objects         map[toiKey]*objectState
	unknownBuf      []bufferedPacket
	totalCacheBytes uint64

	fdtObjects map[uint32]*fdtObjectState
	fdtDone    map[uint32]bool
}

// New builds a session for ep/tsi. baseOTI is used to interpret FDT
// entries that carry no per-file OTI override.
func New(ep endpoint.UDPEndpoint, tsi uint64, baseOTI oti.Oti, builder object.Builder, cfg Config) *Session {
	return &Session{
		Endpoint: ep,
		TSI:      tsi,
		builder:  builder,
		fdtMgr:   fdt.NewReceiverManager(baseOTI),
		baseOTI:  baseOTI,
		cfg:      cfg,
		objects:  make(map[toiKey]*objectState),

		fdtObjects: make(map[uint32]*fdtObjectState),
		fdtDone:    make(map[uint32]bool),
	}
}

// Push processes one received packet.
func (s *Session) Push(packetBytes []byte, now time.Time) error {
	parsed, err := lct.Parse(packetBytes)
	if err != nil {
		return err
	}
	return s.pushParsed(parsed, now)
}

func (s *Session) pushParsed(parsed lct.Parsed, now time.Time) error {
	toi := toiKey{low: parsed.Fields.TOI, high: parsed.Fields.TOIHigh}

	if toi == (toiKey{}) {
		return s.handleFDTPacket(parsed, now)
	}

	st, ok := s.objects[toi]
	if !ok {
		st = s.resolveObject(toi, parsed, now)
		if st == nil {
			s.bufferUnknown(toi, parsed, now)
			return nil
		}
	}
	if st.ignored {
		return nil
	}

	st.lastActivity = now
	return s.handleObjectPacket(st, parsed, now)
}

// handleFDTPacket demuxes one TOI=0 packet against the in-progress
// reassembly of its FDT instance. An FDT instance is ALC/FEC-framed
// exactly like a regular object (spec.md §4.6), so this mirrors
// handleObjectPacket: parse the ALC payload ID, feed the symbol to its
// block decoder, and flush completed blocks through an assembler. Only
// once the assembler finishes does the result get handed to
// fdt.ParseXML via fdtMgr.Ingest.
func (s *Session) handleFDTPacket(parsed lct.Parsed, now time.Time) error {
	if parsed.Extensions.FDT == nil {
		return flerr.NewParseError(flerr.UnknownExtension, "FDT packet (TOI=0) missing EXT_FDT")
	}
	id := parsed.Extensions.FDT.FDTInstanceID
	if s.fdtDone[id] {
		return nil
	}

	st, ok := s.fdtObjects[id]
	if !ok {
		if parsed.Extensions.FTI == nil {
			// Only the first packet of a round carries FTI; without it there's
			// no transfer length to partition against, so there's nothing to
			// reassemble yet. The carousel will resend the first packet.
			return nil
		}
		st = newFDTObjectState(otiFromFTI(*parsed.Extensions.FTI), parsed.Extensions.FTI.TransferLength)
		s.fdtObjects[id] = st
	}

	alcID, symbolPayload, err := alc.Parse(st.oti, parsed.Payload)
	if err != nil {
		return err
	}

	dec, ok := st.blocks[alcID.SBN]
	if !ok {
		nSrc := st.partition.BlockSourceSymbols(alcID.SBN)
		blockSize := int(nSrc) * int(st.oti.EncodingSymbolLength)
		dec = block.New()
		if err := dec.Init(st.oti, int(nSrc), blockSize); err != nil {
			return err
		}
		st.blocks[alcID.SBN] = dec
	}

	if err := dec.Push(symbolPayload, alcID.ESI); err != nil {
		return err
	}
	if !dec.Completed {
		return nil
	}
	delete(st.blocks, alcID.SBN)

	if err := st.assembler.PushBlock(alcID.SBN, dec, now); err != nil {
		delete(s.fdtObjects, id)
		return err
	}
	if !st.assembler.Done() {
		return nil
	}
	delete(s.fdtObjects, id)
	s.fdtDone[id] = true
	if st.collector.failed {
		return nil
	}

	resolved, err := s.fdtMgr.Ingest(id, st.collector.buf.Bytes(), now)
	if err != nil {
		return err
	}
	for _, entry := range resolved {
		s.drainBufferedFor(entry, now)
	}
	return nil
}

func newFDTObjectState(o oti.Oti, transferLength uint64) *fdtObjectState {
	collector := &fdtCollector{}
	return &fdtObjectState{
		oti:       o,
		partition: o.Partition(transferLength),
		assembler: object.New(collector, transferLength, lct.CencNull, ""),
		collector: collector,
		blocks:    make(map[uint32]*block.Decoder),
	}
}

func (s *Session) drainBufferedFor(entry fdt.FileEntry, now time.Time) {
	toi := toiKey{low: entry.TOI}
	var remaining []bufferedPacket
	for _, bp := range s.unknownBuf {
		if bp.toi != toi {
			remaining = append(remaining, bp)
			continue
		}
		if parsed, err := lct.Parse(bp.data); err == nil {
			s.pushParsed(parsed, now)
		}
	}
	s.unknownBuf = remaining
}

// resolveObject looks up an FDT entry or in-band OTI for toi and creates
// its object state, or returns nil if neither resolved it (caller should
// buffer the packet).
func (s *Session) resolveObject(toi toiKey, parsed lct.Parsed, now time.Time) *objectState {
	if entry, ok := s.fdtMgr.Lookup(toi.low); ok && toi.high == 0 {
		return s.createObject(toi, entry, parsed, now)
	}
	if parsed.Extensions.FTI != nil {
		entry := fdt.FileEntry{
			TOI:           toi.low,
			ContentLength: parsed.Extensions.FTI.TransferLength,
		}
		if parsed.Extensions.CENC != nil {
			entry.Cenc = parsed.Extensions.CENC.Cenc
		}
		return s.createObject(toi, entry, parsed, now)
	}
	return nil
}

func (s *Session) createObject(toi toiKey, entry fdt.FileEntry, parsed lct.Parsed, now time.Time) *objectState {
	o := s.objectOTI(entry, parsed)
	cenc := entry.Cenc
	if parsed.Extensions.CENC != nil {
		cenc = parsed.Extensions.CENC.Cenc
	}

	meta := object.Metadata{
		ContentLocation: entry.ContentLocation,
		ContentType:     entry.ContentType,
		ContentLength:   entry.ContentLength,
		Cenc:            cenc,
		MD5:             entry.ContentMD5,
	}
	result := s.builder.NewObjectWriter(s.Endpoint, s.TSI, toi.low, toi.high, meta, now)
	if result.Ignored() {
		st := &objectState{toi: toi, ignored: true, lastActivity: now}
		s.objects[toi] = st
		return st
	}

	w := result.Writer()
	if err := w.Open(now); err != nil {
		st := &objectState{toi: toi, ignored: true, lastActivity: now}
		s.objects[toi] = st
		return st
	}
	asm := object.New(w, entry.ContentLength, cenc, entry.ContentMD5)
	st := &objectState{
		toi:          toi,
		oti:          o,
		partition:    o.Partition(entry.ContentLength),
		assembler:    asm,
		blocks:       make(map[uint32]*block.Decoder),
		lastActivity: now,
	}
	s.objects[toi] = st
	return st
}

func (s *Session) objectOTI(entry fdt.FileEntry, parsed lct.Parsed) oti.Oti {
	if entry.OTI != nil {
		return *entry.OTI
	}
	if parsed.Extensions.FTI != nil {
		return otiFromFTI(*parsed.Extensions.FTI)
	}
	return s.baseOTI
}

func otiFromFTI(fti lct.FTIExtension) oti.Oti {
	o := oti.Oti{
		FECEncodingID:            oti.FECEncodingID(fti.FECEncodingID),
		EncodingSymbolLength:     fti.EncodingSymbolLength,
		MaximumSourceBlockLength: fti.MaximumSourceBlockLength,
		MaxNumberOfParitySymbols: fti.MaxNumberOfParitySymbols,
	}
	switch o.FECEncodingID {
	case oti.Raptor:
		o.Scheme = oti.SchemeRaptor
		align := uint8(1)
		if len(fti.SchemeSpecific) >= 1 {
			align = fti.SchemeSpecific[0]
		}
		o.Raptor = &oti.RaptorScheme{SymbolAlignment: align}
	case oti.RaptorQ:
		o.Scheme = oti.SchemeRaptorQ
		var sub uint16
		var align uint8 = 1
		if len(fti.SchemeSpecific) >= 3 {
			sub = uint16(fti.SchemeSpecific[0])<<8 | uint16(fti.SchemeSpecific[1])
			align = fti.SchemeSpecific[2]
		}
		o.RaptorQ = &oti.RaptorQScheme{SubBlocksLength: sub, SymbolAlignment: align}
	}
	return o
}

func (s *Session) bufferUnknown(toi toiKey, parsed lct.Parsed, now time.Time) {
	raw, err := lct.Encode(parsed.Fields, parsed.Extensions, parsed.Payload)
	if err != nil {
		return
	}
	if len(s.unknownBuf) >= s.cfg.UnknownTOIBufSize && s.cfg.UnknownTOIBufSize > 0 {
		s.unknownBuf = s.unknownBuf[1:]
	}
	s.unknownBuf = append(s.unknownBuf, bufferedPacket{toi: toi, data: raw, arrived: now})
}

func (s *Session) handleObjectPacket(st *objectState, parsed lct.Parsed, now time.Time) error {
	id, symbolPayload, err := alc.Parse(st.oti, parsed.Payload)
	if err != nil {
		return err
	}

	dec, ok := st.blocks[id.SBN]
	if !ok {
		nSrc := st.partition.BlockSourceSymbols(id.SBN)
		blockSize := int(nSrc) * int(st.oti.EncodingSymbolLength)
		dec = block.New()
		if err := dec.Init(st.oti, int(nSrc), blockSize); err != nil {
			return err
		}
		st.blocks[id.SBN] = dec
	}

	prevCacheBytes := st.cacheBytes
	if err := dec.Push(symbolPayload, id.ESI); err != nil {
		return err
	}
	st.cacheBytes += uint64(len(symbolPayload))
	s.totalCacheBytes += st.cacheBytes - prevCacheBytes

	if !dec.Completed {
		return nil
	}
	delete(st.blocks, id.SBN)
	if err := st.assembler.PushBlock(id.SBN, dec, now); err != nil {
		s.removeObject(st.toi)
		return err
	}
	if st.assembler.Done() {
		s.removeObject(st.toi)
	}
	return nil
}

func (s *Session) removeObject(toi toiKey) {
	st, ok := s.objects[toi]
	if !ok {
		return
	}
	s.totalCacheBytes -= st.cacheBytes
	delete(s.objects, toi)
	s.fdtMgr.Forget(toi.low)
}

// Cleanup drops expired FDT instances and evicts timed-out and (if over
// budget) least-recently-active incomplete objects. It returns nil in the
// current implementation but keeps an error-returning signature so
// MultiReceiver can fan it out across sessions and aggregate failures
// uniformly.
func (s *Session) Cleanup(now time.Time) error {
	s.fdtMgr.ExpireInstances(now)
	for toi, st := range s.objects {
		if st.ignored {
			continue
		}
		if s.cfg.ObjectTimeout > 0 && now.Sub(st.lastActivity) > s.cfg.ObjectTimeout {
			st.assembler.Interrupt(now)
			s.removeObject(toi)
		}
	}

	if s.cfg.ObjectMaxCacheSize == 0 || s.totalCacheBytes <= s.cfg.ObjectMaxCacheSize {
		return nil
	}
	for s.totalCacheBytes > s.cfg.ObjectMaxCacheSize {
		var oldest toiKey
		var oldestTime time.Time
		found := false
		for toi, st := range s.objects {
			if st.ignored {
				continue
			}
			if !found || st.lastActivity.Before(oldestTime) {
				oldest, oldestTime, found = toi, st.lastActivity, true
			}
		}
		if !found {
			break
		}
		s.objects[oldest].assembler.Interrupt(now)
		s.removeObject(oldest)
	}
	return nil
}
