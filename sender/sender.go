// Package sender implements the transmit-side session (spec.md §4.9):
// queuing objects at a priority, publishing the FDT catalog, and pulling
// one wire-ready packet at a time for a caller-driven send loop.
//
// The scheduler is grounded on the same caller-paced, single-threaded
// shape as the receiver session (spec.md §5): Read produces at most one
// packet per call and does no blocking I/O of its own, leaving pacing
// entirely to the caller's event loop.
package sender

import (
	"crypto/md5"
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"github.com/fluteproto/flute/alc"
	"github.com/fluteproto/flute/cenc"
	"github.com/fluteproto/flute/endpoint"
	"github.com/fluteproto/flute/fdt"
	"github.com/fluteproto/flute/fec"
	"github.com/fluteproto/flute/flerr"
	"github.com/fluteproto/flute/lct"
	"github.com/fluteproto/flute/oti"
)

// ObjectDesc describes one object to queue for transmission.
type ObjectDesc struct {
	// TOI pins the object to a specific TOI; 0 lets the session assign the
	// next one. TOI 0 is reserved for the FDT and is never assigned.
	TOI uint64
	// Priority selects this object's queue; higher values are served
	// first, and ties are broken round-robin (spec.md §4.9).
	Priority int
	// Data is the object's original (pre-content-encoding) bytes.
	Data []byte
	// OTI overrides the session's OTI for this object; nil inherits it.
	OTI *oti.Oti
	// Cenc compresses Data before FEC partitioning.
	Cenc lct.Cenc
	// ContentLocation and ContentType are published in the object's FDT entry.
	ContentLocation string
	ContentType     string
	// WithMD5 publishes an MD5 digest of Data in the FDT entry, letting a
	// receiver verify end-to-end integrity after decompression.
	WithMD5 bool
	// CarouselCount is how many full passes over the object's symbols are
	// sent before it retires. Values <= 0 are treated as 1 (send once).
	CarouselCount int
}

// queuedSymbol is one precomputed, ready-to-frame encoding symbol.
type queuedSymbol struct {
	sbn     uint32
	esi     uint32
	payload []byte
}

type objectState struct {
	toi            uint64
	isFDT          bool
	fdtID          uint32
	desc           ObjectDesc
	oti            oti.Oti
	transferLength uint64
	symbols        []queuedSymbol
	cursor         int
	rounds         int
	retired        bool
}

// tier is the FIFO scheduling state for one priority level: an active
// ring of at most interleaveBlocks objects, round-robined one symbol at a
// time, and a backlog waiting for a slot to free up.
type tier struct {
	active  []*objectState
	backlog []*objectState
}

func (t *tier) empty() bool { return len(t.active) == 0 && len(t.backlog) == 0 }

func (t *tier) promote(interleaveBlocks int) {
	for len(t.active) < interleaveBlocks && len(t.backlog) > 0 {
		t.active = append(t.active, t.backlog[0])
		t.backlog = t.backlog[1:]
	}
}

func (t *tier) enqueue(st *objectState, interleaveBlocks int) {
	if len(t.active) < interleaveBlocks {
		t.active = append(t.active, st)
		return
	}
	t.backlog = append(t.backlog, st)
}

// remove drops the object keyed by toi from both the active ring and the
// backlog. The FDT object's key is always 0 (a TOI no real object is ever
// assigned), so Publish can use the same path to retire a superseded
// instance.
func (t *tier) remove(toi uint64) {
	t.active = filterOut(t.active, toi)
	t.backlog = filterOut(t.backlog, toi)
}

func filterOut(list []*objectState, toi uint64) []*objectState {
	out := list[:0]
	for _, st := range list {
		key := st.toi
		if st.isFDT {
			key = 0
		}
		if key != toi {
			out = append(out, st)
		}
	}
	return out
}

// Session is the transmit-side state for one (endpoint, TSI) FLUTE
// session.
type Session struct {
	Endpoint endpoint.UDPEndpoint
	TSI      uint64

	baseOTI          oti.Oti
	interleaveBlocks int
	fdtPriority      int
	fdtCarousel      int

	mu      sync.Mutex
	fdtMgr  *fdt.SenderManager
	nextTOI uint64
	tiers   map[int]*tier
	objects map[uint64]*objectState
	fdt     *objectState
}

// New builds a sending session. interleaveBlocks caps how many objects at
// the same priority are round-robined concurrently (values <= 0 mean 1:
// objects at a priority are sent one at a time, in full, before the next).
// fdtPriority is the priority the published FDT instance is queued at;
// fdtCarousel is how many rounds the FDT repeats before Publish must be
// called again to keep it in rotation (values <= 0 mean 1).
func New(ep endpoint.UDPEndpoint, tsi uint64, baseOTI oti.Oti, interleaveBlocks, fdtPriority, fdtCarousel int) *Session {
	if interleaveBlocks <= 0 {
		interleaveBlocks = 1
	}
	if fdtCarousel <= 0 {
		fdtCarousel = 1
	}
	return &Session{
		Endpoint:         ep,
		TSI:              tsi,
		baseOTI:          baseOTI,
		interleaveBlocks: interleaveBlocks,
		fdtPriority:      fdtPriority,
		fdtCarousel:      fdtCarousel,
		fdtMgr:           fdt.NewSenderManager(baseOTI),
		nextTOI:          1,
		tiers:            make(map[int]*tier),
		objects:          make(map[uint64]*objectState),
	}
}

// AddObject queues desc for transmission and registers its FDT entry,
// returning the TOI it was assigned (or kept, if desc.TOI was set).
func (s *Session) AddObject(desc ObjectDesc) (uint64, error) {
	effectiveOTI := s.baseOTI
	if desc.OTI != nil {
		effectiveOTI = *desc.OTI
	}

	content, err := cenc.Compress(desc.Cenc, desc.Data)
	if err != nil {
		return 0, err
	}
	symbols, err := buildSymbols(effectiveOTI, content)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	toi := desc.TOI
	if toi == 0 {
		toi = s.nextTOI
		s.nextTOI++
	}

	entry := fdt.FileEntry{
		TOI:             toi,
		ContentLocation: desc.ContentLocation,
		ContentType:     desc.ContentType,
		ContentLength:   uint64(len(desc.Data)),
		Cenc:            desc.Cenc,
	}
	if desc.OTI != nil {
		entry.OTI = desc.OTI
	}
	if desc.WithMD5 {
		sum := md5.Sum(desc.Data)
		entry.ContentMD5 = base64.StdEncoding.EncodeToString(sum[:])
	}
	s.fdtMgr.AddObject(entry)

	st := &objectState{toi: toi, desc: desc, oti: effectiveOTI, transferLength: uint64(len(content)), symbols: symbols}
	s.objects[toi] = st
	s.tierFor(desc.Priority).enqueue(st, s.interleaveBlocks)
	return toi, nil
}

// RemoveObject drops a queued or in-flight object from rotation and from
// future FDT publishes.
func (s *Session) RemoveObject(toi uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.objects[toi]
	if !ok {
		return
	}
	delete(s.objects, toi)
	s.fdtMgr.RemoveObject(toi)
	if t, ok := s.tiers[st.desc.Priority]; ok {
		t.remove(toi)
	}
}

// Publish freezes the pending FDT entries into a new instance and queues
// it for transmission at fdtPriority, superseding whatever instance was
// previously in rotation.
func (s *Session) Publish(expires time.Time) error {
	id, xmlData, err := s.fdtMgr.Publish(expires)
	if err != nil {
		return err
	}
	symbols, err := buildSymbols(s.baseOTI, xmlData)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tierFor(s.fdtPriority)
	if s.fdt != nil {
		t.remove(0)
	}
	st := &objectState{
		isFDT:          true,
		fdtID:          id,
		oti:            s.baseOTI,
		transferLength: uint64(len(xmlData)),
		symbols:        symbols,
		desc:           ObjectDesc{Priority: s.fdtPriority, CarouselCount: s.fdtCarousel},
	}
	s.fdt = st
	t.enqueue(st, s.interleaveBlocks)
	return nil
}

func (s *Session) tierFor(priority int) *tier {
	t, ok := s.tiers[priority]
	if !ok {
		t = &tier{}
		s.tiers[priority] = t
	}
	return t
}

// Read produces the next packet to send, or ok=false if every queue is
// currently empty. It pulls exactly one symbol's worth of work per call:
// callers drive the send rate.
func (s *Session) Read(now time.Time) (packetBytes []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.sortedPriorities() {
		t := s.tiers[p]
		t.promote(s.interleaveBlocks)
		if len(t.active) == 0 {
			continue
		}

		st := t.active[0]
		t.active = t.active[1:]

		pkt, perr := s.emit(st, now)
		if perr != nil {
			return nil, false, perr
		}

		if st.retired {
			if !st.isFDT {
				delete(s.objects, st.toi)
				s.fdtMgr.RemoveObject(st.toi)
			}
		} else {
			t.active = append(t.active, st)
		}
		t.promote(s.interleaveBlocks)
		return pkt, true, nil
	}
	return nil, false, nil
}

func (s *Session) sortedPriorities() []int {
	ps := make([]int, 0, len(s.tiers))
	for p, t := range s.tiers {
		if !t.empty() {
			ps = append(ps, p)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ps)))
	return ps
}

func (s *Session) emit(st *objectState, now time.Time) ([]byte, error) {
	sym := st.symbols[st.cursor]
	firstOfRound := st.cursor == 0

	st.cursor++
	if st.cursor >= len(st.symbols) {
		st.cursor = 0
		st.rounds++
		count := st.desc.CarouselCount
		if count <= 0 {
			count = 1
		}
		if st.rounds >= count {
			st.retired = true
		}
	}

	payload, err := alc.Encode(st.oti, alc.PayloadID{SBN: sym.sbn, ESI: sym.esi})
	if err != nil {
		return nil, err
	}
	payload = append(payload, sym.payload...)

	var ext lct.Extensions
	if firstOfRound {
		ext.FTI = &lct.FTIExtension{
			TransferLength:           st.transferLength,
			FECEncodingID:            uint8(st.oti.FECEncodingID),
			EncodingSymbolLength:     st.oti.EncodingSymbolLength,
			MaximumSourceBlockLength: st.oti.MaximumSourceBlockLength,
			MaxNumberOfParitySymbols: st.oti.MaxNumberOfParitySymbols,
			SchemeSpecific:           ftiSchemeSpecific(st.oti),
		}
		if st.desc.Cenc != lct.CencNull {
			ext.CENC = &lct.CencExtension{Cenc: st.desc.Cenc}
		}
		ext.Time = &lct.TimeExtension{SenderCurrentTime: uint32(now.Unix())}
	}

	fields := lct.Fields{TSI: s.TSI}
	if st.isFDT {
		ext.FDT = &lct.FDTExtension{FDTInstanceID: st.fdtID}
	} else {
		fields.TOI = st.toi
	}

	return lct.Encode(fields, ext, payload)
}

func buildSymbols(o oti.Oti, content []byte) ([]queuedSymbol, error) {
	partition := o.Partition(uint64(len(content)))
	if o.FECEncodingID == oti.ReedSolomonGF28 && partition.NumBlocks > 255 {
		return nil, flerr.NewConfigError(
			"sender: object needs %d source blocks under strict Reed-Solomon GF(2^8), which packs SBN in 8 bits (max 255); use a larger maximum source block length or oti.ReedSolomonGF28UnderSpecified",
			partition.NumBlocks)
	}
	symLen := int(o.EncodingSymbolLength)

	var out []queuedSymbol
	offset := 0
	for sbn := uint32(0); sbn < partition.NumBlocks; sbn++ {
		nSrc := int(partition.BlockSourceSymbols(sbn))
		blockLen := nSrc * symLen
		end := offset + blockLen
		if end > len(content) {
			end = len(content)
		}
		blockData := content[offset:end]
		offset = end

		enc, err := fec.NewEncoder(o, nSrc)
		if err != nil {
			return nil, flerr.NewCodecError("sender: building encoder", err)
		}
		symbols, err := enc.SourceBlock(blockData)
		if err != nil {
			return nil, flerr.NewCodecError("sender: encoding source block", err)
		}
		for _, sym := range symbols {
			out = append(out, queuedSymbol{sbn: sbn, esi: sym.ESI, payload: sym.Payload})
		}
	}
	return out, nil
}

func ftiSchemeSpecific(o oti.Oti) []byte {
	switch {
	case o.RaptorQ != nil:
		return []byte{byte(o.RaptorQ.SubBlocksLength >> 8), byte(o.RaptorQ.SubBlocksLength), o.RaptorQ.SymbolAlignment}
	case o.Raptor != nil:
		return []byte{o.Raptor.SymbolAlignment}
	default:
		return nil
	}
}
