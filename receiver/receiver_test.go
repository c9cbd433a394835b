package receiver

import (
	"bytes"
	"testing"
	"time"

	"github.com/fluteproto/flute/alc"
	"github.com/fluteproto/flute/endpoint"
	"github.com/fluteproto/flute/fdt"
	"github.com/fluteproto/flute/fec"
	_ "github.com/fluteproto/flute/fec/nocode"
	"github.com/fluteproto/flute/lct"
	"github.com/fluteproto/flute/object"
	"github.com/fluteproto/flute/oti"
)

func fdtInstanceXML(toi, contentLength uint64) ([]byte, error) {
	return fdt.EncodeXML(fdt.Instance{
		ID:      1,
		Expires: time.Now().Add(time.Hour),
		Files: []fdt.FileEntry{
			{TOI: toi, ContentLocation: "file", ContentLength: contentLength},
		},
	})
}

type fakeWriter struct {
	buf      bytes.Buffer
	complete bool
	errored  bool
}

func (f *fakeWriter) Open(time.Time) error                      { return nil }
func (f *fakeWriter) Write(_ uint32, d []byte, _ time.Time) error { f.buf.Write(d); return nil }
func (f *fakeWriter) Complete(time.Time)                         { f.complete = true }
func (f *fakeWriter) Error(time.Time)                            { f.errored = true }
func (f *fakeWriter) Interrupted(time.Time)                      {}
func (f *fakeWriter) EnableMD5Check() bool                       { return false }

type fakeBuilder struct {
	writer *fakeWriter
	ignore bool
}

func (b *fakeBuilder) NewObjectWriter(ep endpoint.UDPEndpoint, tsi, toiLow, toiHigh uint64, meta object.Metadata, now time.Time) object.BuilderResult {
	if b.ignore {
		return object.Ignore()
	}
	return object.Store(b.writer)
}
func (b *fakeBuilder) UpdateCacheControl(endpoint.UDPEndpoint, uint64, uint64, uint64, object.Metadata, time.Time) {
}
func (b *fakeBuilder) FDTReceived(endpoint.UDPEndpoint, uint64, string, time.Time, time.Duration, time.Time, *time.Time) {
}

func buildPacket(t *testing.T, o oti.Oti, toi uint64, sbn, esi uint32, symbol []byte, withFTI bool, transferLength uint64) []byte {
	t.Helper()
	payload, err := alc.Encode(o, alc.PayloadID{SBN: sbn, ESI: esi})
	if err != nil {
		t.Fatal(err)
	}
	payload = append(payload, symbol...)

	var ext lct.Extensions
	if withFTI {
		ext.FTI = &lct.FTIExtension{
			TransferLength:           transferLength,
			FECEncodingID:            uint8(o.FECEncodingID),
			EncodingSymbolLength:     o.EncodingSymbolLength,
			MaximumSourceBlockLength: o.MaximumSourceBlockLength,
			MaxNumberOfParitySymbols: o.MaxNumberOfParitySymbols,
		}
	}
	raw, err := lct.Encode(lct.Fields{TSI: 1, TOI: toi}, ext, payload)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// buildFDTPackets frames data (an FDT-Instance XML document) as a series
// of TOI=0 packets the way sender.Session.emit does: ALC payload ID plus
// one FEC-coded symbol per packet, with FTI attached to the first.
func buildFDTPackets(t *testing.T, o oti.Oti, fdtID uint32, data []byte) [][]byte {
	t.Helper()
	partition := o.Partition(uint64(len(data)))
	symLen := int(o.EncodingSymbolLength)

	var pkts [][]byte
	offset := 0
	first := true
	for sbn := uint32(0); sbn < partition.NumBlocks; sbn++ {
		nSrc := int(partition.BlockSourceSymbols(sbn))
		blockLen := nSrc * symLen
		end := offset + blockLen
		if end > len(data) {
			end = len(data)
		}
		blockData := data[offset:end]
		offset = end

		enc, err := fec.NewEncoder(o, nSrc)
		if err != nil {
			t.Fatal(err)
		}
		symbols, err := enc.SourceBlock(blockData)
		if err != nil {
			t.Fatal(err)
		}
		for _, sym := range symbols {
			payload, err := alc.Encode(o, alc.PayloadID{SBN: sbn, ESI: sym.ESI})
			if err != nil {
				t.Fatal(err)
			}
			payload = append(payload, sym.Payload...)

			ext := lct.Extensions{FDT: &lct.FDTExtension{FDTInstanceID: fdtID}}
			if first {
				ext.FTI = &lct.FTIExtension{
					TransferLength:           uint64(len(data)),
					FECEncodingID:            uint8(o.FECEncodingID),
					EncodingSymbolLength:     o.EncodingSymbolLength,
					MaximumSourceBlockLength: o.MaximumSourceBlockLength,
					MaxNumberOfParitySymbols: o.MaxNumberOfParitySymbols,
				}
				first = false
			}
			raw, err := lct.Encode(lct.Fields{TSI: 1}, ext, payload)
			if err != nil {
				t.Fatal(err)
			}
			pkts = append(pkts, raw)
		}
	}
	return pkts
}

func TestSpeculativeCreationViaFTIAndSingleBlockCompletion(t *testing.T) {
	o, err := oti.NewNoCode(8, 2)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("abcdefgh12345678") // 2 symbols of 8 bytes
	w := &fakeWriter{}
	b := &fakeBuilder{writer: w}
	sess := New(endpoint.UDPEndpoint{}, 1, o, b, DefaultConfig)

	p0 := buildPacket(t, o, 42, 0, 0, data[0:8], true, uint64(len(data)))
	if err := sess.Push(p0, time.Now()); err != nil {
		t.Fatal(err)
	}
	if w.complete {
		t.Fatal("should not be complete after one of two symbols")
	}

	p1 := buildPacket(t, o, 42, 0, 1, data[8:16], false, 0)
	if err := sess.Push(p1, time.Now()); err != nil {
		t.Fatal(err)
	}
	if !w.complete {
		t.Fatal("expected completion after both symbols")
	}
	if !bytes.Equal(w.buf.Bytes(), data) {
		t.Fatalf("got %q, want %q", w.buf.Bytes(), data)
	}
}

func TestUnknownTOIBufferedThenResolvedByFDT(t *testing.T) {
	o, err := oti.NewNoCode(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	w := &fakeWriter{}
	b := &fakeBuilder{writer: w}
	sess := New(endpoint.UDPEndpoint{}, 1, o, b, DefaultConfig)

	data := []byte("abcd")
	pkt := buildPacket(t, o, 7, 0, 0, data, false, 0)
	if err := sess.Push(pkt, time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(sess.unknownBuf) != 1 {
		t.Fatalf("expected packet buffered as unresolved, got %d buffered", len(sess.unknownBuf))
	}

	fdtXML, err := fdtInstanceXML(7, uint64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	for _, fdtPkt := range buildFDTPackets(t, o, 1, fdtXML) {
		if err := sess.Push(fdtPkt, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if !w.complete {
		t.Fatal("expected the buffered object to complete once its FDT entry resolved")
	}
}

func TestIgnoredObjectIsNotStored(t *testing.T) {
	o, err := oti.NewNoCode(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	w := &fakeWriter{}
	b := &fakeBuilder{writer: w, ignore: true}
	sess := New(endpoint.UDPEndpoint{}, 1, o, b, DefaultConfig)

	pkt := buildPacket(t, o, 9, 0, 0, []byte("abcd"), true, 4)
	if err := sess.Push(pkt, time.Now()); err != nil {
		t.Fatal(err)
	}
	if w.complete {
		t.Fatal("ignored object must not be delivered")
	}
}

func TestCleanupInterruptsTimedOutObjects(t *testing.T) {
	o, err := oti.NewNoCode(4, 2)
	if err != nil {
		t.Fatal(err)
	}
	w := &fakeWriter{}
	b := &fakeBuilder{writer: w}
	cfg := DefaultConfig
	cfg.ObjectTimeout = time.Second
	sess := New(endpoint.UDPEndpoint{}, 1, o, b, cfg)

	start := time.Now()
	pkt := buildPacket(t, o, 5, 0, 0, []byte("abcd"), true, 8)
	if err := sess.Push(pkt, start); err != nil {
		t.Fatal(err)
	}
	if len(sess.objects) != 1 {
		t.Fatal("expected one in-flight object")
	}
	sess.Cleanup(start.Add(2 * time.Second))
	if len(sess.objects) != 0 {
		t.Fatal("expected timed-out object to be evicted")
	}
}
