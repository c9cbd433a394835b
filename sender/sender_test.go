package sender

import (
	"bytes"
	"testing"
	"time"

	"github.com/fluteproto/flute/alc"
	"github.com/fluteproto/flute/block"
	"github.com/fluteproto/flute/endpoint"
	"github.com/fluteproto/flute/fdt"
	_ "github.com/fluteproto/flute/fec/nocode"
	"github.com/fluteproto/flute/lct"
	"github.com/fluteproto/flute/object"
	"github.com/fluteproto/flute/oti"
	"github.com/fluteproto/flute/receiver"
)

type fakeWriter struct {
	buf      bytes.Buffer
	complete bool
}

func (f *fakeWriter) Open(time.Time) error                       { return nil }
func (f *fakeWriter) Write(_ uint32, d []byte, _ time.Time) error { f.buf.Write(d); return nil }
func (f *fakeWriter) Complete(time.Time)                          { f.complete = true }
func (f *fakeWriter) Error(time.Time)                             {}
func (f *fakeWriter) Interrupted(time.Time)                       {}
func (f *fakeWriter) EnableMD5Check() bool                        { return true }

type fakeBuilder struct {
	writer *fakeWriter
}

func (b *fakeBuilder) NewObjectWriter(endpoint.UDPEndpoint, uint64, uint64, uint64, object.Metadata, time.Time) object.BuilderResult {
	return object.Store(b.writer)
}
func (b *fakeBuilder) UpdateCacheControl(endpoint.UDPEndpoint, uint64, uint64, uint64, object.Metadata, time.Time) {
}
func (b *fakeBuilder) FDTReceived(endpoint.UDPEndpoint, uint64, string, time.Time, time.Duration, time.Time, *time.Time) {
}

func drainAll(t *testing.T, sess *Session, sink func([]byte)) {
	t.Helper()
	now := time.Now()
	for i := 0; i < 10000; i++ {
		pkt, ok, err := sess.Read(now)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return
		}
		sink(pkt)
	}
	t.Fatal("sender never drained (possible infinite carousel)")
}

func TestSingleObjectRoundTripsThroughReceiver(t *testing.T) {
	o, err := oti.NewNoCode(8, 2)
	if err != nil {
		t.Fatal(err)
	}
	sess := New(endpoint.UDPEndpoint{}, 1, o, 1, 100, 1)

	data := []byte("abcdefgh12345678") // 2 symbols of 8 bytes
	toi, err := sess.AddObject(ObjectDesc{Priority: 1, Data: data, WithMD5: true, CarouselCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if toi == 0 {
		t.Fatal("expected a nonzero assigned TOI")
	}

	w := &fakeWriter{}
	rsess := receiver.New(endpoint.UDPEndpoint{}, 1, o, &fakeBuilder{writer: w}, receiver.DefaultConfig)

	drainAll(t, sess, func(pkt []byte) {
		if err := rsess.Push(pkt, time.Now()); err != nil {
			t.Fatal(err)
		}
	})

	if !w.complete {
		t.Fatal("expected the object to complete on the receiver side")
	}
	if !bytes.Equal(w.buf.Bytes(), data) {
		t.Fatalf("got %q, want %q", w.buf.Bytes(), data)
	}
}

// drainFDTXML pulls packets off sess until the FDT (TOI=0) instance has
// been fully reassembled across its ALC/FEC-coded blocks, the same
// demultiplexing a real receiver.Session does for TOI=0 traffic, and
// returns its payload bytes and the LCT fields its first packet carried.
func drainFDTXML(t *testing.T, sess *Session, o oti.Oti) ([]byte, lct.Fields) {
	t.Helper()

	blocks := make(map[uint32]*block.Decoder)
	assembled := make(map[uint32][]byte)
	var partition oti.BlockPartition
	var transferLength uint64
	var fields lct.Fields
	haveLength := false
	nextSBN := uint32(0)
	var out []byte

	now := time.Now()
	for i := 0; i < 10000; i++ {
		pkt, ok, err := sess.Read(now)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("FDT instance never fully reassembled")
		}
		parsed, err := lct.Parse(pkt)
		if err != nil {
			t.Fatal(err)
		}
		if parsed.Extensions.FDT == nil {
			continue
		}
		if !haveLength {
			if parsed.Extensions.FTI == nil {
				continue
			}
			transferLength = parsed.Extensions.FTI.TransferLength
			partition = o.Partition(transferLength)
			fields = parsed.Fields
			haveLength = true
		}

		id, symbolPayload, err := alc.Parse(o, parsed.Payload)
		if err != nil {
			t.Fatal(err)
		}
		dec, ok := blocks[id.SBN]
		if !ok {
			nSrc := partition.BlockSourceSymbols(id.SBN)
			blockSize := int(nSrc) * int(o.EncodingSymbolLength)
			dec = block.New()
			if err := dec.Init(o, int(nSrc), blockSize); err != nil {
				t.Fatal(err)
			}
			blocks[id.SBN] = dec
		}
		if err := dec.Push(symbolPayload, id.ESI); err != nil {
			t.Fatal(err)
		}
		if !dec.Completed {
			continue
		}
		data, err := dec.SourceBlock()
		if err != nil {
			t.Fatal(err)
		}
		assembled[id.SBN] = data
		delete(blocks, id.SBN)

		for {
			b, ok := assembled[nextSBN]
			if !ok {
				break
			}
			if remain := int(transferLength) - len(out); remain < len(b) {
				b = b[:remain]
			}
			out = append(out, b...)
			delete(assembled, nextSBN)
			nextSBN++
			if uint64(len(out)) >= transferLength {
				return out, fields
			}
		}
	}
	t.Fatal("FDT instance never fully reassembled")
	return nil, lct.Fields{}
}

func TestPublishedFDTParsesBack(t *testing.T) {
	o, err := oti.NewNoCode(16, 4)
	if err != nil {
		t.Fatal(err)
	}
	sess := New(endpoint.UDPEndpoint{}, 1, o, 1, 100, 1)

	toi, err := sess.AddObject(ObjectDesc{
		Priority:        1,
		Data:            []byte("hello world, this is a file"),
		ContentLocation: "hello.txt",
		CarouselCount:   1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Publish(time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	fdtXML, fdtFields := drainFDTXML(t, sess, o)
	if fdtFields.TOI != 0 {
		t.Fatalf("FDT packet must carry TOI 0, got %d", fdtFields.TOI)
	}

	inst, err := fdt.ParseXML(fdtXML, o)
	if err != nil {
		t.Fatal(err)
	}
	if len(inst.Files) != 1 || inst.Files[0].TOI != toi {
		t.Fatalf("expected the published instance to list TOI %d, got %+v", toi, inst.Files)
	}
}

func TestAddObjectRejectsTooManyBlocksUnderStrictRS(t *testing.T) {
	o, err := oti.NewReedSolomonRS28(4, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	sess := New(endpoint.UDPEndpoint{}, 1, o, 1, 100, 1)

	data := make([]byte, 256*4+1) // needs 257 source blocks of 1 symbol each
	if _, err := sess.AddObject(ObjectDesc{Priority: 1, Data: data, CarouselCount: 1}); err == nil {
		t.Fatal("expected rejection of an object needing more than 255 source blocks under strict RS")
	}
}

func TestPriorityOrderingHighestFirst(t *testing.T) {
	o, err := oti.NewNoCode(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	sess := New(endpoint.UDPEndpoint{}, 1, o, 1, 100, 1)

	loTOI, err := sess.AddObject(ObjectDesc{Priority: 0, Data: []byte("loworabcd"), CarouselCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	hiTOI, err := sess.AddObject(ObjectDesc{Priority: 5, Data: []byte("hipriorit"), CarouselCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if loTOI == hiTOI {
		t.Fatal("expected distinct TOIs")
	}

	pkt, ok, err := sess.Read(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a packet")
	}
	parsed, err := lct.Parse(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Fields.TOI != hiTOI {
		t.Fatalf("expected the higher-priority object's TOI %d first, got %d", hiTOI, parsed.Fields.TOI)
	}
}

func TestCarouselCountRetiresAfterConfiguredRounds(t *testing.T) {
	o, err := oti.NewNoCode(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	sess := New(endpoint.UDPEndpoint{}, 1, o, 1, 100, 1)

	data := []byte("abcd") // exactly one symbol
	if _, err := sess.AddObject(ObjectDesc{Priority: 1, Data: data, CarouselCount: 3}); err != nil {
		t.Fatal(err)
	}

	var count int
	now := time.Now()
	for {
		_, ok, err := sess.Read(now)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		count++
		if count > 10 {
			t.Fatal("carousel did not retire in time")
		}
	}
	if count != 3 {
		t.Fatalf("expected exactly 3 rounds, got %d", count)
	}
}

