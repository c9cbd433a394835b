package object

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"testing"
	"time"

	kzlib "github.com/klauspost/compress/zlib"

	"github.com/fluteproto/flute/block"
	_ "github.com/fluteproto/flute/fec/nocode"
	"github.com/fluteproto/flute/lct"
	"github.com/fluteproto/flute/oti"
)

func testOti(symbolLength int) oti.Oti {
	o, err := oti.NewNoCode(uint16(symbolLength), 1)
	if err != nil {
		panic(err)
	}
	return o
}

type fakeWriter struct {
	buf                             bytes.Buffer
	complete, errored, interrupted bool
	enableMD5                       bool
}

func (f *fakeWriter) Open(now time.Time) error { return nil }
func (f *fakeWriter) Write(sbn uint32, data []byte, now time.Time) error {
	f.buf.Write(data)
	return nil
}
func (f *fakeWriter) Complete(now time.Time)    { f.complete = true }
func (f *fakeWriter) Error(now time.Time)       { f.errored = true }
func (f *fakeWriter) Interrupted(now time.Time) { f.interrupted = true }
func (f *fakeWriter) EnableMD5Check() bool      { return f.enableMD5 }

func completedBlock(t *testing.T, data []byte) *block.Decoder {
	t.Helper()
	b := block.New()
	if err := b.Init(testOti(len(data)), 1, len(data)); err != nil {
		t.Fatal(err)
	}
	if err := b.Push(data, 0); err != nil {
		t.Fatal(err)
	}
	if !b.Completed {
		t.Fatal("expected block to complete after its only symbol")
	}
	return b
}

func TestAssemblerNullCencNoMD5(t *testing.T) {
	w := &fakeWriter{}
	data := []byte("hello, flute")
	a := New(w, uint64(len(data)), lct.CencNull, "")
	if err := a.PushBlock(0, completedBlock(t, data), time.Now()); err != nil {
		t.Fatal(err)
	}
	if !w.complete {
		t.Fatal("expected completion")
	}
	if !bytes.Equal(w.buf.Bytes(), data) {
		t.Fatalf("got %q, want %q", w.buf.Bytes(), data)
	}
}

func TestAssemblerMD5Mismatch(t *testing.T) {
	w := &fakeWriter{enableMD5: true}
	data := []byte("hello, flute")
	a := New(w, uint64(len(data)), lct.CencNull, "bogus==")
	err := a.PushBlock(0, completedBlock(t, data), time.Now())
	if err == nil {
		t.Fatal("expected integrity error")
	}
	if !w.errored {
		t.Fatal("expected Error callback on MD5 mismatch")
	}
}

func TestAssemblerMD5Match(t *testing.T) {
	w := &fakeWriter{enableMD5: true}
	data := []byte("hello, flute")
	sum := md5.Sum(data)
	want := base64.StdEncoding.EncodeToString(sum[:])
	a := New(w, uint64(len(data)), lct.CencNull, want)
	if err := a.PushBlock(0, completedBlock(t, data), time.Now()); err != nil {
		t.Fatal(err)
	}
	if !w.complete {
		t.Fatal("expected completion on matching MD5")
	}
}

func TestAssemblerOutOfOrderBlocksFlushInOrder(t *testing.T) {
	w := &fakeWriter{}
	part0 := []byte("0123")
	part1 := []byte("4567")
	a := New(w, uint64(len(part0)+len(part1)), lct.CencNull, "")

	if err := a.PushBlock(1, completedBlock(t, part1), time.Now()); err != nil {
		t.Fatal(err)
	}
	if w.buf.Len() != 0 {
		t.Fatal("block 1 should not flush before block 0")
	}
	if err := a.PushBlock(0, completedBlock(t, part0), time.Now()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(w.buf.Bytes(), append(append([]byte{}, part0...), part1...)) {
		t.Fatalf("got %q", w.buf.Bytes())
	}
	if !w.complete {
		t.Fatal("expected completion")
	}
}

func TestAssemblerZlibCenc(t *testing.T) {
	want := []byte("the quick brown fox jumps over the lazy dog")
	var compressed bytes.Buffer
	zw := kzlib.NewWriter(&compressed)
	zw.Write(want)
	zw.Close()

	w := &fakeWriter{}
	a := New(w, uint64(compressed.Len()), lct.CencZlib, "")
	if err := a.PushBlock(0, completedBlock(t, compressed.Bytes()), time.Now()); err != nil {
		t.Fatal(err)
	}
	if !w.complete {
		t.Fatal("expected completion")
	}
	if !bytes.Equal(w.buf.Bytes(), want) {
		t.Fatalf("got %q, want %q", w.buf.Bytes(), want)
	}
}

func TestInterruptFiresOnce(t *testing.T) {
	w := &fakeWriter{}
	a := New(w, 100, lct.CencNull, "")
	a.Interrupt(time.Now())
	a.Interrupt(time.Now())
	if !w.interrupted {
		t.Fatal("expected interrupted callback")
	}
}
