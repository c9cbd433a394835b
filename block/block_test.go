package block

import (
	"bytes"
	"testing"

	_ "github.com/fluteproto/flute/fec/nocode"
	"github.com/fluteproto/flute/oti"
)

func TestPushUntilComplete(t *testing.T) {
	o, err := oti.NewNoCode(8, 4)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("abcdefghijklmnopqrstuvwx") // 3 symbols of 8 bytes

	d := New()
	if err := d.Init(o, 3, len(data)); err != nil {
		t.Fatal(err)
	}
	if err := d.Push(data[0:8], 0); err != nil {
		t.Fatal(err)
	}
	if d.Completed {
		t.Fatal("should not be complete after one of three symbols")
	}
	if err := d.Push(data[8:16], 1); err != nil {
		t.Fatal(err)
	}
	if err := d.Push(data[16:24], 2); err != nil {
		t.Fatal(err)
	}
	if !d.Completed {
		t.Fatal("expected completion after all symbols pushed")
	}
	got, err := d.SourceBlock()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestPushBeforeInitFails(t *testing.T) {
	d := New()
	if err := d.Push([]byte{1, 2, 3}, 0); err == nil {
		t.Fatal("expected error pushing before Init")
	}
}

func TestPushAfterCompletedIsNoop(t *testing.T) {
	o, err := oti.NewNoCode(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	d := New()
	if err := d.Init(o, 1, 4); err != nil {
		t.Fatal(err)
	}
	if err := d.Push([]byte("abcd"), 0); err != nil {
		t.Fatal(err)
	}
	if !d.Completed {
		t.Fatal("expected completion")
	}
	if err := d.Push([]byte("zzzz"), 0); err != nil {
		t.Fatal(err)
	}
	got, _ := d.SourceBlock()
	if !bytes.Equal(got, []byte("abcd")) {
		t.Fatal("push after completion should be ignored")
	}
}

func TestDeallocateClearsState(t *testing.T) {
	o, err := oti.NewNoCode(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	d := New()
	if err := d.Init(o, 1, 4); err != nil {
		t.Fatal(err)
	}
	d.Deallocate()
	if _, err := d.SourceBlock(); err == nil {
		t.Fatal("expected error after deallocate")
	}
}
