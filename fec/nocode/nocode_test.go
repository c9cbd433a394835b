package nocode

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTripExact(t *testing.T) {
	data := make([]byte, 1024*10)
	rand.New(rand.NewSource(1)).Read(data)

	enc := NewEncoder(1024)
	symbols, err := enc.SourceBlock(data)
	if err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(len(symbols), len(data), 1024)
	for _, s := range symbols {
		dec.PushSymbol(s.Payload, s.ESI)
	}
	if !dec.CanDecode() {
		t.Fatal("expected decoder to be complete once all symbols pushed")
	}
	ok, err := dec.Decode()
	if err != nil || !ok {
		t.Fatalf("Decode() = %v, %v", ok, err)
	}
	got, err := dec.SourceBlock()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reconstructed block does not match source")
	}
}

func TestIncompleteUntilAllSymbolsArrive(t *testing.T) {
	data := make([]byte, 1024*4)
	enc := NewEncoder(1024)
	symbols, _ := enc.SourceBlock(data)

	dec := NewDecoder(len(symbols), len(data), 1024)
	for _, s := range symbols[:len(symbols)-1] {
		dec.PushSymbol(s.Payload, s.ESI)
	}
	if dec.CanDecode() {
		t.Fatal("should not be decodable with one symbol missing")
	}
}

func TestTruncatedLastSymbol(t *testing.T) {
	data := make([]byte, 1024*2+100) // last symbol short
	rand.New(rand.NewSource(2)).Read(data)
	enc := NewEncoder(1024)
	symbols, err := enc.SourceBlock(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(symbols) != 3 {
		t.Fatalf("expected 3 symbols, got %d", len(symbols))
	}

	dec := NewDecoder(len(symbols), len(data), 1024)
	for _, s := range symbols {
		dec.PushSymbol(s.Payload, s.ESI)
	}
	dec.Decode()
	got, err := dec.SourceBlock()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("truncated reconstruction mismatch")
	}
}
