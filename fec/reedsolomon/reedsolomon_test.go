package reedsolomon

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTripNoLoss(t *testing.T) {
	data := make([]byte, 1024*200)
	rand.New(rand.NewSource(1)).Read(data)

	enc, err := NewEncoder(200, 50, 1024)
	if err != nil {
		t.Fatal(err)
	}
	symbols, err := enc.SourceBlock(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(symbols) != 250 {
		t.Fatalf("expected 250 symbols, got %d", len(symbols))
	}

	dec, err := NewDecoder(200, 50, len(data), 1024)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range symbols {
		dec.PushSymbol(s.Payload, s.ESI)
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
		t.Fatal("mismatch after reconstruct with no loss")
	}
}

// TestLossToleranceAnyKSymbols exercises spec.md Testable Property 2: any
// subset of >= k received symbols (source or repair) reconstructs the block.
func TestLossToleranceAnyKSymbols(t *testing.T) {
	data := make([]byte, 1024*200)
	rand.New(rand.NewSource(2)).Read(data)

	enc, err := NewEncoder(200, 50, 1024)
	if err != nil {
		t.Fatal(err)
	}
	symbols, err := enc.SourceBlock(data)
	if err != nil {
		t.Fatal(err)
	}

	// Drop the first 50 symbols (as in spec.md scenario S2): keep ESIs 50..249.
	dec, err := NewDecoder(200, 50, len(data), 1024)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range symbols[50:] {
		dec.PushSymbol(s.Payload, s.ESI)
	}
	if !dec.CanDecode() {
		t.Fatal("expected decodability with exactly k=200 symbols present")
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
		t.Fatal("mismatch after reconstructing from repair-heavy subset")
	}
}

func TestInsufficientSymbolsNotDecodable(t *testing.T) {
	data := make([]byte, 1024*200)
	enc, err := NewEncoder(200, 50, 1024)
	if err != nil {
		t.Fatal(err)
	}
	symbols, err := enc.SourceBlock(data)
	if err != nil {
		t.Fatal(err)
	}

	dec, err := NewDecoder(200, 50, len(data), 1024)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range symbols[:199] {
		dec.PushSymbol(s.Payload, s.ESI)
	}
	if dec.CanDecode() {
		t.Fatal("199 symbols should not be enough for k=200")
	}
}
