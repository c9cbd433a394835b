package fdt

import (
	"testing"
	"time"

	"github.com/fluteproto/flute/oti"
)

func TestEncodeParseXMLRoundTripsRaptorQSchemeSpecificInfo(t *testing.T) {
	fileOTI, err := oti.NewRaptorQ(1024, 512, 50, 12, 1)
	if err != nil {
		t.Fatal(err)
	}
	baseOTI, err := oti.NewNoCode(1024, 512)
	if err != nil {
		t.Fatal(err)
	}

	inst := Instance{
		Expires: time.Now().Add(time.Hour).Truncate(time.Second),
		Files: []FileEntry{
			{TOI: 7, ContentLocation: "a.bin", ContentLength: 4096, OTI: &fileOTI},
		},
	}
	raw, err := EncodeXML(inst)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseXML(raw, baseOTI)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.Files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(parsed.Files))
	}
	got := parsed.Files[0].OTI
	if got == nil || got.RaptorQ == nil {
		t.Fatalf("expected a RaptorQ scheme to round-trip, got %+v", got)
	}
	if got.RaptorQ.SubBlocksLength != fileOTI.RaptorQ.SubBlocksLength {
		t.Errorf("SubBlocksLength = %d, want %d", got.RaptorQ.SubBlocksLength, fileOTI.RaptorQ.SubBlocksLength)
	}
	if got.RaptorQ.SymbolAlignment != fileOTI.RaptorQ.SymbolAlignment {
		t.Errorf("SymbolAlignment = %d, want %d", got.RaptorQ.SymbolAlignment, fileOTI.RaptorQ.SymbolAlignment)
	}
}

func TestEncodeParseXMLRoundTripsRaptorSchemeSpecificInfo(t *testing.T) {
	fileOTI, err := oti.NewRaptor(1024, 512, 50, 3)
	if err != nil {
		t.Fatal(err)
	}
	baseOTI, err := oti.NewNoCode(1024, 512)
	if err != nil {
		t.Fatal(err)
	}

	inst := Instance{
		Expires: time.Now().Add(time.Hour).Truncate(time.Second),
		Files: []FileEntry{
			{TOI: 3, ContentLocation: "b.bin", ContentLength: 2048, OTI: &fileOTI},
		},
	}
	raw, err := EncodeXML(inst)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseXML(raw, baseOTI)
	if err != nil {
		t.Fatal(err)
	}
	got := parsed.Files[0].OTI
	if got == nil || got.Raptor == nil {
		t.Fatalf("expected a Raptor scheme to round-trip, got %+v", got)
	}
	if got.Raptor.SymbolAlignment != fileOTI.Raptor.SymbolAlignment {
		t.Errorf("SymbolAlignment = %d, want %d", got.Raptor.SymbolAlignment, fileOTI.Raptor.SymbolAlignment)
	}
}
