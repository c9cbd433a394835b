// Package object implements the receiver-side object assembler (spec.md
// §4.5): the sequential, content-decoding, MD5-verifying bridge between a
// stream of completed FEC blocks and a caller-supplied sink. Grounded on
// original_source/src/receiver/blockwriter.rs (BlockWriter) and the
// writer trait shape visible through
// original_source/src/receiver/writer/objectwriterbuffer.rs.
package object

import (
	"crypto/md5"
	"encoding/base64"
	"errors"
	"hash"
	"io"
	"time"

	"github.com/fluteproto/flute/block"
	"github.com/fluteproto/flute/cenc"
	"github.com/fluteproto/flute/endpoint"
	"github.com/fluteproto/flute/flerr"
	"github.com/fluteproto/flute/lct"
)

// Metadata describes an object being received, independent of how its
// bytes are delivered: the fields a sink needs to decide where (or
// whether) to store it and how to verify it once complete.
type Metadata struct {
	ContentLocation string
	ContentType     string
	ContentLength   uint64 // 0 if unknown ahead of time
	Cenc            lct.Cenc
	MD5             string // expected base64 digest, empty if FDT carries none
}

// Writer is the sink an assembled object's bytes are streamed to, one
// block at a time, in ascending SBN order.
type Writer interface {
	// Open is called once, before the first Write, when the assembler is created.
	Open(now time.Time) error
	// Write delivers one block's worth of (already decompressed, if
	// content-encoded) bytes. sbn is the source block number they came from.
	Write(sbn uint32, data []byte, now time.Time) error
	// Complete fires exactly once, when every block has been flushed and
	// (if enabled) the MD5 matched.
	Complete(now time.Time)
	// Error fires exactly once in place of Complete, on MD5 mismatch or a
	// decode failure.
	Error(now time.Time)
	// Interrupted fires exactly once in place of Complete/Error when the
	// session evicts the object before it finished (timeout, cache pressure).
	Interrupted(now time.Time)
	// EnableMD5Check lets a writer opt out of MD5 verification even when
	// the FDT entry carries a digest (e.g. it verifies downstream itself).
	EnableMD5Check() bool
}

// BuilderResult is what a Builder returns for a newly seen object: either
// a Writer to stream bytes into, or a refusal to store the object at all.
type BuilderResult struct {
	writer Writer
}

// Store accepts an object for reception, delivering its bytes to w.
func Store(w Writer) BuilderResult { return BuilderResult{writer: w} }

// Ignore refuses to receive an object: no assembler is created and no
// further symbols for its TOI are buffered.
func Ignore() BuilderResult { return BuilderResult{} }

// Ignored reports whether the builder refused the object.
func (r BuilderResult) Ignored() bool { return r.writer == nil }

// Writer returns the accepted writer. Only valid when !Ignored().
func (r BuilderResult) Writer() Writer { return r.writer }

// Builder mints Writers for newly discovered objects and is notified of
// catalog and cache-control events independent of which objects it chose
// to store.
type Builder interface {
	// NewObjectWriter is called the first time an object's metadata is
	// known (from its FDT entry or in-band OTI), before any bytes arrive.
	NewObjectWriter(ep endpoint.UDPEndpoint, tsi uint64, toiLow, toiHigh uint64, meta Metadata, now time.Time) BuilderResult
	// UpdateCacheControl notifies the builder that an object's metadata
	// changed (e.g. republished with a new priority) without new bytes.
	// receiver.Session does not call it.
	UpdateCacheControl(ep endpoint.UDPEndpoint, tsi uint64, toiLow, toiHigh uint64, meta Metadata, now time.Time)
	// FDTReceived notifies the builder of a newly ingested FDT instance,
	// independent of which of its entries end up stored. receiver.Session
	// does not call it.
	FDTReceived(ep endpoint.UDPEndpoint, tsi uint64, fdtXML string, expires time.Time, transferDuration time.Duration, now time.Time, extTime *time.Time)
}

// Assembler reassembles one object's blocks, in ascending SBN order,
// decompressing and MD5-verifying as configured.
type Assembler struct {
	writer Writer

	nextSBN   uint32
	bytesLeft int

	cenc        lct.Cenc
	decoder     cenc.Decoder // nil for CencNull
	decoderInit bool
	readBuf     []byte

	md5Ctx  hash.Hash
	wantMD5 string
	gotMD5  string

	pending map[uint32]*block.Decoder

	done bool
}

// New builds an assembler for an object of transferLength bytes (already
// trimmed to content length if known), using c for content-encoding and
// verifying against wantMD5 (a base64 digest, or "" to skip verification).
func New(w Writer, transferLength uint64, c lct.Cenc, wantMD5 string) *Assembler {
	a := &Assembler{
		writer:    w,
		bytesLeft: int(transferLength),
		cenc:      c,
		wantMD5:   wantMD5,
		pending:   make(map[uint32]*block.Decoder),
		readBuf:   make([]byte, 64*1024),
	}
	if wantMD5 != "" && w.EnableMD5Check() {
		a.md5Ctx = md5.New()
	}
	return a
}

// PushBlock records that block sbn has completed and flushes it, and any
// subsequent already-complete blocks, through the sink in order.
func (a *Assembler) PushBlock(sbn uint32, b *block.Decoder, now time.Time) error {
	if a.done {
		return nil
	}
	a.pending[sbn] = b
	for {
		next, ok := a.pending[a.nextSBN]
		if !ok {
			return nil
		}
		if err := a.flushBlock(next, now); err != nil {
			a.fail(now)
			return err
		}
		delete(a.pending, a.nextSBN)
		next.Deallocate()
		a.nextSBN++
		if a.bytesLeft == 0 {
			err := a.finish(now)
			if err != nil {
				a.fail(now)
			}
			return err
		}
	}
}

func (a *Assembler) flushBlock(b *block.Decoder, now time.Time) error {
	data, err := b.SourceBlock()
	if err != nil {
		return flerr.NewCodecError("object: reading completed block", err)
	}
	if a.bytesLeft < len(data) {
		data = data[:a.bytesLeft]
	}

	if a.cenc == lct.CencNull {
		return a.deliver(data, now)
	}
	return a.decodeDeliver(data, now)
}

func (a *Assembler) deliver(data []byte, now time.Time) error {
	a.bytesLeft -= len(data)
	if a.md5Ctx != nil {
		a.md5Ctx.Write(data)
	}
	if err := a.writer.Write(a.nextSBN, data, now); err != nil {
		return &flerr.WriterError{Err: err}
	}
	return nil
}

func (a *Assembler) decodeDeliver(data []byte, now time.Time) error {
	a.bytesLeft -= len(data)
	if a.decoder == nil {
		dec, err := cenc.NewDecoder(a.cenc)
		if err != nil {
			return err
		}
		a.decoder = dec
	}
	if _, err := a.decoder.Write(data); err != nil {
		return err
	}
	return a.drainDecoder(now)
}

func (a *Assembler) drainDecoder(now time.Time) error {
	for {
		n, err := a.decoder.Read(a.readBuf)
		if n > 0 {
			out := a.readBuf[:n]
			if a.md5Ctx != nil {
				a.md5Ctx.Write(out)
			}
			if err := a.writer.Write(a.nextSBN, out, now); err != nil {
				return &flerr.WriterError{Err: err}
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, cenc.ErrWouldBlock) || errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}

func (a *Assembler) finish(now time.Time) error {
	if a.decoder != nil {
		if err := a.decoder.Finish(); err != nil {
			return err
		}
		if err := a.drainDecoder(now); err != nil {
			return err
		}
	}
	if a.md5Ctx != nil {
		sum := a.md5Ctx.Sum(nil)
		a.gotMD5 = base64.StdEncoding.EncodeToString(sum)
		if a.gotMD5 != a.wantMD5 {
			a.done = true
			a.writer.Error(now)
			return &flerr.IntegrityError{Expected: a.wantMD5, Actual: a.gotMD5}
		}
	}
	a.done = true
	a.writer.Complete(now)
	return nil
}

func (a *Assembler) fail(now time.Time) {
	if a.done {
		return
	}
	a.done = true
	if a.decoder != nil {
		a.decoder.Finish()
	}
	a.writer.Error(now)
}

// Interrupt marks the object as evicted before completion (session
// timeout or cache pressure) and notifies the sink exactly once.
func (a *Assembler) Interrupt(now time.Time) {
	if a.done {
		return
	}
	a.done = true
	if a.decoder != nil {
		a.decoder.Finish()
	}
	a.writer.Interrupted(now)
}

// Done reports whether Complete, Error or Interrupted has already fired.
func (a *Assembler) Done() bool { return a.done }
