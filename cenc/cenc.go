// Package cenc implements the streaming content-encoding decoders FLUTE
// objects may be wrapped in before FEC coding (spec.md §4.10): Null,
// Zlib, Deflate and Gzip. Decoding is incremental, symbol by symbol, the
// same push/drain shape as
// original_source/src/receiver/blockwriter.rs's decode_write_pkt and
// decoder_read: feed compressed bytes as they arrive, drain whatever
// decompressed output is available without blocking for more input, and
// flush the tail once Finish is called.
package cenc

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/fluteproto/flute/flerr"
	"github.com/fluteproto/flute/lct"
)

// ErrWouldBlock is returned by Decoder.Read when no decompressed output is
// currently available but the stream hasn't finished: the caller should
// feed more input (or call Finish) rather than wait.
var ErrWouldBlock = errors.New("cenc: read would block")

// Decoder streams compressed input in and decompressed output out,
// without requiring the whole compressed object to be buffered first.
type Decoder interface {
	// Write feeds compressed bytes. It may block until a background
	// decode pass has consumed them.
	Write(p []byte) (int, error)
	// Read drains decompressed output produced so far. It returns
	// ErrWouldBlock, not a blocking wait, when nothing is available yet.
	Read(p []byte) (int, error)
	// Finish signals that no more compressed input will arrive, and
	// blocks until the final decompressed bytes (if any) are available
	// to Read.
	Finish() error
}

// NewDecoder returns the streaming decoder for c, or nil for CencNull
// (whose bytes pass straight through without a Decoder at all).
func NewDecoder(c lct.Cenc) (Decoder, error) {
	switch c {
	case lct.CencNull:
		return nil, nil
	case lct.CencZlib:
		return newPipeDecoder(func(r io.Reader) (io.ReadCloser, error) { return zlib.NewReader(r) }), nil
	case lct.CencDeflate:
		return newPipeDecoder(func(r io.Reader) (io.ReadCloser, error) { return flate.NewReader(r), nil }), nil
	case lct.CencGzip:
		return newPipeDecoder(func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) }), nil
	default:
		return nil, flerr.NewConfigError("cenc: unknown content encoding %d", c)
	}
}

// pipeDecoder runs a stdlib-shaped decompressor (zlib/flate/gzip) in a
// background goroutine reading from an io.Pipe, buffering whatever
// decompressed output it produces until Read drains it.
type pipeDecoder struct {
	pw *io.PipeWriter

	mu   sync.Mutex
	out  bytes.Buffer
	done bool
	err  error

	finished chan struct{}
}

func newPipeDecoder(open func(io.Reader) (io.ReadCloser, error)) *pipeDecoder {
	pr, pw := io.Pipe()
	d := &pipeDecoder{pw: pw, finished: make(chan struct{})}
	go d.run(pr, open)
	return d
}

func (d *pipeDecoder) run(pr *io.PipeReader, open func(io.Reader) (io.ReadCloser, error)) {
	defer close(d.finished)

	zr, err := open(pr)
	if err != nil {
		d.fail(err)
		pr.CloseWithError(err)
		return
	}
	defer zr.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := zr.Read(buf)
		if n > 0 {
			d.mu.Lock()
			d.out.Write(buf[:n])
			d.mu.Unlock()
		}
		if err == io.EOF {
			d.mu.Lock()
			d.done = true
			d.mu.Unlock()
			return
		}
		if err != nil {
			d.fail(err)
			return
		}
	}
}

func (d *pipeDecoder) fail(err error) {
	d.mu.Lock()
	d.err = err
	d.done = true
	d.mu.Unlock()
}

// Write feeds p into the decompressor, blocking until its background
// reader has consumed it (io.Pipe's ordinary backpressure).
func (d *pipeDecoder) Write(p []byte) (int, error) {
	n, err := d.pw.Write(p)
	if err != nil && err != io.ErrClosedPipe {
		return n, flerr.NewCodecError("cenc: write to decompressor", err)
	}
	return n, nil
}

// Read drains whatever decompressed bytes are buffered so far, returning
// ErrWouldBlock rather than blocking if none are ready yet.
func (d *pipeDecoder) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.out.Len() > 0 {
		return d.out.Read(p)
	}
	if d.err != nil {
		return 0, flerr.NewCodecError("cenc: decompress", d.err)
	}
	if d.done {
		return 0, io.EOF
	}
	return 0, ErrWouldBlock
}

// Finish closes the compressed input stream and waits for the final
// decompressed bytes (if any) to land in the output buffer.
func (d *pipeDecoder) Finish() error {
	d.pw.Close()
	<-d.finished
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return flerr.NewCodecError("cenc: decompress", d.err)
	}
	return nil
}

// Compress applies c to the whole of data, for the sender side where the
// object's bytes are already fully assembled before FEC coding. Unlike
// Decoder, which streams, a sender always holds its source object in
// memory before partitioning it into blocks, so a one-shot transform is
// all that's needed here.
func Compress(c lct.Cenc, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var wc io.WriteCloser
	switch c {
	case lct.CencNull:
		return data, nil
	case lct.CencZlib:
		wc = zlib.NewWriter(&buf)
	case lct.CencDeflate:
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, flerr.NewCodecError("cenc: open deflate writer", err)
		}
		wc = fw
	case lct.CencGzip:
		wc = gzip.NewWriter(&buf)
	default:
		return nil, flerr.NewConfigError("cenc: unknown content encoding %d", c)
	}
	if _, err := wc.Write(data); err != nil {
		return nil, flerr.NewCodecError("cenc: compress", err)
	}
	if err := wc.Close(); err != nil {
		return nil, flerr.NewCodecError("cenc: compress", err)
	}
	return buf.Bytes(), nil
}
