// Package block adapts a concrete fec.Decoder to the receiver pipeline: it
// owns one source block's decode state, from first symbol pushed through
// reconstructed payload, and is grounded on
// original_source/src/receiver/blockdecoder.rs's BlockDecoder.
package block

import (
	"github.com/fluteproto/flute/fec"
	"github.com/fluteproto/flute/flerr"
	"github.com/fluteproto/flute/oti"
)

// Decoder holds the decode state for a single source block identified by
// its SBN within an object transfer.
type Decoder struct {
	Completed   bool
	initialized bool
	blockSize   int
	decoder     fec.Decoder
}

// New returns an uninitialized block decoder. Init must be called before
// Push.
func New() *Decoder {
	return &Decoder{}
}

// Init builds the concrete FEC decoder for this block from o, sized for
// nbSourceSymbols source symbols whose reconstructed payload is
// blockSizeBytes long. Calling Init more than once is a no-op, matching the
// source pipeline's per-block "build decoder once, on first packet" flow.
func (d *Decoder) Init(o oti.Oti, nbSourceSymbols int, blockSizeBytes int) error {
	if d.initialized {
		return nil
	}
	dec, err := fec.NewDecoder(o, nbSourceSymbols, blockSizeBytes)
	if err != nil {
		return flerr.NewCodecError("block: building decoder", err)
	}
	d.decoder = dec
	d.blockSize = blockSizeBytes
	d.initialized = true
	return nil
}

// Push feeds one received symbol's payload and ESI into the decoder and
// attempts reconstruction once enough symbols have arrived. It is a no-op
// once the block is already Completed.
func (d *Decoder) Push(payload []byte, esi uint32) error {
	if !d.initialized {
		return flerr.NewConfigError("block: Push called before Init")
	}
	if d.Completed {
		return nil
	}
	d.decoder.PushSymbol(payload, esi)
	if d.decoder.CanDecode() {
		ok, err := d.decoder.Decode()
		if err != nil {
			return flerr.NewCodecError("block: decode failed", err)
		}
		d.Completed = ok
	}
	return nil
}

// SourceBlock returns the reconstructed source bytes. Valid only once
// Completed is true.
func (d *Decoder) SourceBlock() ([]byte, error) {
	if d.decoder == nil {
		return nil, flerr.NewCodecError("block: source block requested before decode", nil)
	}
	return d.decoder.SourceBlock()
}

// Deallocate drops the underlying FEC decoder so its symbol buffers can be
// garbage collected once a block is no longer needed (e.g. after its
// object completes or the session evicts it). The block is not reusable
// afterward.
func (d *Decoder) Deallocate() {
	d.decoder = nil
	d.blockSize = 0
}
