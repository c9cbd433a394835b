package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/subcommands"

	"github.com/fluteproto/flute/endpoint"
	_ "github.com/fluteproto/flute/fec/nocode"
	_ "github.com/fluteproto/flute/fec/raptor"
	_ "github.com/fluteproto/flute/fec/raptorq"
	_ "github.com/fluteproto/flute/fec/reedsolomon"
	"github.com/fluteproto/flute/lct"
	"github.com/fluteproto/flute/oti"
	"github.com/fluteproto/flute/sender"
)

type sendCmd struct {
	dest string
	port int
	tsi  uint64

	fecType           string
	symbolLength      int
	sourceBlockLength int
	paritySymbols     int
	symbolAlignment   int
	subBlocksLength   int

	cenc     string
	priority int
	carousel int

	interleaveBlocks int
	fdtPriority      int
	fdtCarousel      int
	withMD5          bool

	maxRateKbps int
}

func (*sendCmd) Name() string     { return "send" }
func (*sendCmd) Synopsis() string { return "sends one or more files over FLUTE" }
func (*sendCmd) Usage() string {
	return "send [flags...] <file> [<file>...]\n\nflags:\n"
}

func (c *sendCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.dest, "dest", "239.255.1.1", "destination multicast or unicast address")
	f.IntVar(&c.port, "port", 3400, "destination UDP port")
	f.Uint64Var(&c.tsi, "tsi", 1, "transport session identifier")

	f.StringVar(&c.fecType, "fec", "no_code", "FEC scheme: no_code, reed_solomon, reed_solomon_under_specified, raptor, raptorq")
	f.IntVar(&c.symbolLength, "symbol-length", 1400, "encoding symbol length in bytes")
	f.IntVar(&c.sourceBlockLength, "source-block-length", 64, "source symbols per block")
	f.IntVar(&c.paritySymbols, "parity-symbols", 16, "repair symbols per block (ignored by no_code)")
	f.IntVar(&c.symbolAlignment, "symbol-alignment", 4, "symbol alignment in bytes (raptor/raptorq only)")
	f.IntVar(&c.subBlocksLength, "sub-blocks-length", 1, "sub-blocks length (raptorq only)")

	f.StringVar(&c.cenc, "cenc", "null", "content encoding: null, zlib, deflate, gzip")
	f.IntVar(&c.priority, "priority", 0, "priority every queued file is sent at")
	f.IntVar(&c.carousel, "carousel", 1, "number of times each file is resent before it retires")

	f.IntVar(&c.interleaveBlocks, "interleave-blocks", 1, "objects round-robined concurrently at the same priority")
	f.IntVar(&c.fdtPriority, "fdt-priority", 100, "priority the FDT catalog is sent at")
	f.IntVar(&c.fdtCarousel, "fdt-carousel", 4, "number of times the FDT is resent before Publish must run again")
	f.BoolVar(&c.withMD5, "md5", true, "publish a Content-MD5 digest for each file in the FDT")

	f.IntVar(&c.maxRateKbps, "max-rate-kbps", 0, "cap the send rate in kbit/s (0 disables pacing)")
}

func (c *sendCmd) buildOTI() (oti.Oti, error) {
	symLen := uint16(c.symbolLength)
	blockLen := uint32(c.sourceBlockLength)
	parity := uint32(c.paritySymbols)
	align := uint8(c.symbolAlignment)

	switch c.fecType {
	case "no_code":
		return oti.NewNoCode(symLen, blockLen)
	case "reed_solomon":
		return oti.NewReedSolomonRS28(symLen, blockLen, parity)
	case "reed_solomon_under_specified":
		return oti.NewReedSolomonRS28UnderSpecified(symLen, blockLen, parity)
	case "raptor":
		return oti.NewRaptor(symLen, blockLen, parity, align)
	case "raptorq":
		return oti.NewRaptorQ(symLen, blockLen, parity, uint16(c.subBlocksLength), align)
	default:
		return oti.Oti{}, fmt.Errorf("unknown FEC scheme %q", c.fecType)
	}
}

func cencFromFlag(s string) (lct.Cenc, error) {
	switch strings.ToLower(s) {
	case "", "null":
		return lct.CencNull, nil
	case "zlib":
		return lct.CencZlib, nil
	case "deflate":
		return lct.CencDeflate, nil
	case "gzip":
		return lct.CencGzip, nil
	default:
		return 0, fmt.Errorf("unknown content encoding %q", s)
	}
}

func (c *sendCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	paths := f.Args()
	if len(paths) == 0 {
		glog.Error("send: at least one file argument is required")
		return subcommands.ExitUsageError
	}

	o, err := c.buildOTI()
	if err != nil {
		glog.Errorf("send: %v", err)
		return subcommands.ExitFailure
	}
	contentEncoding, err := cencFromFlag(c.cenc)
	if err != nil {
		glog.Errorf("send: %v", err)
		return subcommands.ExitFailure
	}

	ep := endpoint.New(c.dest, uint16(c.port))
	sess := sender.New(ep, c.tsi, o, c.interleaveBlocks, c.fdtPriority, c.fdtCarousel)

	var totalBytes int64
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			glog.Errorf("send: reading %s: %v", path, err)
			return subcommands.ExitFailure
		}
		toi, err := sess.AddObject(sender.ObjectDesc{
			Priority:        c.priority,
			Data:            data,
			Cenc:            contentEncoding,
			ContentLocation: path,
			ContentType:     "application/octet-stream",
			WithMD5:         c.withMD5,
			CarouselCount:   c.carousel,
		})
		if err != nil {
			glog.Errorf("send: queuing %s: %v", path, err)
			return subcommands.ExitFailure
		}
		glog.Infof("send: queued %s as TOI %d (%d bytes)", path, toi, len(data))
		totalBytes += int64(len(data))
	}

	if err := sess.Publish(time.Now().Add(24 * time.Hour)); err != nil {
		glog.Errorf("send: publishing FDT: %v", err)
		return subcommands.ExitFailure
	}

	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", c.dest, c.port))
	if err != nil {
		glog.Errorf("send: dialing %s:%d: %v", c.dest, c.port, err)
		return subcommands.ExitFailure
	}
	defer conn.Close()

	var bytesPerSec float64
	if c.maxRateKbps > 0 {
		bytesPerSec = float64(c.maxRateKbps) * 1000 / 8
	}

	start := time.Now()
	nextSendAt := start
	var packets, sent int64
	for {
		pkt, ok, err := sess.Read(time.Now())
		if err != nil {
			glog.Errorf("send: %v", err)
			return subcommands.ExitFailure
		}
		if !ok {
			break
		}

		if bytesPerSec > 0 {
			interval := time.Duration(float64(len(pkt)) / bytesPerSec * float64(time.Second))
			if now := time.Now(); now.Before(nextSendAt) {
				time.Sleep(nextSendAt.Sub(now))
			}
			nextSendAt = nextSendAt.Add(interval)
			if drift := time.Since(nextSendAt); drift > 200*time.Millisecond {
				nextSendAt = time.Now().Add(interval)
			}
		}

		n, err := conn.Write(pkt)
		if err != nil {
			glog.Errorf("send: writing packet: %v", err)
			continue
		}
		packets++
		sent += int64(n)
	}

	elapsed := time.Since(start)
	glog.Infof("send: %d packets, %d bytes in %s", packets, sent, elapsed)
	return subcommands.ExitSuccess
}
