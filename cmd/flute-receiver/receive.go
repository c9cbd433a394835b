package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"time"

	"github.com/golang/glog"
	"github.com/google/subcommands"

	"github.com/fluteproto/flute/endpoint"
	_ "github.com/fluteproto/flute/fec/nocode"
	_ "github.com/fluteproto/flute/fec/raptor"
	_ "github.com/fluteproto/flute/fec/raptorq"
	_ "github.com/fluteproto/flute/fec/reedsolomon"
	"github.com/fluteproto/flute/multireceiver"
	"github.com/fluteproto/flute/oti"
	"github.com/fluteproto/flute/receiver"
)

type receiveCmd struct {
	bindAddr string
	dest     string
	port     int
	tsi      uint64

	fecType           string
	symbolLength      int
	sourceBlockLength int
	paritySymbols     int
	symbolAlignment   int
	subBlocksLength   int

	destDir          string
	withMD5          bool
	keepPartialFiles bool

	bufferSize      int
	maxCacheSizeMB  int
	objectTimeout   time.Duration
	cleanupInterval time.Duration
	logInterval     int
}

func (*receiveCmd) Name() string     { return "receive" }
func (*receiveCmd) Synopsis() string { return "receives files sent over FLUTE" }
func (*receiveCmd) Usage() string {
	return "receive [flags...]\n\nflags:\n"
}

func (c *receiveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.bindAddr, "bind", "0.0.0.0", "local address to bind the listening socket to")
	f.StringVar(&c.dest, "dest", "239.255.1.1", "destination multicast or unicast address advertised by the sender")
	f.IntVar(&c.port, "port", 3400, "UDP port to listen on")
	f.Uint64Var(&c.tsi, "tsi", 1, "transport session identifier to accept")

	f.StringVar(&c.fecType, "fec", "no_code", "FEC scheme the sender used: no_code, reed_solomon, reed_solomon_under_specified, raptor, raptorq")
	f.IntVar(&c.symbolLength, "symbol-length", 1400, "encoding symbol length in bytes")
	f.IntVar(&c.sourceBlockLength, "source-block-length", 64, "source symbols per block")
	f.IntVar(&c.paritySymbols, "parity-symbols", 16, "repair symbols per block (ignored by no_code)")
	f.IntVar(&c.symbolAlignment, "symbol-alignment", 4, "symbol alignment in bytes (raptor/raptorq only)")
	f.IntVar(&c.subBlocksLength, "sub-blocks-length", 1, "sub-blocks length (raptorq only)")

	f.StringVar(&c.destDir, "dest-dir", ".", "directory received files are written to")
	f.BoolVar(&c.withMD5, "md5", true, "verify each file's Content-MD5 when the FDT publishes one")
	f.BoolVar(&c.keepPartialFiles, "keep-partial-files", false, "keep files on disk even if they never complete")

	f.IntVar(&c.bufferSize, "buffer-size", 65536, "UDP receive buffer size in bytes")
	f.IntVar(&c.maxCacheSizeMB, "max-cache-mb", 64, "total in-flight object memory ceiling in megabytes")
	f.DurationVar(&c.objectTimeout, "object-timeout", 5*time.Minute, "how long an incomplete object is kept before eviction")
	f.DurationVar(&c.cleanupInterval, "cleanup-interval", 10*time.Second, "how often expired objects and FDT instances are swept")
	f.IntVar(&c.logInterval, "log-interval", 1000, "log a throughput line every N packets")
}

func (c *receiveCmd) buildOTI() (oti.Oti, error) {
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

func (c *receiveCmd) listen() (*net.UDPConn, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(c.bindAddr), Port: c.port}
	if ip := net.ParseIP(c.dest); ip != nil && ip.IsMulticast() {
		group := &net.UDPAddr{IP: ip, Port: c.port}
		return net.ListenMulticastUDP("udp", nil, group)
	}
	return net.ListenUDP("udp", addr)
}

func (c *receiveCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	o, err := c.buildOTI()
	if err != nil {
		glog.Errorf("receive: %v", err)
		return subcommands.ExitFailure
	}

	builder, err := newFSBuilder(c.destDir, c.withMD5, c.keepPartialFiles)
	if err != nil {
		glog.Errorf("receive: creating %s: %v", c.destDir, err)
		return subcommands.ExitFailure
	}

	cfg := receiver.DefaultConfig
	cfg.ObjectMaxCacheSize = uint64(c.maxCacheSizeMB) << 20
	cfg.ObjectTimeout = c.objectTimeout
	cfg.KeepPartialFiles = c.keepPartialFiles

	mrecv := multireceiver.New(o, builder, cfg)
	ep := endpoint.New(c.dest, uint16(c.port))

	conn, err := c.listen()
	if err != nil {
		glog.Errorf("receive: listening on %s:%d: %v", c.bindAddr, c.port, err)
		return subcommands.ExitFailure
	}
	defer conn.Close()
	glog.Infof("receive: listening on %s:%d for TSI %d, writing to %s", c.bindAddr, c.port, c.tsi, c.destDir)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			if err := mrecv.Cleanup(ctx, time.Now()); err != nil {
				glog.Warningf("receive: cleanup: %v", err)
			}
		}
	}()

	buf := make([]byte, c.bufferSize)
	var packets, bytesIn int64
	start := time.Now()
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			glog.Errorf("receive: reading socket: %v", err)
			return subcommands.ExitFailure
		}
		packets++
		bytesIn += int64(n)

		if err := mrecv.Push(ep, c.tsi, buf[:n], time.Now()); err != nil {
			glog.Warningf("receive: packet rejected: %v", err)
			continue
		}

		if c.logInterval > 0 && packets%int64(c.logInterval) == 0 {
			elapsed := time.Since(start).Seconds()
			if elapsed <= 0 {
				elapsed = 0.001
			}
			glog.Infof("receive: %d packets, %d bytes, %.0f pps", packets, bytesIn, float64(packets)/elapsed)
		}
	}
}
