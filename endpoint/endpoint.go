// Package endpoint defines the UDP endpoint identity used as a demux key
// alongside the TSI throughout the receiver and sender packages.
package endpoint

import "fmt"

// UDPEndpoint identifies the logical channel a FLUTE session runs over: an
// optional source address (for source-specific multicast), a destination
// address, and a port. Two packets with the same (source, destination,
// port) belong to the same endpoint regardless of which network interface
// they arrived on.
type UDPEndpoint struct {
	// SourceAddress is the sender's address, required for source-specific
	// multicast (SSM) joins. Empty when not verifying the source.
	SourceAddress string
	// DestinationAddress is the multicast or unicast destination address.
	DestinationAddress string
	// Port is the destination UDP port.
	Port uint16
}

// New builds a UDPEndpoint without source verification.
func New(destinationAddress string, port uint16) UDPEndpoint {
	return UDPEndpoint{DestinationAddress: destinationAddress, Port: port}
}

// NewSSM builds a UDPEndpoint for source-specific multicast.
func NewSSM(sourceAddress, destinationAddress string, port uint16) UDPEndpoint {
	return UDPEndpoint{
		SourceAddress:      sourceAddress,
		DestinationAddress: destinationAddress,
		Port:               port,
	}
}

// Matches reports whether an incoming packet from srcAddr should be
// considered part of this endpoint. When verifyNetloc is false, the source
// address is ignored (multicast receivers commonly can't rely on it).
func (e UDPEndpoint) Matches(srcAddr string, verifyNetloc bool) bool {
	if verifyNetloc && e.SourceAddress != "" && e.SourceAddress != srcAddr {
		return false
	}
	return true
}

func (e UDPEndpoint) String() string {
	if e.SourceAddress != "" {
		return fmt.Sprintf("%s->%s:%d", e.SourceAddress, e.DestinationAddress, e.Port)
	}
	return fmt.Sprintf("%s:%d", e.DestinationAddress, e.Port)
}
