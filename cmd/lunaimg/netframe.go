package main

import (
	"fmt"
	"os"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// runNetFrame builds one synthetic Ethernet/IPv4/UDP frame with gVisor's
// own header encoders and writes it to out, byte-for-byte what a driver
// sitting on the other side of Luna's virtio-net ring (spec.md's
// explicit Non-goal: no TCP/IP stack ships in the kernel) would hand to
// a guest NIC. Grounded on the teacher's gvisorHarness (internal/netstack
// test/gvisor.go, read-only) for the header-building call shape; that
// harness wires a whole gVisor stack end to end, this just needs the
// wire bytes, so only the header package is used here.
func runNetFrame(out string) error {
	const (
		srcMAC = "\x02\x00\x00\x00\x00\x01"
		dstMAC = "\x02\x00\x00\x00\x00\x02"
	)
	srcIP := tcpip.AddrFrom4([4]byte{10, 42, 0, 1})
	dstIP := tcpip.AddrFrom4([4]byte{10, 42, 0, 2})
	const srcPort, dstPort = 53124, 6969
	payload := []byte("luna netframe regression fixture")

	udpLen := header.UDPMinimumSize + len(payload)
	ipLen := header.IPv4MinimumSize + udpLen
	frame := make([]byte, header.EthernetMinimumSize+ipLen)

	eth := header.Ethernet(frame)
	eth.Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(srcMAC),
		DstAddr: tcpip.LinkAddress(dstMAC),
		Type:    header.IPv4ProtocolNumber,
	})

	ipv4 := header.IPv4(frame[header.EthernetMinimumSize:])
	ipv4.Encode(&header.IPv4Fields{
		TotalLength: uint16(ipLen),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     srcIP,
		DstAddr:     dstIP,
	})
	ipv4.SetChecksum(^ipv4.CalculateChecksum())

	udp := header.UDP(frame[header.EthernetMinimumSize+header.IPv4MinimumSize:])
	udp.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(udpLen),
	})
	copy(udp.Payload(), payload)

	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, srcIP, dstIP, uint16(udpLen))
	udp.SetChecksum(^udp.CalculateChecksum(xsum))

	if err := os.WriteFile(out, frame, 0o644); err != nil {
		return fmt.Errorf("write netframe: %w", err)
	}
	fmt.Printf("netframe: wrote %d bytes to %s\n", len(frame), out)
	return nil
}
