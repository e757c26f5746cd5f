package lib

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/gopacket/layers"
)

func marshalTestSegment(c *qt.C, payload []byte) []byte {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    peerIP,
		DstIP:    localIP,
	}
	tcp := &layers.TCP{
		SrcPort: peerPort,
		DstPort: localPort,
		Seq:     0xDEADBEEF,
		Ack:     42,
		Window:  512,
		ACK:     true,
		PSH:     true,
	}
	buf := make([]byte, 1500)
	n, err := MarshalSegment(buf, ip, tcp, payload)
	c.Assert(err, qt.IsNil)
	return buf[:n]
}

func TestMarshalParseRoundTrip(t *testing.T) {
	c := qt.New(t)

	data := marshalTestSegment(c, []byte("payload"))
	c.Check(len(data), qt.Equals, IpHeaderLength+TcpHeaderLength+len("payload"))

	p, err := ParsePacket(data)
	c.Assert(err, qt.IsNil)
	c.Check(p.IP.SrcIP.Equal(peerIP), qt.IsTrue)
	c.Check(p.IP.DstIP.Equal(localIP), qt.IsTrue)
	c.Check(p.IP.Length, qt.Equals, uint16(len(data)))
	c.Check(p.TCP.SrcPort, qt.Equals, layers.TCPPort(peerPort))
	c.Check(p.TCP.DstPort, qt.Equals, layers.TCPPort(localPort))
	c.Check(p.TCP.Seq, qt.Equals, uint32(0xDEADBEEF))
	c.Check(p.TCP.Ack, qt.Equals, uint32(42))
	c.Check(p.TCP.Window, qt.Equals, uint16(512))
	c.Check(p.Flags(), qt.Equals, ACKFlag|PSHFlag)
	c.Check(string(p.Payload), qt.Equals, "payload")
	c.Check(VerifyChecksum(p), qt.IsTrue)
}

func TestVerifyChecksumDetectsCorruption(t *testing.T) {
	c := qt.New(t)

	data := marshalTestSegment(c, []byte("payload"))
	data[len(data)-1] ^= 0xFF

	p, err := ParsePacket(data)
	c.Assert(err, qt.IsNil)
	c.Check(VerifyChecksum(p), qt.IsFalse)
}

func TestParsePacketMalformed(t *testing.T) {
	c := qt.New(t)
	good := marshalTestSegment(c, []byte("payload"))

	udp := append([]byte(nil), good...)
	udp[9] = byte(layers.IPProtocolUDP)

	badIHL := append([]byte(nil), good...)
	badIHL[0] = 0x44

	badOffset := append([]byte(nil), good...)
	badOffset[IpHeaderLength+12] = 0x40 // data offset 4

	fragment := append([]byte(nil), good...)
	fragment[6] |= 0x20 // more fragments

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short ip header", good[:12]},
		{"truncated datagram", good[:len(good)-3]},
		{"short tcp header", good[:IpHeaderLength+10]},
		{"not tcp", udp},
		{"ihl below five", badIHL},
		{"data offset below five", badOffset},
		{"fragment", fragment},
	}
	for _, test := range tests {
		c.Run(test.name, func(c *qt.C) {
			_, err := ParsePacket(test.data)
			c.Check(err, qt.ErrorIs, ErrMalformedHeader)
		})
	}
}

func TestMarshalSegmentErrors(t *testing.T) {
	c := qt.New(t)

	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: peerIP, DstIP: localIP}
	tcp := &layers.TCP{SrcPort: peerPort, DstPort: localPort}

	_, err := MarshalSegment(make([]byte, 10), ip, tcp, nil)
	c.Check(err, qt.ErrorMatches, "buffer of 10 bytes is too small.*")

	_, err = MarshalSegment(make([]byte, MaxIpPacketLength), ip, tcp, make([]byte, MaxIpPacketLength))
	c.Check(err, qt.ErrorIs, ErrChecksumComputation)

	noAddr := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP}
	_, err = MarshalSegment(make([]byte, 100), noAddr, tcp, nil)
	c.Check(err, qt.ErrorIs, ErrChecksumComputation)
}

func TestGenerateISN(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 8; i++ {
		isn, err := GenerateISN()
		if err != nil {
			t.Fatal(err)
		}
		seen[uint32(isn)] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected varying ISNs, but got %v", seen)
	}
}
