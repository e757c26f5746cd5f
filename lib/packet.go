package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// TcpPacket is the parsed view of one inbound IPv4 datagram carrying TCP.
// IP and TCP alias the buffer they were parsed from.
type TcpPacket struct {
	IP      *layers.IPv4
	TCP     *layers.TCP
	Payload []byte
}

// ParsePacket decodes an IPv4 datagram carrying a TCP segment.
func ParsePacket(data []byte) (*TcpPacket, error) {
	ip := &layers.IPv4{}
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(ErrMalformedHeader, err.Error())
	}
	if ip.Version != 4 {
		return nil, errors.Wrapf(ErrMalformedHeader, "ip version %d", ip.Version)
	}
	if int(ip.Length) > len(data) {
		return nil, errors.Wrapf(ErrMalformedHeader, "truncated datagram: %d of %d bytes", len(data), ip.Length)
	}
	if ip.Protocol != layers.IPProtocolTCP {
		return nil, errors.Wrapf(ErrMalformedHeader, "ip protocol %d is not tcp", ip.Protocol)
	}
	if ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
		return nil, errors.Wrap(ErrMalformedHeader, "fragmented datagram")
	}

	tcp := &layers.TCP{}
	if err := tcp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(ErrMalformedHeader, err.Error())
	}

	return &TcpPacket{
		IP:      ip,
		TCP:     tcp,
		Payload: tcp.Payload,
	}, nil
}

// Flags packs the control bits the same way they sit on the wire.
func (p *TcpPacket) Flags() uint8 {
	var flags uint8
	if p.TCP.URG {
		flags |= URGFlag
	}
	if p.TCP.ACK {
		flags |= ACKFlag
	}
	if p.TCP.PSH {
		flags |= PSHFlag
	}
	if p.TCP.RST {
		flags |= RSTFlag
	}
	if p.TCP.SYN {
		flags |= SYNFlag
	}
	if p.TCP.FIN {
		flags |= FINFlag
	}
	return flags
}

func (p *TcpPacket) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d seq=%d ack=%d wnd=%d flags=%06b len=%d",
		p.IP.SrcIP, p.TCP.SrcPort, p.IP.DstIP, p.TCP.DstPort,
		p.TCP.Seq, p.TCP.Ack, p.TCP.Window, p.Flags(), len(p.Payload))
}

// VerifyChecksum checks the TCP checksum over the IPv4 pseudo-header.
func VerifyChecksum(p *TcpPacket) bool {
	if err := p.TCP.SetNetworkLayerForChecksum(p.IP); err != nil {
		return false
	}
	csum, err := p.TCP.ComputeChecksum()
	if err != nil {
		return false
	}
	// summing a segment together with its own checksum folds to zero
	return csum == 0
}

// MarshalSegment serializes ip, tcp and payload into buffer, fixing the IPv4
// length fields and computing both checksums. It returns the number of bytes
// written.
func MarshalSegment(buffer []byte, ip *layers.IPv4, tcp *layers.TCP, payload []byte) (int, error) {
	if TcpHeaderLength+len(payload) > MaxIpPacketLength-IpHeaderLength {
		return 0, errors.Wrapf(ErrChecksumComputation, "segment payload of %d bytes is too large", len(payload))
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return 0, errors.Wrap(ErrChecksumComputation, err.Error())
	}

	sb := gopacket.NewSerializeBufferExpectedSize(IpHeaderLength+TcpHeaderLength, len(payload))
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(sb, opts, ip, tcp, gopacket.Payload(payload)); err != nil {
		return 0, errors.Wrap(ErrChecksumComputation, err.Error())
	}

	out := sb.Bytes()
	if len(out) > len(buffer) {
		return 0, fmt.Errorf("buffer of %d bytes is too small for a %d byte datagram", len(buffer), len(out))
	}
	return copy(buffer, out), nil
}

// GenerateISN picks an unpredictable initial send sequence number.
func GenerateISN() (seqnum.Value, error) {
	// Generate a random 32-bit value
	var isn uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return seqnum.Value(isn), nil
}
