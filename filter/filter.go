package filter

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

// TunHeaderLength is the size of the packet information prefix the tun
// driver puts in front of every frame: flags(2) + ethertype(2).
const TunHeaderLength = 4

// Verdict of inspecting one tun frame
type Verdict int

const (
	Accept     Verdict = iota
	ShortFrame         // frame too short for the headers it claims
	NotIPv4            // ethertype or IP version is not IPv4
	NotTCP             // IPv4 datagram carrying another protocol
	NoService          // TCP segment for an endpoint nobody listens on
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case ShortFrame:
		return "short_frame"
	case NotIPv4:
		return "not_ipv4"
	case NotTCP:
		return "not_tcp"
	case NoService:
		return "no_service"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

type Filter interface {
	AddTcpServerFiltering(srvAddr string, srvPort int) error    // lets TCP segments addressed to srvAddr:srvPort through.
	RemoveTcpServerFiltering(srvAddr string, srvPort int) error // stops letting TCP segments addressed to srvAddr:srvPort through.
	Inspect(frame []byte) ([]byte, Verdict)                     // strips the tun prefix and returns the IPv4 datagram when it passes.
	FinishFiltering() error                                     // flushes all rules.
}

type filterImpl struct {
	comment string
	ruleSet map[netip.AddrPort]struct{}
	log     *zap.SugaredLogger
}

// NewFilter creates an empty filter. identifier prefixes its log lines; a
// nil logger discards them.
func NewFilter(identifier string, logger *zap.SugaredLogger) (Filter, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &filterImpl{
		comment: identifier,
		ruleSet: make(map[netip.AddrPort]struct{}),
		log:     logger,
	}, nil
}

func parseEndpoint(addr string, port int) (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid service address %q: %v", addr, err)
	}
	if !ip.Is4() {
		return netip.AddrPort{}, fmt.Errorf("service address %s is not IPv4", addr)
	}
	if port <= 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("invalid service port %d", port)
	}
	return netip.AddrPortFrom(ip, uint16(port)), nil
}

func (f *filterImpl) AddTcpServerFiltering(srvAddr string, srvPort int) error {
	ep, err := parseEndpoint(srvAddr, srvPort)
	if err != nil {
		return err
	}
	if _, ok := f.ruleSet[ep]; ok {
		f.log.Debugf("%sRule already exists: %s", f.comment, ep)
		return nil
	}
	f.ruleSet[ep] = struct{}{}
	return nil
}

func (f *filterImpl) RemoveTcpServerFiltering(srvAddr string, srvPort int) error {
	ep, err := parseEndpoint(srvAddr, srvPort)
	if err != nil {
		return err
	}
	if _, ok := f.ruleSet[ep]; !ok {
		return fmt.Errorf("no filtering rule for %s", ep)
	}
	delete(f.ruleSet, ep)
	return nil
}

func (f *filterImpl) FinishFiltering() error {
	clear(f.ruleSet)
	return nil
}

func (f *filterImpl) Inspect(frame []byte) ([]byte, Verdict) {
	_, proto, packet, ok := SplitTunFrame(frame)
	if !ok {
		return nil, ShortFrame
	}
	if layers.EthernetType(proto) != layers.EthernetTypeIPv4 {
		return nil, NotIPv4
	}
	if len(packet) < 20 {
		return nil, ShortFrame
	}
	if packet[0]>>4 != 4 {
		return nil, NotIPv4
	}
	if layers.IPProtocol(packet[9]) != layers.IPProtocolTCP {
		return nil, NotTCP
	}

	// destination port is the second half word of the tcp header
	ihl := int(packet[0]&0x0f) * 4
	if ihl < 20 || len(packet) < ihl+4 {
		return nil, ShortFrame
	}
	dst := netip.AddrPortFrom(netip.AddrFrom4([4]byte(packet[16:20])), binary.BigEndian.Uint16(packet[ihl+2:ihl+4]))
	if _, ok := f.ruleSet[dst]; !ok {
		return nil, NoService
	}
	return packet, Accept
}

// SplitTunFrame separates the tun packet information prefix from the
// datagram behind it.
func SplitTunFrame(frame []byte) (flags, proto uint16, packet []byte, ok bool) {
	if len(frame) < TunHeaderLength {
		return 0, 0, nil, false
	}
	flags = binary.BigEndian.Uint16(frame[0:2])
	proto = binary.BigEndian.Uint16(frame[2:4])
	return flags, proto, frame[TunHeaderLength:], true
}

// AppendTunFrame appends packet to dst behind the prefix announcing an IPv4
// datagram.
func AppendTunFrame(dst, packet []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, 0)
	dst = binary.BigEndian.AppendUint16(dst, uint16(layers.EthernetTypeIPv4))
	return append(dst, packet...)
}
