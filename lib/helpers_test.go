package lib

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

var (
	peerIP  = net.IPv4(10, 0, 0, 2).To4()
	localIP = net.IPv4(10, 0, 0, 1).To4()
)

const (
	peerPort  = 40000
	localPort = 80
	testISS   = seqnum.Value(1000)
)

// rawSegment builds an IPv4 datagram carrying a segment from the peer to
// the local service.
func rawSegment(t *testing.T, seq, ack uint32, window uint16, flags uint8, payload []byte) []byte {
	t.Helper()
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
		Seq:     seq,
		Ack:     ack,
		Window:  window,
		SYN:     flags&SYNFlag != 0,
		ACK:     flags&ACKFlag != 0,
		FIN:     flags&FINFlag != 0,
		RST:     flags&RSTFlag != 0,
		PSH:     flags&PSHFlag != 0,
	}
	buf := make([]byte, MaxIpPacketLength)
	n, err := MarshalSegment(buf, ip, tcp, payload)
	if err != nil {
		t.Fatalf("MarshalSegment: %v", err)
	}
	return buf[:n]
}

// inbound parses rawSegment back, so tests see exactly what the packet
// loop would.
func inbound(t *testing.T, seq, ack uint32, window uint16, flags uint8, payload []byte) *TcpPacket {
	t.Helper()
	p, err := ParsePacket(rawSegment(t, seq, ack, window, flags, payload))
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	return p
}

// recorder is a transport keeping a copy of every datagram written to it.
type recorder struct {
	frames [][]byte
	err    error
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.frames = append(r.frames, append([]byte(nil), b...))
	return len(b), nil
}

func (r *recorder) packet(t *testing.T, i int) *TcpPacket {
	t.Helper()
	if i >= len(r.frames) {
		t.Fatalf("expected at least %d frames, but got %d", i+1, len(r.frames))
	}
	p, err := ParsePacket(r.frames[i])
	if err != nil {
		t.Fatalf("outgoing frame %d does not parse: %v", i, err)
	}
	return p
}

func (r *recorder) last(t *testing.T) *TcpPacket {
	t.Helper()
	return r.packet(t, len(r.frames)-1)
}

// fakeDevice is a tun device fed from a queue of frames. Reads past the end
// of the queue return readErr, or time out like a read deadline would.
type fakeDevice struct {
	recorder
	inbox    [][]byte
	readErr  error
	deadline time.Time
	closed   bool
}

func (d *fakeDevice) Read(b []byte) (int, error) {
	if len(d.inbox) == 0 {
		if d.readErr != nil {
			return 0, d.readErr
		}
		return 0, os.ErrDeadlineExceeded
	}
	n := copy(b, d.inbox[0])
	d.inbox = d.inbox[1:]
	return n, nil
}

func (d *fakeDevice) SetReadDeadline(t time.Time) error {
	d.deadline = t
	return nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

// tunFrame prefixes an IPv4 datagram the way the tun driver does.
func tunFrame(ipPacket []byte) []byte {
	return append([]byte{0, 0, 0x08, 0x00}, ipPacket...)
}

func fixedISN(iss seqnum.Value) func() (seqnum.Value, error) {
	return func() (seqnum.Value, error) {
		return iss, nil
	}
}

// testClock is a manually advanced clock.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func testConnConfig(clock *testClock) *ConnectionConfig {
	cfg := DefaultConnectionConfig()
	cfg.ISNGenerator = fixedISN(testISS)
	cfg.Clock = clock.Now
	return cfg
}
