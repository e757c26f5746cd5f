package lib

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/Clouded-Sabre/Tun-TCP/config"
	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

type ConnectionConfig struct {
	MTU               int                          // largest datagram emitted
	TTL               uint8                        // TTL of emitted datagrams
	InitialWindow     uint16                       // send window before the peer's first window update, also the window we advertise
	CloseOnEstablish  bool                         // send FIN on the first ACK received in ESTABLISHED
	RetransmitTimeout time.Duration                // resend a segment not acknowledged within this duration
	MaxRetransmits    int                          // abort the connection after this many resends of one segment
	TimeWait          time.Duration                // 2*MSL
	ISNGenerator      func() (seqnum.Value, error) // source of initial send sequence numbers
	Clock             func() time.Time
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		MTU:               config.DefaultMTU,
		TTL:               DefaultTTL,
		InitialWindow:     config.InitialWindow,
		RetransmitTimeout: config.RetransmitTimeout * time.Millisecond,
		MaxRetransmits:    config.MaxRetransmits,
		TimeWait:          config.TimeWaitMs * time.Millisecond,
		ISNGenerator:      GenerateISN,
		Clock:             time.Now,
	}
}

func newConnectionConfig(cfg *config.Config) *ConnectionConfig {
	connConfig := DefaultConnectionConfig()
	connConfig.MTU = cfg.MTU
	connConfig.TTL = cfg.TTL
	connConfig.InitialWindow = cfg.InitialWindow
	connConfig.CloseOnEstablish = cfg.CloseOnEstablish
	connConfig.RetransmitTimeout = cfg.RetransmitTimeout()
	connConfig.MaxRetransmits = cfg.MaxRetransmits
	connConfig.TimeWait = cfg.TimeWait()
	return connConfig
}

// Connection is the transmission control block of one passively opened
// connection. It is not safe for concurrent use; the packet loop owns it.
type Connection struct {
	Key           string // connection key for easy reference, remote "ip:port"
	state         State
	send          SendSequenceSpace
	recv          RecvSequenceSpace
	ip            layers.IPv4 // outgoing header template
	tcp           layers.TCP  // outgoing header template, SYN/FIN mark control bits still to be sent
	config        *ConnectionConfig
	resend        *ResendPackets
	received      []byte       // in-order data not yet read by the application
	finSeq        seqnum.Value // sequence number our FIN occupies
	finSent       bool
	timeWaitStart time.Time
	dropped       error  // set by deliver when data ahead of recv.nxt is discarded
	buffer        []byte // serialization buffer, one datagram long
	log           *zap.SugaredLogger
	metrics       *metrics
}

// connEnv carries the shared runtime objects a service hands to the
// connections it creates.
type connEnv struct {
	log     *zap.SugaredLogger
	pool    *rp.RingPool
	metrics *metrics
}

// Accept creates a connection in SYN-RECEIVED for an inbound SYN and answers
// it with a SYN+ACK. Segments without SYN are rejected with a nil
// connection and a nil error.
func Accept(nic io.Writer, iph *layers.IPv4, tcph *layers.TCP, data []byte, connConfig *ConnectionConfig, logger *zap.SugaredLogger) (*Connection, error) {
	return accept(nic, iph, tcph, data, connConfig, connEnv{log: logger})
}

func accept(nic io.Writer, iph *layers.IPv4, tcph *layers.TCP, data []byte, connConfig *ConnectionConfig, env connEnv) (*Connection, error) {
	if !tcph.SYN {
		// only expected SYN packet
		return nil, nil
	}
	if connConfig == nil {
		connConfig = DefaultConnectionConfig()
	}
	if env.log == nil {
		env.log = zap.NewNop().Sugar()
	}

	generateISN := connConfig.ISNGenerator
	if generateISN == nil {
		generateISN = GenerateISN
	}
	iss, err := generateISN()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate initial sequence number")
	}

	key := fmt.Sprintf("%s:%d", iph.SrcIP, tcph.SrcPort)
	c := &Connection{
		Key:   key,
		state: SynReceived,
		send: SendSequenceSpace{
			Iss: iss,
			Una: iss,
			Nxt: iss,
			Wnd: connConfig.InitialWindow,
			Wl1: seqnum.Value(tcph.Seq),
			Wl2: iss,
		},
		recv: RecvSequenceSpace{
			Irs: seqnum.Value(tcph.Seq),
			Nxt: SeqIncrement(seqnum.Value(tcph.Seq)),
			Wnd: tcph.Window,
		},
		ip: layers.IPv4{
			Version:  4,
			TTL:      connConfig.TTL,
			Flags:    layers.IPv4DontFragment,
			Protocol: layers.IPProtocolTCP,
			// the parsed addresses alias the read buffer
			SrcIP: append(net.IP(nil), iph.DstIP.To4()...),
			DstIP: append(net.IP(nil), iph.SrcIP.To4()...),
		},
		tcp: layers.TCP{
			SrcPort: tcph.DstPort,
			DstPort: tcph.SrcPort,
			Window:  connConfig.InitialWindow,
			SYN:     true,
			ACK:     true,
		},
		config:  connConfig,
		resend:  NewResendPackets(env.pool),
		buffer:  make([]byte, connConfig.MTU),
		log:     env.log.With("conn", key),
		metrics: env.metrics,
	}

	if _, err := c.write(nic, nil); err != nil {
		return nil, err
	}
	c.log.Debugf("SYN received, SYN-ACK sent with iss %d", iss)
	return c, nil
}

// OnPacket processes one inbound segment. At most one segment is written to
// nic in response. Data starting beyond the next expected byte is not
// delivered; the segment is otherwise processed and ErrOutOfOrder returned.
func (c *Connection) OnPacket(nic io.Writer, iph *layers.IPv4, tcph *layers.TCP, data []byte) error {
	err := c.onPacket(nic, iph, tcph, data)
	if c.dropped != nil {
		if err == nil {
			err = c.dropped
		}
		c.dropped = nil
	}
	return err
}

func (c *Connection) onPacket(nic io.Writer, iph *layers.IPv4, tcph *layers.TCP, data []byte) error {
	if c.state == Closed {
		return nil
	}

	seqn := seqnum.Value(tcph.Seq)
	slen := segmentLength(len(data), tcph.SYN, tcph.FIN)
	if !IsSegmentAcceptable(c.recv, seqn, slen) {
		if tcph.RST {
			return errors.Wrapf(ErrUnacceptableSegment, "RST with seq %d", seqn)
		}
		if _, err := c.write(nic, nil); err != nil {
			return err
		}
		return errors.Wrapf(ErrUnacceptableSegment, "seq %d len %d, expecting %d window %d", seqn, slen, c.recv.Nxt, c.recv.Wnd)
	}

	expected := c.recv.Nxt
	if end := seqn.Add(slen); expected.LessThan(end) {
		c.recv.Nxt = end
	}
	ackOwed := false
	if len(data) > 0 {
		c.deliver(seqn, tcph.SYN, data, expected)
		ackOwed = true
	}

	if tcph.RST {
		c.log.Infof("connection reset by peer in %s", c.state)
		c.setState(Closed)
		return nil
	}

	if !tcph.ACK {
		if ackOwed {
			_, err := c.write(nic, nil)
			return err
		}
		return nil
	}

	ackn := seqnum.Value(tcph.Ack)
	if c.state == SynReceived {
		// an unacceptable ACK here would be answered with RST, which we never send
		if IsBetweenWrapped(c.send.Una-1, ackn, c.send.Nxt.Add(1)) {
			c.setState(Established)
		}
	}

	emitted := false
	switch c.state {
	case Established, FinWait1, FinWait2:
		if c.send.Nxt.LessThan(ackn) {
			// acknowledges something not yet sent
			_, err := c.write(nic, nil)
			return err
		}
		if IsBetweenWrapped(c.send.Una, ackn, c.send.Nxt.Add(1)) {
			c.send.Una = ackn
			c.resend.RemoveAcked(ackn)

			if c.state == Established && c.config.CloseOnEstablish {
				if err := c.sendFin(nic); err != nil {
					return err
				}
				emitted = true
			}
		}
		if c.send.Una.LessThanEq(ackn) && (c.send.Wl1.LessThan(seqn) || (c.send.Wl1 == seqn && c.send.Wl2.LessThanEq(ackn))) {
			c.send.Wnd = tcph.Window
			c.send.Wl1 = seqn
			c.send.Wl2 = ackn
		}
	}

	if c.state == FinWait1 && c.finSent && c.send.Una == SeqIncrement(c.finSeq) {
		// our FIN is acknowledged
		c.setState(FinWait2)
	}

	if tcph.FIN {
		if c.state != FinWait2 {
			return &ProtocolViolationError{State: c.state, Event: "FIN"}
		}
		if _, err := c.write(nic, nil); err != nil {
			return err
		}
		c.setState(TimeWait)
		return nil
	}

	if ackOwed && !emitted {
		_, err := c.write(nic, nil)
		return err
	}
	return nil
}

// deliver appends the part of data not received before to the read buffer.
func (c *Connection) deliver(seqn seqnum.Value, syn bool, data []byte, expected seqnum.Value) {
	switch c.state {
	case SynReceived, Established, FinWait1, FinWait2:
	default:
		return
	}
	start := seqn
	if syn {
		start = SeqIncrement(start)
	}
	if expected.LessThan(start) {
		// bytes between expected and start never reached us
		c.dropped = errors.Wrapf(ErrOutOfOrder, "connection %s: %d bytes at %d, expecting %d", c.Key, len(data), start, expected)
		return
	}
	if start.LessThan(expected) {
		dup := int(start.Size(expected))
		if dup >= len(data) {
			return
		}
		data = data[dup:]
	}
	c.received = append(c.received, data...)
}

// write emits one segment carrying payload with the current sequence and
// acknowledgment numbers plus any pending SYN or FIN. It returns the number
// of payload bytes sent, which is less than len(payload) when the datagram
// would exceed the MTU.
func (c *Connection) write(nic io.Writer, payload []byte) (int, error) {
	room := c.config.MTU - IpHeaderLength - TcpHeaderLength
	if room < 0 {
		room = 0
	}
	if len(payload) > room {
		payload = payload[:room]
	}

	seq := c.send.Nxt
	syn, fin := c.tcp.SYN, c.tcp.FIN
	if err := c.transmit(nic, seq, syn, fin, payload); err != nil {
		return 0, err
	}
	if segmentLength(len(payload), syn, fin) > 0 {
		c.resend.AddSentPacket(seq, syn, fin, payload, c.now())
	}

	c.send.Nxt = SeqIncrementBy(c.send.Nxt, seqnum.Size(len(payload)))
	if syn {
		c.send.Nxt = SeqIncrement(c.send.Nxt)
		c.tcp.SYN = false
	}
	if fin {
		c.finSeq = c.send.Nxt
		c.finSent = true
		c.send.Nxt = SeqIncrement(c.send.Nxt)
		c.tcp.FIN = false
	}
	return len(payload), nil
}

// transmit serializes and writes a segment without touching the send space.
func (c *Connection) transmit(nic io.Writer, seq seqnum.Value, syn, fin bool, payload []byte) error {
	ip := c.ip
	tcp := c.tcp
	tcp.Seq = uint32(seq)
	tcp.Ack = uint32(c.recv.Nxt)
	tcp.SYN = syn
	tcp.FIN = fin

	n, err := MarshalSegment(c.buffer, &ip, &tcp, payload)
	if err != nil {
		return err
	}
	if _, err := nic.Write(c.buffer[:n]); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	c.metrics.segmentSent()
	return nil
}

func (c *Connection) sendFin(nic io.Writer) error {
	c.tcp.FIN = true
	if _, err := c.write(nic, nil); err != nil {
		c.tcp.FIN = false
		return err
	}
	c.setState(FinWait1)
	return nil
}

// Send transmits as much of data as the MTU and the peer's window allow.
func (c *Connection) Send(nic io.Writer, data []byte) (int, error) {
	switch c.state {
	case Established:
	case Closed:
		return 0, ErrConnectionClosed
	case SynReceived:
		return 0, ErrNotEstablished
	default:
		return 0, ErrConnectionClosing
	}

	inFlight := c.send.Una.Size(c.send.Nxt)
	wnd := seqnum.Size(c.send.Wnd)
	if wnd <= inFlight || len(data) == 0 {
		return 0, nil
	}
	if usable := int(wnd - inFlight); len(data) > usable {
		data = data[:usable]
	}
	return c.write(nic, data)
}

// Close asks for an orderly shutdown: a FIN is sent and the connection moves
// to FIN-WAIT-1.
func (c *Connection) Close(nic io.Writer) error {
	switch c.state {
	case SynReceived, Established:
		return c.sendFin(nic)
	case Closed:
		return ErrConnectionClosed
	default:
		return ErrConnectionClosing
	}
}

// Tick drives the connection's timers: segments unacknowledged for longer
// than the retransmission timeout are sent again, and TIME-WAIT ends after
// its 2*MSL. It returns the number of segments retransmitted.
func (c *Connection) Tick(nic io.Writer, now time.Time) (int, error) {
	switch c.state {
	case Closed:
		return 0, nil
	case TimeWait:
		if now.Sub(c.timeWaitStart) >= c.config.TimeWait {
			c.setState(Closed)
		}
		return 0, nil
	}

	resent := 0
	for _, pi := range c.resend.Expired(now, c.config.RetransmitTimeout) {
		if pi.ResendCount >= c.config.MaxRetransmits {
			c.log.Warnf("segment %d unacknowledged after %d retransmissions, giving up", pi.Seq, pi.ResendCount)
			c.setState(Closed)
			return resent, errors.Wrapf(ErrRetransmitTimeout, "connection %s", c.Key)
		}
		if err := c.transmit(nic, pi.Seq, pi.SYN, pi.FIN, pi.Payload()); err != nil {
			return resent, err
		}
		c.resend.UpdateSentPacket(pi, now)
		c.metrics.retransmit()
		resent++
	}
	return resent, nil
}

// Read copies received data into p and returns how many bytes were copied.
func (c *Connection) Read(p []byte) int {
	n := copy(p, c.received)
	c.received = c.received[n:]
	if len(c.received) == 0 {
		c.received = nil
	}
	return n
}

// Buffered returns the number of received bytes waiting to be read.
func (c *Connection) Buffered() int {
	return len(c.received)
}

func (c *Connection) State() State {
	return c.state
}

func (c *Connection) SendSpace() SendSequenceSpace {
	return c.send
}

func (c *Connection) RecvSpace() RecvSequenceSpace {
	return c.recv
}

// Outstanding returns the number of segments waiting for acknowledgment.
func (c *Connection) Outstanding() int {
	return c.resend.Len()
}

func (c *Connection) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debugf("%s -> %s", c.state, s)
	c.metrics.transition(c.state, s)
	c.state = s
	switch s {
	case TimeWait:
		c.timeWaitStart = c.now()
	case Closed:
		c.resend.Clear()
	}
}

func (c *Connection) now() time.Time {
	if c.config.Clock != nil {
		return c.config.Clock()
	}
	return time.Now()
}
