package lib

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/Clouded-Sabre/Tun-TCP/config"
	"github.com/Clouded-Sabre/Tun-TCP/filter"
	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Device is the link the engine reads frames from and writes datagrams to.
// Frames read carry the tun packet information prefix, datagrams written
// do not.
type Device interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

type TcpCoreConfig struct {
	MTU             int                   // largest IPv4 datagram on the device
	PayloadPoolSize int                   // how many number of payload chunks in the pool
	PoolDebug       bool                  // Ring Pool debug setting
	VerifyChecksum  bool                  // drop inbound segments with a bad TCP checksum
	TickInterval    time.Duration         // timer granularity of the packet loop
	ConnConfig      *ConnectionConfig     // default connection configuration of new services
	Registerer      prometheus.Registerer // where metrics are registered. nil keeps them private
}

func DefaultTcpCoreConfig() *TcpCoreConfig {
	return &TcpCoreConfig{
		MTU:             config.DefaultMTU,
		PayloadPoolSize: config.PayloadPoolSize,
		VerifyChecksum:  true,
		TickInterval:    config.TickIntervalMs * time.Millisecond,
		ConnConfig:      DefaultConnectionConfig(),
	}
}

func NewTcpCoreConfig(cfg *config.Config) *TcpCoreConfig {
	return &TcpCoreConfig{
		MTU:             cfg.MTU,
		PayloadPoolSize: cfg.PayloadPoolSize,
		PoolDebug:       cfg.PoolDebug,
		VerifyChecksum:  cfg.VerifyChecksum,
		TickInterval:    cfg.TickInterval(),
		ConnConfig:      newConnectionConfig(cfg),
	}
}

// TcpCore owns the device and everything reached through it. All of its
// methods must be called from the goroutine running Run.
type TcpCore struct {
	config     *TcpCoreConfig
	device     Device
	filter     filter.Filter
	serviceMap map[string]*Service // services keyed by local "ip:port"
	pool       *rp.RingPool
	metrics    *metrics
	log        *zap.SugaredLogger
	buffer     []byte // one tun frame
	lastTick   time.Time
}

func NewTcpCore(tcpCoreConfig *TcpCoreConfig, device Device, logger *zap.Logger) (*TcpCore, error) {
	if device == nil {
		return nil, fmt.Errorf("device must not be nil")
	}
	if tcpCoreConfig == nil {
		tcpCoreConfig = DefaultTcpCoreConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Sugar()
	f, err := filter.NewFilter("TCP: ", log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create filter")
	}

	p := &TcpCore{
		config:     tcpCoreConfig,
		device:     device,
		filter:     f,
		serviceMap: make(map[string]*Service),
		pool:       newPayloadPool(tcpCoreConfig.PayloadPoolSize, tcpCoreConfig.MTU, tcpCoreConfig.PoolDebug),
		metrics:    newMetrics(tcpCoreConfig.Registerer),
		log:        log,
		buffer:     make([]byte, tcpCoreConfig.MTU+filter.TunHeaderLength),
	}
	p.log.Infof("TCP core started, mtu %d", tcpCoreConfig.MTU)
	return p, nil
}

// ListenTcp starts accepting connections on serviceIP:port. A nil
// connConfig uses the core's default.
func (p *TcpCore) ListenTcp(serviceIP string, port int, connConfig *ConnectionConfig) (*Service, error) {
	serviceAddr := net.ParseIP(serviceIP).To4()
	if serviceAddr == nil {
		return nil, fmt.Errorf("IP address %q is malformatted", serviceIP)
	}
	key := fmt.Sprintf("%s:%d", serviceAddr, port)
	if _, ok := p.serviceMap[key]; ok {
		return nil, fmt.Errorf("%s is already taken", key)
	}
	if connConfig == nil {
		connConfig = p.config.ConnConfig
	}

	if err := p.filter.AddTcpServerFiltering(serviceAddr.String(), port); err != nil {
		return nil, errors.Wrap(err, "failed to add filtering rule")
	}

	srv := newService(serviceAddr.String(), port, connConfig, connEnv{log: p.log, pool: p.pool, metrics: p.metrics})
	p.serviceMap[key] = srv
	p.log.Infof("Listening on %s", key)
	return srv, nil
}

// Run reads and processes frames until ctx is done or the device fails.
// Timers run every TickInterval, whether frames arrive or not.
func (p *TcpCore) Run(ctx context.Context) error {
	p.lastTick = time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := p.device.SetReadDeadline(time.Now().Add(p.config.TickInterval)); err != nil {
			return &TransportError{Op: "set deadline", Err: err}
		}
		n, err := p.device.Read(p.buffer)
		if err != nil {
			if te := (&TransportError{Op: "read", Err: err}); !te.Timeout() {
				return te
			}
		}
		if n > 0 {
			if err := p.HandleFrame(p.buffer[:n]); err != nil {
				return err
			}
		}
		if now := time.Now(); now.Sub(p.lastTick) >= p.config.TickInterval {
			p.lastTick = now
			if err := p.Tick(now); err != nil {
				return err
			}
		}
	}
}

// HandleFrame processes one tun frame. Only transport errors are returned;
// everything else is logged and counted.
func (p *TcpCore) HandleFrame(frame []byte) error {
	p.metrics.framesReceived.Inc()

	ipPacket, verdict := p.filter.Inspect(frame)
	if verdict != filter.Accept {
		p.metrics.drop(verdict.String())
		return nil
	}

	packet, err := ParsePacket(ipPacket)
	if err != nil {
		p.metrics.drop("malformed")
		p.log.Debugf("ignoring weird packet: %v", err)
		return nil
	}
	if p.config.VerifyChecksum && !VerifyChecksum(packet) {
		p.metrics.drop("checksum")
		p.log.Debugf("ignoring packet with bad checksum: %s", packet)
		return nil
	}
	p.log.Debugf("%s → %s %db of tcp to port %d", packet.IP.SrcIP, packet.IP.DstIP, len(packet.Payload), packet.TCP.DstPort)

	srv, ok := p.serviceMap[fmt.Sprintf("%s:%d", packet.IP.DstIP, packet.TCP.DstPort)]
	if !ok {
		p.metrics.drop(filter.NoService.String())
		return nil
	}
	return p.report(srv.handlePacket(p.device, packet))
}

// Tick runs the timers of every connection.
func (p *TcpCore) Tick(now time.Time) error {
	for _, srv := range p.services() {
		if err := srv.tick(p.device, now, func(err error) { p.report(err) }); err != nil {
			return err
		}
	}
	return nil
}

// report logs and counts a connection error and passes fatal ones through.
func (p *TcpCore) report(err error) error {
	switch {
	case err == nil:
		return nil
	case IsFatal(err):
		return err
	case errors.Is(err, ErrUnacceptableSegment):
		p.metrics.unacceptable.Inc()
		p.log.Debugf("%v", err)
	case errors.Is(err, ErrOutOfOrder):
		p.metrics.outOfOrder.Inc()
		p.log.Debugf("%v", err)
	case errors.Is(err, ErrProtocolViolation):
		p.metrics.violations.Inc()
		p.log.Warnf("%v", err)
	default:
		p.log.Warnf("%v", err)
	}
	return nil
}

func (p *TcpCore) services() []*Service {
	keys := make([]string, 0, len(p.serviceMap))
	for key := range p.serviceMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	srvs := make([]*Service, 0, len(keys))
	for _, key := range keys {
		srvs = append(srvs, p.serviceMap[key])
	}
	return srvs
}

// Close sends a FIN on every open connection and removes all services.
// The device stays open; it belongs to the caller.
func (p *TcpCore) Close() error {
	for _, srv := range p.services() {
		if err := srv.Close(p.device); err != nil {
			p.log.Warnf("closing %s:%d: %v", srv.ServiceAddr, srv.Port, err)
		}
	}
	clear(p.serviceMap)
	if err := p.filter.FinishFiltering(); err != nil {
		return err
	}
	p.log.Infof("TCP core closed")
	return nil
}
