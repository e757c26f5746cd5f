package lib

import (
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DataHandler is called after a segment left data to read on conn. Writes
// made through nic go out before the next frame is read.
type DataHandler func(conn *Connection, nic io.Writer) error

// Service represents a service listening on a specific ip and port.
type Service struct {
	ServiceAddr   string
	Port          int
	connectionMap map[string]*Connection // open connections keyed by remote "ip:port"
	connConfig    *ConnectionConfig      // Connection Config
	env           connEnv
	dataHandler   DataHandler
	log           *zap.SugaredLogger
}

func newService(serviceAddr string, port int, connConfig *ConnectionConfig, env connEnv) *Service {
	key := fmt.Sprintf("%s:%d", serviceAddr, port)
	env.log = env.log.With("service", key)
	return &Service{
		ServiceAddr:   serviceAddr,
		Port:          port,
		connectionMap: make(map[string]*Connection),
		connConfig:    connConfig,
		env:           env,
		log:           env.log,
	}
}

// SetDataHandler installs h for every connection of the service.
func (s *Service) SetDataHandler(h DataHandler) {
	s.dataHandler = h
}

// handlePacket dispatches an inbound segment to its connection, creating
// one when it is a SYN.
func (s *Service) handlePacket(nic io.Writer, packet *TcpPacket) error {
	connKey := fmt.Sprintf("%s:%d", packet.IP.SrcIP, packet.TCP.SrcPort)

	conn, ok := s.connectionMap[connKey]
	if !ok {
		return s.handleSynPacket(nic, connKey, packet)
	}

	err := conn.OnPacket(nic, packet.IP, packet.TCP, packet.Payload)
	if err == nil && s.dataHandler != nil && conn.Buffered() > 0 {
		err = s.dataHandler(conn, nic)
	}
	s.reap(conn)
	return err
}

func (s *Service) handleSynPacket(nic io.Writer, connKey string, packet *TcpPacket) error {
	if packet.TCP.ACK || packet.TCP.RST {
		s.log.Debugf("Received %06b for non-existent connection %s. Ignore it!", packet.Flags(), connKey)
		return nil
	}

	conn, err := accept(nic, packet.IP, packet.TCP, packet.Payload, s.connConfig, s.env)
	if err != nil {
		return err
	}
	if conn == nil {
		s.log.Debugf("Received non-SYN packet for non-existent connection %s. Ignore it!", connKey)
		return nil
	}

	s.connectionMap[connKey] = conn
	if s.env.metrics != nil {
		s.env.metrics.accepted.Inc()
		s.env.metrics.active.Inc()
	}
	s.log.Infof("New connection from %s", connKey)
	return nil
}

// tick runs the timers of every connection and reaps the closed ones. It
// stops at the first fatal error; other errors are handed to report.
func (s *Service) tick(nic io.Writer, now time.Time, report func(error)) error {
	for _, conn := range s.Connections() {
		if _, err := conn.Tick(nic, now); err != nil {
			if IsFatal(err) {
				return err
			}
			report(err)
		}
		s.reap(conn)
	}
	return nil
}

func (s *Service) reap(conn *Connection) {
	if conn.State() != Closed {
		return
	}
	if _, ok := s.connectionMap[conn.Key]; !ok {
		return
	}
	delete(s.connectionMap, conn.Key)
	if s.env.metrics != nil {
		s.env.metrics.active.Dec()
	}
	s.log.Infof("Connection %s closed", conn.Key)
}

// Connection returns the connection with remote endpoint key, "ip:port".
func (s *Service) Connection(key string) (*Connection, bool) {
	conn, ok := s.connectionMap[key]
	return conn, ok
}

// Connections returns the open connections ordered by key.
func (s *Service) Connections() []*Connection {
	conns := make([]*Connection, 0, len(s.connectionMap))
	for _, conn := range s.connectionMap {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].Key < conns[j].Key
	})
	return conns
}

// Close sends a FIN on every connection still able to send one.
func (s *Service) Close(nic io.Writer) error {
	for _, conn := range s.Connections() {
		switch conn.State() {
		case SynReceived, Established:
			if err := conn.Close(nic); err != nil {
				return err
			}
		}
	}
	return nil
}
