package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TunName           = "tun0"
	TunAddr           = "192.168.0.1/24"
	ProtocolID        = 6 // IPv4 protocol number of TCP
	DefaultMTU        = 1500
	MaxMTU            = 65535
	DefaultTTL        = 64
	InitialWindow     = 10
	TunHeaderLength   = 4 // flags(2) + proto(2) prepended by the tun driver
	RetransmitTimeout = 1000
	MaxRetransmits    = 5
	TimeWaitMs        = 2 * 30 * 1000 // 2 * MSL
	TickIntervalMs    = 200
	PayloadPoolSize   = 2000
)

// Config is the on-disk configuration of the engine.
type Config struct {
	TunName             string   `yaml:"tunName"`
	TunAddr             string   `yaml:"tunAddr"`             // address assigned to the tun interface, CIDR form. Empty to skip
	MTU                 int      `yaml:"mtu"`                 // largest IPv4 datagram we emit
	TTL                 uint8    `yaml:"ttl"`                 // TTL of outgoing datagrams
	InitialWindow       uint16   `yaml:"initialWindow"`       // window advertised in our segments
	Services            []string `yaml:"services"`            // listening endpoints in "ip:port" format
	CloseOnEstablish    bool     `yaml:"closeOnEstablish"`    // send FIN as soon as the handshake completes
	RetransmitTimeoutMs int      `yaml:"retransmitTimeoutMs"` // resend unacknowledged segments after this long
	MaxRetransmits      int      `yaml:"maxRetransmits"`      // give up on a connection after this many resends
	TimeWaitMs          int      `yaml:"timeWaitMs"`          // how long a connection lingers in TIME-WAIT
	TickIntervalMs      int      `yaml:"tickIntervalMs"`      // timer granularity of the packet loop
	PayloadPoolSize     int      `yaml:"payloadPoolSize"`     // number of payload chunks in the ring pool. 0 disables the pool
	PoolDebug           bool     `yaml:"poolDebug"`           // ring pool debug setting
	VerifyChecksum      bool     `yaml:"verifyChecksum"`      // drop inbound segments with a bad checksum
	CaptureFile         string   `yaml:"captureFile"`         // pcapng file receiving a copy of every datagram
	MetricsAddr         string   `yaml:"metricsAddr"`         // prometheus listen address. Empty disables it
	Debug               bool     `yaml:"debug"`
}

func DefaultConfig() *Config {
	return &Config{
		TunName:             TunName,
		TunAddr:             TunAddr,
		MTU:                 DefaultMTU,
		TTL:                 DefaultTTL,
		InitialWindow:       InitialWindow,
		Services:            []string{"192.168.0.2:80"},
		RetransmitTimeoutMs: RetransmitTimeout,
		MaxRetransmits:      MaxRetransmits,
		TimeWaitMs:          TimeWaitMs,
		TickIntervalMs:      TickIntervalMs,
		PayloadPoolSize:     PayloadPoolSize,
		VerifyChecksum:      true,
	}
}

// ReadConfig loads the YAML file at path on top of DefaultConfig.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TunName == "" {
		return fmt.Errorf("tunName must not be empty")
	}
	// smallest datagram carrying a header-only segment
	if c.MTU < 40 || c.MTU > MaxMTU {
		return fmt.Errorf("mtu %d out of range [40, %d]", c.MTU, MaxMTU)
	}
	if c.TTL == 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if c.TunAddr != "" {
		if _, _, err := net.ParseCIDR(c.TunAddr); err != nil {
			return fmt.Errorf("invalid tunAddr %q: %w", c.TunAddr, err)
		}
	}
	for _, s := range c.Services {
		if _, _, err := SplitService(s); err != nil {
			return err
		}
	}
	if c.RetransmitTimeoutMs <= 0 || c.TimeWaitMs <= 0 || c.TickIntervalMs <= 0 {
		return fmt.Errorf("timer settings must be positive")
	}
	if c.MaxRetransmits < 0 || c.PayloadPoolSize < 0 {
		return fmt.Errorf("maxRetransmits and payloadPoolSize must not be negative")
	}
	return nil
}

// SplitService parses an "ip:port" service entry.
func SplitService(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid service %q: %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return "", 0, fmt.Errorf("invalid service %q: not an IPv4 address", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid service %q: bad port", s)
	}
	return ip.To4().String(), port, nil
}

func (c *Config) RetransmitTimeout() time.Duration {
	return time.Duration(c.RetransmitTimeoutMs) * time.Millisecond
}

func (c *Config) TimeWait() time.Duration {
	return time.Duration(c.TimeWaitMs) * time.Millisecond
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}
