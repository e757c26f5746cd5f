package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestParseConfigOverlaysDefaults(t *testing.T) {
	c := qt.New(t)

	cfg, err := ParseConfig([]byte(`
tunName: tcp0
mtu: 1400
services:
  - 10.0.0.2:8080
  - 10.0.0.2:8081
closeOnEstablish: true
`))
	c.Assert(err, qt.IsNil)
	c.Check(cfg.TunName, qt.Equals, "tcp0")
	c.Check(cfg.MTU, qt.Equals, 1400)
	c.Check(cfg.Services, qt.DeepEquals, []string{"10.0.0.2:8080", "10.0.0.2:8081"})
	c.Check(cfg.CloseOnEstablish, qt.IsTrue)

	// untouched keys keep their defaults
	c.Check(cfg.TTL, qt.Equals, uint8(DefaultTTL))
	c.Check(cfg.InitialWindow, qt.Equals, uint16(InitialWindow))
	c.Check(cfg.VerifyChecksum, qt.IsTrue)
	c.Check(cfg.RetransmitTimeout(), qt.Equals, time.Second)
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"mtu too small", "mtu: 20"},
		{"mtu too large", "mtu: 70000"},
		{"empty tun name", "tunName: \"\""},
		{"bad cidr", "tunAddr: 192.168.0.1"},
		{"bad service", "services: [\"nope\"]"},
		{"ipv6 service", "services: [\"[::1]:80\"]"},
		{"bad port", "services: [\"10.0.0.1:0\"]"},
		{"zero tick", "tickIntervalMs: 0"},
		{"not yaml", "mtu: [1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			qt.Check(t, err, qt.IsNotNil)
		})
	}
}

func TestReadConfig(t *testing.T) {
	c := qt.New(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	c.Assert(os.WriteFile(path, []byte("ttl: 32\n"), 0o644), qt.IsNil)

	cfg, err := ReadConfig(path)
	c.Assert(err, qt.IsNil)
	c.Check(cfg.TTL, qt.Equals, uint8(32))

	_, err = ReadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	c.Check(err, qt.ErrorMatches, "failed to read config file .*")
}

func TestSplitService(t *testing.T) {
	ip, port, err := SplitService("192.168.0.2:80")
	if err != nil {
		t.Fatal(err)
	}
	if ip != "192.168.0.2" || port != 80 {
		t.Errorf("expected 192.168.0.2:80, but got %s:%d", ip, port)
	}
}
