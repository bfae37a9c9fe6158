package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"spraydtn/internal/proto"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[node]
addr = "00:0A"
listen = "127.0.0.1:4801"

[[neighbors]]
addr = "00:0B"
endpoint = "127.0.0.1:4802"

[[neighbors]]
name = "gamma"
endpoint = "127.0.0.1:4803"

[protocol]
copies = 4
spray_interval = "2s"
jitter_max = "30ms"
request_copies = true

[metrics]
snapshot = "metrics.json"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	self, err := cfg.SelfAddr()
	if err != nil || self != proto.AddrFromUint16(0x000A) {
		t.Fatalf("self addr %s, %v", self, err)
	}
	if cfg.Node.Channel != DefaultChannel {
		t.Fatalf("channel default lost: %d", cfg.Node.Channel)
	}
	p := cfg.Protocol
	if p.Copies != 4 || p.SprayInterval != 2*time.Second || p.JitterMax != 30*time.Millisecond || !p.RequestCopies {
		t.Fatalf("protocol not applied: %+v", p)
	}
	if p.Queue != DefaultQueue || p.JitterMin != DefaultJitterMin || p.HandoffRetries != DefaultHandoffRetries {
		t.Fatalf("protocol defaults lost: %+v", p)
	}
	if len(cfg.Neighbors) != 2 {
		t.Fatalf("neighbors %+v", cfg.Neighbors)
	}
	gamma, err := cfg.Neighbors[1].Address()
	if err != nil || gamma != proto.DeriveAddr("gamma") {
		t.Fatalf("named neighbor %s, %v", gamma, err)
	}
	if cfg.Metrics.Interval != DefaultMetricsInterval {
		t.Fatalf("metrics interval default lost")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[node]
name = "alpha"
[protocol]
copys = 3
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "protocol.copys") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := Default()
	base.Node.Name = "alpha"
	cases := []struct {
		name string
		mod  func(*Config)
		ok   bool
	}{
		{name: "default named", mod: func(*Config) {}, ok: true},
		{name: "no identity", mod: func(c *Config) { c.Node.Name = "" }},
		{name: "null addr", mod: func(c *Config) { c.Node.Addr = "00:00" }},
		{name: "bad addr", mod: func(c *Config) { c.Node.Addr = "zz" }},
		{name: "copies zero", mod: func(c *Config) { c.Protocol.Copies = 0 }},
		{name: "copies over max", mod: func(c *Config) { c.Protocol.Copies = proto.MaxCopies + 1 }},
		{name: "queue zero", mod: func(c *Config) { c.Protocol.Queue = 0 }},
		{name: "jitter inverted", mod: func(c *Config) { c.Protocol.JitterMax = time.Millisecond }},
		{name: "channel overflow", mod: func(c *Config) { c.Node.Channel = 0xfffe }},
		{name: "neighbor without endpoint", mod: func(c *Config) {
			c.Neighbors = []NeighborConfig{{Name: "beta"}}
		}},
		{name: "neighbor duplicates self", mod: func(c *Config) {
			c.Neighbors = []NeighborConfig{{Name: "alpha", Endpoint: "127.0.0.1:1"}}
		}},
		{name: "neighbor ok", mod: func(c *Config) {
			c.Neighbors = []NeighborConfig{{Name: "beta", Endpoint: "127.0.0.1:1"}}
		}, ok: true},
	}
	for _, tc := range cases {
		cfg := base
		cfg.Neighbors = nil
		tc.mod(&cfg)
		err := cfg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
