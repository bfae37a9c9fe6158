// Package config loads a node's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"spraydtn/internal/proto"
)

const (
	DefaultChannel         = 128
	DefaultListen          = "127.0.0.1:4700"
	DefaultCopies          = proto.MaxCopies
	DefaultQueue           = 5
	DefaultSprayInterval   = 5 * time.Second
	DefaultJitterMin       = 10 * time.Millisecond
	DefaultJitterMax       = 20 * time.Millisecond
	DefaultHandoffRetries  = 3
	DefaultAckTimeout      = 2 * time.Second
	DefaultMetricsInterval = 10 * time.Second
)

type Config struct {
	Node      NodeConfig       `toml:"node"`
	Neighbors []NeighborConfig `toml:"neighbors"`
	Protocol  ProtocolConfig   `toml:"protocol"`
	Transport TransportConfig  `toml:"transport"`
	Metrics   MetricsConfig    `toml:"metrics"`
	Debug     DebugConfig      `toml:"debug"`
}

// NodeConfig identifies the local node. Addr wins over Name; a name alone
// derives a stable address.
type NodeConfig struct {
	Name    string `toml:"name"`
	Addr    string `toml:"addr"`
	Listen  string `toml:"listen"`
	Channel uint16 `toml:"channel"`
}

type NeighborConfig struct {
	Name     string `toml:"name"`
	Addr     string `toml:"addr"`
	Endpoint string `toml:"endpoint"`
}

type ProtocolConfig struct {
	Copies         uint16        `toml:"copies"`
	Queue          int           `toml:"queue"`
	SprayInterval  time.Duration `toml:"spray_interval"`
	Lifetime       time.Duration `toml:"lifetime"`
	JitterMin      time.Duration `toml:"jitter_min"`
	JitterMax      time.Duration `toml:"jitter_max"`
	HandoffRetries int           `toml:"handoff_retries"`
	RequestCopies  bool          `toml:"request_copies"`
}

type TransportConfig struct {
	Insecure        bool          `toml:"insecure"`
	CAPath          string        `toml:"ca_path"`
	AckTimeout      time.Duration `toml:"ack_timeout"`
	MaxConnsPerIP   int           `toml:"max_conns_per_ip"`
	MaxStreamsPerIP int           `toml:"max_streams_per_ip"`
	DatagramRate    float64       `toml:"datagram_rate"`
	DatagramBurst   int           `toml:"datagram_burst"`
}

type MetricsConfig struct {
	Snapshot string        `toml:"snapshot"`
	Interval time.Duration `toml:"interval"`
}

type DebugConfig struct {
	Trace string `toml:"trace"`
	Pprof string `toml:"pprof"`
}

func Default() Config {
	return Config{
		Node: NodeConfig{
			Listen:  DefaultListen,
			Channel: DefaultChannel,
		},
		Protocol: ProtocolConfig{
			Copies:         DefaultCopies,
			Queue:          DefaultQueue,
			SprayInterval:  DefaultSprayInterval,
			JitterMin:      DefaultJitterMin,
			JitterMax:      DefaultJitterMax,
			HandoffRetries: DefaultHandoffRetries,
		},
		Transport: TransportConfig{
			AckTimeout:      DefaultAckTimeout,
			MaxConnsPerIP:   8,
			MaxStreamsPerIP: 32,
			DatagramRate:    200,
			DatagramBurst:   64,
		},
		Metrics: MetricsConfig{
			Interval: DefaultMetricsInterval,
		},
	}
}

// Load reads path over the defaults. Unknown keys are an error so typos
// do not silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	self, err := c.SelfAddr()
	if err != nil {
		return err
	}
	if c.Node.Channel > 0xffff-2 {
		return fmt.Errorf("node.channel %d leaves no room for unicast and reliable channels", c.Node.Channel)
	}
	if c.Node.Listen == "" {
		return errors.New("node.listen is required")
	}
	p := c.Protocol
	if p.Copies == 0 || p.Copies > proto.MaxCopies {
		return fmt.Errorf("protocol.copies must be 1..%d, got %d", proto.MaxCopies, p.Copies)
	}
	if p.Queue <= 0 {
		return fmt.Errorf("protocol.queue must be positive, got %d", p.Queue)
	}
	if p.SprayInterval <= 0 {
		return errors.New("protocol.spray_interval must be positive")
	}
	if p.JitterMin < 0 || p.JitterMax < p.JitterMin {
		return fmt.Errorf("protocol jitter range [%s, %s] is invalid", p.JitterMin, p.JitterMax)
	}
	if p.HandoffRetries < 0 {
		return errors.New("protocol.handoff_retries must not be negative")
	}
	seen := map[proto.Addr]bool{self: true}
	for i, n := range c.Neighbors {
		addr, err := n.Address()
		if err != nil {
			return fmt.Errorf("neighbors[%d]: %w", i, err)
		}
		if seen[addr] {
			return fmt.Errorf("neighbors[%d]: duplicate address %s", i, addr)
		}
		seen[addr] = true
		if n.Endpoint == "" {
			return fmt.Errorf("neighbors[%d]: endpoint is required", i)
		}
	}
	if c.Metrics.Snapshot != "" && c.Metrics.Interval <= 0 {
		return errors.New("metrics.interval must be positive when a snapshot path is set")
	}
	return nil
}

func (c Config) SelfAddr() (proto.Addr, error) {
	return resolveAddr("node", c.Node.Addr, c.Node.Name)
}

func (n NeighborConfig) Address() (proto.Addr, error) {
	return resolveAddr("neighbor", n.Addr, n.Name)
}

func resolveAddr(what, addr, name string) (proto.Addr, error) {
	if addr != "" {
		a, err := proto.ParseAddr(addr)
		if err != nil {
			return proto.NullAddr, fmt.Errorf("%s addr: %w", what, err)
		}
		if a.IsNull() {
			return proto.NullAddr, fmt.Errorf("%s addr must not be null", what)
		}
		return a, nil
	}
	if name != "" {
		return proto.DeriveAddr(name), nil
	}
	return proto.NullAddr, fmt.Errorf("%s needs an addr or a name", what)
}
