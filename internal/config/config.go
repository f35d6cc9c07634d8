// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/rawnet/internal/addr"
	"firestige.xyz/rawnet/internal/core"
)

// Config is the top-level configuration.
// Maps to the `rawnet:` root key in YAML.
type Config struct {
	Link      LinkConfig       `mapstructure:"link" yaml:"link"`
	Node      NodeConfig       `mapstructure:"node" yaml:"node"`
	Route     RouteConfig      `mapstructure:"route" yaml:"route"`
	Neighbors []NeighborConfig `mapstructure:"neighbors" yaml:"neighbors"`
	ARP       ARPConfig        `mapstructure:"arp" yaml:"arp"`
	Handshake HandshakeConfig  `mapstructure:"handshake" yaml:"handshake"`
	DNS       DNSConfig        `mapstructure:"dns" yaml:"dns"`
	Metrics   MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Log       LogConfig        `mapstructure:"log" yaml:"log"`
}

// ─── Link ───

// LinkConfig selects and tunes the raw link.
type LinkConfig struct {
	Type      string         `mapstructure:"type" yaml:"type"` // afpacket
	Interface string         `mapstructure:"interface" yaml:"interface"`
	Options   map[string]any `mapstructure:"options" yaml:"options,omitempty"` // link specific, see link.AFPacketOptions
	Dump      string         `mapstructure:"dump" yaml:"dump,omitempty"`       // pcap file; empty = disabled
}

// ─── Node Identity ───

// NodeConfig holds the local addresses. Empty = discovered from the interface.
type NodeConfig struct {
	IP  string `mapstructure:"ip" yaml:"ip,omitempty"`
	MAC string `mapstructure:"mac" yaml:"mac,omitempty"`
}

// ─── Routing ───

// RouteConfig decides the next hop. Destinations inside Prefix are resolved
// directly; everything else goes through Gateway.
type RouteConfig struct {
	Gateway string `mapstructure:"gateway" yaml:"gateway,omitempty"`
	Prefix  string `mapstructure:"prefix" yaml:"prefix,omitempty"` // CIDR, e.g. 10.0.0.0/24
}

// NeighborConfig pre-seeds the address resolution cache.
type NeighborConfig struct {
	IP  string `mapstructure:"ip" yaml:"ip"`
	MAC string `mapstructure:"mac" yaml:"mac"`
}

// ─── ARP ───

// ARPConfig limits ARP requests emitted on cache misses.
type ARPConfig struct {
	RequestRate    float64       `mapstructure:"request_rate" yaml:"request_rate"` // requests per second
	RequestBurst   int           `mapstructure:"request_burst" yaml:"request_burst"`
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout" yaml:"resolve_timeout"`
}

// ─── Handshake ───

// HandshakeConfig tunes outbound TCP handshake flows.
type HandshakeConfig struct {
	Window   uint16        `mapstructure:"window" yaml:"window"`
	Teardown time.Duration `mapstructure:"teardown" yaml:"teardown"`
	PortMin  uint16        `mapstructure:"port_min" yaml:"port_min"`
	PortMax  uint16        `mapstructure:"port_max" yaml:"port_max"`
}

// ─── DNS ───

// DNSConfig configures the DNS query application.
type DNSConfig struct {
	Server  string        `mapstructure:"server" yaml:"server"`
	Port    uint16        `mapstructure:"port" yaml:"port"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PortMin uint16        `mapstructure:"port_min" yaml:"port_min"`
	PortMax uint16        `mapstructure:"port_max" yaml:"port_max"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format     string           `mapstructure:"format" yaml:"format"` // pattern / json / text
	Pattern    string           `mapstructure:"pattern" yaml:"pattern"`
	TimeFormat string           `mapstructure:"time_format" yaml:"time_format"`
	Outputs    LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `rawnet: ...`.
type configRoot struct {
	Rawnet Config `mapstructure:"rawnet" yaml:"rawnet"`
}

// Load loads configuration from file. An empty path yields defaults plus
// environment overrides (RAWNET_ prefix, e.g. RAWNET_LOG_LEVEL).
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// key "rawnet.log.level" → env "RAWNET_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Rawnet

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "rawnet." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Link defaults
	v.SetDefault("rawnet.link.type", "afpacket")
	v.SetDefault("rawnet.link.interface", "eth0")
	v.SetDefault("rawnet.link.dump", "")

	// Registered so env overrides apply even when the file omits them
	v.SetDefault("rawnet.node.ip", "")
	v.SetDefault("rawnet.node.mac", "")
	v.SetDefault("rawnet.route.gateway", "")
	v.SetDefault("rawnet.route.prefix", "")

	// ARP defaults
	v.SetDefault("rawnet.arp.request_rate", 1.0)
	v.SetDefault("rawnet.arp.request_burst", 3)
	v.SetDefault("rawnet.arp.resolve_timeout", "3s")

	// Handshake defaults
	v.SetDefault("rawnet.handshake.window", 17520)
	v.SetDefault("rawnet.handshake.teardown", "2s")
	v.SetDefault("rawnet.handshake.port_min", 49152)
	v.SetDefault("rawnet.handshake.port_max", 65535)

	// DNS defaults
	v.SetDefault("rawnet.dns.server", "8.8.8.8")
	v.SetDefault("rawnet.dns.port", 53)
	v.SetDefault("rawnet.dns.timeout", "5s")
	v.SetDefault("rawnet.dns.port_min", 2500)
	v.SetDefault("rawnet.dns.port_max", 5500)

	// Metrics defaults
	v.SetDefault("rawnet.metrics.enabled", false)
	v.SetDefault("rawnet.metrics.listen", ":9091")
	v.SetDefault("rawnet.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("rawnet.log.level", "info")
	v.SetDefault("rawnet.log.format", "pattern")
	v.SetDefault("rawnet.log.pattern", "%time [%level] %caller: %msg %field\n")
	v.SetDefault("rawnet.log.time_format", "2006-01-02 15:04:05.000")
	v.SetDefault("rawnet.log.outputs.file.enabled", false)
	v.SetDefault("rawnet.log.outputs.file.path", "/var/log/rawnet/rawnet.log")
	v.SetDefault("rawnet.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("rawnet.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("rawnet.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("rawnet.log.outputs.file.rotation.compress", true)
}

// ValidateAndApplyDefaults validates configuration and fills values viper
// cannot default, such as zero values set explicitly in the file.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "pattern", "json", "text":
	default:
		return invalid("log format: %s (must be pattern/json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}

	// ── Link validation ──
	if cfg.Link.Type != "afpacket" {
		return invalid("link.type: %s (only 'afpacket' supported)", cfg.Link.Type)
	}
	if cfg.Link.Interface == "" {
		return invalid("link.interface is required")
	}

	// ── Addresses ──
	if cfg.Node.IP != "" {
		if _, err := addr.IPv4(cfg.Node.IP); err != nil {
			return invalid("node.ip: %v", err)
		}
	}
	if cfg.Node.MAC != "" {
		if _, err := addr.MAC(cfg.Node.MAC); err != nil {
			return invalid("node.mac: %v", err)
		}
	}
	if cfg.Route.Gateway != "" {
		if _, err := addr.IPv4(cfg.Route.Gateway); err != nil {
			return invalid("route.gateway: %v", err)
		}
	}
	if cfg.Route.Prefix != "" {
		p, err := netip.ParsePrefix(cfg.Route.Prefix)
		if err != nil || !p.Addr().Is4() {
			return invalid("route.prefix: %q is not an IPv4 CIDR", cfg.Route.Prefix)
		}
	}
	for i, n := range cfg.Neighbors {
		if _, err := addr.IPv4(n.IP); err != nil {
			return invalid("neighbors[%d].ip: %v", i, err)
		}
		if _, err := addr.MAC(n.MAC); err != nil {
			return invalid("neighbors[%d].mac: %v", i, err)
		}
	}
	if _, err := addr.IPv4(cfg.DNS.Server); err != nil {
		return invalid("dns.server: %v", err)
	}

	// ── Runtime defaults ──
	if cfg.ARP.RequestRate <= 0 {
		cfg.ARP.RequestRate = 1
	}
	if cfg.ARP.RequestBurst <= 0 {
		cfg.ARP.RequestBurst = 1
	}
	if cfg.Handshake.Window == 0 {
		cfg.Handshake.Window = 17520
	}
	if cfg.Handshake.Teardown <= 0 {
		cfg.Handshake.Teardown = 2 * time.Second
	}
	if cfg.Handshake.PortMin == 0 || cfg.Handshake.PortMax < cfg.Handshake.PortMin {
		return invalid("handshake port range %d-%d", cfg.Handshake.PortMin, cfg.Handshake.PortMax)
	}
	if cfg.DNS.Port == 0 {
		cfg.DNS.Port = 53
	}
	if cfg.DNS.PortMin == 0 || cfg.DNS.PortMax < cfg.DNS.PortMin {
		return invalid("dns port range %d-%d", cfg.DNS.PortMin, cfg.DNS.PortMax)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics are enabled")
	}

	return nil
}

// NeighborMap returns the neighbor seeds as ip → mac text pairs.
func (cfg *Config) NeighborMap() map[string]string {
	m := make(map[string]string, len(cfg.Neighbors))
	for _, n := range cfg.Neighbors {
		m[n.IP] = n.MAC
	}
	return m
}

// YAML renders the effective configuration under the `rawnet:` root key.
func (cfg *Config) YAML() ([]byte, error) {
	return yaml.Marshal(configRoot{Rawnet: *cfg})
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}
