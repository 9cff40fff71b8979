// Package config loads the socialnode runtime configuration from disk.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when no config file is found in the given directory.
var ErrNoConfig = errors.New("no socialnode config file found")

// SocketConfig is the bind configuration for one of the five logical
// sockets (private RPC, public web, public web TLS, static, REST).
type SocketConfig struct {
	Hosts []string `yaml:"hosts" toml:"hosts" json:"hosts"`
	Port  int      `yaml:"port" toml:"port" json:"port"`
	TLS   bool     `yaml:"tls" toml:"tls" json:"tls"`
}

// PodConfig tunes one pod's queue depth and worker count.
type PodConfig struct {
	MaxDepth    int `yaml:"max_depth" toml:"max_depth" json:"max_depth"`
	ThreadCount int `yaml:"thread_count" toml:"thread_count" json:"thread_count"`
}

// AuthConfig configures the private socket's authentication mechanisms.
// All three may be configured simultaneously; any one matching is enough.
type AuthConfig struct {
	// CookieFile enables the random-cookie mechanism, writing the cookie
	// to this path (relative to the data directory) at startup.
	CookieFile string `yaml:"cookie_file" toml:"cookie_file" json:"cookie_file"`

	// User/Pass configure the single constant-time-compared credential.
	User string `yaml:"user" toml:"user" json:"user"`
	Pass string `yaml:"pass" toml:"pass" json:"pass"`

	// RPCAuth holds zero or more "name:salt$hmac" entries, as produced by
	// the genauth CLI subcommand.
	RPCAuth []string `yaml:"rpcauth" toml:"rpcauth" json:"rpcauth"`
}

// Config is the parsed socialnode configuration.
type Config struct {
	DataDir string `yaml:"data_dir" toml:"data_dir" json:"data_dir"`

	PrivateRPC SocketConfig `yaml:"private_rpc" toml:"private_rpc" json:"private_rpc"`
	PublicWeb  SocketConfig `yaml:"public_web" toml:"public_web" json:"public_web"`
	PublicTLS  SocketConfig `yaml:"public_web_tls" toml:"public_web_tls" json:"public_web_tls"`
	Static     SocketConfig `yaml:"static" toml:"static" json:"static"`
	REST       SocketConfig `yaml:"rest" toml:"rest" json:"rest"`

	// AllowedCIDRs lists additional networks (beyond loopback) permitted
	// to reach the private socket.
	AllowedCIDRs []string `yaml:"allowed_cidrs" toml:"allowed_cidrs" json:"allowed_cidrs"`

	Auth AuthConfig `yaml:"auth" toml:"auth" json:"auth"`

	Pods map[string]PodConfig `yaml:"pods" toml:"pods" json:"pods"`

	// HTTPTimeout bounds how long the server waits to read a request's
	// headers; idle keep-alive connections are not bounded by it. Default 30s.
	HTTPTimeout Duration `yaml:"http_timeout" toml:"http_timeout" json:"http_timeout"`

	StaticRoot string `yaml:"static_root" toml:"static_root" json:"static_root"`
}

// Duration wraps time.Duration so it can be parsed from a "30s"-style
// string uniformly across YAML, TOML, and JSON.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Load finds and parses a socialnode config file from dir, trying each
// candidate name in order and returning the first one present.
func Load(dir string) (*Config, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{".socialnode.toml", parseTOML},
		{".socialnode.yaml", parseYAML},
		{".socialnode.yml", parseYAML},
		{".socialnode.json", parseJSON},
		{"socialnode.toml", parseTOML},
		{"socialnode.yaml", parseYAML},
		{"socialnode.yml", parseYAML},
		{"socialnode.json", parseJSON},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		cfg := Default()
		if err := c.parser(data, cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, c.name, fmt.Errorf("validate %s: %w", c.name, err)
		}
		return cfg, c.name, nil
	}

	return nil, "", ErrNoConfig
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// Default returns a Config with the same defaults the original's node
// binds: private RPC on loopback only, public sockets open on all
// interfaces, no TLS, a 30s HTTP timeout, and a 256-entry pod queue with
// 4 workers for any pod not explicitly tuned.
func Default() *Config {
	return &Config{
		DataDir:      ".socialnode",
		PrivateRPC:   SocketConfig{Hosts: []string{"127.0.0.1"}, Port: 8332},
		PublicWeb:    SocketConfig{Hosts: []string{"0.0.0.0"}, Port: 8080},
		PublicTLS:    SocketConfig{Hosts: []string{"0.0.0.0"}, Port: 8443, TLS: true},
		Static:       SocketConfig{Hosts: []string{"0.0.0.0"}, Port: 8081},
		REST:         SocketConfig{Hosts: []string{"0.0.0.0"}, Port: 8082},
		AllowedCIDRs: nil,
		Pods:         map[string]PodConfig{},
		HTTPTimeout:  Duration(30 * time.Second),
		StaticRoot:   "./static",
	}
}

// Validate checks the config for the one invariant the core cares about:
// widening the private socket's access implicitly is refused. Operators
// who configure AllowedCIDRs must also list explicit bind hosts, and
// non-loopback bind hosts require AllowedCIDRs, so access is never
// broadened by omission.
func (c *Config) Validate() error {
	if len(c.AllowedCIDRs) > 0 && len(c.PrivateRPC.Hosts) == 0 {
		return errors.New("allowed_cidrs configured without private_rpc.hosts: refusing to implicitly broaden access")
	}
	if len(c.AllowedCIDRs) == 0 {
		for _, h := range c.PrivateRPC.Hosts {
			if ip := net.ParseIP(h); h != "localhost" && (ip == nil || !ip.IsLoopback()) {
				return fmt.Errorf("private_rpc.hosts entry %q configured without allowed_cidrs: refusing to implicitly broaden access", h)
			}
		}
	}
	return nil
}

// PodTuning returns the configured pod tuning for name, or the default
// (maxDepth=256, threadCount=4) if the operator never set one.
func (c *Config) PodTuning(name string) PodConfig {
	if p, ok := c.Pods[name]; ok {
		return p
	}
	return PodConfig{MaxDepth: 256, ThreadCount: 4}
}
