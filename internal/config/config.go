// Package config loads the TOML/YAML configuration for each of the three
// roles (Controller, Node, Client). Every role has its own top-level config
// type; they share the ambient LoggingConfig/ReloadConfig shape and the
// same dual-format decoding helpers.
package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"rfrp/internal/model"
)

type ReloadConfig struct {
	Enabled      bool
	PollInterval time.Duration
}

type AdminLogBufferConfig struct {
	Enabled bool
	Size    int
}

type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string
	// Format is one of: json, text.
	Format string
	// Output is one of: stderr, stdout, discard; or a file path.
	Output string
	// AddSource enables source file/line reporting (slightly higher overhead).
	AddSource bool
	// AdminBuffer controls an in-memory log line ring buffer, reused on the
	// Client as the recent-entries store served over the 'l' stream
	// message.
	AdminBuffer AdminLogBufferConfig
}

// StringList unmarshals from either a single string or a list of strings.
// It supports both YAML and TOML decoding.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		var v string
		if err := value.Decode(&v); err != nil {
			return err
		}
		*s = []string{v}
		return nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(value.Content))
		for _, n := range value.Content {
			if n == nil {
				continue
			}
			var v string
			if err := n.Decode(&v); err != nil {
				return err
			}
			out = append(out, v)
		}
		*s = out
		return nil
	case yaml.DocumentNode:
		if len(value.Content) == 1 {
			return s.UnmarshalYAML(value.Content[0])
		}
		*s = nil
		return nil
	case 0:
		*s = nil
		return nil
	default:
		return fmt.Errorf("config: expected string or list of strings")
	}
}

// UnmarshalTOML implements BurntSushi/toml's custom decoding hook.
func (s *StringList) UnmarshalTOML(data any) error {
	if data == nil {
		*s = nil
		return nil
	}
	switch v := data.(type) {
	case string:
		*s = []string{v}
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("config: expected string array")
			}
			out = append(out, str)
		}
		*s = out
		return nil
	case []string:
		*s = append((*s)[:0], v...)
		return nil
	default:
		return fmt.Errorf("config: expected string or string array")
	}
}

// QUICConfig carries the QUIC TLS material exposed to config.
type QUICConfig struct {
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// ControllerConfig is the top-level config for the control-plane role.
type ControllerConfig struct {
	// NodeListenAddr is where Node control channels connect.
	NodeListenAddr string
	// ClientListenAddr is where Client control channels connect.
	ClientListenAddr string

	// QUIC carries the TLS material the Controller uses to terminate both
	// control listeners.
	QUIC QUICConfig

	Logging LoggingConfig
	Reload  ReloadConfig

	// DataDir holds the out-of-scope persistence layer's files, if any is
	// wired (admin password, JWT secret); the core control-plane logic
	// itself treats the store as an opaque collaborator.
	DataDir string
}

// NodeConfig is the top-level config for a public-edge role instance.
type NodeConfig struct {
	Name   string
	Secret string

	ControllerAddr string

	// Protocol is the tunnel transport this Node listens on for Clients:
	// quic or kcp.
	Protocol         model.TunnelProtocol
	TunnelListenAddr string
	QUIC             QUICConfig

	// SpeedLimitBps and MaxProxyCount are local bootstrap defaults; the
	// Controller's RegisterResponse carries the authoritative values.
	SpeedLimitBps int64
	MaxProxyCount int

	// AllowedPortRanges restricts which remote_port values this Node will
	// bind to, as "low-high" pairs (e.g. "10000-20000").
	AllowedPortRanges []model.PortRange

	Logging LoggingConfig
	Reload  ReloadConfig
}

// ClientConfig is the top-level config for a private-side agent instance.
type ClientConfig struct {
	Name  string
	Token string

	ControllerAddr string

	// LogBufferSize bounds the in-memory ring served over the 'l' stream
	// message (spec default: 1000).
	LogBufferSize int

	Logging LoggingConfig
	Reload  ReloadConfig
}

func defaultLogging() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stderr",
	}
}

func defaultReload() ReloadConfig {
	return ReloadConfig{Enabled: true, PollInterval: time.Second}
}

// --- Controller file schema ---

type controllerFile struct {
	NodeListenAddr   string       `yaml:"node_listen_addr" toml:"node_listen_addr"`
	ClientListenAddr string       `yaml:"client_listen_addr" toml:"client_listen_addr"`
	DataDir          string       `yaml:"data_dir" toml:"data_dir"`
	QUIC             *quicFile    `yaml:"quic" toml:"quic"`
	Logging          *loggingFile `yaml:"logging" toml:"logging"`
	Reload           *reloadFile  `yaml:"reload" toml:"reload"`
}

type loggingFile struct {
	Level       string `yaml:"level" toml:"level"`
	Format      string `yaml:"format" toml:"format"`
	Output      string `yaml:"output" toml:"output"`
	AddSource   bool   `yaml:"add_source" toml:"add_source"`
	AdminBuffer *struct {
		Enabled bool `yaml:"enabled" toml:"enabled"`
		Size    int  `yaml:"size" toml:"size"`
	} `yaml:"admin_buffer" toml:"admin_buffer"`
}

type reloadFile struct {
	Enabled        bool `yaml:"enabled" toml:"enabled"`
	PollIntervalMs int  `yaml:"poll_interval_ms" toml:"poll_interval_ms"`
}

func applyLoggingFile(lf *loggingFile, cfg *LoggingConfig) {
	if lf == nil {
		return
	}
	if lf.Level != "" {
		cfg.Level = lf.Level
	}
	if lf.Format != "" {
		cfg.Format = lf.Format
	}
	if lf.Output != "" {
		cfg.Output = lf.Output
	}
	cfg.AddSource = lf.AddSource
	if lf.AdminBuffer != nil {
		cfg.AdminBuffer.Enabled = lf.AdminBuffer.Enabled
		if lf.AdminBuffer.Size != 0 {
			cfg.AdminBuffer.Size = lf.AdminBuffer.Size
		}
	}
}

func applyReloadFile(rf *reloadFile, cfg *ReloadConfig) {
	if rf == nil {
		return
	}
	cfg.Enabled = rf.Enabled
	if rf.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(rf.PollIntervalMs) * time.Millisecond
	}
}

// ControllerFileProvider loads ControllerConfig from a TOML/YAML file.
type ControllerFileProvider struct{ Path string }

func NewControllerFileProvider(path string) *ControllerFileProvider {
	return &ControllerFileProvider{Path: path}
}

func (p *ControllerFileProvider) WatchPath() string { return p.Path }

func (p *ControllerFileProvider) Load(_ context.Context) (*ControllerConfig, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	var fc controllerFile
	if err := unmarshalConfigFile(p.Path, data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.Path, err)
	}

	cfg := &ControllerConfig{
		NodeListenAddr:   strings.TrimSpace(fc.NodeListenAddr),
		ClientListenAddr: strings.TrimSpace(fc.ClientListenAddr),
		DataDir:          strings.TrimSpace(fc.DataDir),
		Logging:          defaultLogging(),
		Reload:           defaultReload(),
	}
	if fc.QUIC != nil {
		cfg.QUIC = QUICConfig{
			CertFile:           strings.TrimSpace(fc.QUIC.CertFile),
			KeyFile:            strings.TrimSpace(fc.QUIC.KeyFile),
			ServerName:         strings.TrimSpace(fc.QUIC.ServerName),
			InsecureSkipVerify: fc.QUIC.InsecureSkipVerify,
		}
	}
	applyLoggingFile(fc.Logging, &cfg.Logging)
	applyReloadFile(fc.Reload, &cfg.Reload)

	if cfg.NodeListenAddr == "" {
		cfg.NodeListenAddr = ":7000"
	}
	if cfg.ClientListenAddr == "" {
		cfg.ClientListenAddr = ":7001"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	return cfg, nil
}

// --- Node file schema ---

type nodeFile struct {
	Name              string       `yaml:"name" toml:"name"`
	Secret            string       `yaml:"secret" toml:"secret"`
	ControllerAddr    string       `yaml:"controller_addr" toml:"controller_addr"`
	Protocol          string       `yaml:"protocol" toml:"protocol"`
	TunnelListenAddr  string       `yaml:"tunnel_listen_addr" toml:"tunnel_listen_addr"`
	QUIC              *quicFile    `yaml:"quic" toml:"quic"`
	SpeedLimitBps     int64        `yaml:"speed_limit_bps" toml:"speed_limit_bps"`
	MaxProxyCount     int          `yaml:"max_proxy_count" toml:"max_proxy_count"`
	AllowedPortRanges StringList   `yaml:"allowed_port_ranges" toml:"allowed_port_ranges"`
	Logging           *loggingFile `yaml:"logging" toml:"logging"`
	Reload            *reloadFile  `yaml:"reload" toml:"reload"`
}

type quicFile struct {
	CertFile           string `yaml:"cert_file" toml:"cert_file"`
	KeyFile            string `yaml:"key_file" toml:"key_file"`
	ServerName         string `yaml:"server_name" toml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
}

// NodeFileProvider loads NodeConfig from a TOML/YAML file.
type NodeFileProvider struct{ Path string }

func NewNodeFileProvider(path string) *NodeFileProvider {
	return &NodeFileProvider{Path: path}
}

func (p *NodeFileProvider) WatchPath() string { return p.Path }

func (p *NodeFileProvider) Load(_ context.Context) (*NodeConfig, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	var fc nodeFile
	if err := unmarshalConfigFile(p.Path, data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.Path, err)
	}

	ranges, err := parsePortRanges(fc.AllowedPortRanges)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	proto := model.TunnelProtocol(strings.ToLower(strings.TrimSpace(fc.Protocol)))
	if proto == "" {
		proto = model.ProtocolKCP
	}
	if proto != model.ProtocolQUIC && proto != model.ProtocolKCP {
		return nil, fmt.Errorf("config: invalid protocol %q (expected quic|kcp)", fc.Protocol)
	}

	cfg := &NodeConfig{
		Name:              strings.TrimSpace(fc.Name),
		Secret:            fc.Secret,
		ControllerAddr:    strings.TrimSpace(fc.ControllerAddr),
		Protocol:          proto,
		TunnelListenAddr:  strings.TrimSpace(fc.TunnelListenAddr),
		SpeedLimitBps:     fc.SpeedLimitBps,
		MaxProxyCount:     fc.MaxProxyCount,
		AllowedPortRanges: ranges,
		Logging:           defaultLogging(),
		Reload:            defaultReload(),
	}
	if fc.QUIC != nil {
		cfg.QUIC = QUICConfig{
			CertFile:           strings.TrimSpace(fc.QUIC.CertFile),
			KeyFile:            strings.TrimSpace(fc.QUIC.KeyFile),
			ServerName:         strings.TrimSpace(fc.QUIC.ServerName),
			InsecureSkipVerify: fc.QUIC.InsecureSkipVerify,
		}
	}
	applyLoggingFile(fc.Logging, &cfg.Logging)
	applyReloadFile(fc.Reload, &cfg.Reload)

	if cfg.Name == "" {
		return nil, fmt.Errorf("config: node requires name")
	}
	if cfg.ControllerAddr == "" {
		return nil, fmt.Errorf("config: node requires controller_addr")
	}
	if cfg.TunnelListenAddr == "" {
		cfg.TunnelListenAddr = ":7100"
	}
	return cfg, nil
}

func parsePortRanges(list StringList) ([]model.PortRange, error) {
	if len(list) == 0 {
		return nil, nil
	}
	ranges := make([]model.PortRange, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		parts := strings.SplitN(s, "-", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid port range %q (expected LOW-HIGH)", s)
		}
		low, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid port range %q: %w", s, err)
		}
		high, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid port range %q: %w", s, err)
		}
		if low > high {
			return nil, fmt.Errorf("invalid port range %q: low > high", s)
		}
		ranges = append(ranges, model.PortRange{Low: low, High: high})
	}
	return ranges, nil
}

// --- Client file schema ---

type clientFile struct {
	Name           string       `yaml:"name" toml:"name"`
	Token          string       `yaml:"token" toml:"token"`
	ControllerAddr string       `yaml:"controller_addr" toml:"controller_addr"`
	LogBufferSize  int          `yaml:"log_buffer_size" toml:"log_buffer_size"`
	Logging        *loggingFile `yaml:"logging" toml:"logging"`
	Reload         *reloadFile  `yaml:"reload" toml:"reload"`
}

// ClientFileProvider loads ClientConfig from a TOML/YAML file.
type ClientFileProvider struct{ Path string }

func NewClientFileProvider(path string) *ClientFileProvider {
	return &ClientFileProvider{Path: path}
}

func (p *ClientFileProvider) WatchPath() string { return p.Path }

func (p *ClientFileProvider) Load(_ context.Context) (*ClientConfig, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	var fc clientFile
	if err := unmarshalConfigFile(p.Path, data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.Path, err)
	}

	cfg := &ClientConfig{
		Name:           strings.TrimSpace(fc.Name),
		Token:          fc.Token,
		ControllerAddr: strings.TrimSpace(fc.ControllerAddr),
		LogBufferSize:  fc.LogBufferSize,
		Logging:        defaultLogging(),
		Reload:         defaultReload(),
	}
	applyLoggingFile(fc.Logging, &cfg.Logging)
	applyReloadFile(fc.Reload, &cfg.Reload)

	if cfg.ControllerAddr == "" {
		return nil, fmt.Errorf("config: client requires controller_addr")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("config: client requires token")
	}
	if cfg.LogBufferSize <= 0 {
		cfg.LogBufferSize = 1000
	}
	return cfg, nil
}

func unmarshalConfigFile(path string, data []byte, dst any) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		return dec.Decode(dst)
	case ".toml":
		md, err := toml.Decode(string(data), dst)
		if err != nil {
			return err
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return fmt.Errorf("unknown fields: %v", undec)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config extension %q (expected .toml or .yaml/.yml)", ext)
	}
}
