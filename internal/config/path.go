package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// EnvConfigPath is the environment variable used to override the config
// file path, for any role.
const EnvConfigPath = "RFRP_CONFIG"

type ConfigPathSource string

const (
	ConfigPathSourceFlag    ConfigPathSource = "flag"
	ConfigPathSourceEnv     ConfigPathSource = "env"
	ConfigPathSourceCWD     ConfigPathSource = "cwd"
	ConfigPathSourceDefault ConfigPathSource = "default"
)

type ResolvedConfigPath struct {
	Path   string
	Source ConfigPathSource
}

// ResolveConfigPath resolves the effective configuration file path for a
// given role ("controller", "node", or "client").
//
// Precedence:
//  1. explicitFlagPath (from -config)
//  2. RFRP_CONFIG environment variable
//  3. Auto-discovery in the current working directory (<role>.toml > <role>.yaml > <role>.yml)
//  4. OS-specific default user config location
func ResolveConfigPath(role, explicitFlagPath string) (ResolvedConfigPath, error) {
	if p := strings.TrimSpace(explicitFlagPath); p != "" {
		p, err := normalizeExplicitPath(role, p)
		if err != nil {
			return ResolvedConfigPath{}, err
		}
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceFlag}, nil
	}

	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		p, err := normalizeExplicitPath(role, p)
		if err != nil {
			return ResolvedConfigPath{}, err
		}
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceEnv}, nil
	}

	if p, err := discoverConfigPath(role, "."); err == nil {
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceCWD}, nil
	}

	p, err := DefaultConfigPath(role)
	if err != nil {
		return ResolvedConfigPath{}, err
	}
	return ResolvedConfigPath{Path: p, Source: ConfigPathSourceDefault}, nil
}

// discoverConfigPath looks for <role>.toml, then <role>.yaml, then
// <role>.yml inside dir.
func discoverConfigPath(role, dir string) (string, error) {
	for _, ext := range []string{".toml", ".yaml", ".yml"} {
		p := filepath.Join(dir, role+ext)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("config: no %s.{toml,yaml,yml} found in %s", role, dir)
}

func normalizeExplicitPath(role, p string) (string, error) {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return "", fmt.Errorf("config: empty config path")
	}

	fi, err := os.Stat(p)
	if err == nil {
		if fi.IsDir() {
			if discovered, derr := discoverConfigPath(role, p); derr == nil {
				return discovered, nil
			}
			return filepath.Join(p, role+".toml"), nil
		}
		return p, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("config: stat %s: %w", p, err)
	}

	if filepath.Ext(p) == "" {
		p += ".toml"
	}
	return p, nil
}

// DefaultConfigPath returns rfrp's OS-specific default config file path for
// the given role.
//
// It uses os.UserConfigDir() (e.g. %AppData% on Windows, ~/.config on
// Linux, ~/Library/Application Support on macOS) and appends
// rfrp/<role>.toml.
func DefaultConfigPath(role string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user config dir: %w", err)
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", fmt.Errorf("config: resolve user config dir: empty")
	}
	return filepath.Join(dir, "rfrp", role+".toml"), nil
}

// EnsureConfigFile creates a new config file at path if it does not already
// exist. It never overwrites an existing regular file.
func EnsureConfigFile(role, path string) (created bool, err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return false, fmt.Errorf("config: empty config path")
	}

	fi, statErr := os.Stat(path)
	if statErr == nil {
		if fi.Mode().IsRegular() {
			return false, nil
		}
		return false, fmt.Errorf("config: %s exists but is not a regular file", path)
	}
	if statErr != nil && !os.IsNotExist(statErr) {
		return false, fmt.Errorf("config: stat %s: %w", path, statErr)
	}

	tmpl, err := defaultConfigTemplateForPath(role, path)
	if err != nil {
		return false, err
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("config: mkdir %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.WriteString(f, tmpl); err != nil {
		return false, fmt.Errorf("config: write %s: %w", path, err)
	}
	return true, nil
}

func defaultConfigTemplateForPath(role, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	var byExt map[string]string
	switch role {
	case "controller":
		byExt = map[string]string{".toml": controllerTemplateTOML, ".yaml": controllerTemplateYAML, ".yml": controllerTemplateYAML}
	case "node":
		byExt = map[string]string{".toml": nodeTemplateTOML, ".yaml": nodeTemplateYAML, ".yml": nodeTemplateYAML}
	case "client":
		byExt = map[string]string{".toml": clientTemplateTOML, ".yaml": clientTemplateYAML, ".yml": clientTemplateYAML}
	default:
		return "", fmt.Errorf("config: unknown role %q", role)
	}
	tmpl, ok := byExt[ext]
	if !ok {
		return "", fmt.Errorf("config: unsupported config extension %q (expected .toml or .yaml/.yml)", ext)
	}
	return tmpl, nil
}

const controllerTemplateTOML = `# rfrp controller configuration (auto-generated)

node_listen_addr = ":7000"
client_listen_addr = ":7001"
data_dir = "./data"

[logging]
level = "info"
format = "json"
output = "stderr"

[reload]
enabled = true
poll_interval_ms = 1000
`

const controllerTemplateYAML = `# rfrp controller configuration (auto-generated)

node_listen_addr: ":7000"
client_listen_addr: ":7001"
data_dir: "./data"

logging:
  level: "info"
  format: "json"
  output: "stderr"

reload:
  enabled: true
  poll_interval_ms: 1000
`

const nodeTemplateTOML = `# rfrp node configuration (auto-generated)

name = "node-1"
secret = "change-me"
controller_addr = "127.0.0.1:7000"
protocol = "kcp" # quic | kcp
tunnel_listen_addr = ":7100"

[logging]
level = "info"
format = "json"
output = "stderr"

[reload]
enabled = true
poll_interval_ms = 1000
`

const nodeTemplateYAML = `# rfrp node configuration (auto-generated)

name: "node-1"
secret: "change-me"
controller_addr: "127.0.0.1:7000"
protocol: "kcp" # quic | kcp
tunnel_listen_addr: ":7100"

logging:
  level: "info"
  format: "json"
  output: "stderr"

reload:
  enabled: true
  poll_interval_ms: 1000
`

const clientTemplateTOML = `# rfrp client configuration (auto-generated)

name = "client-1"
token = "change-me"
controller_addr = "127.0.0.1:7001"
log_buffer_size = 1000

[logging]
level = "info"
format = "json"
output = "stderr"

[reload]
enabled = true
poll_interval_ms = 1000
`

const clientTemplateYAML = `# rfrp client configuration (auto-generated)

name: "client-1"
token: "change-me"
controller_addr: "127.0.0.1:7001"
log_buffer_size: 1000

logging:
  level: "info"
  format: "json"
  output: "stderr"

reload:
  enabled: true
  poll_interval_ms: 1000
`
