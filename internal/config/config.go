package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// NodeConfig is the on-disk shape of one process's config file.
type NodeConfig struct {
	Process     string         `toml:"process"`
	App         string         `toml:"app"`
	ListenAddr  string         `toml:"listen_addr"`
	AdminAddr   string         `toml:"admin_addr"`
	MainAddr    string         `toml:"main_addr"`
	Heartbeat   string         `toml:"heartbeat"`
	AuthToken   string         `toml:"auth_token"`
	CorsOrigins []string       `toml:"cors_origins"`
	FanOutLimit int            `toml:"fan_out_limit"`
	Peers       []PeerEntry    `toml:"peers"`
	Session     SessionSection `toml:"session"`
}

type PeerEntry struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

type SessionSection struct {
	ConnectTimeout     string     `toml:"connect_timeout"`
	HandshakeTimeout   string     `toml:"handshake_timeout"`
	ReadTimeout        string     `toml:"read_timeout"`
	WriteTimeout       string     `toml:"write_timeout"`
	CallTimeout        string     `toml:"call_timeout"`
	SecurityMode       string     `toml:"security_mode"`
	MaxConnectAttempts int        `toml:"max_connect_attempts"`
	TLS                TLSSection `toml:"tls"`
}

type TLSSection struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// IsMain reports whether the process name equals the app name.
func (c NodeConfig) IsMain() bool {
	return strings.EqualFold(strings.TrimSpace(c.Process), strings.TrimSpace(c.App))
}

func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7100"
	}
	if cfg.Heartbeat == "" {
		cfg.Heartbeat = "5s"
	}
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Process) == "" {
		return fmt.Errorf("node config missing process")
	}
	if strings.TrimSpace(cfg.App) == "" {
		return fmt.Errorf("node config missing app")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("node config missing listen_addr")
	}
	if err := validateDuration("heartbeat", cfg.Heartbeat, true); err != nil {
		return err
	}
	if cfg.FanOutLimit < 0 {
		return fmt.Errorf("fan_out_limit must not be negative")
	}
	if strings.TrimSpace(cfg.MainAddr) != "" && cfg.IsMain() {
		return fmt.Errorf("main_addr is only used by non-main processes")
	}
	if len(cfg.Peers) > 0 && !cfg.IsMain() {
		return fmt.Errorf("peers are only honored by the main process %q", cfg.App)
	}
	seen := make(map[string]struct{}, len(cfg.Peers))
	for i, p := range cfg.Peers {
		if err := ValidatePeerEntry(p); err != nil {
			return fmt.Errorf("peers[%d] invalid: %w", i, err)
		}
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if strings.EqualFold(name, strings.TrimSpace(cfg.Process)) {
			return fmt.Errorf("peers[%d] invalid: names this process", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("peers[%d] invalid: duplicate name %q", i, p.Name)
		}
		seen[name] = struct{}{}
	}
	return ValidateSessionSection(cfg.Session)
}

func ValidatePeerEntry(p PeerEntry) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(p.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	return nil
}

func ValidateSessionSection(s SessionSection) error {
	durations := []struct {
		key   string
		value string
	}{
		{"session.connect_timeout", s.ConnectTimeout},
		{"session.handshake_timeout", s.HandshakeTimeout},
		{"session.read_timeout", s.ReadTimeout},
		{"session.write_timeout", s.WriteTimeout},
		{"session.call_timeout", s.CallTimeout},
	}
	for _, d := range durations {
		if err := validateDuration(d.key, d.value, false); err != nil {
			return err
		}
	}
	switch strings.ToLower(strings.TrimSpace(s.SecurityMode)) {
	case "", "development", "production":
	default:
		return fmt.Errorf("session.security_mode %q must be development or production", s.SecurityMode)
	}
	if s.MaxConnectAttempts < 0 {
		return fmt.Errorf("session.max_connect_attempts must not be negative")
	}
	return nil
}

func validateDuration(key, value string, required bool) error {
	value = strings.TrimSpace(value)
	if value == "" {
		if required {
			return fmt.Errorf("%s is required", key)
		}
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", key)
	}
	return nil
}
