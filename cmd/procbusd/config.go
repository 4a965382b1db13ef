package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/procbus/internal/config"
	"github.com/danmuck/procbus/internal/host"
	"github.com/danmuck/procbus/internal/protocol/session"
	"github.com/danmuck/procbus/internal/route"
)

// loadServiceConfig overlays keys present in the file onto the host defaults.
func loadServiceConfig(path string) (host.ServiceConfig, error) {
	cfg := host.DefaultServiceConfig()

	var raw config.NodeConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return host.ServiceConfig{}, fmt.Errorf("load procbusd config: %w", err)
	}

	if meta.IsDefined("process") {
		cfg.Process = route.ProcessName(strings.TrimSpace(raw.Process))
	}
	if meta.IsDefined("app") {
		cfg.App = strings.TrimSpace(raw.App)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("main_addr") {
		cfg.MainAddr = strings.TrimSpace(raw.MainAddr)
	}
	if meta.IsDefined("heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return host.ServiceConfig{}, fmt.Errorf("parse heartbeat: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("fan_out_limit") {
		cfg.FanOutLimit = raw.FanOutLimit
	}
	if meta.IsDefined("peers") {
		cfg.Peers = make([]host.PeerConfig, 0, len(raw.Peers))
		for i, p := range raw.Peers {
			if err := config.ValidatePeerEntry(p); err != nil {
				return host.ServiceConfig{}, fmt.Errorf("peers[%d]: %w", i, err)
			}
			cfg.Peers = append(cfg.Peers, host.PeerConfig{
				Name: route.ProcessName(strings.TrimSpace(p.Name)),
				Addr: strings.TrimSpace(p.Addr),
			})
		}
	}

	if err := overlaySession(&cfg.Session, meta, raw.Session); err != nil {
		return host.ServiceConfig{}, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

func overlaySession(dst *session.Config, meta toml.MetaData, raw config.SessionSection) error {
	durations := []struct {
		key   string
		value string
		out   *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &dst.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &dst.HandshakeTimeout},
		{"read_timeout", raw.ReadTimeout, &dst.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &dst.WriteTimeout},
		{"call_timeout", raw.CallTimeout, &dst.CallTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.out = v
	}

	if meta.IsDefined("session", "security_mode") {
		dst.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("session", "max_connect_attempts") {
		dst.MaxConnectAttempts = raw.MaxConnectAttempts
	}

	tls := raw.TLS
	if meta.IsDefined("session", "tls", "enabled") {
		dst.TLS.Enabled = tls.Enabled
	}
	if meta.IsDefined("session", "tls", "mutual") {
		dst.TLS.Mutual = tls.Mutual
	}
	if meta.IsDefined("session", "tls", "cert_file") {
		dst.TLS.CertFile = tls.CertFile
	}
	if meta.IsDefined("session", "tls", "key_file") {
		dst.TLS.KeyFile = tls.KeyFile
	}
	if meta.IsDefined("session", "tls", "ca_file") {
		dst.TLS.CAFile = tls.CAFile
	}
	if meta.IsDefined("session", "tls", "server_name") {
		dst.TLS.ServerName = tls.ServerName
	}
	if meta.IsDefined("session", "tls", "insecure_skip_verify") {
		dst.TLS.InsecureSkipVerify = tls.InsecureSkipVerify
	}
	return nil
}
