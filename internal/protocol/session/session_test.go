package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/danmuck/procbus/internal/testutil/testlog"
	"github.com/danmuck/procbus/internal/testutil/tlstest"
)

func TestBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := cfg.Delay(1); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := cfg.Delay(2); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := cfg.Delay(3); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := cfg.Delay(6); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	for i := 0; i < 20; i++ {
		got := cfg.Delay(1)
		if got < 125*time.Millisecond || got >= 375*time.Millisecond {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
	if got := (BackoffConfig{}).Delay(3); got != 0 {
		t.Fatalf("zero config should not wait, got %v", got)
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestWithDefaultsFillsZeroDurations(t *testing.T) {
	testlog.Start(t)
	cfg := Config{ReadTimeout: time.Second, SecurityMode: " Production "}.WithDefaults()
	def := DefaultConfig()
	if cfg.ReadTimeout != time.Second {
		t.Fatalf("explicit read timeout overwritten: %v", cfg.ReadTimeout)
	}
	if cfg.ConnectTimeout != def.ConnectTimeout || cfg.CallTimeout != def.CallTimeout {
		t.Fatalf("zero timeouts not defaulted: %+v", cfg)
	}
	if cfg.Backoff.InitialDelay != def.Backoff.InitialDelay {
		t.Fatalf("backoff not defaulted: %+v", cfg.Backoff)
	}
	if cfg.SecurityMode != SecurityModeProduction {
		t.Fatalf("security mode not normalized: %q", cfg.SecurityMode)
	}
	if cfg.MaxConnectAttempts != 0 {
		t.Fatalf("max connect attempts must stay as given")
	}
}

func TestTLSConfigBuilders(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir)
	server := ca.Server(t, "com.example.app:b")
	client := ca.Client(t, "com.example.app")

	cfg := DefaultConfig()
	cfg.TLS = TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: server.CertFile,
		KeyFile:  server.KeyFile,
		CAFile:   ca.CAFile(),
	}
	srv, err := cfg.ServerTLSConfig()
	if err != nil {
		t.Fatalf("server tls config: %v", err)
	}
	if srv.ClientCAs == nil || len(srv.Certificates) != 1 {
		t.Fatalf("server tls config incomplete")
	}

	cfg.TLS.CertFile = client.CertFile
	cfg.TLS.KeyFile = client.KeyFile
	cli, err := cfg.ClientTLSConfig("127.0.0.1:7100")
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}
	if cli.ServerName != "127.0.0.1" || cli.RootCAs == nil || len(cli.Certificates) != 1 {
		t.Fatalf("client tls config incomplete: server_name=%q", cli.ServerName)
	}

	cfg.TLS.CAFile = dir + "/missing.crt"
	if _, err := cfg.ClientTLSConfig("127.0.0.1:7100"); err == nil {
		t.Fatalf("expected missing ca error")
	}
}

func TestPeerIdentityFromCert(t *testing.T) {
	testlog.Start(t)
	if got := PeerIdentityFromCert(nil); got != "" {
		t.Fatalf("expected empty identity, got %q", got)
	}

	ca := tlstest.NewAuthority(t, t.TempDir())
	client := ca.Client(t, "com.example.app:c")
	pair, err := tls.LoadX509KeyPair(client.CertFile, client.KeyFile)
	if err != nil {
		t.Fatalf("load pair: %v", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	if got := PeerIdentityFromCert(cert); got != "com.example.app:c" {
		t.Fatalf("expected common name identity, got %q", got)
	}

	u := &url.URL{Scheme: "procbus", Host: "example", Path: "/com.example.app:d"}
	if got := PeerIdentityFromCert(&x509.Certificate{URIs: []*url.URL{u}}); got != "procbus://example/com.example.app:d" {
		t.Fatalf("expected uri identity, got %q", got)
	}
	if got := PeerIdentityFromCert(&x509.Certificate{DNSNames: []string{" node.local "}}); got != "node.local" {
		t.Fatalf("expected dns identity, got %q", got)
	}
}
