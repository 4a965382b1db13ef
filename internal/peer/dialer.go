// Package peer dials other processes of the application and exposes each
// connection as a route.Stub.
package peer

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/procbus/internal/protocol/session"
	"github.com/danmuck/procbus/internal/route"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("peer: address required")
	ErrProcessRequired = errors.New("peer: process name required")
	ErrHelloRejected   = errors.New("peer: hello rejected")
)

type DialerConfig struct {
	Self    route.ProcessName
	Target  route.ProcessName
	Address string
	Token   string
	Session session.Config
}

// Dialer is the route.Connector for one remote process.
type Dialer struct {
	cfg DialerConfig
}

func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(cfg.Self.String()) == "" || strings.TrimSpace(cfg.Target.String()) == "" {
		return nil, ErrProcessRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Dialer{cfg: cfg}, nil
}

func (d *Dialer) Target() route.ProcessName {
	return d.cfg.Target
}

// Connect dials, runs the hello handshake and returns a live *Session.
// Transport failures retry with backoff up to MaxConnectAttempts; a rejected
// hello does not retry.
func (d *Dialer) Connect(ctx context.Context) (route.Stub, error) {
	var attempt int
	for {
		attempt++
		s, err := d.connectOnce(ctx)
		if err == nil {
			return s, nil
		}
		log.Warn().
			Str("target", d.cfg.Target.String()).
			Str("addr", d.cfg.Address).
			Int("attempt", attempt).
			Err(err).
			Msg("peer.Dialer connect attempt failed")
		if errors.Is(err, ErrHelloRejected) || !d.shouldRetry(attempt) {
			return nil, err
		}
		if err := sleepBackoff(ctx, d.cfg.Session.Backoff, attempt); err != nil {
			return nil, err
		}
	}
}

func (d *Dialer) connectOnce(ctx context.Context) (*Session, error) {
	conn, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	s, err := d.hello(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Info().
		Str("target", d.cfg.Target.String()).
		Str("addr", conn.RemoteAddr().String()).
		Msg("peer.Dialer connected")
	return s, nil
}

func (d *Dialer) dial(ctx context.Context) (net.Conn, error) {
	if err := d.cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: d.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", d.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !d.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := d.cfg.Session.ClientTLSConfig(d.cfg.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, d.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (d *Dialer) hello(conn net.Conn) (*Session, error) {
	_ = conn.SetDeadline(time.Now().Add(d.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	err := session.WriteHello(conn, session.Hello{
		Process: d.cfg.Self.String(),
		Target:  d.cfg.Target.String(),
		Token:   d.cfg.Token,
	})
	if err != nil {
		return nil, err
	}
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		return nil, err
	}
	if !ack.Accepted() {
		return nil, fmt.Errorf("%w: code=%d message=%q", ErrHelloRejected, ack.Code, ack.Message)
	}
	_ = conn.SetDeadline(time.Time{})
	return newSession(d.cfg.Self, d.cfg.Target, conn, reader, d.cfg.Session), nil
}

func (d *Dialer) shouldRetry(attempt int) bool {
	if d.cfg.Session.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < d.cfg.Session.MaxConnectAttempts
}

func sleepBackoff(ctx context.Context, cfg session.BackoffConfig, attempt int) error {
	timer := time.NewTimer(cfg.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
