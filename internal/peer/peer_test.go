package peer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/procbus/internal/endpoint"
	"github.com/danmuck/procbus/internal/eventbus"
	"github.com/danmuck/procbus/internal/procreg"
	"github.com/danmuck/procbus/internal/protocol/session"
	"github.com/danmuck/procbus/internal/route"
	"github.com/danmuck/procbus/internal/router"
	"github.com/danmuck/procbus/internal/testutil/testlog"
)

const (
	testApp    = route.ProcessName("com.example.app")
	testRemote = route.ProcessName("com.example.app:b")
)

// startRemote runs an endpoint for testRemote; stop kills it and its sessions.
func startRemote(t *testing.T, table *route.Table) (addr string, stop func()) {
	t.Helper()
	reg, err := procreg.New(procreg.Identity{Process: testRemote, App: testApp.String()})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	bus := eventbus.New()
	rt := router.New(router.Config{Self: reg, Resolver: table, Bus: bus})
	srv := endpoint.New(endpoint.Config{ListenAddr: "127.0.0.1:0"}, reg, rt, bus)
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	stopped := false
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return ln.Addr().String(), stop
}

func newTestDialer(t *testing.T, addr string) *Dialer {
	t.Helper()
	sess := session.DefaultConfig()
	sess.MaxConnectAttempts = 1
	sess.CallTimeout = 2 * time.Second
	d, err := NewDialer(DialerConfig{Self: testApp, Target: testRemote, Address: addr, Session: sess})
	if err != nil {
		t.Fatalf("new dialer: %v", err)
	}
	return d
}

func connectSession(t *testing.T, d *Dialer) *Session {
	t.Helper()
	stub, err := d.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s, ok := stub.(*Session)
	if !ok {
		t.Fatalf("expected *Session, got %T", stub)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewDialerValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := NewDialer(DialerConfig{Self: testApp, Target: testRemote}); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
	if _, err := NewDialer(DialerConfig{Target: testRemote, Address: "127.0.0.1:1"}); !errors.Is(err, ErrProcessRequired) {
		t.Fatalf("expected ErrProcessRequired, got %v", err)
	}
	d, err := NewDialer(DialerConfig{Self: testApp, Target: testRemote, Address: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new dialer: %v", err)
	}
	if d.Target() != testRemote {
		t.Fatalf("unexpected target %q", d.Target())
	}
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	sess := session.DefaultConfig()
	sess.MaxConnectAttempts = 2
	sess.Backoff = session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	d, err := NewDialer(DialerConfig{Self: testApp, Target: testRemote, Address: addr, Session: sess})
	if err != nil {
		t.Fatalf("new dialer: %v", err)
	}
	if _, err := d.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect failure against closed port")
	}
}

func TestConnectHonorsContextDuringBackoff(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	sess := session.DefaultConfig()
	sess.MaxConnectAttempts = 0
	sess.Backoff = session.BackoffConfig{InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour}
	d, err := NewDialer(DialerConfig{Self: testApp, Target: testRemote, Address: addr, Session: sess})
	if err != nil {
		t.Fatalf("new dialer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := d.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSessionPeerDeathIsUnreachable(t *testing.T) {
	testlog.Start(t)
	addr, stop := startRemote(t, route.NewTable())
	s := connectSession(t, newTestDialer(t, addr))
	if !s.Alive() || s.Remote() != testRemote {
		t.Fatalf("fresh session must be alive for %q", testRemote)
	}

	stop()
	_, err := s.Call(context.Background(), route.Request{Target: testRemote, Path: "/b/x"})
	if !route.IsPeerUnreachable(err) {
		t.Fatalf("expected peer unreachable after remote exit, got %v", err)
	}
	if s.Alive() {
		t.Fatalf("session must be dead after peer exit")
	}

	err = s.Publish(context.Background(), "event.a", nil)
	if !route.IsPeerUnreachable(err) || !errors.Is(err, ErrSessionDead) {
		t.Fatalf("expected dead session error, got %v", err)
	}
}

func TestSessionTimeoutIsNotPeerDeath(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	table := route.NewTable()
	err := table.Register("/b/slow", route.HandlerFunc(func(ctx context.Context, req route.Request) route.Response {
		<-release
		return route.Response{}
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	addr, _ := startRemote(t, table)
	defer close(release)
	s := connectSession(t, newTestDialer(t, addr))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Call(ctx, route.Request{Target: testRemote, Path: "/b/slow"})
	if err == nil || route.IsPeerUnreachable(err) {
		t.Fatalf("expected plain timeout error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
	if s.Alive() {
		t.Fatalf("interrupted session must not be reused")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	addr, _ := startRemote(t, route.NewTable())
	s := connectSession(t, newTestDialer(t, addr))
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if s.Alive() {
		t.Fatalf("closed session reported alive")
	}
}
