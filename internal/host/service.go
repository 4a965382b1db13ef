// Package host assembles one process of the application: identity registry,
// handler table, event bus, connection manager, router, inbound endpoint and
// the admin HTTP surface.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/procbus/internal/auth"
	"github.com/danmuck/procbus/internal/conn"
	"github.com/danmuck/procbus/internal/endpoint"
	"github.com/danmuck/procbus/internal/eventbus"
	"github.com/danmuck/procbus/internal/observability"
	"github.com/danmuck/procbus/internal/peer"
	"github.com/danmuck/procbus/internal/procreg"
	"github.com/danmuck/procbus/internal/protocol/session"
	"github.com/danmuck/procbus/internal/route"
	"github.com/danmuck/procbus/internal/router"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var ErrInvalidHeartbeatInterval = errors.New("host: invalid heartbeat interval")

// PeerConfig declares one process reachable from the main process.
type PeerConfig struct {
	Name route.ProcessName
	Addr string
}

// ServiceConfig configures one process. Peers are dialed only by the main
// process; MainAddr is dialed only by the others.
type ServiceConfig struct {
	Process           route.ProcessName
	App               string
	ListenAddr        string
	AdminAddr         string
	HeartbeatInterval time.Duration
	AuthToken         string
	CORSOrigins       []string
	Peers             []PeerConfig
	MainAddr          string
	FanOutLimit       int
	Session           session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:        "127.0.0.1:7100",
		AdminAddr:         "",
		HeartbeatInterval: 5 * time.Second,
		CORSOrigins:       []string{"http://localhost:3000"},
		FanOutLimit:       8,
		Session:           session.DefaultConfig(),
	}
}

type Service struct {
	cfg      ServiceConfig
	registry *procreg.Registry
	table    *route.Table
	bus      *eventbus.Bus
	conns    *conn.Manager
	router   *router.Router
	endpoint *endpoint.Server
	admin    *gin.Engine
	started  time.Time
	ready    atomic.Bool
}

// NewService wires every component. A missing process or app identity is
// returned as procreg.ErrIdentityRequired and must abort startup.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.HeartbeatInterval <= 0 {
		return nil, ErrInvalidHeartbeatInterval
	}
	cfg.Session = cfg.Session.WithDefaults()

	reg, err := procreg.New(procreg.Identity{Process: cfg.Process, App: cfg.App})
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		registry: reg,
		table:    route.NewTable(),
		bus:      eventbus.New(),
		started:  time.Now(),
	}
	s.conns = conn.New(reg, conn.Config{})
	s.router = router.New(router.Config{
		Self:        reg,
		Resolver:    s.table,
		Conns:       s.conns,
		Bus:         s.bus,
		FanOutLimit: cfg.FanOutLimit,
	})
	s.endpoint = endpoint.New(endpoint.Config{
		ListenAddr: cfg.ListenAddr,
		Session:    cfg.Session,
		Validator:  auth.FromToken(cfg.AuthToken),
	}, reg, s.router, s.bus)

	if err := s.registerBuiltins(); err != nil {
		return nil, err
	}
	if err := s.registerPeers(); err != nil {
		return nil, err
	}
	if err := s.registerMain(); err != nil {
		return nil, err
	}
	s.admin = s.newAdminRouter()
	return s, nil
}

func (s *Service) registerPeers() error {
	for _, p := range s.cfg.Peers {
		d, err := peer.NewDialer(peer.DialerConfig{
			Self:    s.registry.Self(),
			Target:  p.Name,
			Address: p.Addr,
			Token:   s.cfg.AuthToken,
			Session: s.cfg.Session,
		})
		if err != nil {
			return fmt.Errorf("host: peer %q: %w", p.Name, err)
		}
		err = s.registry.RegisterReachableProcess(p.Name, d)
		if errors.Is(err, procreg.ErrNotMainProcess) {
			log.Warn().
				Str("process", s.registry.Self().String()).
				Str("peer", p.Name.String()).
				Msg("host.Service peers ignored outside the main process")
			return nil
		}
		if err != nil {
			return fmt.Errorf("host: peer %q: %w", p.Name, err)
		}
	}
	return nil
}

// registerMain gives a non-main process its single outbound connection.
func (s *Service) registerMain() error {
	addr := strings.TrimSpace(s.cfg.MainAddr)
	if addr == "" {
		return nil
	}
	if s.registry.IsMain() {
		log.Warn().
			Str("process", s.registry.Self().String()).
			Str("main_addr", addr).
			Msg("host.Service main_addr ignored in the main process")
		return nil
	}
	d, err := peer.NewDialer(peer.DialerConfig{
		Self:    s.registry.Self(),
		Target:  s.registry.MainProcess(),
		Address: addr,
		Token:   s.cfg.AuthToken,
		Session: s.cfg.Session,
	})
	if err != nil {
		return fmt.Errorf("host: main process: %w", err)
	}
	return s.registry.RegisterMainProcess(d)
}

// bindMain keeps a non-main process connected to the main process so
// publishes from here reach it without waiting for a route call.
func (s *Service) bindMain() {
	if s.registry.IsMain() {
		return
	}
	target := s.registry.MainProcess()
	if _, ok := s.registry.Lookup(target); !ok {
		return
	}
	if e, ok := s.conns.Lookup(target); ok && e.Live {
		return
	}
	s.conns.EnsureConnected(target)
}

func (s *Service) Registry() *procreg.Registry {
	return s.registry
}

func (s *Service) Router() *router.Router {
	return s.router
}

func (s *Service) Bus() *eventbus.Bus {
	return s.bus
}

// Handle registers an application handler on this process.
func (s *Service) Handle(path string, h route.Handler) error {
	return s.table.Register(path, h)
}

// AdminHandler exposes the admin routes for embedding and tests.
func (s *Service) AdminHandler() http.Handler {
	return s.admin
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

func (s *Service) Serve(ctx context.Context) error {
	ln, err := s.endpoint.Listen()
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener runs the endpoint on ln, the admin server when configured,
// and the heartbeat loop until ctx ends.
func (s *Service) ServeListener(ctx context.Context, ln net.Listener) error {
	defer s.conns.Close()

	errs := make(chan error, 2)
	go func() {
		errs <- s.endpoint.Serve(ctx, ln)
	}()

	var adminSrv *http.Server
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		adminSrv = &http.Server{Addr: addr, Handler: s.admin, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminSrv.Shutdown(shutdownCtx)
		}()
	}

	s.ready.Store(true)
	defer s.ready.Store(false)
	log.Info().
		Str("process", s.registry.Self().String()).
		Bool("main", s.registry.IsMain()).
		Str("listen", ln.Addr().String()).
		Str("admin", s.cfg.AdminAddr).
		Int("peers", len(s.registry.Names())).
		Msg("host.Service ready")

	s.bindMain()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("process", s.registry.Self().String()).Msg("host.Service shutdown")
			return nil
		case err := <-errs:
			if err != nil {
				return err
			}
		case <-ticker.C:
			s.bindMain()
			s.heartbeat()
		}
	}
}

func (s *Service) heartbeat() {
	self := s.registry.Self().String()
	live := s.conns.Len()
	channels := s.bus.Len()
	observability.SetLiveConnections(self, live)
	observability.SetBusChannels(self, channels)
	log.Info().
		Str("process", self).
		Int("live_connections", live).
		Int("channels", channels).
		Int64("inbound_sessions", s.endpoint.ActiveConns()).
		Msg("host.Service heartbeat")
}
