// Package endpoint accepts connections from other processes of the
// application and answers their route and publish frames locally.
package endpoint

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/procbus/internal/auth"
	"github.com/danmuck/procbus/internal/protocol/frame"
	"github.com/danmuck/procbus/internal/protocol/schema"
	"github.com/danmuck/procbus/internal/protocol/session"
	"github.com/danmuck/procbus/internal/route"
	"github.com/rs/zerolog/log"
)

var ErrExpectedTLS = errors.New("endpoint: expected tls connection")

// Self identifies the process this endpoint answers for.
type Self interface {
	Self() route.ProcessName
	IsSelf(name route.ProcessName) bool
}

// Dispatcher runs a request against this process's handlers only.
type Dispatcher interface {
	LocalRoute(ctx context.Context, req route.Request) route.Response
}

// Publisher delivers an event to this process's bus only.
type Publisher interface {
	Publish(key string, payload route.Payload) int
}

type Config struct {
	ListenAddr string
	Session    session.Config
	// Validator checks the hello token. Nil accepts every token.
	Validator auth.Validator
}

type Server struct {
	cfg      Config
	self     Self
	dispatch Dispatcher
	bus      Publisher

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  atomic.Int64
}

// transport-authenticated peer identity
type peerAuth struct {
	identity      string
	authenticated bool
}

func New(cfg Config, self Self, dispatch Dispatcher, bus Publisher) *Server {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Validator == nil {
		cfg.Validator = auth.Open{}
	}
	return &Server{
		cfg:      cfg,
		self:     self,
		dispatch: dispatch,
		bus:      bus,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen opens a TCP or TLS listener according to the transport policy.
func (s *Server) Listen() (net.Listener, error) {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve runs the accept loop until ctx ends, then closes every open connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	log.Info().
		Str("process", s.self.Self().String()).
		Str("addr", ln.Addr().String()).
		Msg("endpoint.Server listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

// ActiveConns is the number of accepted connections not yet closed.
func (s *Server) ActiveConns() int64 {
	return s.active.Load()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.active.Add(1)
	log.Debug().Str("remote", remote).Int64("active", active).Msg("endpoint.Server client connected")
	defer func() {
		remaining := s.active.Add(-1)
		log.Debug().Str("remote", remote).Int64("active", remaining).Msg("endpoint.Server client disconnected")
	}()

	pa, err := s.authenticateConn(conn)
	if err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("endpoint.Server transport auth failed")
		return
	}

	reader := bufio.NewReader(conn)
	hello, ack := s.handleHello(conn, reader, pa)
	if err := session.WriteHelloAck(conn, ack); err != nil {
		log.Error().Str("remote", remote).Err(err).Msg("endpoint.Server write hello ack failed")
		return
	}
	if !ack.Accepted() {
		return
	}
	caller := route.ProcessName(hello.Process)
	log.Info().Str("caller", caller.String()).Str("remote", remote).Msg("endpoint.Server session accepted")
	_ = conn.SetDeadline(time.Time{})

	for {
		// idle sessions stay open; the caller owns their lifetime
		fr, err := frame.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			if !errors.Is(err, frame.ErrShortHeader) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Str("caller", caller.String()).Err(err).Msg("endpoint.Server read frame failed")
			}
			return
		}
		reply, err := s.handleFrame(ctx, caller, fr)
		if err != nil {
			log.Warn().
				Str("caller", caller.String()).
				Str("message", schema.MessageName(fr.Header.MessageType)).
				Err(err).
				Msg("endpoint.Server drop session")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
		if err := frame.WriteFrame(conn, reply, frame.DefaultLimits()); err != nil {
			log.Warn().Str("caller", caller.String()).Err(err).Msg("endpoint.Server write reply failed")
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, caller route.ProcessName, fr frame.Frame) (frame.Frame, error) {
	switch fr.Header.MessageType {
	case schema.MsgRouteRequest:
		req, err := session.DecodeRouteRequest(fr)
		if err != nil {
			return frame.Frame{}, err
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.CallTimeout)
		defer cancel()
		resp := s.dispatch.LocalRoute(callCtx, req.Request())
		log.Debug().
			Str("caller", caller.String()).
			Str("path", req.Path).
			Str("status", resp.Status).
			Msg("endpoint.Server route served")
		return session.EncodeRouteResponse(fr.Header.MessageID, resp)
	case schema.MsgPublish:
		pub, err := session.DecodePublish(fr)
		if err != nil {
			return frame.Frame{}, err
		}
		delivered := 0
		if s.bus != nil {
			delivered = s.bus.Publish(pub.Key, pub.Payload)
		}
		return session.EncodePublishAck(fr.Header.MessageID, session.PublishAck{
			Key:       pub.Key,
			Delivered: uint32(delivered),
		})
	default:
		return frame.Frame{}, fmt.Errorf("endpoint: unexpected message %s", schema.MessageName(fr.Header.MessageType))
	}
}

func (s *Server) handleHello(conn net.Conn, reader *bufio.Reader, pa peerAuth) (session.Hello, session.HelloAck) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	ack := session.HelloAck{
		Status:      session.AckStatusRejected,
		Process:     s.self.Self().String(),
		TimestampMS: uint64(time.Now().UnixMilli()),
	}

	hello, err := session.ReadHello(reader)
	if err != nil {
		log.Warn().Err(err).Msg("endpoint.Server read hello failed")
		ack.Code = session.CodeMalformedHello
		ack.Message = "invalid hello payload"
		return hello, ack
	}
	if !s.self.IsSelf(route.ProcessName(hello.Target)) {
		log.Warn().
			Str("caller", hello.Process).
			Str("target", hello.Target).
			Msg("endpoint.Server hello target mismatch")
		ack.Code = session.CodeTargetMismatch
		ack.Message = "target mismatch"
		return hello, ack
	}
	if err := s.cfg.Validator.Validate(hello.Token); err != nil {
		log.Warn().Str("caller", hello.Process).Err(err).Msg("endpoint.Server hello token rejected")
		ack.Code = session.CodeUnauthorized
		ack.Message = "unauthorized"
		return hello, ack
	}
	if pa.authenticated && !strings.EqualFold(pa.identity, hello.Process) {
		log.Warn().
			Str("caller", hello.Process).
			Str("peer_identity", pa.identity).
			Msg("endpoint.Server tls identity mismatch")
		ack.Code = session.CodeUnauthorized
		ack.Message = "identity binding failure"
		return hello, ack
	}

	ack.Status = session.AckStatusAccepted
	ack.Message = "ok"
	return hello, ack
}

// authenticateConn enforces TLS/mTLS and extracts the peer identity.
func (s *Server) authenticateConn(conn net.Conn) (peerAuth, error) {
	mode := session.NormalizeSecurityMode(s.cfg.Session.SecurityMode)
	if !s.cfg.Session.TLS.Enabled {
		if mode == session.SecurityModeProduction {
			return peerAuth{}, session.ErrTLSRequired
		}
		return peerAuth{}, nil
	}

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return peerAuth{}, ErrExpectedTLS
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return peerAuth{}, err
	}
	state := tlsConn.ConnectionState()

	needPeer := s.cfg.Session.TLS.Mutual || mode == session.SecurityModeProduction
	if !needPeer && len(state.PeerCertificates) == 0 {
		return peerAuth{}, nil
	}
	if len(state.PeerCertificates) == 0 {
		return peerAuth{}, session.ErrMTLSRequired
	}
	id := session.PeerIdentityFromCert(state.PeerCertificates[0])
	if id == "" {
		return peerAuth{}, fmt.Errorf("endpoint: empty peer identity from certificate")
	}
	return peerAuth{identity: id, authenticated: true}, nil
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
