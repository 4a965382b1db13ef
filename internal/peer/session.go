package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/procbus/internal/protocol/frame"
	"github.com/danmuck/procbus/internal/protocol/session"
	"github.com/danmuck/procbus/internal/route"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionDead      = errors.New("peer: session dead")
	ErrResponseMismatch = errors.New("peer: response does not match request")
)

// Session is one handshaken connection to a remote process. Calls are
// serialized; each one writes a frame and waits for its response.
//
// Any transport error leaves the session dead, since a half-read stream cannot
// be resynchronized. Only errors meaning the peer is gone are wrapped in
// route.ErrPeerUnreachable; a timeout is reported as-is and the next use
// reports the dead session.
type Session struct {
	self   route.ProcessName
	remote route.ProcessName
	conn   net.Conn
	reader *bufio.Reader
	cfg    session.Config

	nextMessageID atomic.Uint64
	dead          atomic.Bool
	closeOnce     sync.Once
	mu            sync.Mutex
}

func newSession(self, remote route.ProcessName, conn net.Conn, reader *bufio.Reader, cfg session.Config) *Session {
	s := &Session{
		self:   self,
		remote: remote,
		conn:   conn,
		reader: reader,
		cfg:    cfg,
	}
	s.nextMessageID.Store(uint64(time.Now().UnixNano()))
	return s
}

func (s *Session) Remote() route.ProcessName {
	return s.remote
}

// Alive reports false once the connection failed or was closed.
func (s *Session) Alive() bool {
	return !s.dead.Load()
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.dead.Store(true)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) Call(ctx context.Context, req route.Request) (route.Response, error) {
	f, err := session.EncodeRouteRequest(s.nextMessageID.Add(1), session.RouteRequest{
		Source:  s.self,
		Target:  s.remote,
		Path:    req.Path,
		Payload: req.Payload,
	})
	if err != nil {
		return route.Response{}, err
	}
	reply, err := s.roundTrip(ctx, f)
	if err != nil {
		return route.Response{}, err
	}
	resp, err := session.DecodeRouteResponse(reply)
	if err != nil {
		s.fail(err)
		return route.Response{}, err
	}
	return resp, nil
}

func (s *Session) Publish(ctx context.Context, key string, payload route.Payload) error {
	f, err := session.EncodePublish(s.nextMessageID.Add(1), session.Publish{
		Source:  s.self,
		Key:     key,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	reply, err := s.roundTrip(ctx, f)
	if err != nil {
		return err
	}
	ack, err := session.DecodePublishAck(reply)
	if err != nil {
		s.fail(err)
		return err
	}
	if ack.Key != key {
		s.fail(ErrResponseMismatch)
		return fmt.Errorf("%w: key=%q ack_key=%q", ErrResponseMismatch, key, ack.Key)
	}
	log.Debug().
		Str("target", s.remote.String()).
		Str("key", key).
		Uint32("delivered", ack.Delivered).
		Msg("peer.Session publish acked")
	return nil
}

func (s *Session) roundTrip(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead.Load() {
		return frame.Frame{}, fmt.Errorf("%w: %s: %w", route.ErrPeerUnreachable, s.remote, ErrSessionDead)
	}
	if err := ctx.Err(); err != nil {
		return frame.Frame{}, err
	}

	// cancellation unblocks the pending read/write by expiring the deadline
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()

	_ = s.conn.SetWriteDeadline(s.deadline(ctx, s.cfg.WriteTimeout))
	if err := frame.WriteFrame(s.conn, f, frame.DefaultLimits()); err != nil {
		return frame.Frame{}, s.transportErr(ctx, err)
	}
	_ = s.conn.SetReadDeadline(s.deadline(ctx, s.cfg.CallTimeout))
	reply, err := frame.ReadFrame(s.reader, frame.DefaultLimits())
	if err != nil {
		return frame.Frame{}, s.transportErr(ctx, err)
	}
	if reply.Header.MessageID != f.Header.MessageID || !reply.Header.IsResponse() {
		s.fail(ErrResponseMismatch)
		return frame.Frame{}, fmt.Errorf(
			"%w: message_id=%d reply_message_id=%d",
			ErrResponseMismatch,
			f.Header.MessageID,
			reply.Header.MessageID,
		)
	}
	return reply, nil
}

func (s *Session) deadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}

func (s *Session) transportErr(ctx context.Context, err error) error {
	s.fail(err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if peerGone(err) {
		return fmt.Errorf("%w: %s: %w", route.ErrPeerUnreachable, s.remote, err)
	}
	return err
}

func (s *Session) fail(err error) {
	if s.dead.Swap(true) {
		return
	}
	log.Warn().
		Str("target", s.remote.String()).
		Err(err).
		Msg("peer.Session marked dead")
	_ = s.Close()
}

func peerGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, frame.ErrShortHeader) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
