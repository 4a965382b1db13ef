// Package router dispatches path-addressed requests to the local process or to
// a remote process over a held stub, and fans events out across processes.
package router

import (
	"context"
	"time"

	"github.com/danmuck/procbus/internal/conn"
	"github.com/danmuck/procbus/internal/observability"
	"github.com/danmuck/procbus/internal/route"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Dispatch and outcome labels for metrics.
const (
	dispatchLocal  = "local"
	dispatchRemote = "remote"

	outcomeOK       = "ok"
	outcomeNotFound = "not_found"
	outcomeStarting = "starting"
	outcomeFailed   = "failed"
	outcomeEvicted  = "evicted"
)

// Self reports the calling process identity.
type Self interface {
	Self() route.ProcessName
	IsSelf(name route.ProcessName) bool
}

// Connections is the subset of conn.Manager the router drives.
type Connections interface {
	EnsureConnected(name route.ProcessName)
	Lookup(name route.ProcessName) (conn.Entry, bool)
	Live() []conn.Entry
	Evict(e conn.Entry, reason string) bool
}

// LocalPublisher delivers an event inside this process.
type LocalPublisher interface {
	Publish(key string, payload route.Payload) int
}

type Config struct {
	Self     Self
	Resolver route.Resolver
	Conns    Connections
	Bus      LocalPublisher
	// FanOutLimit caps concurrent remote publishes; zero means unbounded.
	FanOutLimit int
}

type Router struct {
	self     Self
	resolver route.Resolver
	conns    Connections
	bus      LocalPublisher
	limit    int
}

func New(cfg Config) *Router {
	return &Router{
		self:     cfg.Self,
		resolver: cfg.Resolver,
		conns:    cfg.Conns,
		bus:      cfg.Bus,
		limit:    cfg.FanOutLimit,
	}
}

// Route never fails outward: every failure is carried in Response.Status.
// Remote calls block up to the stub's own deadlines.
func (r *Router) Route(ctx context.Context, req route.Request) route.Response {
	start := time.Now()
	if r.self.IsSelf(req.Target) {
		resp, outcome := r.routeLocal(ctx, req)
		observability.RecordRoute(r.self.Self().String(), dispatchLocal, outcome, time.Since(start))
		return resp
	}
	resp, outcome := r.routeRemote(ctx, req)
	observability.RecordRoute(r.self.Self().String(), dispatchRemote, outcome, time.Since(start))
	return resp
}

// LocalRoute resolves and runs a handler in this process only. Inbound calls
// from other processes land here.
func (r *Router) LocalRoute(ctx context.Context, req route.Request) route.Response {
	start := time.Now()
	resp, outcome := r.routeLocal(ctx, req)
	observability.RecordRoute(r.self.Self().String(), dispatchLocal, outcome, time.Since(start))
	return resp
}

func (r *Router) routeLocal(ctx context.Context, req route.Request) (route.Response, string) {
	if r.resolver == nil {
		return route.NotFound(), outcomeNotFound
	}
	h, ok := r.resolver.Resolve(req.Path)
	if !ok {
		log.Debug().Str("path", req.Path).Msg("router.Route local path not found")
		return route.NotFound(), outcomeNotFound
	}
	resp := h.Handle(ctx, req)
	if !resp.OK() {
		return resp, outcomeFailed
	}
	return resp, outcomeOK
}

func (r *Router) routeRemote(ctx context.Context, req route.Request) (route.Response, string) {
	entry, ok := r.conns.Lookup(req.Target)
	if ok && !entry.Live {
		r.conns.Evict(entry, conn.ReasonDead)
		ok = false
	}
	if !ok {
		r.conns.EnsureConnected(req.Target)
		log.Debug().Str("target", req.Target.String()).Str("path", req.Path).Msg("router.Route target starting")
		return route.Starting(), outcomeStarting
	}

	resp, err := entry.Stub.Call(ctx, req)
	if err == nil {
		return resp, outcomeOK
	}
	if route.IsPeerUnreachable(err) {
		r.conns.Evict(entry, conn.ReasonPeerUnreachable)
		log.Warn().
			Str("target", req.Target.String()).
			Str("path", req.Path).
			Err(err).
			Msg("router.Route peer gone")
		return route.Failed(err), outcomeEvicted
	}
	log.Warn().
		Str("target", req.Target.String()).
		Str("path", req.Path).
		Err(err).
		Msg("router.Route remote call failed")
	return route.Failed(err), outcomeFailed
}

// PublishResult summarizes one publish call.
type PublishResult struct {
	Local     int                 `json:"local"`
	Delivered []route.ProcessName `json:"delivered"`
	Failed    []route.ProcessName `json:"failed"`
	Evicted   []route.ProcessName `json:"evicted"`
}

// Publish delivers to this process first, then to every live remote process.
// Each remote target is independent; a dead peer is evicted and skipped.
func (r *Router) Publish(ctx context.Context, key string, payload route.Payload) PublishResult {
	var res PublishResult
	if r.bus != nil {
		res.Local = r.bus.Publish(key, payload)
	}
	if key == "" {
		return res
	}

	targets := r.conns.Live()
	if len(targets) == 0 {
		return res
	}
	outcomes := make([]error, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	if r.limit > 0 {
		g.SetLimit(r.limit)
	}
	for i, e := range targets {
		g.Go(func() error {
			outcomes[i] = e.Stub.Publish(gctx, key, payload.Clone())
			// failures stay per target so siblings keep running
			return nil
		})
	}
	_ = g.Wait()

	self := r.self.Self().String()
	for i, e := range targets {
		err := outcomes[i]
		observability.RecordPublishDelivery(self, e.Process.String(), err == nil)
		if err == nil {
			res.Delivered = append(res.Delivered, e.Process)
			continue
		}
		res.Failed = append(res.Failed, e.Process)
		if route.IsPeerUnreachable(err) && r.conns.Evict(e, conn.ReasonPeerUnreachable) {
			res.Evicted = append(res.Evicted, e.Process)
		}
		log.Warn().
			Str("target", e.Process.String()).
			Str("key", key).
			Err(err).
			Msg("router.Publish remote delivery failed")
	}
	return res
}
