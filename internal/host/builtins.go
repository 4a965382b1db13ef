package host

import (
	"context"
	"time"

	"github.com/danmuck/procbus/internal/route"
)

const (
	PathPing = "/procbus/ping"
	PathInfo = "/procbus/info"
)

func (s *Service) registerBuiltins() error {
	if err := s.table.Register(PathPing, route.HandlerFunc(s.handlePing)); err != nil {
		return err
	}
	return s.table.Register(PathInfo, route.HandlerFunc(s.handleInfo))
}

func (s *Service) handlePing(_ context.Context, req route.Request) route.Response {
	return route.Response{Payload: route.Payload{
		"process": s.registry.Self().String(),
		"echo":    req.Payload.GetString("echo"),
	}}
}

func (s *Service) handleInfo(context.Context, route.Request) route.Response {
	id := s.registry.Identity()
	return route.Response{Payload: route.Payload{
		"process": id.Process.String(),
		"app":     id.App,
		"main":    id.IsMain(),
		"paths":   s.table.Paths(),
		"uptime":  time.Since(s.started).String(),
	}}
}
