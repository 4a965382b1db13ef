// Package procreg holds the process identity and the table of remote processes
// this process may connect to: every declared peer in the main process, and
// only the main process everywhere else.
package procreg

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/procbus/internal/route"
	"github.com/rs/zerolog/log"
)

var (
	ErrIdentityRequired = errors.New("procreg: process identity required")
	ErrNotMainProcess   = errors.New("procreg: registration allowed only in main process")
	ErrProcessNameEmpty = errors.New("procreg: process name required")
	ErrConnectorNil     = errors.New("procreg: connector is nil")
	ErrSelfRegistration = errors.New("procreg: cannot register own process")
	ErrIsMainProcess    = errors.New("procreg: main process has no upstream")
)

// Identity names the running process and the application it belongs to.
// The main process is the one whose name matches the application identity.
type Identity struct {
	Process route.ProcessName
	App     string
}

// IsMain compares case-insensitively, the way process names echo package ids.
func (id Identity) IsMain() bool {
	return strings.EqualFold(strings.TrimSpace(string(id.Process)), strings.TrimSpace(id.App))
}

// Registry maps process names to connectors. Built once at startup.
type Registry struct {
	identity Identity

	mu         sync.RWMutex
	connectors map[route.ProcessName]route.Connector
}

// New fails when the identity is incomplete; callers treat that as fatal.
func New(identity Identity) (*Registry, error) {
	identity.Process = route.ProcessName(strings.TrimSpace(string(identity.Process)))
	identity.App = strings.TrimSpace(identity.App)
	if identity.Process == "" || identity.App == "" {
		return nil, ErrIdentityRequired
	}
	return &Registry{
		identity:   identity,
		connectors: make(map[route.ProcessName]route.Connector),
	}, nil
}

func (r *Registry) Identity() Identity {
	return r.identity
}

func (r *Registry) Self() route.ProcessName {
	return r.identity.Process
}

func (r *Registry) IsMain() bool {
	return r.identity.IsMain()
}

// IsSelf reports whether name addresses this process.
func (r *Registry) IsSelf(name route.ProcessName) bool {
	name = route.ProcessName(strings.TrimSpace(string(name)))
	if name == "" || name == r.identity.Process {
		return true
	}
	return r.IsMain() && strings.EqualFold(string(name), r.identity.App)
}

// RegisterReachableProcess declares how to reach a remote process. Only the
// main process registers; elsewhere the call is refused and nothing changes.
// A later registration for the same name replaces the earlier connector.
func (r *Registry) RegisterReachableProcess(name route.ProcessName, c route.Connector) error {
	if !r.IsMain() {
		log.Debug().
			Str("process", r.identity.Process.String()).
			Str("target", name.String()).
			Msg("procreg.Registry register skipped in non-main process")
		return ErrNotMainProcess
	}
	name = route.ProcessName(strings.TrimSpace(string(name)))
	if name == "" {
		return ErrProcessNameEmpty
	}
	if c == nil {
		return ErrConnectorNil
	}
	if r.IsSelf(name) {
		return fmt.Errorf("%w: %s", ErrSelfRegistration, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[name] = c
	log.Info().Str("target", name.String()).Msg("procreg.Registry registered reachable process")
	return nil
}

// RegisterMainProcess declares how a non-main process reaches the main
// process, addressed by the application identity.
func (r *Registry) RegisterMainProcess(c route.Connector) error {
	if r.IsMain() {
		return ErrIsMainProcess
	}
	if c == nil {
		return ErrConnectorNil
	}
	target := r.MainProcess()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[target] = c
	log.Info().
		Str("process", r.identity.Process.String()).
		Str("target", target.String()).
		Msg("procreg.Registry registered main process")
	return nil
}

// MainProcess is the name the main process answers to.
func (r *Registry) MainProcess() route.ProcessName {
	return route.ProcessName(r.identity.App)
}

func (r *Registry) Lookup(name route.ProcessName) (route.Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Names returns registered process names in lexical order.
func (r *Registry) Names() []route.ProcessName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]route.ProcessName, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
