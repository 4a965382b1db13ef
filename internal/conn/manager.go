// Package conn owns the live stubs to remote processes. Connections are opened
// lazily on demand, deduplicated per process, and dropped when the peer dies.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/procbus/internal/observability"
	"github.com/danmuck/procbus/internal/route"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	ErrManagerClosed = errors.New("conn: manager closed")
	ErrNilStub       = errors.New("conn: connector returned nil stub")
)

// Eviction reasons reported to logs and metrics.
const (
	ReasonPeerUnreachable = "peer_unreachable"
	ReasonDead            = "dead"
	ReasonReplaced        = "replaced"
	ReasonUnbind          = "unbind"
)

// Directory resolves a process name to its connector.
type Directory interface {
	Lookup(name route.ProcessName) (route.Connector, bool)
}

// Prober is implemented by stubs that can tell they lost their peer.
type Prober interface {
	Alive() bool
}

// Entry is one live connection. Entries are values; ID distinguishes a
// reconnect from the entry it replaced.
type Entry struct {
	ID          string            `json:"id"`
	Process     route.ProcessName `json:"process"`
	Stub        route.Stub        `json:"-"`
	Live        bool              `json:"live"`
	ConnectedAt time.Time         `json:"connected_at"`
}

type Config struct {
	// ConnectTimeout bounds one connect attempt. Zero leaves it pending until
	// the connector gives up or the manager closes.
	ConnectTimeout time.Duration
}

type Manager struct {
	dir Directory
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	flight singleflight.Group

	mu      sync.RWMutex
	closed  bool
	entries map[route.ProcessName]Entry
}

func New(dir Directory, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dir:     dir,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[route.ProcessName]Entry),
	}
}

// EnsureConnected starts connecting to name in the background and returns at
// once. Triggers that arrive while an attempt is in flight join that attempt.
// Unknown processes are ignored.
func (m *Manager) EnsureConnected(name route.ProcessName) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}
	if _, ok := m.dir.Lookup(name); !ok {
		log.Debug().Str("target", name.String()).Msg("conn.Manager ensure skipped unregistered process")
		return
	}
	// DoChan's result channel is buffered, so dropping it leaks nothing.
	_ = m.flight.DoChan(string(name), func() (any, error) {
		return nil, m.connect(name)
	})
}

func (m *Manager) connect(name route.ProcessName) error {
	if e, ok := m.Lookup(name); ok && e.Live {
		return nil
	}
	c, ok := m.dir.Lookup(name)
	if !ok {
		return nil
	}

	ctx := m.ctx
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	start := time.Now()
	log.Debug().Str("target", name.String()).Msg("conn.Manager connecting")
	stub, err := c.Connect(ctx)
	if err == nil && stub == nil {
		err = ErrNilStub
	}
	if err != nil {
		observability.RecordConnectAttempt(name.String(), "error")
		log.Warn().Str("target", name.String()).Err(err).Msg("conn.Manager connect failed")
		return err
	}

	entry := Entry{
		ID:          uuid.NewString(),
		Process:     name,
		Stub:        stub,
		Live:        true,
		ConnectedAt: time.Now(),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = stub.Close()
		observability.RecordConnectAttempt(name.String(), "closed")
		return ErrManagerClosed
	}
	prev, replaced := m.entries[name]
	m.entries[name] = entry
	m.mu.Unlock()

	if replaced {
		closeStub(prev, ReasonReplaced)
	}
	observability.RecordConnectAttempt(name.String(), "ok")
	log.Info().
		Str("target", name.String()).
		Str("conn_id", entry.ID).
		Dur("took", time.Since(start)).
		Msg("conn.Manager connected")
	return nil
}

// Lookup returns the entry for name with Live refreshed from the stub.
func (m *Manager) Lookup(name route.ProcessName) (Entry, bool) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	e.Live = probe(e.Stub)
	return e, true
}

// Live returns a copy of the current entries ordered by process name. Callers
// iterate the copy, so evictions during iteration are safe.
func (m *Manager) Live() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.RUnlock()

	for i := range out {
		out[i].Live = probe(out[i].Stub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Process < out[j].Process })
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Evict removes e only if it is still the current entry for its process, so a
// late failure on an old stub never drops a newer connection.
func (m *Manager) Evict(e Entry, reason string) bool {
	m.mu.Lock()
	cur, ok := m.entries[e.Process]
	if !ok || cur.ID != e.ID {
		m.mu.Unlock()
		return false
	}
	delete(m.entries, e.Process)
	m.mu.Unlock()

	closeStub(cur, reason)
	return true
}

// Unbind drops and closes the connection to name, whatever its state.
func (m *Manager) Unbind(name route.ProcessName) bool {
	m.mu.Lock()
	cur, ok := m.entries[name]
	if ok {
		delete(m.entries, name)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	closeStub(cur, ReasonUnbind)
	return true
}

// Close cancels pending connects and closes every held stub.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := m.entries
	m.entries = make(map[route.ProcessName]Entry)
	m.mu.Unlock()

	m.cancel()
	var errs []error
	for _, e := range entries {
		if err := e.Stub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.Process, err))
		}
	}
	return errors.Join(errs...)
}

func closeStub(e Entry, reason string) {
	observability.RecordEviction(e.Process.String(), reason)
	log.Warn().
		Str("target", e.Process.String()).
		Str("conn_id", e.ID).
		Str("reason", reason).
		Msg("conn.Manager evicted")
	if err := e.Stub.Close(); err != nil {
		log.Debug().Str("target", e.Process.String()).Err(err).Msg("conn.Manager close stub")
	}
}

func probe(stub route.Stub) bool {
	if p, ok := stub.(Prober); ok {
		return p.Alive()
	}
	return true
}
