package route

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrPathExists  = errors.New("route: path already registered")
	ErrHandlerNil  = errors.New("route: handler is nil")
	ErrInvalidPath = errors.New("route: invalid path")
)

// Handler serves one path in the local process.
type Handler interface {
	Handle(ctx context.Context, req Request) Response
}

type HandlerFunc func(ctx context.Context, req Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Resolver turns a path into a local handler.
type Resolver interface {
	Resolve(path string) (Handler, bool)
}

// Table stores handlers by normalized path.
type Table struct {
	mu    sync.RWMutex
	items map[string]Handler
}

func NewTable() *Table {
	return &Table{items: make(map[string]Handler)}
}

// ValidatePath checks the "/segment/segment" form used for handler paths.
func ValidatePath(path string) error {
	path = strings.TrimSpace(path)
	if !isValidPath(path) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return nil
}

func (t *Table) Register(path string, h Handler) error {
	if h == nil {
		return ErrHandlerNil
	}
	path = strings.TrimSpace(path)
	if err := ValidatePath(path); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[path]; ok {
		return fmt.Errorf("%w: %s", ErrPathExists, path)
	}
	t.items[path] = h
	return nil
}

func (t *Table) Resolve(path string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.items[strings.TrimSpace(path)]
	return h, ok
}

// Paths returns registered paths in lexical order.
func (t *Table) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.items))
	for p := range t.items {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func isValidPath(path string) bool {
	if len(path) < 2 || path[0] != '/' || path[len(path)-1] == '/' {
		return false
	}
	lastSlash := false
	for i := 0; i < len(path); i++ {
		c := path[i]
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		isSep := c == '.' || c == '-' || c == '_'
		isSlash := c == '/'
		if !(isAlnum || isSep || isSlash) {
			return false
		}
		if isSlash && lastSlash {
			return false
		}
		lastSlash = isSlash
	}
	return true
}
