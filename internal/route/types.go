package route

import (
	"fmt"
	"strings"
)

// Status messages carried by Response.Status. An empty status is success.
const (
	StatusNotFound = "not found"
	StatusStarting = "starting"
)

// ProcessName identifies one OS process of the application.
type ProcessName string

func (p ProcessName) String() string {
	return string(p)
}

// Payload is the key-value body carried by requests, responses and events.
type Payload map[string]any

// Clone returns a shallow copy; nil stays nil.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Payload) GetString(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Request addresses a path-registered handler, optionally in another process.
// An empty Target dispatches in the calling process.
type Request struct {
	Target  ProcessName `json:"target"`
	Path    string      `json:"path"`
	Payload Payload     `json:"payload,omitempty"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return fmt.Errorf("route: request missing path")
	}
	return nil
}

// Response is the result of a route call.
type Response struct {
	Status  string  `json:"status,omitempty"`
	Payload Payload `json:"payload,omitempty"`
}

func (r Response) OK() bool {
	return r.Status == ""
}

func NotFound() Response {
	return Response{Status: StatusNotFound}
}

func Starting() Response {
	return Response{Status: StatusStarting}
}

// Failed encodes err as a status message.
func Failed(err error) Response {
	if err == nil {
		return Response{}
	}
	return Response{Status: err.Error()}
}
