package host

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/procbus/internal/eventbus"
	"github.com/danmuck/procbus/internal/procreg"
	"github.com/danmuck/procbus/internal/route"
	"github.com/danmuck/procbus/internal/router"
	"github.com/danmuck/procbus/internal/testutil/testlog"
)

const (
	testApp    = "com.example.app"
	testRemote = route.ProcessName("com.example.app:b")
)

func testConfig(process route.ProcessName) ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.Process = process
	cfg.App = testApp
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.Session.MaxConnectAttempts = 1
	return cfg
}

// serve runs svc on a loopback listener until the test ends.
func serve(t *testing.T, svc *Service) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.ServeListener(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return ln.Addr().String()
}

func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestNewServiceRequiresIdentity(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("")
	if _, err := NewService(cfg); !errors.Is(err, procreg.ErrIdentityRequired) {
		t.Fatalf("expected ErrIdentityRequired, got %v", err)
	}
	cfg = testConfig(testApp)
	cfg.HeartbeatInterval = 0
	if _, err := NewService(cfg); !errors.Is(err, ErrInvalidHeartbeatInterval) {
		t.Fatalf("expected ErrInvalidHeartbeatInterval, got %v", err)
	}
}

func TestNonMainProcessIgnoresPeers(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(testRemote)
	cfg.Peers = []PeerConfig{{Name: "com.example.app:c", Addr: "127.0.0.1:1"}}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if names := svc.Registry().Names(); len(names) != 0 {
		t.Fatalf("non-main process registered peers: %v", names)
	}
}

func TestNewServiceRejectsBadPeer(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(testApp)
	cfg.Peers = []PeerConfig{{Name: testRemote}}
	if _, err := NewService(cfg); err == nil {
		t.Fatalf("expected error for peer without address")
	}
}

func TestMainRoutesAndPublishesToRemoteProcess(t *testing.T) {
	testlog.Start(t)
	remote, err := NewService(testConfig(testRemote))
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	var received atomic.Int32
	remote.Bus().SubscribeForever("event.a", eventbus.NewObserver(func(key string, payload route.Payload) {
		if payload.GetString("n") == "1" {
			received.Add(1)
		}
	}))
	remoteAddr := serve(t, remote)

	mainCfg := testConfig(testApp)
	mainCfg.Peers = []PeerConfig{{Name: testRemote, Addr: remoteAddr}}
	mainSvc, err := NewService(mainCfg)
	if err != nil {
		t.Fatalf("new main: %v", err)
	}
	serve(t, mainSvc)

	req := route.Request{Target: testRemote, Path: PathPing, Payload: route.Payload{"echo": "hi"}}
	first := mainSvc.Router().Route(context.Background(), req)
	if first.Status != route.StatusStarting {
		t.Fatalf("first remote call should report starting, got %+v", first)
	}
	var resp route.Response
	waitForCondition(t, 2*time.Second, func() bool {
		resp = mainSvc.Router().Route(context.Background(), req)
		return resp.OK()
	})
	if resp.Payload.GetString("process") != testRemote.String() || resp.Payload.GetString("echo") != "hi" {
		t.Fatalf("unexpected ping response: %+v", resp)
	}

	res := mainSvc.Router().Publish(context.Background(), "event.a", route.Payload{"n": "1"})
	if len(res.Delivered) != 1 || res.Delivered[0] != testRemote || len(res.Failed) != 0 {
		t.Fatalf("unexpected publish result: %+v", res)
	}
	if received.Load() != 1 {
		t.Fatalf("remote observer not reached, got %d", received.Load())
	}

	missing := mainSvc.Router().Route(context.Background(), route.Request{Target: testRemote, Path: "/b/missing"})
	if missing.Status != route.StatusNotFound {
		t.Fatalf("expected remote not found, got %+v", missing)
	}
}

func TestChildRoutesAndPublishesToMainProcess(t *testing.T) {
	testlog.Start(t)
	mainSvc, err := NewService(testConfig(testApp))
	if err != nil {
		t.Fatalf("new main: %v", err)
	}
	var received atomic.Int32
	mainSvc.Bus().SubscribeForever("event.up", eventbus.NewObserver(func(key string, payload route.Payload) {
		if payload.GetString("from") == testRemote.String() {
			received.Add(1)
		}
	}))
	mainAddr := serve(t, mainSvc)

	childCfg := testConfig(testRemote)
	childCfg.MainAddr = mainAddr
	child, err := NewService(childCfg)
	if err != nil {
		t.Fatalf("new child: %v", err)
	}
	if names := child.Registry().Names(); len(names) != 1 || names[0] != testApp {
		t.Fatalf("child should know only the main process, got %v", names)
	}
	serve(t, child)

	// the child binds to the main process on its own
	waitForCondition(t, 2*time.Second, func() bool {
		e, ok := child.conns.Lookup(testApp)
		return ok && e.Live
	})

	resp := child.Router().Route(context.Background(), route.Request{Target: testApp, Path: PathInfo})
	if !resp.OK() || resp.Payload["main"] != true || resp.Payload.GetString("process") != testApp {
		t.Fatalf("unexpected main info response: %+v", resp)
	}

	res := child.Router().Publish(context.Background(), "event.up", route.Payload{"from": testRemote.String()})
	if len(res.Delivered) != 1 || res.Delivered[0] != testApp {
		t.Fatalf("unexpected publish result: %+v", res)
	}
	if received.Load() != 1 {
		t.Fatalf("main observer not reached, got %d", received.Load())
	}
}

func TestMainIgnoresMainAddr(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(testApp)
	cfg.MainAddr = "127.0.0.1:1"
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if names := svc.Registry().Names(); len(names) != 0 {
		t.Fatalf("main process registered an upstream: %v", names)
	}
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	svc, err := NewService(testConfig(testApp))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.Bus().SubscribeForever("event.a", eventbus.NewObserver(func(string, route.Payload) {}))
	h := svc.AdminHandler()

	do := func(method, path, body string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health status=%d", rec.Code)
	}
	if rec := do(http.MethodGet, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready before serve should be 503, got %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rec.Code)
	}

	rec := do(http.MethodGet, "/channels", "")
	var channels struct {
		Channels []channelInfo `json:"channels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &channels); err != nil {
		t.Fatalf("decode channels: %v", err)
	}
	if len(channels.Channels) != 1 || channels.Channels[0].Key != "event.a" || channels.Channels[0].Subscribers != 1 {
		t.Fatalf("unexpected channels: %+v", channels)
	}

	rec = do(http.MethodPost, "/route", `{"path":"/procbus/info"}`)
	var resp route.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode route response: %v", err)
	}
	if !resp.OK() || resp.Payload["main"] != true || resp.Payload.GetString("app") != testApp {
		t.Fatalf("unexpected info response: %+v", resp)
	}

	rec = do(http.MethodPost, "/route", `{"target":"com.example.app:unknown","path":"/x"}`)
	resp = route.Response{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode route response: %v", err)
	}
	if resp.Status != route.StatusStarting {
		t.Fatalf("unregistered target should stay starting, got %+v", resp)
	}

	if rec := do(http.MethodPost, "/route", `{"target":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("route without path should be 400, got %d", rec.Code)
	}

	rec = do(http.MethodPost, "/publish/event.a", `{"v":1}`)
	var pub router.PublishResult
	if err := json.Unmarshal(rec.Body.Bytes(), &pub); err != nil {
		t.Fatalf("decode publish result: %v", err)
	}
	if pub.Local != 1 || len(pub.Delivered) != 0 {
		t.Fatalf("unexpected publish result: %+v", pub)
	}

	rec = do(http.MethodGet, "/processes", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"main":true`) {
		t.Fatalf("unexpected processes body: %s", rec.Body.String())
	}
}

func TestReadyWhileServing(t *testing.T) {
	testlog.Start(t)
	svc, err := NewService(testConfig(testApp))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	serve(t, svc)
	waitForCondition(t, time.Second, func() bool {
		rec := httptest.NewRecorder()
		svc.AdminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		return rec.Code == http.StatusOK
	})
}
