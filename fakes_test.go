package meetspot

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testBaseURL     = "https://api.meetspot.test"
	testFallbackURL = "https://fallback.meetspot.test"
)

type routeFunc func(req *wireRequest) (*wireResponse, error)

// fakeTransport answers from per-route handlers and records every request.
type fakeTransport struct {
	mu     sync.Mutex
	routes map[string]routeFunc
	calls  []*wireRequest
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{routes: make(map[string]routeFunc)}
}

func (f *fakeTransport) handle(method, url string, fn routeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+url] = fn
}

func (f *fakeTransport) reply(method, url string, status int, body any) {
	f.handle(method, url, func(*wireRequest) (*wireResponse, error) {
		return jsonResponse(status, body), nil
	})
}

func (f *fakeTransport) RoundTrip(ctx context.Context, req *wireRequest) (*wireResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.routes[req.Method+" "+req.URL]
	f.mu.Unlock()

	if fn == nil {
		return jsonResponse(http.StatusNotFound, map[string]string{"message": "no route for " + req.URL}), nil
	}
	return fn(req)
}

func (f *fakeTransport) count(method, url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && c.URL == url {
			n++
		}
	}
	return n
}

func (f *fakeTransport) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) last() *wireRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func jsonResponse(status int, body any) *wireResponse {
	resp := &wireResponse{StatusCode: status, Header: http.Header{}}
	if body != nil {
		raw, _ := json.Marshal(body)
		resp.Body = raw
	}
	return resp
}

func header(req *wireRequest, name string) string {
	for _, h := range req.Headers {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// fakeScheduler holds timers until the test fires them.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) pendingTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeScheduler) latest() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

// fireNext runs the oldest pending timer and reports its delay.
func (s *fakeScheduler) fireNext() (time.Duration, bool) {
	s.mu.Lock()
	var next *fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		s.mu.Unlock()
		return 0, false
	}
	next.fired = true
	s.mu.Unlock()

	next.fn()
	return next.delay, true
}

// drain fires timers until none is pending, up to limit.
func (s *fakeScheduler) drain(limit int) int {
	fired := 0
	for fired < limit {
		if _, ok := s.fireNext(); !ok {
			break
		}
		fired++
	}
	return fired
}

type observerCounts struct {
	mu           sync.Mutex
	expired      int
	unauthorized int
}

func (o *observerCounts) OnTokenExpired() {
	o.mu.Lock()
	o.expired++
	o.mu.Unlock()
}

func (o *observerCounts) OnUnauthorized() {
	o.mu.Lock()
	o.unauthorized++
	o.mu.Unlock()
}

func (o *observerCounts) counts() (expired, unauthorized int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.expired, o.unauthorized
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.API.BaseURL = testBaseURL
	cfg.API.FallbackBaseURL = testFallbackURL
	cfg.Storage.DurablePath = ""
	return cfg
}

type testFixture struct {
	client    *Client
	transport *fakeTransport
	sched     *fakeScheduler
	observer  *observerCounts
	durable   *memoryScope
	ephemeral *memoryScope
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	return setupTestFixtureWith(t, testConfig(), newMemoryScope())
}

func setupTestFixtureWith(t *testing.T, cfg *Config, durable *memoryScope) *testFixture {
	t.Helper()

	f := &testFixture{
		transport: newFakeTransport(),
		sched:     &fakeScheduler{},
		observer:  &observerCounts{},
		durable:   durable,
		ephemeral: newMemoryScope(),
	}
	opts := []Option{
		withTransport(f.transport),
		withScheduler(f.sched),
		WithObserver(f.observer),
	}
	if durable != nil {
		opts = append(opts, withScopes(durable, f.ephemeral))
	}

	client, err := NewClient(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	f.client = client
	return f
}

func apiURL(path string) string {
	return joinURL(testBaseURL, path)
}

func fallbackURL(path string) string {
	return joinURL(testFallbackURL, path)
}

func testUser() map[string]any {
	return map[string]any{"id": "u-1", "email": "ada@example.com", "name": "Ada", "is_premium": true}
}

func bearerIs(req *wireRequest, token string) bool {
	return header(req, "Authorization") == "Bearer "+token
}
