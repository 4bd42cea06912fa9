package protocol

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"scanbridge/backend"
	"scanbridge/common/logger"
	"scanbridge/devices"
	"scanbridge/scan"
)

type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg)
}

func (l *testLogger) Error(msg string, context ...interface{}) { l.add(msg) }
func (l *testLogger) Warn(msg string, context ...interface{})  { l.add(msg) }
func (l *testLogger) Info(msg string, context ...interface{})  { l.add(msg) }
func (l *testLogger) Debug(msg string, context ...interface{}) { l.add(msg) }

func (l *testLogger) count(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if line == msg {
			n++
		}
	}
	return n
}

type staticLister struct {
	mu    sync.Mutex
	list  []devices.ScannerDevice
	calls int
}

func (l *staticLister) List(ctx context.Context) []devices.ScannerDevice {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.list
}

type funcScanner func(ctx context.Context, req scan.Request) (scan.Result, error)

func (f funcScanner) Scan(ctx context.Context, req scan.Request) (scan.Result, error) {
	return f(ctx, req)
}

// noBackend fails the test if the sentinel path ever reaches a backend.
type noBackend struct{ t *testing.T }

func (b noBackend) Name() string { return "none" }

func (b noBackend) PrimaryOrigin() string { return backend.OriginSANE }

func (b noBackend) IsPrimaryID(id string) bool { return true }

func (b noBackend) ListDevices(ctx context.Context) []backend.RawDevice { return nil }

func (b noBackend) BuildScanInvocation(deviceID, outputPath string) (backend.Invocation, error) {
	b.t.Errorf("backend invoked for %q", deviceID)
	return backend.Invocation{}, nil
}

// sleepBackend runs a process that outlives any short timeout.
type sleepBackend struct{ noBackend }

func (b sleepBackend) BuildScanInvocation(deviceID, outputPath string) (backend.Invocation, error) {
	return backend.Invocation{Path: "/bin/sh", Args: []string{"-c", "exec sleep 5"}, Payload: backend.PayloadToken}, nil
}

type envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func startServer(t *testing.T, cfg Config, lister Lister, scanner Scanner, logger Logger) (*Server, string) {
	t.Helper()
	s := New(cfg, lister, scanner, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return raw
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(readRaw(t, conn), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func demoExecutor() *scan.Executor {
	return scan.NewExecutor(noBackend{}, nil, scan.Config{}, nil)
}

func TestGetScannersWithoutDevicesReturnsPlaceholder(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, Config{}, &staticLister{}, demoExecutor(), nil)
	conn := dial(t, url)

	sendText(t, conn, `{"type":"get-scanners"}`)
	env := readEnvelope(t, conn)
	if env.Type != "scanners-list" {
		t.Fatalf("type = %q", env.Type)
	}
	var list []map[string]string
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one placeholder, got %v", list)
	}
	d := list[0]
	if d["id"] != "demo-scanner" || d["name"] != "Demo Scanner" || d["model"] != "Demo Model (No physical scanner found)" || d["rawInfo"] == "" {
		t.Errorf("placeholder = %v", d)
	}
}

func TestGetScannersReturnsDevices(t *testing.T) {
	t.Parallel()

	raw := []backend.RawDevice{
		{ID: "test:0", Name: "Noname frontend-tester", Origin: backend.OriginSANE, Raw: []byte(`{"id":"test:0"}`)},
	}
	lister := &staticLister{list: devices.Normalize(raw, backend.OriginSANE, nil)}
	_, url := startServer(t, Config{}, lister, demoExecutor(), nil)
	conn := dial(t, url)

	sendText(t, conn, `{"type":"get-scanners"}`)
	env := readEnvelope(t, conn)
	var list []devices.ScannerDevice
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "test:0" || list[0].RawInfo != `{"id":"test:0"}` {
		t.Errorf("list = %+v", list)
	}
}

func TestGetScannersThrottled(t *testing.T) {
	t.Parallel()

	lister := &staticLister{}
	_, url := startServer(t, Config{Throttle: time.Minute}, lister, demoExecutor(), nil)
	conn := dial(t, url)

	sendText(t, conn, `{"type":"get-scanners"}`)
	sendText(t, conn, `{"type":"get-scanners"}`)
	sendText(t, conn, `not-json`)

	if env := readEnvelope(t, conn); env.Type != "scanners-list" {
		t.Fatalf("first response = %+v", env)
	}
	// Messages are handled in order, so the next envelope answering the
	// malformed message proves the second get-scanners produced nothing.
	if env := readEnvelope(t, conn); env.Type != "error" || env.Error != "Invalid message format" {
		t.Fatalf("second response = %+v", env)
	}
	lister.mu.Lock()
	defer lister.mu.Unlock()
	if lister.calls != 1 {
		t.Errorf("backend enumerated %d times, want 1", lister.calls)
	}
}

func TestGetScannersWindowReopens(t *testing.T) {
	t.Parallel()

	raw := []backend.RawDevice{
		{ID: "test:0", Name: "Noname frontend-tester", Origin: backend.OriginSANE, Raw: []byte(`{"id":"test:0"}`)},
	}
	lister := &staticLister{list: devices.Normalize(raw, backend.OriginSANE, nil)}
	log := &testLogger{}
	_, url := startServer(t, Config{Throttle: 50 * time.Millisecond}, lister, demoExecutor(), log)
	conn := dial(t, url)

	var lists [2][]devices.ScannerDevice
	for i := range lists {
		if i > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		sendText(t, conn, `{"type":"get-scanners"}`)
		env := readEnvelope(t, conn)
		if env.Type != "scanners-list" {
			t.Fatalf("response %d = %+v", i+1, env)
		}
		if err := json.Unmarshal(env.Data, &lists[i]); err != nil {
			t.Fatal(err)
		}
	}

	// An unchanged fingerprint still gets the full list.
	for i, list := range lists {
		if len(list) != 1 || list[0].ID != "test:0" {
			t.Errorf("list %d = %+v", i+1, list)
		}
	}
	if n := log.count("Device list changed"); n != 1 {
		t.Errorf("\"Device list changed\" logged %d times, want 1", n)
	}
	lister.mu.Lock()
	defer lister.mu.Unlock()
	if lister.calls != 2 {
		t.Errorf("backend enumerated %d times, want 2", lister.calls)
	}
}

func TestThrottleIsPerConnection(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, Config{Throttle: time.Minute}, &staticLister{}, demoExecutor(), nil)
	a := dial(t, url)
	b := dial(t, url)

	sendText(t, a, `{"type":"get-scanners"}`)
	sendText(t, b, `{"type":"get-scanners"}`)
	if env := readEnvelope(t, a); env.Type != "scanners-list" {
		t.Errorf("a = %+v", env)
	}
	if env := readEnvelope(t, b); env.Type != "scanners-list" {
		t.Errorf("b = %+v", env)
	}
}

func TestStartScanSentinel(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, Config{}, &staticLister{}, scan.NewExecutor(noBackend{t: t}, nil, scan.Config{}, nil), nil)
	conn := dial(t, url)

	sendText(t, conn, `{"type":"start-scan","deviceId":"demo-scanner"}`)
	env := readEnvelope(t, conn)
	if env.Type != "scan-complete" {
		t.Fatalf("response = %+v", env)
	}
	var res struct {
		Success bool   `json:"success"`
		Base64  string `json:"base64"`
	}
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || !strings.HasPrefix(res.Base64, "data:image/jpeg;base64,") {
		t.Fatalf("result = %+v", res)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(res.Base64, "data:image/jpeg;base64,"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		t.Error("payload does not start with the JPEG marker")
	}
}

func TestErrorEnvelopes(t *testing.T) {
	t.Parallel()

	busy := funcScanner(func(ctx context.Context, req scan.Request) (scan.Result, error) {
		if req.DeviceID == "" {
			return scan.Result{}, scan.NewError(scan.MalformedRequest, "Missing deviceId", nil)
		}
		return scan.Result{}, scan.NewError(scan.DeviceBusy, "0x80210006", nil)
	})
	_, url := startServer(t, Config{}, &staticLister{}, busy, nil)
	conn := dial(t, url)

	tests := []struct {
		in   string
		want string
	}{
		{in: `not-json`, want: `{"type":"error","error":"Invalid message format"}`},
		{in: `{"type":"print-page"}`, want: `{"type":"error","error":"Unknown message type"}`},
		{in: `{"deviceId":"x"}`, want: `{"type":"error","error":"Unknown message type"}`},
		{in: `{"type":7}`, want: `{"type":"error","error":"Invalid message format"}`},
		{in: `{"type":"start-scan"}`, want: `{"type":"error","error":"Missing deviceId"}`},
		{in: `{"type":"start-scan","deviceId":"wia-1"}`, want: `{"type":"error","error":"Scanner is busy or in use by another application"}`},
	}
	for _, tt := range tests {
		sendText(t, conn, tt.in)
		if got := string(readRaw(t, conn)); strings.TrimSpace(got) != tt.want {
			t.Errorf("%s -> %s, want %s", tt.in, got, tt.want)
		}
	}

	// The connection survives every error.
	sendText(t, conn, `{"type":"get-scanners"}`)
	if env := readEnvelope(t, conn); env.Type != "scanners-list" {
		t.Errorf("after errors: %+v", env)
	}
}

func TestPanicBecomesErrorEnvelope(t *testing.T) {
	t.Parallel()

	logger := &testLogger{}
	boom := funcScanner(func(ctx context.Context, req scan.Request) (scan.Result, error) {
		panic("driver crashed")
	})
	_, url := startServer(t, Config{}, &staticLister{}, boom, logger)
	conn := dial(t, url)

	sendText(t, conn, `{"type":"start-scan","deviceId":"x"}`)
	if env := readEnvelope(t, conn); env.Type != "error" || env.Error != "Internal error" {
		t.Fatalf("response = %+v", env)
	}
	sendText(t, conn, `{"type":"get-scanners"}`)
	if env := readEnvelope(t, conn); env.Type != "scanners-list" {
		t.Errorf("connection should stay usable, got %+v", env)
	}
	if logger.count("Panic while handling message") != 1 {
		t.Error("panic not logged")
	}
}

func TestScanTimeoutSendsSingleEnvelope(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}

	exec := scan.NewExecutor(sleepBackend{}, nil, scan.Config{Timeout: 100 * time.Millisecond, TempDir: t.TempDir()}, nil)
	_, url := startServer(t, Config{}, &staticLister{}, exec, nil)
	conn := dial(t, url)

	sendText(t, conn, `{"type":"start-scan","deviceId":"dev-1"}`)
	if env := readEnvelope(t, conn); env.Type != "error" || env.Error != "Scan timed out" {
		t.Fatalf("response = %+v", env)
	}

	// Give a late exit time to surface, then prove nothing else was queued.
	time.Sleep(300 * time.Millisecond)
	sendText(t, conn, `not-json`)
	if env := readEnvelope(t, conn); env.Error != "Invalid message format" {
		t.Fatalf("unexpected extra envelope %+v", env)
	}
}

func TestResultDiscardedAfterClose(t *testing.T) {
	t.Parallel()

	logger := &testLogger{}
	started := make(chan struct{})
	release := make(chan struct{})
	slow := funcScanner(func(ctx context.Context, req scan.Request) (scan.Result, error) {
		close(started)
		<-release
		return scan.Result{Success: true, Base64: "data:image/jpeg;base64,/9j/"}, nil
	})
	s, url := startServer(t, Config{}, &staticLister{}, slow, logger)
	conn := dial(t, url)

	sendText(t, conn, `{"type":"start-scan","deviceId":"x"}`)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("scan never started")
	}
	conn.Close()

	waitFor(t, func() bool { return s.Sessions() == 0 })
	close(release)
	waitFor(t, func() bool { return logger.count("Discarding response for closed connection") == 1 })
}

func TestShutdownLetsInflightScanFinish(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	slow := funcScanner(func(ctx context.Context, req scan.Request) (scan.Result, error) {
		close(started)
		<-release
		return scan.Result{Success: true, Base64: "data:image/jpeg;base64,/9j/"}, nil
	})
	s := New(Config{}, &staticLister{}, slow, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	conn := dial(t, "ws://"+ln.Addr().String()+"/ws")
	sendText(t, conn, `{"type":"start-scan","deviceId":"x"}`)
	<-started

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- s.Shutdown(ctx)
	}()

	select {
	case err := <-shutdownErr:
		t.Fatalf("shutdown returned before the scan finished: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	close(release)

	if env := readEnvelope(t, conn); env.Type != "scan-complete" {
		t.Errorf("in-flight response = %+v", env)
	}
	if err := <-shutdownErr; err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if err := <-served; err != nil {
		t.Errorf("serve: %v", err)
	}
}

func TestOriginPolicy(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, Config{AllowedOrigins: []string{"http://app.local"}}, &staticLister{}, demoExecutor(), nil)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("foreign origin should be rejected")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", resp.StatusCode)
	}

	header = http.Header{"Origin": []string{"http://app.local"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "scanbridge_active_connections 0\n")
	})
	s := New(Config{Backend: "sane", Version: "1.2.3", MetricsHandler: metrics}, &staticLister{}, demoExecutor(), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" || health["backend"] != "sane" || health["version"] != "1.2.3" {
		t.Errorf("health = %v", health)
	}

	mresp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(mresp.Body)
	mresp.Body.Close()
	if !strings.Contains(string(body), "scanbridge_active_connections") {
		t.Errorf("metrics body = %q", body)
	}
}

func TestLogsRoute(t *testing.T) {
	t.Parallel()

	appLogger := logger.New(logger.DEBUG, "", 100)
	appLogger.SetConsoleOutput(false)
	appLogger.Warn("Scan failed", "kind", "DeviceBusy")
	appLogger.Info("Device list changed", "count", 1)
	appLogger.Debug("Dropping throttled get-scanners")

	s := New(Config{Logs: appLogger}, &staticLister{}, demoExecutor(), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"Scan failed", "Device list changed", "Dropping throttled get-scanners"}},
		{"?level=warn", []string{"Scan failed"}},
		{"?level=info&tail=1", []string{"Device list changed"}},
		{"?tail=2", []string{"Device list changed", "Dropping throttled get-scanners"}},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + "/logs" + tt.query)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%q: status %d", tt.query, resp.StatusCode)
		}
		lines := strings.Split(strings.TrimSpace(string(body)), "\n")
		if len(lines) != len(tt.want) {
			t.Fatalf("%q: lines = %q", tt.query, lines)
		}
		for i, want := range tt.want {
			if !strings.Contains(lines[i], want) {
				t.Errorf("%q: line %d = %q, want %q", tt.query, i, lines[i], want)
			}
		}
	}

	bare := New(Config{}, &staticLister{}, demoExecutor(), nil)
	rec := httptest.NewRecorder()
	bare.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("/logs without a log source = %d, want 404", rec.Code)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
