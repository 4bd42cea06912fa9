package scan

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"scanbridge/backend"
	"scanbridge/devices"
)

type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+msg)
}

func (l *testLogger) Error(msg string, context ...interface{}) { l.add("ERROR", msg) }
func (l *testLogger) Warn(msg string, context ...interface{})  { l.add("WARN", msg) }
func (l *testLogger) Info(msg string, context ...interface{})  { l.add("INFO", msg) }
func (l *testLogger) Debug(msg string, context ...interface{}) { l.add("DEBUG", msg) }

func (l *testLogger) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// scriptAdapter runs script under /bin/sh with $1 = device id and $2 =
// output path.
type scriptAdapter struct {
	script        string
	payload       backend.PayloadMode
	primaryPrefix string
	devices       []backend.RawDevice

	mu    sync.Mutex
	built []string
}

func (a *scriptAdapter) Name() string          { return "script" }
func (a *scriptAdapter) PrimaryOrigin() string { return backend.OriginWIA }

func (a *scriptAdapter) IsPrimaryID(id string) bool {
	return a.primaryPrefix == "" || strings.HasPrefix(id, a.primaryPrefix)
}

func (a *scriptAdapter) ListDevices(ctx context.Context) []backend.RawDevice { return a.devices }

func (a *scriptAdapter) BuildScanInvocation(deviceID, outputPath string) (backend.Invocation, error) {
	a.mu.Lock()
	a.built = append(a.built, deviceID)
	a.mu.Unlock()

	inv := backend.Invocation{
		Path:               "/bin/sh",
		Args:               []string{"-c", a.script, "sh", deviceID, outputPath},
		Payload:            a.payload,
		DiagnosticPrefixes: []string{"DEBUG:", "INFO:", "WARN:"},
	}
	if a.payload == backend.PayloadFile {
		inv.OutputFile = outputPath
	}
	return inv, nil
}

func (a *scriptAdapter) builtIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.built...)
}

type panicAdapter struct{ scriptAdapter }

func (a *panicAdapter) BuildScanInvocation(deviceID, outputPath string) (backend.Invocation, error) {
	panic("backend must not be invoked")
}

type recordingObserver struct {
	mu      sync.Mutex
	results []string
}

func (o *recordingObserver) ObserveScan(backend, result string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, backend+":"+result)
}

type recordingAuditor struct {
	mu   sync.Mutex
	jobs []Job
}

func (a *recordingAuditor) RecordJob(ctx context.Context, job Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, job)
	return nil
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("scan process tests need /bin/sh")
	}
}

// fixture writes a real JPEG and its data URL token into a temp dir.
func fixture(t *testing.T) (jpegPath, tokenPath string, jpegBytes []byte) {
	t.Helper()
	data, err := renderSample()
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	jpegPath = filepath.Join(dir, "page.jpg")
	tokenPath = filepath.Join(dir, "token.txt")
	if err := os.WriteFile(jpegPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tokenPath, []byte(EncodeDataURL(data)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return jpegPath, tokenPath, data
}

func decodeResult(t *testing.T, res Result) []byte {
	t.Helper()
	if !res.Success || !strings.HasPrefix(res.Base64, DataURLPrefix) {
		t.Fatalf("unexpected result %+v", res)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(res.Base64, DataURLPrefix))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return data
}

func newTestExecutor(t *testing.T, a backend.Adapter, cfg Config) *Executor {
	t.Helper()
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	return NewExecutor(a, devices.NewEnumerator(a, nil, nil), cfg, nil)
}

func TestScanSentinelNeverInvokesBackend(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	e := newTestExecutor(t, &panicAdapter{}, Config{}).WithObserver(obs)

	res, err := e.Scan(context.Background(), Request{DeviceID: devices.SentinelID})
	if err != nil {
		t.Fatal(err)
	}
	data := decodeResult(t, res)
	if !bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		t.Errorf("demo payload is not a JPEG: % x", data[:4])
	}
	if len(obs.results) != 1 || obs.results[0] != "demo:success" {
		t.Errorf("observer = %v", obs.results)
	}
}

func TestScanSentinelUsesConfiguredSample(t *testing.T) {
	t.Parallel()

	jpegPath, _, want := fixture(t)
	e := newTestExecutor(t, &panicAdapter{}, Config{SampleImage: jpegPath})
	res, err := e.Scan(context.Background(), Request{DeviceID: devices.SentinelID})
	if err != nil {
		t.Fatal(err)
	}
	if got := decodeResult(t, res); !bytes.Equal(got, want) {
		t.Error("demo payload does not match configured sample")
	}
}

func TestScanMissingDeviceID(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, &panicAdapter{}, Config{})
	_, err := e.Scan(context.Background(), Request{})
	var se *Error
	if !errors.As(err, &se) || se.Kind != MalformedRequest || se.Message() != "Missing deviceId" {
		t.Fatalf("err = %v", err)
	}
}

func TestScanPayloadModes(t *testing.T) {
	t.Parallel()
	requireShell(t)

	jpegPath, tokenPath, want := fixture(t)

	tests := []struct {
		name    string
		payload backend.PayloadMode
		script  string
	}{
		{
			name:    "token with diagnostics",
			payload: backend.PayloadToken,
			script:  `echo "DEBUG: connecting to $1"; echo "INFO: data:image/jpeg;base64,AAAA"; cat '` + tokenPath + `'; echo "WARN: done" >&2`,
		},
		{
			name:    "token after chatter",
			payload: backend.PayloadToken,
			script:  `printf 'Transfer complete\r\n'; cat '` + tokenPath + `'`,
		},
		{
			name:    "output file",
			payload: backend.PayloadFile,
			script:  `echo "Progress: 50.0%" >&2; cp '` + jpegPath + `' "$2"`,
		},
		{
			name:    "raw stdout",
			payload: backend.PayloadStdout,
			script:  `echo "Scanning page 1" >&2; cat '` + jpegPath + `'`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tmp := t.TempDir()
			e := newTestExecutor(t, &scriptAdapter{script: tt.script, payload: tt.payload}, Config{TempDir: tmp})

			res, err := e.Scan(context.Background(), Request{DeviceID: "dev-1"})
			if err != nil {
				t.Fatalf("scan failed: %v", err)
			}
			if got := decodeResult(t, res); !bytes.Equal(got, want) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(got), len(want))
			}
			left, _ := os.ReadDir(tmp)
			if len(left) != 0 {
				t.Errorf("temp output not cleaned up: %v", left)
			}
		})
	}
}

func TestScanInvalidPayload(t *testing.T) {
	t.Parallel()
	requireShell(t)

	tests := []struct {
		name    string
		payload backend.PayloadMode
		script  string
	}{
		{name: "no token", payload: backend.PayloadToken, script: `echo "scan finished"`},
		{name: "token only in diagnostics", payload: backend.PayloadToken, script: `echo "DEBUG: data:image/jpeg;base64,/9j/4AAQ"`},
		{name: "not a jpeg", payload: backend.PayloadToken, script: `echo "data:image/jpeg;base64,aGVsbG8gd29ybGQ="`},
		{name: "file never written", payload: backend.PayloadFile, script: `true`},
		{name: "empty stdout", payload: backend.PayloadStdout, script: `true`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newTestExecutor(t, &scriptAdapter{script: tt.script, payload: tt.payload}, Config{})
			_, err := e.Scan(context.Background(), Request{DeviceID: "dev-1"})
			if KindOf(err) != InvalidPayload {
				t.Fatalf("err = %v, want InvalidPayload", err)
			}
		})
	}
}

func TestScanClassifiesFailures(t *testing.T) {
	t.Parallel()
	requireShell(t)

	tests := []struct {
		script string
		want   Kind
	}{
		{script: `echo "scanimage: open of device epson2:x failed: Device busy" >&2; exit 1`, want: DeviceBusy},
		{script: `echo "Exception from HRESULT: 0x80210003" >&2; exit 1`, want: FeedEmpty},
		{script: `echo "scanimage: sane_start: Document feeder out of documents" >&2; exit 7`, want: FeedEmpty},
		{script: `echo "Access denied." >&2; exit 1`, want: AccessDenied},
		{script: `echo "scanimage: open of device foo failed: Invalid argument" >&2; exit 1`, want: DeviceNotFound},
		{script: `echo "lamp exploded" >&2; exit 3`, want: BackendError},
		{script: `exit 2`, want: BackendError},
		{script: `echo "WARN: setting Brightness: property not found"; echo "WARN: feeder was in use earlier"; echo "Exception from HRESULT: 0x80004005" >&2; exit 1`, want: BackendError},
		{script: `echo "WARN: retrying after Device busy" >&2; echo "scanimage: sane_start: Document feeder out of documents" >&2; exit 7`, want: FeedEmpty},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.want)+"/"+tt.script, func(t *testing.T) {
			t.Parallel()
			e := newTestExecutor(t, &scriptAdapter{script: tt.script}, Config{})
			_, err := e.Scan(context.Background(), Request{DeviceID: "dev-1"})
			if got := KindOf(err); got != tt.want {
				t.Fatalf("kind = %s, want %s (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestScanBackendErrorKeepsRawText(t *testing.T) {
	t.Parallel()
	requireShell(t)

	e := newTestExecutor(t, &scriptAdapter{script: `echo "lamp exploded" >&2; exit 3`}, Config{})
	_, err := e.Scan(context.Background(), Request{DeviceID: "dev-1"})
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if se.Message() != "Scan failed: lamp exploded" {
		t.Errorf("message = %q", se.Message())
	}
}

func TestScanErrorDetailOmitsDiagnostics(t *testing.T) {
	t.Parallel()
	requireShell(t)

	script := `echo "DEBUG: opening device"; echo "WARN: property not found" >&2; echo "Exception from HRESULT: 0x80004005" >&2; exit 1`
	e := newTestExecutor(t, &scriptAdapter{script: script}, Config{})
	_, err := e.Scan(context.Background(), Request{DeviceID: "dev-1"})
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if se.Kind != BackendError {
		t.Errorf("kind = %s, want %s", se.Kind, BackendError)
	}
	if se.Message() != "Scan failed: Exception from HRESULT: 0x80004005" {
		t.Errorf("message = %q", se.Message())
	}
}

func TestScanTimeoutProducesSingleOutcome(t *testing.T) {
	t.Parallel()
	requireShell(t)

	logger := &testLogger{}
	obs := &recordingObserver{}
	auditor := &recordingAuditor{}
	a := &scriptAdapter{script: `exec sleep 5`}
	e := NewExecutor(a, nil, Config{Timeout: 100 * time.Millisecond, TempDir: t.TempDir()}, logger).
		WithObserver(obs).
		WithAuditor(auditor)

	start := time.Now()
	res, err := e.Scan(context.Background(), Request{DeviceID: "dev-1"})
	if KindOf(err) != Timeout {
		t.Fatalf("err = %v, want Timeout", err)
	}
	if res.Success {
		t.Error("timed out scan must not report success")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}

	deadline := time.Now().Add(5 * time.Second)
	for logger.count("Discarding late scan process exit") == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := logger.count("Discarding late scan process exit"); n != 1 {
		t.Errorf("late exit discarded %d times, want 1", n)
	}
	if len(obs.results) != 1 || obs.results[0] != "script:Timeout" {
		t.Errorf("observer = %v", obs.results)
	}
	if len(auditor.jobs) != 1 || auditor.jobs[0].ErrorKind != Timeout {
		t.Errorf("audited jobs = %+v", auditor.jobs)
	}
}

func TestScanOutputLimit(t *testing.T) {
	t.Parallel()
	requireShell(t)

	a := &scriptAdapter{script: `while :; do echo "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"; done`}
	e := newTestExecutor(t, a, Config{MaxOutputBytes: 4096, Timeout: 10 * time.Second})

	_, err := e.Scan(context.Background(), Request{DeviceID: "dev-1"})
	var se *Error
	if !errors.As(err, &se) || se.Kind != BackendError || !errors.Is(err, ErrOutputTooLarge) {
		t.Fatalf("err = %v, want output limit BackendError", err)
	}
}

func TestScanPrefersLivePrimaryDevice(t *testing.T) {
	t.Parallel()
	requireShell(t)

	_, tokenPath, _ := fixture(t)
	raw := func(id, name, origin string) backend.RawDevice {
		return backend.RawDevice{ID: id, Name: name, Origin: origin, Raw: []byte(`{"id":"` + id + `"}`)}
	}

	tests := []struct {
		name      string
		requested string
		devices   []backend.RawDevice
		want      string
	}{
		{
			name:      "fallback id substituted",
			requested: `USB\VID_1`,
			devices:   []backend.RawDevice{raw(`USB\VID_1`, "Epson", backend.OriginPnP), raw("wia:1", "Epson", backend.OriginWIA)},
			want:      "wia:1",
		},
		{
			name:      "no primary device",
			requested: `USB\VID_1`,
			devices:   []backend.RawDevice{raw(`USB\VID_1`, "Epson", backend.OriginPnP)},
			want:      `USB\VID_1`,
		},
		{
			name:      "primary id kept",
			requested: "wia:7",
			devices:   []backend.RawDevice{raw("wia:1", "Epson", backend.OriginWIA)},
			want:      "wia:7",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := &scriptAdapter{script: `cat '` + tokenPath + `'`, primaryPrefix: "wia:", devices: tt.devices}
			auditor := &recordingAuditor{}
			e := newTestExecutor(t, a, Config{}).WithAuditor(auditor)

			if _, err := e.Scan(context.Background(), Request{DeviceID: tt.requested, ConnectionID: "conn-1"}); err != nil {
				t.Fatal(err)
			}
			if built := a.builtIDs(); len(built) != 1 || built[0] != tt.want {
				t.Errorf("scanned %v, want %s", built, tt.want)
			}
			job := auditor.jobs[0]
			if job.RequestedID != tt.requested || job.ResolvedID != tt.want || job.ConnectionID != "conn-1" || !job.Success || job.PayloadBytes == 0 {
				t.Errorf("job = %+v", job)
			}
		})
	}
}

func TestScanStartFailure(t *testing.T) {
	t.Parallel()

	a := &missingBinaryAdapter{}
	e := newTestExecutor(t, a, Config{})
	_, err := e.Scan(context.Background(), Request{DeviceID: "dev-1"})
	if KindOf(err) != BackendError {
		t.Fatalf("err = %v, want BackendError", err)
	}
}

type missingBinaryAdapter struct{ scriptAdapter }

func (a *missingBinaryAdapter) BuildScanInvocation(deviceID, outputPath string) (backend.Invocation, error) {
	return backend.Invocation{Path: filepath.Join(os.TempDir(), "scanbridge-no-such-binary"), Payload: backend.PayloadToken}, nil
}
