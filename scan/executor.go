// Package scan runs scan commands against the active backend. It resolves the
// device to use, races the scan process against a wall-clock limit, extracts
// the JPEG payload and maps every failure onto the Kind vocabulary.
package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"scanbridge/backend"
	"scanbridge/devices"
)

// Defaults for Config zero values.
const (
	DefaultTimeout   = 120 * time.Second
	DefaultMaxOutput = 50 << 20
)

// Logger interface for scan operations
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

type tagLogger interface {
	TraceTag(tag string, msg string, context ...interface{})
}

type nullLogger struct{}

func (nullLogger) Error(msg string, context ...interface{}) {}
func (nullLogger) Warn(msg string, context ...interface{})  {}
func (nullLogger) Info(msg string, context ...interface{})  {}
func (nullLogger) Debug(msg string, context ...interface{}) {}

// Observer receives per-scan outcomes. result is "success" or a Kind.
type Observer interface {
	ObserveScan(backend, result string, d time.Duration)
}

// Auditor persists job metadata. Failures are logged, never surfaced.
type Auditor interface {
	RecordJob(ctx context.Context, job Job) error
}

// Job describes one completed scan request.
type Job struct {
	ID           string
	ConnectionID string
	RequestedID  string
	ResolvedID   string
	Backend      string
	StartedAt    time.Time
	Duration     time.Duration
	Success      bool
	ErrorKind    Kind
	ErrorDetail  string
	PayloadBytes int
}

// Request is one start-scan call.
type Request struct {
	DeviceID     string
	ConnectionID string
}

// Result is the successful scan response body.
type Result struct {
	Success bool   `json:"success"`
	Base64  string `json:"base64"`
}

// Config tunes the executor.
type Config struct {
	Timeout        time.Duration
	MaxOutputBytes int64
	// SampleImage overrides the built-in demo page.
	SampleImage string
	// TempDir holds file-mode output. Empty means os.TempDir().
	TempDir string
	// Rules classify backend error text. Nil means DefaultRules.
	Rules []Rule
}

// Executor serves scan requests through one adapter.
type Executor struct {
	adapter    backend.Adapter
	enumerator *devices.Enumerator
	cfg        Config
	logger     Logger
	observer   Observer
	auditor    Auditor

	sampleOnce sync.Once
	sample     []byte
	sampleErr  error
}

// NewExecutor creates an executor. logger may be nil.
func NewExecutor(adapter backend.Adapter, enumerator *devices.Enumerator, cfg Config, logger Logger) *Executor {
	if logger == nil {
		logger = nullLogger{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutput
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules
	}
	return &Executor{adapter: adapter, enumerator: enumerator, cfg: cfg, logger: logger}
}

// WithObserver sets the metrics observer.
func (e *Executor) WithObserver(o Observer) *Executor {
	e.observer = o
	return e
}

// WithAuditor sets the job audit sink.
func (e *Executor) WithAuditor(a Auditor) *Executor {
	e.auditor = a
	return e
}

// Scan serves one request. Failures are always *Error.
func (e *Executor) Scan(ctx context.Context, req Request) (Result, error) {
	job := Job{
		ID:           uuid.NewString(),
		ConnectionID: req.ConnectionID,
		RequestedID:  req.DeviceID,
		Backend:      e.adapter.Name(),
		StartedAt:    time.Now(),
	}

	data, err := e.scan(ctx, req.DeviceID, &job)
	job.Duration = time.Since(job.StartedAt)

	if err != nil {
		var se *Error
		if !errors.As(err, &se) {
			se = NewError(BackendError, err.Error(), err)
		}
		job.ErrorKind = se.Kind
		job.ErrorDetail = truncate(se.Detail, 512)
		e.logger.Warn("Scan failed", "job", job.ID, "device", job.ResolvedID, "kind", string(se.Kind), "detail", se.Detail)
		e.record(ctx, job)
		return Result{}, se
	}

	job.Success = true
	job.PayloadBytes = len(data)
	e.logger.Info("Scan complete", "job", job.ID, "device", job.ResolvedID, "bytes", len(data), "duration", job.Duration.String())
	e.record(ctx, job)
	return Result{Success: true, Base64: EncodeDataURL(data)}, nil
}

func (e *Executor) scan(ctx context.Context, deviceID string, job *Job) ([]byte, error) {
	if deviceID == "" {
		return nil, NewError(MalformedRequest, "Missing deviceId", nil)
	}
	if devices.IsSentinel(deviceID) {
		job.Backend = "demo"
		job.ResolvedID = deviceID
		return e.sampleImage()
	}

	resolved := e.resolve(ctx, deviceID)
	job.ResolvedID = resolved

	outputPath := filepath.Join(e.cfg.TempDir, "scanbridge-"+job.ID+".jpg")
	inv, err := e.adapter.BuildScanInvocation(resolved, outputPath)
	if err != nil {
		return nil, NewError(DeviceNotFound, err.Error(), err)
	}
	if inv.OutputFile != "" {
		defer os.Remove(inv.OutputFile)
	}

	r := &runner{timeout: e.cfg.Timeout, maxOutput: e.cfg.MaxOutputBytes, logger: e.logger}
	out, err := r.run(ctx, inv)
	if err != nil {
		return nil, e.classify(ctx, inv, out, err)
	}
	return extractPayload(inv, out)
}

// resolve prefers a live primary-backend device when the caller handed back
// an id in a fallback format.
func (e *Executor) resolve(ctx context.Context, deviceID string) string {
	if e.adapter.IsPrimaryID(deviceID) || e.enumerator == nil {
		return deviceID
	}
	dev, ok := e.enumerator.FindPrimary(ctx)
	if !ok {
		return deviceID
	}
	e.logger.Info("Substituting primary backend device", "requested", deviceID, "resolved", dev.ID)
	return dev.ID
}

// classify maps a failed run to a client error kind. Diagnostic lines are
// chatter and take no part in rule matching or the error detail.
func (e *Executor) classify(ctx context.Context, inv backend.Invocation, out *Output, err error) error {
	switch {
	case errors.Is(err, ErrTimeout):
		return NewError(Timeout, "", err)
	case errors.Is(err, ErrOutputTooLarge):
		return NewError(BackendError, ErrOutputTooLarge.Error(), err)
	case ctx.Err() != nil:
		return NewError(BackendError, "scan cancelled", ctx.Err())
	}

	if out == nil {
		return NewError(BackendError, err.Error(), err)
	}
	text := out.ErrorText(inv.DiagnosticPrefixes)
	if text == "" {
		text = err.Error()
	}
	return NewError(Classify(text, e.cfg.Rules), truncate(text, 1024), err)
}

func (e *Executor) sampleImage() ([]byte, error) {
	e.sampleOnce.Do(func() {
		e.sample, e.sampleErr = LoadSample(e.cfg.SampleImage)
	})
	if e.sampleErr != nil {
		return nil, NewError(BackendError, e.sampleErr.Error(), e.sampleErr)
	}
	return e.sample, nil
}

func (e *Executor) record(ctx context.Context, job Job) {
	result := "success"
	if !job.Success {
		result = string(job.ErrorKind)
	}
	if e.observer != nil {
		e.observer.ObserveScan(job.Backend, result, job.Duration)
	}
	if e.auditor == nil {
		return
	}
	if err := e.auditor.RecordJob(context.WithoutCancel(ctx), job); err != nil {
		e.logger.Warn("Failed to record scan job", "job", job.ID, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
