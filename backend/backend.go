// Package backend wraps the two native scanning subsystems behind one Adapter
// interface. On Windows the WIA adapter drives PowerShell helper scripts; on
// Linux and macOS the SANE adapter drives the scanimage CLI. The adapter is
// chosen once at startup by Select and never switched afterwards.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Device origins reported in RawDevice.Origin.
const (
	OriginWIA  = "WIA"
	OriginPnP  = "PnP"
	OriginSANE = "SANE"
)

// ListTimeout bounds a single device-listing process.
const ListTimeout = 30 * time.Second

// RawDevice is one record as reported by a backend, before normalization.
type RawDevice struct {
	ID     string
	Name   string
	Model  string
	Origin string
	// Raw is the untouched backend record as JSON.
	Raw json.RawMessage
}

// PayloadMode says where a scan process delivers the image.
type PayloadMode int

const (
	// PayloadToken: a data:image/jpeg;base64 token somewhere in combined output.
	PayloadToken PayloadMode = iota
	// PayloadFile: JPEG bytes written to Invocation.OutputFile.
	PayloadFile
	// PayloadStdout: raw JPEG bytes streamed on standard output.
	PayloadStdout
)

func (m PayloadMode) String() string {
	switch m {
	case PayloadToken:
		return "token"
	case PayloadFile:
		return "file"
	case PayloadStdout:
		return "stdout"
	}
	return "unknown"
}

// Invocation is a fully built scan command.
type Invocation struct {
	Path       string
	Args       []string
	Payload    PayloadMode
	OutputFile string
	// DiagnosticPrefixes mark output lines that are progress/debug chatter.
	// They are logged as they arrive and ignored when extracting the payload.
	DiagnosticPrefixes []string
}

// Adapter is the capability shared by every native backend.
type Adapter interface {
	// Name identifies the backend ("wia" or "sane").
	Name() string
	// PrimaryOrigin is the origin preferred when deduplicating and ranking.
	PrimaryOrigin() string
	// IsPrimaryID reports whether id has the primary backend's id format.
	IsPrimaryID(id string) bool
	// ListDevices never fails: an unavailable backend yields no devices.
	ListDevices(ctx context.Context) []RawDevice
	// BuildScanInvocation builds the command scanning deviceID. outputPath is
	// used only by backends that write to a file.
	BuildScanInvocation(deviceID, outputPath string) (Invocation, error)
}

// ScanSettings are the fixed acquisition parameters applied to every scan.
type ScanSettings struct {
	Resolution int
	ColorMode  string
	PageSize   string
}

// DefaultScanSettings returns 300 dpi color A4.
func DefaultScanSettings() ScanSettings {
	return ScanSettings{Resolution: 300, ColorMode: "Color", PageSize: "A4"}
}

// CommandRunner runs a short-lived command and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner is the CommandRunner backed by os/exec. Stderr is folded into
// the returned error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Logger interface for backend operations
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

type nullLogger struct{}

func (nullLogger) Error(msg string, context ...interface{}) {}
func (nullLogger) Warn(msg string, context ...interface{})  {}
func (nullLogger) Info(msg string, context ...interface{})  {}
func (nullLogger) Debug(msg string, context ...interface{}) {}
