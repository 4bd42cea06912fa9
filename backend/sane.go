package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// SANEConfig configures the scanimage based adapter.
type SANEConfig struct {
	// Command is the scanimage binary. Empty means "scanimage" on PATH.
	Command string `toml:"command"`
}

// outputFileConstraint is the first sane-backends release with --output-file.
const outputFileConstraint = ">= 1.0.29"

var (
	// scanimage -L prints: device `epson2:libusb:001:005' is a Epson PID 0x0131 flatbed scanner
	saneDeviceLine = regexp.MustCompile("^device [`']([^`']+)' is an? (.+)$")
	saneVersion    = regexp.MustCompile(`\(sane-backends\)\s+(\d+\.\d+\.\d+)`)
)

// SANE is the scanimage adapter.
type SANE struct {
	command        string
	settings       ScanSettings
	run            CommandRunner
	logger         Logger
	version        *semver.Version
	supportsOutput bool
}

// NewSANE creates the adapter and checks the scanimage version once. An
// unknown version is assumed to support --output-file.
func NewSANE(ctx context.Context, cfg SANEConfig, settings ScanSettings, run CommandRunner, logger Logger) *SANE {
	if logger == nil {
		logger = nullLogger{}
	}
	if run == nil {
		run = ExecRunner
	}
	command := cfg.Command
	if command == "" {
		command = "scanimage"
	}
	s := &SANE{command: command, settings: settings, run: run, logger: logger, supportsOutput: true}

	versionCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := run(versionCtx, command, "--version")
	if err != nil {
		logger.Warn("scanimage version check failed", "command", command, "error", err)
		return s
	}
	v, err := parseSANEVersion(out)
	if err != nil {
		logger.Warn("Could not parse scanimage version", "output", strings.TrimSpace(string(out)), "error", err)
		return s
	}
	s.version = v
	constraint, _ := semver.NewConstraint(outputFileConstraint)
	s.supportsOutput = constraint.Check(v)
	logger.Info("Detected sane-backends", "version", v.String(), "output_file", s.supportsOutput)
	return s
}

func (s *SANE) Name() string          { return "sane" }
func (s *SANE) PrimaryOrigin() string { return OriginSANE }

// IsPrimaryID is always true: SANE has a single discovery path.
func (s *SANE) IsPrimaryID(id string) bool { return true }

// Version returns the detected sane-backends version, or nil.
func (s *SANE) Version() *semver.Version { return s.version }

// ListDevices runs scanimage -L. Failures and malformed lines never fail the
// listing.
func (s *SANE) ListDevices(ctx context.Context) []RawDevice {
	ctx, cancel := context.WithTimeout(ctx, ListTimeout)
	defer cancel()

	out, err := s.run(ctx, s.command, "-L")
	if err != nil {
		s.logger.Warn("SANE device listing failed", "command", s.command, "error", err)
		return nil
	}
	return parseSANEListing(out, s.logger)
}

// BuildScanInvocation builds a scanimage call with fixed flags. Old
// scanimage releases lack --output-file and stream the JPEG on stdout.
func (s *SANE) BuildScanInvocation(deviceID, outputPath string) (Invocation, error) {
	if strings.TrimSpace(deviceID) == "" {
		return Invocation{}, fmt.Errorf("sane: empty device id")
	}
	args := []string{
		"-d", deviceID,
		"--format=jpeg",
		"--mode", s.settings.ColorMode,
		"--resolution", strconv.Itoa(s.settings.Resolution),
		"--progress",
	}
	inv := Invocation{
		Path:               s.command,
		Payload:            PayloadStdout,
		DiagnosticPrefixes: []string{"Progress:", "Scanning", "scanimage:"},
	}
	if s.supportsOutput {
		if outputPath == "" {
			return Invocation{}, fmt.Errorf("sane: output path required")
		}
		args = append(args, "--output-file="+outputPath)
		inv.Payload = PayloadFile
		inv.OutputFile = outputPath
	}
	inv.Args = args
	return inv, nil
}

type saneRecord struct {
	ID     string `json:"id"`
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
	Origin string `json:"origin"`
	Line   string `json:"line"`
}

func parseSANEListing(out []byte, logger Logger) []RawDevice {
	var devices []RawDevice
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m := saneDeviceLine.FindStringSubmatch(line)
		if m == nil {
			warnLine(logger, "Ignoring unrecognized scanimage line", line)
			continue
		}

		rec := saneRecord{ID: m[1], Origin: OriginSANE, Line: line}
		desc := strings.TrimSpace(m[2])
		if vendor, model, ok := strings.Cut(desc, " "); ok {
			rec.Vendor, rec.Model = vendor, strings.TrimSpace(model)
		} else {
			rec.Vendor = desc
		}

		raw, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		devices = append(devices, RawDevice{
			ID:     rec.ID,
			Name:   desc,
			Model:  rec.Model,
			Origin: OriginSANE,
			Raw:    raw,
		})
	}
	return devices
}

func parseSANEVersion(out []byte) (*semver.Version, error) {
	m := saneVersion.FindSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("no sane-backends version in output")
	}
	return semver.NewVersion(string(m[1]))
}

// rateLimitedLogger is implemented by loggers that can suppress repeats.
// Listings run on every get-scanners, so the same junk line recurs.
type rateLimitedLogger interface {
	WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{})
}

func warnLine(logger Logger, msg, line string) {
	if rl, ok := logger.(rateLimitedLogger); ok {
		rl.WarnRateLimited("sane_line:"+line, 10*time.Minute, msg, "line", line)
		return
	}
	logger.Warn(msg, "line", line)
}
