package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// wiaImagingClassGUID prefixes every device id handed out by the WIA device
// manager. PnP fallback ids (USB\VID_...) never carry it.
const wiaImagingClassGUID = "{6BDD1FC6-810F-11D0-BEC7-08002BE2092F}"

// WIAConfig locates the PowerShell helpers.
type WIAConfig struct {
	// PowerShell overrides the interpreter path. Empty means auto-detect.
	PowerShell string `toml:"powershell"`
	// ListScript queries WIA then PnP and prints a JSON array of devices.
	ListScript string `toml:"list_script"`
	// ScanScript scans one device and prints a data:image/jpeg;base64 token.
	ScanScript string `toml:"scan_script"`
}

// WIA is the Windows Image Acquisition adapter.
type WIA struct {
	cfg      WIAConfig
	settings ScanSettings
	shell    string
	run      CommandRunner
	logger   Logger
}

// NewWIA creates a WIA adapter. A nil runner uses ExecRunner.
func NewWIA(cfg WIAConfig, settings ScanSettings, run CommandRunner, logger Logger) *WIA {
	if logger == nil {
		logger = nullLogger{}
	}
	if run == nil {
		run = ExecRunner
	}
	shell := cfg.PowerShell
	if shell == "" {
		shell = findPowerShell()
	}
	return &WIA{cfg: cfg, settings: settings, shell: shell, run: run, logger: logger}
}

func (w *WIA) Name() string          { return "wia" }
func (w *WIA) PrimaryOrigin() string { return OriginWIA }

func (w *WIA) IsPrimaryID(id string) bool {
	return strings.Contains(strings.ToUpper(id), wiaImagingClassGUID)
}

func (w *WIA) scriptArgs(script string) []string {
	return []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", script}
}

// ListDevices runs the listing helper. Any failure is logged and yields nil.
func (w *WIA) ListDevices(ctx context.Context) []RawDevice {
	ctx, cancel := context.WithTimeout(ctx, ListTimeout)
	defer cancel()

	out, err := w.run(ctx, w.shell, w.scriptArgs(w.cfg.ListScript)...)
	if err != nil {
		w.logger.Warn("WIA device listing failed", "script", w.cfg.ListScript, "error", err)
		return nil
	}

	devices, err := parseWIAListing(out)
	if err != nil {
		w.logger.Warn("WIA device listing returned unparsable output", "error", err, "bytes", len(out))
		return nil
	}
	w.logger.Debug("WIA devices listed", "count", len(devices))
	return devices
}

// BuildScanInvocation passes the fixed settings to the scan helper. Property
// failures inside the helper are its own concern: it logs them and continues.
func (w *WIA) BuildScanInvocation(deviceID, _ string) (Invocation, error) {
	if strings.TrimSpace(deviceID) == "" {
		return Invocation{}, fmt.Errorf("wia: empty device id")
	}
	args := append(w.scriptArgs(w.cfg.ScanScript),
		"-DeviceId", deviceID,
		"-Resolution", strconv.Itoa(w.settings.Resolution),
		"-ColorMode", w.settings.ColorMode,
		"-PageSize", w.settings.PageSize,
	)
	return Invocation{
		Path:               w.shell,
		Args:               args,
		Payload:            PayloadToken,
		DiagnosticPrefixes: []string{"DEBUG:", "INFO:", "WARN:"},
	}, nil
}

// parseWIAListing accepts a JSON array of device objects, or a single
// object (ConvertTo-Json unwraps one-element arrays). Empty output means no
// devices.
func parseWIAListing(out []byte) ([]RawDevice, error) {
	trimmed := bytes.TrimPrefix(out, []byte("\xef\xbb\xbf"))
	trimmed = bytes.TrimSpace(trimmed)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var records []json.RawMessage
	if trimmed[0] == '{' {
		records = []json.RawMessage{json.RawMessage(trimmed)}
	} else if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, err
	}

	devices := make([]RawDevice, 0, len(records))
	for _, rec := range records {
		var fields map[string]interface{}
		if err := json.Unmarshal(rec, &fields); err != nil {
			continue
		}
		dev := RawDevice{
			ID:     firstString(fields, "id", "DeviceID", "DeviceId", "InstanceId"),
			Name:   firstString(fields, "name", "Name", "FriendlyName"),
			Model:  firstString(fields, "model", "description", "Description", "Manufacturer"),
			Origin: normalizeWIAOrigin(firstString(fields, "origin", "source", "Source")),
			Raw:    append(json.RawMessage(nil), rec...),
		}
		if dev.Origin == "" {
			if strings.Contains(strings.ToUpper(dev.ID), wiaImagingClassGUID) {
				dev.Origin = OriginWIA
			} else {
				dev.Origin = OriginPnP
			}
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func normalizeWIAOrigin(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WIA":
		return OriginWIA
	case "PNP":
		return OriginPnP
	}
	return ""
}

func firstString(fields map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}
