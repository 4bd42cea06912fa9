// Package devices turns raw backend listings into the normalized, deduplicated
// and ranked device set surfaced to clients.
package devices

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"scanbridge/backend"
)

// Sentinel placeholder surfaced when no real device is detected.
const (
	SentinelID     = "demo-scanner"
	SentinelName   = "Demo Scanner"
	SentinelModel  = "Demo Model (No physical scanner found)"
	SentinelOrigin = "Demo"
)

// ScannerDevice is the normalized device record sent to clients.
type ScannerDevice struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Model   string `json:"model"`
	RawInfo string `json:"rawInfo"`

	origin string
}

// Origin is the backend path that reported the device (WIA, PnP, SANE).
func (d ScannerDevice) Origin() string { return d.origin }

// Placeholder returns the sentinel device.
func Placeholder() ScannerDevice {
	raw, _ := json.Marshal(map[string]string{
		"id":     SentinelID,
		"name":   SentinelName,
		"origin": SentinelOrigin,
	})
	return ScannerDevice{
		ID:      SentinelID,
		Name:    SentinelName,
		Model:   SentinelModel,
		RawInfo: string(raw),
		origin:  SentinelOrigin,
	}
}

// IsSentinel reports whether id names the placeholder device.
func IsSentinel(id string) bool { return id == SentinelID }

// WithPlaceholder substitutes the sentinel for an empty result.
func WithPlaceholder(list []ScannerDevice) []ScannerDevice {
	if len(list) == 0 {
		return []ScannerDevice{Placeholder()}
	}
	return list
}

// Logger interface for enumeration
type Logger interface {
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Observer receives enumeration counts.
type Observer interface {
	ObserveEnumeration(backend string, found int)
}

type nullLogger struct{}

func (nullLogger) Warn(msg string, context ...interface{})  {}
func (nullLogger) Info(msg string, context ...interface{})  {}
func (nullLogger) Debug(msg string, context ...interface{}) {}

// Enumerator lists devices through one adapter.
type Enumerator struct {
	adapter  backend.Adapter
	logger   Logger
	observer Observer
}

// NewEnumerator creates an enumerator. logger and observer may be nil.
func NewEnumerator(adapter backend.Adapter, logger Logger, observer Observer) *Enumerator {
	if logger == nil {
		logger = nullLogger{}
	}
	return &Enumerator{adapter: adapter, logger: logger, observer: observer}
}

// Adapter returns the backend the enumerator lists through.
func (e *Enumerator) Adapter() backend.Adapter { return e.adapter }

// List never fails. An unavailable backend yields an empty slice; callers
// serving clients wrap the result with WithPlaceholder.
func (e *Enumerator) List(ctx context.Context) []ScannerDevice {
	raw := e.adapter.ListDevices(ctx)
	list := Normalize(raw, e.adapter.PrimaryOrigin(), e.logger)
	if e.observer != nil {
		e.observer.ObserveEnumeration(e.adapter.Name(), len(list))
	}
	e.logger.Debug("Enumerated devices", "backend", e.adapter.Name(), "raw", len(raw), "surfaced", len(list))
	return list
}

// FindPrimary returns the first live device reported through the primary
// origin.
func (e *Enumerator) FindPrimary(ctx context.Context) (ScannerDevice, bool) {
	primary := e.adapter.PrimaryOrigin()
	for _, d := range e.List(ctx) {
		if d.origin == primary {
			return d, true
		}
	}
	return ScannerDevice{}, false
}

// Normalize drops incomplete records, deduplicates by display name preferring
// primaryOrigin, and sorts primary-origin devices first, then by name.
func Normalize(raw []backend.RawDevice, primaryOrigin string, logger Logger) []ScannerDevice {
	if logger == nil {
		logger = nullLogger{}
	}

	out := make([]ScannerDevice, 0, len(raw))
	byName := make(map[string]int, len(raw))
	for _, r := range raw {
		id := strings.TrimSpace(r.ID)
		name := strings.TrimSpace(r.Name)
		rawInfo := strings.TrimSpace(string(r.Raw))
		if id == "" || name == "" || !nonTrivialJSON(rawInfo) {
			logger.Debug("Dropping incomplete device record", "id", id, "name", name)
			continue
		}
		dev := ScannerDevice{
			ID:      id,
			Name:    name,
			Model:   strings.TrimSpace(r.Model),
			RawInfo: rawInfo,
			origin:  r.Origin,
		}

		if i, ok := byName[name]; ok {
			if out[i].origin != primaryOrigin && dev.origin == primaryOrigin {
				out[i] = dev
			}
			continue
		}
		byName[name] = len(out)
		out = append(out, dev)
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].origin == primaryOrigin, out[j].origin == primaryOrigin
		if pi != pj {
			return pi
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func nonTrivialJSON(s string) bool {
	switch s {
	case "", "null", "{}", "[]", `""`:
		return false
	}
	return true
}
