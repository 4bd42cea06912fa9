package scan

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the stable error vocabulary surfaced to clients.
type Kind string

const (
	// DeviceBusy: the device is in use by another process.
	DeviceBusy Kind = "DeviceBusy"
	// FeedEmpty: no document in the feeder.
	FeedEmpty Kind = "FeedEmpty"
	// AccessDenied: the backend refused access to the device.
	AccessDenied Kind = "AccessDenied"
	// DeviceNotFound: the requested id does not resolve to a device.
	DeviceNotFound Kind = "DeviceNotFound"
	// Timeout: the scan process exceeded the wall-clock limit.
	Timeout Kind = "Timeout"
	// InvalidPayload: the process exited cleanly without usable image data.
	InvalidPayload Kind = "InvalidPayload"
	// BackendError: any other backend failure. Detail carries the raw text.
	BackendError Kind = "BackendError"
	// MalformedRequest: the inbound message could not be served as sent.
	MalformedRequest Kind = "MalformedRequest"
)

var (
	// ErrTimeout is the runner outcome when the wall-clock limit fires first.
	ErrTimeout = errors.New("scan process timed out")
	// ErrOutputTooLarge is the runner outcome when output exceeds the buffer limit.
	ErrOutputTooLarge = errors.New("scanner output exceeded limit")
)

// Error is a classified scan failure.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// NewError creates a classified error.
func NewError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " (%v)", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the client-facing text. Only BackendError and MalformedRequest
// carry detail; every other kind maps to a fixed string.
func (e *Error) Message() string {
	switch e.Kind {
	case DeviceBusy:
		return "Scanner is busy or in use by another application"
	case FeedEmpty:
		return "No document found in the scanner feeder"
	case AccessDenied:
		return "Access to the scanner was denied"
	case DeviceNotFound:
		return "Scanner not found or disconnected"
	case Timeout:
		return "Scan timed out"
	case InvalidPayload:
		return "Scanner returned no image data"
	case MalformedRequest:
		if e.Detail != "" {
			return e.Detail
		}
		return "Invalid message format"
	}
	if e.Detail != "" {
		return "Scan failed: " + e.Detail
	}
	return "Scan failed"
}

// KindOf returns the kind of a classified error, or BackendError for anything
// else.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return BackendError
}

// Rule maps a case-insensitive substring of backend error text to a kind.
type Rule struct {
	Pattern string
	Kind    Kind
}

// DefaultRules cover WIA HRESULTs and messages, and scanimage/SANE status
// strings. Evaluated top to bottom; the first match wins.
var DefaultRules = []Rule{
	{Pattern: "0x80210006", Kind: DeviceBusy}, // WIA_ERROR_BUSY
	{Pattern: "device busy", Kind: DeviceBusy},
	{Pattern: "device is busy", Kind: DeviceBusy},
	{Pattern: "in use", Kind: DeviceBusy},

	{Pattern: "0x80210003", Kind: FeedEmpty}, // WIA_ERROR_PAPER_EMPTY
	{Pattern: "out of documents", Kind: FeedEmpty},
	{Pattern: "no document", Kind: FeedEmpty},
	{Pattern: "document feeder", Kind: FeedEmpty},
	{Pattern: "feeder empty", Kind: FeedEmpty},

	{Pattern: "0x80070005", Kind: AccessDenied}, // E_ACCESSDENIED
	{Pattern: "access denied", Kind: AccessDenied},
	{Pattern: "access to resource has been denied", Kind: AccessDenied},
	{Pattern: "permission denied", Kind: AccessDenied},

	{Pattern: "0x80210015", Kind: DeviceNotFound}, // WIA_S_NO_DEVICE_AVAILABLE
	{Pattern: "0x80210005", Kind: DeviceNotFound}, // WIA_ERROR_OFFLINE
	{Pattern: "no sane devices", Kind: DeviceNotFound},
	{Pattern: "not found", Kind: DeviceNotFound},
	{Pattern: "open of device", Kind: DeviceNotFound},
	{Pattern: "invalid argument", Kind: DeviceNotFound},
}

// Classify maps backend error text to a kind using rules, falling back to
// BackendError.
func Classify(text string, rules []Rule) Kind {
	lower := strings.ToLower(text)
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(r.Pattern)) {
			return r.Kind
		}
	}
	return BackendError
}
