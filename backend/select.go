package backend

import (
	"context"
	"fmt"
	"runtime"
	"strings"
)

// Kinds accepted by Select.
const (
	KindAuto = "auto"
	KindWIA  = "wia"
	KindSANE = "sane"
)

// Options carries everything Select needs to construct an adapter.
type Options struct {
	Kind     string
	GOOS     string
	WIA      WIAConfig
	SANE     SANEConfig
	Settings ScanSettings
	Runner   CommandRunner
	Logger   Logger
}

// Select builds the adapter for this host. "auto" picks WIA on Windows and
// SANE everywhere else.
func Select(ctx context.Context, opts Options) (Adapter, error) {
	goos := opts.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	kind := strings.ToLower(strings.TrimSpace(opts.Kind))
	if kind == "" || kind == KindAuto {
		kind = KindSANE
		if goos == "windows" {
			kind = KindWIA
		}
	}

	switch kind {
	case KindWIA:
		if opts.WIA.ListScript == "" || opts.WIA.ScanScript == "" {
			return nil, fmt.Errorf("wia backend requires list_script and scan_script")
		}
		return NewWIA(opts.WIA, opts.Settings, opts.Runner, opts.Logger), nil
	case KindSANE:
		return NewSANE(ctx, opts.SANE, opts.Settings, opts.Runner, opts.Logger), nil
	}
	return nil, fmt.Errorf("unknown backend kind %q", opts.Kind)
}
