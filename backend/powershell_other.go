//go:build !windows
// +build !windows

package backend

import "os/exec"

// findPowerShell looks for PowerShell Core on PATH. WIA itself only exists
// on Windows; this keeps the adapter constructible for tests and tooling.
func findPowerShell() string {
	for _, name := range []string{"pwsh", "powershell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return "pwsh"
}
