//go:build windows
// +build windows

package backend

import (
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/windows/registry"
)

// findPowerShell reads the Windows PowerShell install location from the
// registry and falls back to a PATH lookup.
func findPowerShell() string {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\PowerShell\3\PowerShellEngine`, registry.QUERY_VALUE)
	if err == nil {
		defer key.Close()
		if base, _, err := key.GetStringValue("ApplicationBase"); err == nil && base != "" {
			candidate := filepath.Join(base, "powershell.exe")
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	if path, err := exec.LookPath("powershell.exe"); err == nil {
		return path
	}
	return "powershell.exe"
}
