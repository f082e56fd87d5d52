//go:build windows

package process

// Windows has no tick clock; CPU times come from gopsutil in seconds and are
// scaled by this fixed rate.
func clockTicks() int64 { return 100 }
