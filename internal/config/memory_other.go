//go:build !linux

package config

// getAvailableMemoryMB falls back to a fixed 4 GiB assumption on platforms
// without /proc/meminfo.
func getAvailableMemoryMB() int64 {
	return 4096
}
