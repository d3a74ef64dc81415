//go:build linux

package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// getAvailableMemoryMB returns total system memory in MB, used to size the
// record-batch queue when no explicit capacity is configured.
func getAvailableMemoryMB() int64 {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return 4096
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, err := strconv.ParseInt(fields[1], 10, 64)
				if err == nil {
					return kb / 1024
				}
			}
		}
	}
	return 4096
}
