//go:build unix

package config

import (
	"fmt"
	"os"
)

// checkFilePermissions warns when the config file is readable by group or
// others, since it carries ClickHouse and destination credentials.
func checkFilePermissions(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	mode := info.Mode().Perm()
	if mode&0o077 == 0 {
		return ""
	}
	return fmt.Sprintf(
		"config file %s has permissions %04o and may expose credentials; run: chmod 600 %s",
		path, mode, path,
	)
}
