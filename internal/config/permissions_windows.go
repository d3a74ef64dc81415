//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// checkFilePermissions shells out to icacls and warns when broad groups have
// access to the config file, since it carries credentials.
func checkFilePermissions(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	output, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}
	acl := strings.ToLower(string(output))
	for _, group := range []string{"everyone", "authenticated users", "builtin\\users"} {
		if strings.Contains(acl, group) {
			return fmt.Sprintf(
				"config file %s is readable by %q and may expose credentials", path, group)
		}
	}
	return ""
}
