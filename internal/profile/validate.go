package profile

import (
	"fmt"
	"regexp"
)

// Profile names become directory names under the chatlink home and part of
// the control socket path.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName rejects names that are unsafe as a profile directory.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("profile name is empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("profile %q: use up to 64 lowercase letters, digits, '-' or '_', starting with a letter or digit", name)
	}
	return nil
}
