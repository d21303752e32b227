package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.parley/sessions, so
// the charset stays path- and shell-safe.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot serve as a session directory:
// empty, longer than 64 characters, or containing anything outside
// lowercase letters, digits, hyphen and underscore.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use lowercase letters, digits, - and _ (max 64)", name)
	}
	return nil
}
