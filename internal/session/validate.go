package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names and the credential namespace, so
// they are kept to lowercase ASCII and may not start with a separator.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name is usable as a session name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use 1-64 of [a-z0-9_-], starting with a letter or digit", name)
	}
	return nil
}
