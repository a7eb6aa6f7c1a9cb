package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidName is returned for names that cannot be used as a session
// directory.
var ErrInvalidName = errors.New("invalid session name")

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is lowercase alphanumerics, '-' or '_',
// at most 64 long, and does not start with '-'.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidName, name, nameRegexp)
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("%w %q: must not start with '-'", ErrInvalidName, name)
	}
	return nil
}
