package session

import (
	"fmt"
	"regexp"

	"github.com/gymlink/gymchat/internal/config"
)

// DefaultSessionName is used when neither a flag nor config names a session.
const DefaultSessionName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a directory name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRegexp)
	}
	return nil
}

// Resolve picks the session name: flagOverride, then the configured
// default_session (which GYMCHAT_SESSION may override), then "main".
func Resolve(flagOverride string, cfg *config.Config) (string, error) {
	name := flagOverride
	if name == "" && cfg != nil {
		name = cfg.DefaultSession
	}
	if name == "" {
		name = DefaultSessionName
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
