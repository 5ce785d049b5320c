package session

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/matheus3301/matchwire/internal/config"
)

// DefaultProfileName is used when neither the flag nor config.toml names one.
const DefaultProfileName = "main"

// ErrInvalidName is wrapped by ValidateName failures.
var ErrInvalidName = errors.New("invalid profile name")

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName accepts 1-64 characters of [a-z0-9_-]. A leading '-' or
// '_' is refused so a name never reads as a flag.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w %q: use 1-64 characters of a-z, 0-9, '_' or '-', starting with a letter or digit", ErrInvalidName, name)
	}
	return nil
}

// Resolve picks the active profile: the --profile flag, then
// default_profile from config.toml, then DefaultProfileName.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfileName
}
