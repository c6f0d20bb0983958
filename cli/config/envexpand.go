// Package config loads the YAML agent configuration used by ota run.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
)

// envRef matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}`)

// UnsetVarError reports a ${VAR:?message} reference to an unset or empty
// variable.
type UnsetVarError struct {
	Name    string
	Message string
}

func (e *UnsetVarError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s is not set", e.Name)
	}
	return fmt.Sprintf("%s is not set: %s", e.Name, e.Message)
}

// ExpandEnv replaces environment references in input:
//   - ${VAR} expands to the value, or "" when unset
//   - ${VAR:-default} expands to default when VAR is unset or empty
//   - ${VAR:?message} fails with *UnsetVarError when VAR is unset or empty
//
// Every failing reference is reported, joined into one error.
func ExpandEnv(input string) (string, error) {
	return expandEnv(input, os.LookupEnv)
}

func expandEnv(input string, lookup func(string) (string, bool)) (string, error) {
	var errs []error
	out := envRef.ReplaceAllStringFunc(input, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		name, op, arg := m[1], m[2], m[3]
		if v, ok := lookup(name); ok && v != "" {
			return v
		}
		switch op {
		case ":-":
			return arg
		case ":?":
			errs = append(errs, &UnsetVarError{Name: name, Message: arg})
		}
		return ""
	})
	return out, errors.Join(errs...)
}
