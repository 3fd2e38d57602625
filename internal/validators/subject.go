// Package validators provides validation functions for bundle server identifiers.
package validators

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxSubjectLength = 39
	maxUnitIDLength  = 100
)

var (
	// Subject pattern: alphanumerics and hyphens, no leading or trailing hyphen
	subjectPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)

	// Unit pattern: alphanumerics, dots, underscores and hyphens
	unitIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// ValidateSubject validates a subject identifier and returns it trimmed.
//
// Format requirements:
// - 1 to 39 characters
// - Only ASCII letters, digits and hyphens
// - Must not start or end with a hyphen
//
// Examples of valid subjects:
//   - alice
//   - octo-org
//   - a1
//
// Examples of invalid subjects:
//   - -alice (leading hyphen)
//   - alice_smith (underscore)
//   - alice/repo (slash)
func ValidateSubject(subject string) (string, error) {
	subject = strings.TrimSpace(subject)

	if subject == "" {
		return "", fmt.Errorf("subject cannot be empty")
	}

	if len(subject) > maxSubjectLength {
		return "", fmt.Errorf("subject must be at most %d characters, got %d", maxSubjectLength, len(subject))
	}

	if !subjectPattern.MatchString(subject) {
		return "", fmt.Errorf(
			"subject %q is invalid: must contain only letters, digits and hyphens, and must not start or end with a hyphen",
			subject)
	}

	return subject, nil
}

// ValidateUnitID validates the identifier of a unit within a subject.
// Dot-only names are rejected so that identifiers can be used as path elements.
func ValidateUnitID(id string) error {
	if id == "" {
		return fmt.Errorf("unit id cannot be empty")
	}
	if len(id) > maxUnitIDLength {
		return fmt.Errorf("unit id must be at most %d characters, got %d", maxUnitIDLength, len(id))
	}
	if strings.Trim(id, ".") == "" {
		return fmt.Errorf("unit id %q is invalid", id)
	}
	if !unitIDPattern.MatchString(id) {
		return fmt.Errorf("unit id %q is invalid: must contain only letters, digits, dots, underscores and hyphens", id)
	}
	return nil
}
