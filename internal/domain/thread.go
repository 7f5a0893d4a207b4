package domain

import (
	"fmt"
	"regexp"
)

var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`) //nolint:gochecknoglobals // compiled regexp

// ValidateThreadID checks that id is usable as a durable thread key.
func ValidateThreadID(id string) error {
	if !threadIDPattern.MatchString(id) {
		return fmt.Errorf("domain.ValidateThreadID(%q): %w", id, ErrInvalidThreadID)
	}
	return nil
}
