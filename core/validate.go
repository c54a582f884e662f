package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateBadge checks a badge definition and its rules for structural errors.
// Unknown metrics pass: they degrade to zero progress at evaluation time.
func ValidateBadge(b Badge) error {
	if err := ValidateBadgeID(b.ID); err != nil {
		return fmt.Errorf("badge %q: %w", b.ID, err)
	}
	err := validate.Struct(b)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		msgs := make([]string, 0, len(ve))
		for _, e := range ve {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed validation: %s", e.Namespace(), e.Tag()))
		}
		return fmt.Errorf("badge %q: %s", b.ID, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("badge %q: validation failed: %w", b.ID, err)
}
