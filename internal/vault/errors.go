package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a credential id that is not in the vault.
	ErrNotFound = errors.New("credential not found")
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("invalid credential")
)

// ValidationError names the field that failed validation. Its message carries
// no secret material and may be shown to the user as is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
