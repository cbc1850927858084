package registry

import (
	"errors"
	"fmt"
)

// ErrDuplicateRegistration is returned when (name, version) is already registered.
var ErrDuplicateRegistration = errors.New("duplicate registration")

// ErrExternalIdempotencyRequired is returned for FINANCIAL contracts that
// declare no external idempotency template.
var ErrExternalIdempotencyRequired = errors.New("external idempotency template required for FINANCIAL tools")

// ErrInvalidContract wraps every other registration-time rejection.
var ErrInvalidContract = errors.New("invalid contract")

// ToolNotFoundError is returned by Lookup for an unknown (name, version).
type ToolNotFoundError struct {
	Name    string
	Version string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool '%s' version '%s' not found in registry", e.Name, e.Version)
}
