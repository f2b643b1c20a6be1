package provision

import "errors"

// Sentinel errors for the lifecycle layer
var (
	// ErrValidation marks bad user input; fatal, reported once and the
	// process exits non-zero.
	ErrValidation = errors.New("validation error")

	// ErrExternalToolMissing marks a required collaborator binary that is
	// absent. Raised before any mutation begins.
	ErrExternalToolMissing = errors.New("required external tool missing")
)
