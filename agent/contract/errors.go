package contract

import "errors"

// Sentinel validation errors for failures that are programmer/config
// errors rather than runtime engineerr.Kind outcomes.
var (
	ErrValidation    = errors.New("validation failed")
	ErrPromptMissing = errors.New("required prompt is missing")
)
