package introspect

import (
	"errors"
	"fmt"
)

// =============================================================================
// Analysis Errors
// =============================================================================

var (
	// ErrInvalidCompose is returned when a compose file cannot be parsed.
	ErrInvalidCompose = errors.New("invalid compose spec")
)

// AnalysisError describes a failure while inspecting a repository file.
type AnalysisError struct {
	Path    string
	Message string
	Err     error
}

// NewAnalysisError creates an analysis error for a file.
func NewAnalysisError(path, message string, err error) *AnalysisError {
	return &AnalysisError{Path: path, Message: message, Err: err}
}

func (e *AnalysisError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}
