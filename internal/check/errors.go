package check

import "fmt"

// ResultSizeError marks a check result that exceeded the configured size
// or key-count limits. The failure itself is stored as the result.
type ResultSizeError struct {
	Message string
}

func (e *ResultSizeError) Error() string {
	return e.Message
}

// NewResultSizeError creates a ResultSizeError with a formatted message.
func NewResultSizeError(format string, args ...interface{}) *ResultSizeError {
	return &ResultSizeError{Message: fmt.Sprintf(format, args...)}
}
