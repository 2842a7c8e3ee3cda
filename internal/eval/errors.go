package eval

import "fmt"

// CheckError marks a user-supplied expression as syntactically or
// semantically invalid, or an expected domain failure reported by a
// capability. It is stored as the check value; alert evaluation proceeds.
type CheckError struct {
	Message string
}

func (e *CheckError) Error() string {
	return e.Message
}

// NewCheckError creates a CheckError with a formatted message.
func NewCheckError(format string, args ...interface{}) *CheckError {
	return &CheckError{Message: fmt.Sprintf(format, args...)}
}

// SecurityError marks a command a secure worker refused to execute.
type SecurityError struct {
	Message string
}

func (e *SecurityError) Error() string {
	return e.Message
}

// InsufficientPermissionsError marks an access denial by a remote target.
type InsufficientPermissionsError struct {
	Message string
}

func (e *InsufficientPermissionsError) Error() string {
	return e.Message
}
