package notify

import "fmt"

// NotificationError marks a delivery failure that should be logged and
// swallowed rather than failing the whole alert evaluation.
type NotificationError struct {
	Message string
}

func (e *NotificationError) Error() string {
	return e.Message
}

// NewNotificationError creates a formatted NotificationError.
func NewNotificationError(format string, args ...interface{}) *NotificationError {
	return &NotificationError{Message: fmt.Sprintf(format, args...)}
}
