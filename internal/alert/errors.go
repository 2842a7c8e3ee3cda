package alert

import "fmt"

// AlertError marks an alert condition that evaluated to a non-boolean
// value. It forces the alert active with the error captured.
type AlertError struct {
	Message string
}

func (e *AlertError) Error() string {
	return e.Message
}

// NewAlertError creates an AlertError with a formatted message.
func NewAlertError(format string, args ...interface{}) *AlertError {
	return &AlertError{Message: fmt.Sprintf(format, args...)}
}
