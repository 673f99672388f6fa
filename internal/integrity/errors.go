package integrity

import "fmt"

// IntegrityValidationError is the typed, fatal failure raised when a
// protected config cannot be trusted. It always follows a quarantine
// record; QuarantineID links the two for forensics. Callers must treat it
// as fatal to the current operation.
type IntegrityValidationError struct {
	ProtectedID  string
	QuarantineID string
	Reason       string
}

func (e *IntegrityValidationError) Error() string {
	return fmt.Sprintf("integrity validation failed for %q (quarantine %s): %s",
		e.ProtectedID, e.QuarantineID, e.Reason)
}
