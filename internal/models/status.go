package models

import "fmt"

// Status is a DIMSE-style response status code returned by every engine
// operation. The values mirror the C-FIND/C-MOVE/C-STORE response status
// model so the protocol layer can pass them through unmapped.
type Status uint16

const (
	// StatusSuccess terminates an operation or session normally.
	StatusSuccess Status = 0x0000

	// StatusPending indicates more results are available from the session.
	StatusPending Status = 0xFF00

	// StatusCancel is returned after an explicit session cancellation.
	StatusCancel Status = 0xFE00

	// StatusOutOfResources refuses an operation the archive cannot absorb:
	// study table exhausted, or a single object larger than the study budget.
	StatusOutOfResources Status = 0xA700

	// StatusIdentifierMismatch rejects a malformed query identifier before
	// any scanning takes place.
	StatusIdentifierMismatch Status = 0xA900

	// StatusCannotUnderstand rejects a store whose source object cannot be
	// parsed far enough to yield its SOP Class and SOP Instance UIDs.
	StatusCannotUnderstand Status = 0xC000

	// StatusProcessingFailure covers internal index database errors
	// (seek/read/write failures).
	StatusProcessingFailure Status = 0xC001
)

// IsTerminal reports whether the status ends a session.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// IsFailure reports whether the status is in the failure/refused family.
func (s Status) IsFailure() bool {
	switch s {
	case StatusSuccess, StatusPending, StatusCancel:
		return false
	}
	return true
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusPending:
		return "Pending"
	case StatusCancel:
		return "Cancel"
	case StatusOutOfResources:
		return "Refused: Out of Resources"
	case StatusIdentifierMismatch:
		return "Failed: Identifier Does Not Match SOP Class"
	case StatusCannotUnderstand:
		return "Failed: Cannot Understand"
	case StatusProcessingFailure:
		return "Failed: Processing Failure"
	default:
		return fmt.Sprintf("0x%04X", uint16(s))
	}
}
