package shift

import "errors"

var (
	// ErrStaffNotFound is returned when the staff member does not exist.
	ErrStaffNotFound = errors.New("staff not found")
	// ErrShiftNotFound is returned when the shift does not exist.
	ErrShiftNotFound = errors.New("shift not found")
	// ErrShiftClosed is returned when mutating or re-closing a closed shift.
	ErrShiftClosed = errors.New("shift already closed")
	// ErrShiftAlreadyOpen is returned when the staff member already has an open shift.
	ErrShiftAlreadyOpen = errors.New("staff already has an open shift")
	// ErrShiftNotClosed is returned when a closed-only view is requested for an open shift.
	ErrShiftNotClosed = errors.New("shift not closed")
)
