package events

// Topic constants for domain events emitted by the shift service.
const (
	TopicShiftOpened = "shift.opened"
	TopicShiftClosed = "shift.closed"
)
