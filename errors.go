package miltr

import "errors"

// Error taxonomy of the protocol engine. Parsers and the session drivers wrap
// these sentinels with fmt.Errorf("...: %w", ...) so callers can classify a
// failure with errors.Is while still getting a useful diagnostic.
var (
	// ErrNotEnoughData is returned when a payload ended before a required
	// delimiter or fixed-size field.
	ErrNotEnoughData = errors.New("milter: not enough data")

	// ErrInvalidData is returned on a structural payload violation, e.g. a
	// non-numeric reply code or a malformed macro list.
	ErrInvalidData = errors.New("milter: invalid data")

	// ErrProtocolViolation is returned when a frame arrives in a session state
	// that does not permit it, or a response frame is not one of the codes
	// allowed at the current stage.
	ErrProtocolViolation = errors.New("milter: protocol violation")

	// ErrUnknownCode is returned for a frame code this implementation does not
	// recognize.
	ErrUnknownCode = errors.New("milter: unknown frame code")

	// ErrNegotiationFailed is returned when the two peers cannot agree on a
	// protocol version or on required capabilities.
	ErrNegotiationFailed = errors.New("milter: negotiation failed")
)

// ErrModificationNotAllowed is returned when a modification requires an action
// bit that was not negotiated with the MTA.
var ErrModificationNotAllowed = errors.New("milter: modification not allowed via milter protocol negotiation")

// ErrVersionTooLow is returned when an action is not available in the
// negotiated milter protocol version.
var ErrVersionTooLow = errors.New("milter: action not allowed in this milter protocol version")

// errCloseSession stops the current session without reporting an error to the
// library user.
var errCloseSession = errors.New("milter: stop current milter processing")
