package domain

import "errors"

// Domain errors
var (
	// Seat transition errors, reported to the requester
	ErrSeatUnavailable = errors.New("seat is not available")
	ErrHoldNotOwned    = errors.New("hold not owned by requester")
	ErrHoldExpired     = errors.New("hold has expired")

	// Lookup errors
	ErrEventNotFound = errors.New("event not found")
	ErrSeatNotFound  = errors.New("seat not found")

	// Validation errors
	ErrInvalidTTL     = errors.New("hold ttl out of range")
	ErrInvalidRequest = errors.New("invalid request")

	// Infrastructure errors
	ErrDeliveryFailure  = errors.New("broadcast delivery failed")
	ErrStoreUnavailable = errors.New("seat store unavailable")
)

// Wire reasons sent to clients
const (
	CodeSeatUnavailable    = "SeatUnavailable"
	CodeHoldNotOwned       = "HoldNotOwned"
	CodeHoldExpired        = "HoldExpired"
	CodeEventNotFound      = "EventNotFound"
	CodeSeatNotFound       = "SeatNotFound"
	CodeInvalidTTL         = "InvalidTTL"
	CodeInvalidRequest     = "InvalidRequest"
	CodeServiceUnavailable = "ServiceUnavailable"
	CodeInternal           = "InternalError"
)

// IsTransitionError checks if the error is an expected seat transition outcome
func IsTransitionError(err error) bool {
	return errors.Is(err, ErrSeatUnavailable) ||
		errors.Is(err, ErrHoldNotOwned) ||
		errors.Is(err, ErrHoldExpired)
}

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrSeatNotFound)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidTTL) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsClientError reports errors caused by the client; these are not faults
func IsClientError(err error) bool {
	return IsTransitionError(err) || IsNotFoundError(err) || IsValidationError(err)
}

// Code maps an error to its wire reason
func Code(err error) string {
	switch {
	case errors.Is(err, ErrSeatUnavailable):
		return CodeSeatUnavailable
	case errors.Is(err, ErrHoldNotOwned):
		return CodeHoldNotOwned
	case errors.Is(err, ErrHoldExpired):
		return CodeHoldExpired
	case errors.Is(err, ErrEventNotFound):
		return CodeEventNotFound
	case errors.Is(err, ErrSeatNotFound):
		return CodeSeatNotFound
	case errors.Is(err, ErrInvalidTTL):
		return CodeInvalidTTL
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrStoreUnavailable):
		return CodeServiceUnavailable
	default:
		return CodeInternal
	}
}
