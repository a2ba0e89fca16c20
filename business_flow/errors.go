// Package businessflow contains the campaign dispatch use cases: ledger, idempotency, batch dispatch,
// campaign state transitions, reconciliation and delivery status refresh
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Campaign-related errors
	ErrCampaignNotFound       = errors.New("campaign not found")
	ErrInvalidCampaignStatus  = errors.New("campaign status does not allow this operation")
	ErrCampaignAlreadySending = errors.New("campaign is already sending")
	ErrNoRecipients           = errors.New("campaign has no recipients")
	ErrScheduleTimeTooSoon    = errors.New("schedule time must be in the future")
	ErrAllBatchesFailed       = errors.New("no batch could be enqueued")

	// Billing errors
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrSubscriptionRequired   = errors.New("active subscription required")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrReservationNotFound    = errors.New("credit reservation not found")
	ErrReservationKeyRequired = errors.New("reservation idempotency key is required")
	ErrReservationNotActive   = errors.New("credit reservation is no longer active")
	ErrWalletNotFound         = errors.New("credit wallet not found")

	// Request errors
	ErrRequestInProgress = errors.New("request with this idempotency key is in progress")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

// BusinessErrorCode returns the code of the outermost BusinessError in err's chain
func BusinessErrorCode(err error) string {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

func IsAllBatchesFailed(err error) bool {
	return errors.Is(err, ErrAllBatchesFailed)
}

func IsInsufficientCredits(err error) bool {
	return errors.Is(err, ErrInsufficientCredits)
}

func IsReservationNotActive(err error) bool {
	return errors.Is(err, ErrReservationNotActive)
}

func IsReservationNotFound(err error) bool {
	return errors.Is(err, ErrReservationNotFound)
}
