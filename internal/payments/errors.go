package payments

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sandeshlamsal/schoolpay/internal/models"
)

// ErrNotFound covers unknown payment and student ids.
var ErrNotFound = errors.New("payment not found")

// ValidationError is a caller mistake; the request is rejected outright.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// AmountMismatchError means the provider reported a different amount than the
// payment was created with. The payment is recorded FAILED and the case is
// surfaced as possible tampering; it is never retried towards SUCCESS.
type AmountMismatchError struct {
	PaymentID uuid.UUID
	Expected  decimal.Decimal
	Reported  decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment %s: reported amount %s does not match expected %s",
		e.PaymentID, e.Reported, e.Expected)
}

// AlreadyFinalizedError signals an idempotent no-op: the payment already holds
// a terminal status and the stored record stands unchanged.
type AlreadyFinalizedError struct {
	Status models.PaymentStatus
}

func (e *AlreadyFinalizedError) Error() string {
	return fmt.Sprintf("payment already finalized as %s", e.Status)
}
