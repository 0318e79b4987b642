package gateways

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sandeshlamsal/schoolpay/internal/models"
)

// Gateway is the common capability set every payment provider implements.
// Each adapter owns its provider's wire format, unit convention and status
// vocabulary; callers only ever see the normalized types below.
type Gateway interface {
	Initiate(ctx context.Context, payment *models.Payment, student *models.Student) (*RedirectInstruction, error)
	Verify(ctx context.Context, params CallbackParams) (*VerificationResult, error)
}

// RedirectInstruction tells the client how to hand the student over to the
// provider: a plain URL for hosted checkout pages, or a form post with Fields
// for legacy redirect gateways.
type RedirectInstruction struct {
	URL    string            `json:"url"`
	Method string            `json:"method"`
	Fields map[string]string `json:"fields,omitempty"`

	// CorrelationID is the provider's session identifier, known before the
	// redirect happens (e.g. Khalti's pidx). Empty for gateways that only
	// produce a reference in the callback.
	CorrelationID string `json:"-"`
}

// CallbackParams carries the provider callback, reduced to the fields the
// adapters need. PaymentID is our own UUID echoed back by the provider.
type CallbackParams struct {
	PaymentID   string
	ProviderRef string
	Amount      string
}

// Outcome is the normalized verdict of a verification call.
type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeFailed    Outcome = "FAILED"
	// OutcomePending covers ambiguous in-progress provider statuses; the
	// payment stays open for a later verification.
	OutcomePending Outcome = "PENDING"
)

// VerificationResult is the gateway-agnostic shape of a provider's answer.
// AmountReported is already converted out of the provider's minor units.
type VerificationResult struct {
	Outcome        Outcome
	ExternalStatus string
	AmountReported decimal.Decimal
	CorrelationID  string
	TransactionID  string
}

// GatewayError is a transport-level failure talking to a provider: network
// error, timeout or a non-success HTTP response. It is retryable and never
// implies anything about the payment's outcome.
type GatewayError struct {
	Provider string
	Op       string
	Status   int
	Err      error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Provider, e.Op, e.Status)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
