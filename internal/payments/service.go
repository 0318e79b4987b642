package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sandeshlamsal/schoolpay/internal/gateways"
	"github.com/sandeshlamsal/schoolpay/internal/models"
)

// Service is the reconciliation controller. It owns the payment state machine
// and its idempotency guarantees; gateway adapters own the provider protocols.
type Service struct {
	store    Store
	gateways map[models.PaymentGateway]gateways.Gateway
	logger   *zap.Logger

	// Verification transport failures are retried this many times with
	// exponential backoff before surfacing a retryable error.
	verifyAttempts int
	verifyBackoff  time.Duration
	verifyTimeout  time.Duration
}

func NewService(store Store, gws map[models.PaymentGateway]gateways.Gateway, logger *zap.Logger) *Service {
	return &Service{
		store:          store,
		gateways:       gws,
		logger:         logger,
		verifyAttempts: 3,
		verifyBackoff:  500 * time.Millisecond,
		verifyTimeout:  15 * time.Second,
	}
}

// Create opens a new INITIATED payment for the student. The installment name
// is fixed here and never changes afterwards.
func (s *Service) Create(ctx context.Context, studentID uuid.UUID, amount decimal.Decimal) (*models.Payment, error) {
	if amount.Sign() <= 0 {
		return nil, &ValidationError{Reason: "amount must be greater than zero"}
	}

	payment, err := s.store.Create(ctx, studentID, amount)
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment created",
		zap.String("payment_id", payment.ID.String()),
		zap.String("student_id", studentID.String()),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("name", payment.Name),
	)
	return payment, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return s.store.Get(ctx, id)
}

// List returns the student's payments, most recently touched first.
func (s *Service) List(ctx context.Context, studentID uuid.UUID) ([]models.Payment, error) {
	return s.store.ListByStudent(ctx, studentID)
}

// Initiate selects the gateway for a payment and runs the provider's
// initiation protocol. Gateway choice, correlation id and the PENDING
// transition are persisted in one conditional update, and only after the
// provider call succeeded; a provider failure leaves the record untouched.
// Once a gateway is recorded it is immutable: re-initiation is allowed only
// through the same gateway, so a record never carries correlation fields for
// more than one provider.
func (s *Service) Initiate(ctx context.Context, id uuid.UUID, gateway models.PaymentGateway) (*gateways.RedirectInstruction, error) {
	payment, err := s.store.GetWithStudent(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status.Terminal() {
		return nil, &AlreadyFinalizedError{Status: payment.Status}
	}
	if payment.Student == nil {
		return nil, ErrNotFound
	}
	if payment.Gateway != "" && payment.Gateway != gateway {
		return nil, &ValidationError{Reason: "payment already initiated with " + string(payment.Gateway)}
	}

	adapter, ok := s.gateways[gateway]
	if !ok {
		return nil, &ValidationError{Reason: "unknown payment gateway"}
	}

	redirect, err := adapter.Initiate(ctx, payment, payment.Student)
	if err != nil {
		s.logger.Warn("gateway initiation failed",
			zap.String("payment_id", id.String()),
			zap.String("gateway", string(gateway)),
			zap.Error(err),
		)
		return nil, err
	}

	updated, won, err := s.store.BeginInitiation(ctx, id, gateway, redirect.CorrelationID)
	if err != nil {
		return nil, err
	}
	if !won {
		if updated.Status.Terminal() {
			// A callback finalized the payment while we were talking to the
			// provider; surface the stored outcome instead of the redirect.
			return nil, &AlreadyFinalizedError{Status: updated.Status}
		}
		// A concurrent initiation claimed the record for another gateway.
		return nil, &ValidationError{Reason: "payment already initiated with " + string(updated.Gateway)}
	}

	s.logger.Info("payment initiated",
		zap.String("payment_id", id.String()),
		zap.String("gateway", string(gateway)),
		zap.String("correlation_id", redirect.CorrelationID),
	)
	return redirect, nil
}

// Reconcile confirms a payment's true outcome with its provider and commits
// the resulting transition. It is safe under duplicate, replayed and
// concurrent callbacks: terminal payments are returned unchanged, and the
// commit itself is a compare-and-swap that only one caller can win.
func (s *Service) Reconcile(ctx context.Context, gateway models.PaymentGateway, params gateways.CallbackParams) (*models.Payment, error) {
	id, err := uuid.Parse(params.PaymentID)
	if err != nil {
		return nil, &ValidationError{Reason: "invalid payment reference in callback"}
	}

	payment, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status.Terminal() {
		return payment, nil
	}
	if payment.Gateway != "" && payment.Gateway != gateway {
		return nil, ErrNotFound
	}

	adapter, ok := s.gateways[gateway]
	if !ok {
		return nil, &ValidationError{Reason: "unknown payment gateway"}
	}

	result, err := s.verifyWithRetry(ctx, adapter, params)
	if err != nil {
		// Verification failure is not payment failure: the record stays as
		// it is and the caller may retry.
		return payment, err
	}

	corr := Correlation{
		Gateway:       gateway,
		Status:        result.ExternalStatus,
		TransactionID: result.TransactionID,
		ReferenceID:   result.CorrelationID,
	}

	switch result.Outcome {
	case gateways.OutcomeCompleted:
		if !result.AmountReported.Equal(payment.Amount) {
			s.logger.Warn("payment amount mismatch, possible tampering",
				zap.String("payment_id", id.String()),
				zap.String("gateway", string(gateway)),
				zap.String("expected", payment.Amount.StringFixed(2)),
				zap.String("reported", result.AmountReported.StringFixed(2)),
			)
			updated, won, ferr := s.store.Finalize(ctx, id, models.PaymentFailed, corr)
			if ferr != nil {
				return nil, ferr
			}
			if !won {
				// A concurrent reconcile already finalized the record; its
				// outcome stands.
				return updated, nil
			}
			return updated, &AmountMismatchError{
				PaymentID: id,
				Expected:  payment.Amount,
				Reported:  result.AmountReported,
			}
		}
		return s.commit(ctx, id, models.PaymentSuccess, corr)

	case gateways.OutcomeFailed:
		return s.commit(ctx, id, models.PaymentFailed, corr)

	default:
		// In-progress at the provider; refresh correlation fields and leave
		// the payment open for a later reconcile.
		updated, _, err := s.store.Finalize(ctx, id, models.PaymentPending, corr)
		return updated, err
	}
}

func (s *Service) commit(ctx context.Context, id uuid.UUID, status models.PaymentStatus, corr Correlation) (*models.Payment, error) {
	updated, won, err := s.store.Finalize(ctx, id, status, corr)
	if err != nil {
		return nil, err
	}
	if !won {
		// Lost the race to a concurrent reconcile; the stored status stands.
		return updated, nil
	}

	s.logger.Info("payment reconciled",
		zap.String("payment_id", id.String()),
		zap.String("gateway", string(corr.Gateway)),
		zap.String("status", string(status)),
		zap.String("transaction_id", corr.TransactionID),
	)
	return updated, nil
}

func (s *Service) verifyWithRetry(ctx context.Context, adapter gateways.Gateway, params gateways.CallbackParams) (*gateways.VerificationResult, error) {
	var lastErr error
	for attempt := 0; attempt < s.verifyAttempts; attempt++ {
		if attempt > 0 {
			backoff := s.verifyBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
		result, err := adapter.Verify(callCtx, params)
		cancel()
		if err == nil {
			return result, nil
		}

		var gwErr *gateways.GatewayError
		if !errors.As(err, &gwErr) {
			return nil, err
		}
		lastErr = err
		s.logger.Warn("verification attempt failed",
			zap.String("payment_id", params.PaymentID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}
