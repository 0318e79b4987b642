package payments

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sandeshlamsal/schoolpay/internal/gateways"
	"github.com/sandeshlamsal/schoolpay/internal/models"
)

// Sweeper periodically re-verifies payments stuck in PENDING, resolving flows
// where the student abandoned the provider page and no callback ever arrived.
type Sweeper struct {
	service    *Service
	store      Store
	logger     *zap.Logger
	interval   time.Duration
	staleAfter time.Duration
}

func NewSweeper(service *Service, store Store, logger *zap.Logger, interval, staleAfter time.Duration) *Sweeper {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	if staleAfter == 0 {
		staleAfter = 15 * time.Minute
	}
	return &Sweeper{
		service:    service,
		store:      store,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("reconciliation sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("stale_after", s.staleAfter),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	stale, err := s.store.ListStalePending(ctx, time.Now().Add(-s.staleAfter))
	if err != nil {
		s.logger.Error("failed to list stale pending payments", zap.Error(err))
		return
	}

	for _, payment := range stale {
		// Only Khalti payments can be looked up server side before a
		// callback: the pidx is recorded at initiation. The legacy eSewa API
		// requires the refId that only the success callback carries.
		if payment.Gateway != models.GatewayKhalti || payment.InitialKhaltiID == "" {
			s.logger.Info("stale pending payment has no server-side lookup",
				zap.String("payment_id", payment.ID.String()),
				zap.String("gateway", string(payment.Gateway)),
			)
			continue
		}

		updated, err := s.service.Reconcile(ctx, models.GatewayKhalti, gateways.CallbackParams{
			PaymentID:   payment.ID.String(),
			ProviderRef: payment.InitialKhaltiID,
		})
		if err != nil {
			s.logger.Warn("sweep reconcile failed",
				zap.String("payment_id", payment.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if updated.Status != models.PaymentPending {
			s.logger.Info("stale payment resolved by sweep",
				zap.String("payment_id", payment.ID.String()),
				zap.String("status", string(updated.Status)),
			)
		}
	}
}
