package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sandeshlamsal/schoolpay/internal/models"
)

// nonTerminal guards every state-changing update: a transition is applied only
// while the row is still open, which is what makes reconciliation idempotent
// under duplicate and concurrent callbacks.
var nonTerminal = []models.PaymentStatus{models.PaymentInitiated, models.PaymentPending}

// Correlation is the provider-side identity recorded alongside a status
// transition. Only the columns of the named gateway are ever written.
type Correlation struct {
	Gateway       models.PaymentGateway
	Status        string
	TransactionID string
	ReferenceID   string
}

type Store interface {
	Create(ctx context.Context, studentID uuid.UUID, amount decimal.Decimal) (*models.Payment, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetWithStudent(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	ListByStudent(ctx context.Context, studentID uuid.UUID) ([]models.Payment, error)
	ListStalePending(ctx context.Context, olderThan time.Time) ([]models.Payment, error)

	// BeginInitiation atomically records the chosen gateway, its initiation
	// correlation id and the PENDING transition. The update only applies
	// while the row is non-terminal and its gateway is unset or already the
	// one named, so a recorded gateway can never be swapped. Won is false
	// when either guard rejected the write.
	BeginInitiation(ctx context.Context, id uuid.UUID, gateway models.PaymentGateway, correlationID string) (*models.Payment, bool, error)

	// Finalize applies a status transition conditional on the row still being
	// non-terminal, returning the row as stored afterwards and whether this
	// call won the write.
	Finalize(ctx context.Context, id uuid.UUID, status models.PaymentStatus, corr Correlation) (*models.Payment, bool, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Create inserts the payment and names its installment from the count of the
// student's prior successful payments. The student row is locked for the
// duration so concurrent creations cannot compute the same ordinal.
func (s *GormStore) Create(ctx context.Context, studentID uuid.UUID, amount decimal.Decimal) (*models.Payment, error) {
	payment := &models.Payment{
		StudentID: studentID,
		Amount:    amount,
		Status:    models.PaymentInitiated,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var student models.Student
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&student, "id = ?", studentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var prior int64
		if err := tx.Model(&models.Payment{}).
			Where("student_id = ? AND status = ?", studentID, models.PaymentSuccess).
			Count(&prior).Error; err != nil {
			return err
		}
		payment.Name = fmt.Sprintf("Installment %d", prior+1)

		return tx.Create(payment).Error
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).First(&payment, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (s *GormStore) GetWithStudent(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).Preload("Student").First(&payment, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (s *GormStore) ListByStudent(ctx context.Context, studentID uuid.UUID) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("updated_at DESC").
		Find(&payments).Error
	return payments, err
}

func (s *GormStore) ListStalePending(ctx context.Context, olderThan time.Time) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.PaymentPending, olderThan).
		Order("updated_at ASC").
		Find(&payments).Error
	return payments, err
}

func (s *GormStore) BeginInitiation(ctx context.Context, id uuid.UUID, gateway models.PaymentGateway, correlationID string) (*models.Payment, bool, error) {
	updates := map[string]interface{}{
		"gateway": gateway,
		"status":  models.PaymentPending,
	}
	if gateway == models.GatewayKhalti && correlationID != "" {
		updates["initial_khalti_id"] = correlationID
	}

	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status IN ? AND (gateway = '' OR gateway IS NULL OR gateway = ?)",
			id, nonTerminal, gateway).
		Updates(updates)
	if res.Error != nil {
		return nil, false, res.Error
	}

	payment, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return payment, res.RowsAffected == 1, nil
}

func (s *GormStore) Finalize(ctx context.Context, id uuid.UUID, status models.PaymentStatus, corr Correlation) (*models.Payment, bool, error) {
	updates := map[string]interface{}{
		"status": status,
	}
	switch corr.Gateway {
	case models.GatewayKhalti:
		updates["khalti_status"] = corr.Status
		updates["khalti_transaction_id"] = corr.TransactionID
		if corr.ReferenceID != "" {
			updates["initial_khalti_id"] = corr.ReferenceID
		}
	case models.GatewayEsewa:
		updates["esewa_status"] = corr.Status
		updates["esewa_reference_id"] = corr.ReferenceID
		updates["esewa_order_id"] = id.String()
	}

	return s.conditionalUpdate(ctx, id, updates)
}

func (s *GormStore) conditionalUpdate(ctx context.Context, id uuid.UUID, updates map[string]interface{}) (*models.Payment, bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status IN ?", id, nonTerminal).
		Updates(updates)
	if res.Error != nil {
		return nil, false, res.Error
	}

	payment, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return payment, res.RowsAffected == 1, nil
}
