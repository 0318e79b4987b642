package fees

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/sandeshlamsal/schoolpay/internal/models"
)

var ErrStudentNotFound = errors.New("student not found")

// Ledger answers what a student currently owes. It only reads the fee
// schedule and payment tables; the schedule itself is managed elsewhere.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

type DueSummary struct {
	GradeTotal decimal.Decimal `json:"grade_total"`
	Paid       decimal.Decimal `json:"paid"`
	Due        decimal.Decimal `json:"due"`
}

func (l *Ledger) DueAmount(ctx context.Context, studentID uuid.UUID) (*DueSummary, error) {
	var student models.Student
	err := l.db.WithContext(ctx).Preload("Grade.Fees").First(&student, "id = ?", studentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStudentNotFound
		}
		return nil, err
	}

	var fees []models.Fee
	if student.Grade != nil {
		fees = student.Grade.Fees
	}
	total := AnnualTotal(fees)

	var paid decimal.NullDecimal
	err = l.db.WithContext(ctx).Model(&models.Payment{}).
		Where("student_id = ? AND status = ?", studentID, models.PaymentSuccess).
		Select("SUM(amount)").
		Scan(&paid).Error
	if err != nil {
		return nil, err
	}

	summary := &DueSummary{GradeTotal: total, Paid: decimal.Zero}
	if paid.Valid {
		summary.Paid = paid.Decimal
	}
	summary.Due = total.Sub(summary.Paid)
	return summary, nil
}

// AnnualTotal is the yearly equivalent of a fee schedule.
func AnnualTotal(fees []models.Fee) decimal.Decimal {
	total := decimal.Zero
	for _, fee := range fees {
		total = total.Add(fee.Amount.Mul(decimal.NewFromInt(fee.Interval.YearlyFactor())))
	}
	return total
}
