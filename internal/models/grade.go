package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Grade struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key"`
	Name      string    `gorm:"unique;not null"`
	Fees      []Fee     `gorm:"foreignKey:GradeID"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (grade *Grade) BeforeCreate(tx *gorm.DB) (err error) {
	if grade.ID == uuid.Nil {
		grade.ID = uuid.New()
	}
	return
}

type FeeInterval string

const (
	FeeYearly    FeeInterval = "YEARLY"
	FeeMonthly   FeeInterval = "MONTHLY"
	FeeQuarterly FeeInterval = "QUARTERLY"
	FeeBiMonthly FeeInterval = "BI_MONTHLY"
)

// YearlyFactor is how many times a fee on this interval is charged per year.
func (i FeeInterval) YearlyFactor() int64 {
	switch i {
	case FeeMonthly:
		return 12
	case FeeQuarterly:
		return 4
	case FeeBiMonthly:
		return 6
	default:
		return 1
	}
}

// Fee is one line of a grade's fee schedule. Managed by the school
// administration system; read-only here.
type Fee struct {
	ID       uuid.UUID       `gorm:"type:uuid;primary_key"`
	Name     string          `gorm:"not null"`
	Amount   decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Interval FeeInterval     `gorm:"not null;default:'YEARLY'"`
	GradeID  uuid.UUID       `gorm:"type:uuid;not null;index"`
}

func (fee *Fee) BeforeCreate(tx *gorm.DB) (err error) {
	if fee.ID == uuid.Nil {
		fee.ID = uuid.New()
	}
	return
}
