package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PaymentStatus string

const (
	PaymentInitiated PaymentStatus = "INITIATED"
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSuccess   PaymentStatus = "SUCCESS"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Terminal reports whether no further status transition is permitted.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSuccess || s == PaymentFailed
}

type PaymentGateway string

const (
	GatewayKhalti PaymentGateway = "KHALTI"
	GatewayEsewa  PaymentGateway = "ESEWA"
)

// Payment is one fee payment attempt. Rows are never deleted; together they
// form the student's permanent transaction history.
type Payment struct {
	ID        uuid.UUID       `gorm:"type:uuid;primary_key"`
	StudentID uuid.UUID       `gorm:"type:uuid;not null;index"`
	Student   *Student        `gorm:"foreignKey:StudentID"`
	Amount    decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Name      string          `gorm:"not null"`
	Gateway   PaymentGateway
	Status    PaymentStatus `gorm:"not null;default:'INITIATED';index"`

	// Khalti correlation, populated only when Gateway is KHALTI.
	InitialKhaltiID     string
	KhaltiStatus        string
	KhaltiTransactionID string

	// eSewa correlation, populated only when Gateway is ESEWA.
	EsewaStatus      string
	EsewaReferenceID string
	EsewaOrderID     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (payment *Payment) BeforeCreate(tx *gorm.DB) (err error) {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	return
}
