package models

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Student mirrors the record kept by the external accounts system. Only the
// fields the payment flow needs (gateway customer info and the grade link for
// the fee ledger) are carried here.
type Student struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key"`
	FirstName   string    `gorm:"not null"`
	LastName    string    `gorm:"not null"`
	Email       string    `gorm:"unique;not null"`
	PhoneNumber string    `gorm:"not null"`
	GradeID     uuid.UUID `gorm:"type:uuid"`
	Grade       *Grade    `gorm:"foreignKey:GradeID"`
}

func (student *Student) BeforeCreate(tx *gorm.DB) (err error) {
	if student.ID == uuid.Nil {
		student.ID = uuid.New()
	}
	return
}

func (student *Student) FullName() string {
	return fmt.Sprintf("%s %s", student.FirstName, student.LastName)
}
