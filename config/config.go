package config

import (
	"fmt"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/sandeshlamsal/schoolpay/internal/gateways"
	"github.com/sandeshlamsal/schoolpay/internal/models"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
}

func LoadConfig() (*Config, error) {
	return &Config{
		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     os.Getenv("DB_PORT"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
	}, nil
}

func LoadKhaltiConfig() gateways.KhaltiConfig {
	return gateways.KhaltiConfig{
		Secret:       os.Getenv("KHALTI_SECRET"),
		BaseURL:      os.Getenv("KHALTI_BASE_URL"),
		InitiatePath: "/epayment/initiate/",
		LookupPath:   "/epayment/lookup/",
		ReturnURL:    os.Getenv("KHALTI_RETURN_URL"),
		WebsiteURL:   os.Getenv("WEBSITE_URL"),
	}
}

func LoadEsewaConfig() gateways.EsewaConfig {
	return gateways.EsewaConfig{
		MerchantCode: os.Getenv("ESEWA_MERCHANT_CODE"),
		EpayURL:      os.Getenv("ESEWA_EPAY_URL"),
		VerifyURL:    os.Getenv("ESEWA_VERIFY_URL"),
		SuccessURL:   os.Getenv("ESEWA_SUCCESS_URL"),
		FailureURL:   os.Getenv("ESEWA_FAILURE_URL"),
	}
}

func enableUUIDExtension(db *gorm.DB) error {
	return db.Exec("CREATE EXTENSION IF NOT EXISTS \"uuid-ossp\"").Error
}

func InitDatabase(cfg *Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := enableUUIDExtension(db); err != nil {
		return nil, err
	}

	err = db.AutoMigrate(&models.Grade{}, &models.Fee{}, &models.Student{}, &models.Payment{})
	if err != nil {
		return nil, err
	}

	return db, nil
}
