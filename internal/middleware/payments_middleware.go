package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/sandeshlamsal/schoolpay/internal/fees"
	"github.com/sandeshlamsal/schoolpay/internal/payments"
)

func PaymentServiceMiddleware(service *payments.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("payment_service", service)
		c.Next()
	}
}

func GetPaymentService(c *gin.Context) *payments.Service {
	service, exists := c.Get("payment_service")
	if !exists {
		return nil
	}
	return service.(*payments.Service)
}

func FeeLedgerMiddleware(ledger *fees.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("fee_ledger", ledger)
		c.Next()
	}
}

func GetFeeLedger(c *gin.Context) *fees.Ledger {
	ledger, exists := c.Get("fee_ledger")
	if !exists {
		return nil
	}
	return ledger.(*fees.Ledger)
}
