package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"github.com/sandeshlamsal/schoolpay/internal/fees"
	"github.com/sandeshlamsal/schoolpay/internal/gateways"
	"github.com/sandeshlamsal/schoolpay/internal/helpers"
	"github.com/sandeshlamsal/schoolpay/internal/middleware"
	"github.com/sandeshlamsal/schoolpay/internal/models"
	"github.com/sandeshlamsal/schoolpay/internal/payments"
)

type CreatePaymentRequest struct {
	Amount float64 `json:"amount" binding:"required"`
}

type InitiatePaymentRequest struct {
	Gateway models.PaymentGateway `json:"gateway" binding:"required,oneof=KHALTI ESEWA"`
}

type PaymentResponse struct {
	ID      uuid.UUID             `json:"id"`
	Name    string                `json:"name"`
	Amount  string                `json:"amount"`
	Gateway models.PaymentGateway `json:"gateway,omitempty"`
	Status  models.PaymentStatus  `json:"status"`
}

func paymentResponse(payment *models.Payment) PaymentResponse {
	return PaymentResponse{
		ID:      payment.ID,
		Name:    payment.Name,
		Amount:  payment.Amount.StringFixed(2),
		Gateway: payment.Gateway,
		Status:  payment.Status,
	}
}

func sessionStudentID(c *gin.Context) (uuid.UUID, bool) {
	studentID, exists := c.Get("student_id")
	if !exists {
		helpers.RespondWithError(c, http.StatusUnauthorized, "Student ID not found in token.")
		return uuid.Nil, false
	}
	studentUUID, ok := studentID.(uuid.UUID)
	if !ok {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Invalid student ID type.")
		return uuid.Nil, false
	}
	return studentUUID, true
}

func respondDomainError(c *gin.Context, err error) {
	var validationErr *payments.ValidationError
	var mismatchErr *payments.AmountMismatchError
	var gatewayErr *gateways.GatewayError

	switch {
	case errors.As(err, &validationErr):
		helpers.RespondWithError(c, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, payments.ErrNotFound):
		helpers.RespondWithError(c, http.StatusNotFound, "Payment not found.")
	case errors.As(err, &mismatchErr):
		helpers.RespondWithError(c, http.StatusConflict, "Payment amount verification failed.")
	case errors.As(err, &gatewayErr):
		helpers.RespondWithError(c, http.StatusBadGateway, "Payment provider is unavailable. Please try again.")
	default:
		helpers.RespondWithError(c, http.StatusInternalServerError, "Something went wrong.")
	}
}

func CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid input. Please check your fields.")
		return
	}

	studentID, ok := sessionStudentID(c)
	if !ok {
		return
	}

	service := middleware.GetPaymentService(c)
	if service == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Payment service not found.")
		return
	}

	payment, err := service.Create(c.Request.Context(), studentID, decimal.NewFromFloat(req.Amount).Round(2))
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, paymentResponse(payment))
}

func InitiatePayment(c *gin.Context) {
	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid payment ID.")
		return
	}

	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid input. Please check your fields.")
		return
	}

	studentID, ok := sessionStudentID(c)
	if !ok {
		return
	}

	service := middleware.GetPaymentService(c)
	if service == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Payment service not found.")
		return
	}

	payment, err := service.Get(c.Request.Context(), paymentID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if payment.StudentID != studentID {
		helpers.RespondWithError(c, http.StatusNotFound, "Payment not found.")
		return
	}

	redirect, err := service.Initiate(c.Request.Context(), paymentID, req.Gateway)
	if err != nil {
		var finalizedErr *payments.AlreadyFinalizedError
		if errors.As(err, &finalizedErr) {
			c.JSON(http.StatusOK, gin.H{"status": finalizedErr.Status})
			return
		}
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"redirect": redirect})
}

// KhaltiCallback is the return_url target: Khalti redirects the student here
// with our purchase_order_id and its pidx once the wallet flow ends.
func KhaltiCallback(c *gin.Context) {
	paymentID := c.Query("purchase_order_id")
	pidx := c.Query("pidx")
	if paymentID == "" || pidx == "" {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid payment callback.")
		return
	}

	reconcileCallback(c, models.GatewayKhalti, gateways.CallbackParams{
		PaymentID:   paymentID,
		ProviderRef: pidx,
	})
}

// EsewaCallback is the su target of the redirect form: eSewa sends oid (our
// payment id), amt and refId, which we confirm server side before committing.
func EsewaCallback(c *gin.Context) {
	oid := c.Query("oid")
	amt := c.Query("amt")
	refID := c.Query("refId")
	if oid == "" || refID == "" {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid payment callback.")
		return
	}

	reconcileCallback(c, models.GatewayEsewa, gateways.CallbackParams{
		PaymentID:   oid,
		ProviderRef: refID,
		Amount:      amt,
	})
}

func reconcileCallback(c *gin.Context, gateway models.PaymentGateway, params gateways.CallbackParams) {
	service := middleware.GetPaymentService(c)
	if service == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Payment service not found.")
		return
	}

	payment, err := service.Reconcile(c.Request.Context(), gateway, params)
	if payment != nil {
		middleware.RecordPaymentReconciled(string(gateway), string(payment.Status))
	}
	if err != nil {
		var mismatchErr *payments.AmountMismatchError
		if errors.As(err, &mismatchErr) && payment != nil {
			c.JSON(http.StatusConflict, gin.H{
				"payment_id": payment.ID,
				"status":     payment.Status,
				"message":    "Payment amount verification failed.",
			})
			return
		}
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_id": payment.ID,
		"status":     payment.Status,
	})
}

func ListTransactions(c *gin.Context) {
	studentID, ok := sessionStudentID(c)
	if !ok {
		return
	}

	service := middleware.GetPaymentService(c)
	if service == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Payment service not found.")
		return
	}

	records, err := service.List(c.Request.Context(), studentID)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	transactions := make([]PaymentResponse, 0, len(records))
	for i := range records {
		transactions = append(transactions, paymentResponse(&records[i]))
	}

	c.JSON(http.StatusOK, gin.H{"transactions": transactions})
}

func DuePayments(c *gin.Context) {
	studentID, ok := sessionStudentID(c)
	if !ok {
		return
	}

	ledger := middleware.GetFeeLedger(c)
	if ledger == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Fee ledger not found.")
		return
	}

	summary, err := ledger.DueAmount(c.Request.Context(), studentID)
	if err != nil {
		if errors.Is(err, fees.ErrStudentNotFound) {
			helpers.RespondWithError(c, http.StatusNotFound, "Student not found.")
			return
		}
		helpers.RespondWithError(c, http.StatusInternalServerError, "Failed to compute due amount.")
		return
	}

	c.JSON(http.StatusOK, summary)
}

// PaymentReceiptQR renders a signed receipt for a completed payment as a QR
// image the school office can scan and verify.
func PaymentReceiptQR(c *gin.Context) {
	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid payment ID.")
		return
	}

	studentID, ok := sessionStudentID(c)
	if !ok {
		return
	}

	service := middleware.GetPaymentService(c)
	if service == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Payment service not found.")
		return
	}

	payment, err := service.Get(c.Request.Context(), paymentID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if payment.StudentID != studentID {
		helpers.RespondWithError(c, http.StatusNotFound, "Payment not found.")
		return
	}
	if payment.Status != models.PaymentSuccess {
		helpers.RespondWithError(c, http.StatusConflict, "Payment is not completed.")
		return
	}

	transactionID := payment.KhaltiTransactionID
	if payment.Gateway == models.GatewayEsewa {
		transactionID = payment.EsewaReferenceID
	}

	signature := helpers.ReceiptSignature(payment.ID, payment.StudentID, transactionID, os.Getenv("JWT_SECRET"))
	qrData := fmt.Sprintf("payment:%s;student:%s;txn:%s;signature:%s",
		payment.ID.String(),
		payment.StudentID.String(),
		transactionID,
		signature,
	)

	qrImage, err := qrcode.Encode(qrData, qrcode.Medium, 256)
	if err != nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Failed to generate receipt QR.")
		return
	}

	c.Data(http.StatusOK, "image/png", qrImage)
}
