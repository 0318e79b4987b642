package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sandeshlamsal/schoolpay/internal/fees"
	"github.com/sandeshlamsal/schoolpay/internal/gateways"
	"github.com/sandeshlamsal/schoolpay/internal/middleware"
	"github.com/sandeshlamsal/schoolpay/internal/models"
	"github.com/sandeshlamsal/schoolpay/internal/payments"
)

// memStore is a minimal in-memory payments.Store for handler tests.
type memStore struct {
	mu       sync.Mutex
	students map[uuid.UUID]*models.Student
	payments map[uuid.UUID]*models.Payment
}

func newMemStore() *memStore {
	return &memStore{
		students: make(map[uuid.UUID]*models.Student),
		payments: make(map[uuid.UUID]*models.Payment),
	}
}

func (m *memStore) Create(ctx context.Context, studentID uuid.UUID, amount decimal.Decimal) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.students[studentID]; !ok {
		return nil, payments.ErrNotFound
	}
	var prior int64
	for _, p := range m.payments {
		if p.StudentID == studentID && p.Status == models.PaymentSuccess {
			prior++
		}
	}
	payment := &models.Payment{
		ID:        uuid.New(),
		StudentID: studentID,
		Amount:    amount,
		Name:      fmt.Sprintf("Installment %d", prior+1),
		Status:    models.PaymentInitiated,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.payments[payment.ID] = payment
	cp := *payment
	return &cp, nil
}

func (m *memStore) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, payments.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetWithStudent(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, payments.ErrNotFound
	}
	cp := *p
	cp.Student = m.students[p.StudentID]
	return &cp, nil
}

func (m *memStore) ListByStudent(ctx context.Context, studentID uuid.UUID) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.payments {
		if p.StudentID == studentID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) ListStalePending(ctx context.Context, olderThan time.Time) ([]models.Payment, error) {
	return nil, nil
}

func (m *memStore) BeginInitiation(ctx context.Context, id uuid.UUID, gateway models.PaymentGateway, correlationID string) (*models.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, false, payments.ErrNotFound
	}
	if p.Status.Terminal() || (p.Gateway != "" && p.Gateway != gateway) {
		cp := *p
		return &cp, false, nil
	}
	p.Gateway = gateway
	p.Status = models.PaymentPending
	if gateway == models.GatewayKhalti && correlationID != "" {
		p.InitialKhaltiID = correlationID
	}
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, true, nil
}

func (m *memStore) Finalize(ctx context.Context, id uuid.UUID, status models.PaymentStatus, corr payments.Correlation) (*models.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, false, payments.ErrNotFound
	}
	if p.Status.Terminal() {
		cp := *p
		return &cp, false, nil
	}
	p.Status = status
	switch corr.Gateway {
	case models.GatewayKhalti:
		p.KhaltiStatus = corr.Status
		p.KhaltiTransactionID = corr.TransactionID
		if corr.ReferenceID != "" {
			p.InitialKhaltiID = corr.ReferenceID
		}
	case models.GatewayEsewa:
		p.EsewaStatus = corr.Status
		p.EsewaReferenceID = corr.ReferenceID
		p.EsewaOrderID = id.String()
	}
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, true, nil
}

type stubGateway struct {
	redirect *gateways.RedirectInstruction
	result   *gateways.VerificationResult
}

func (s *stubGateway) Initiate(ctx context.Context, payment *models.Payment, student *models.Student) (*gateways.RedirectInstruction, error) {
	return s.redirect, nil
}

func (s *stubGateway) Verify(ctx context.Context, params gateways.CallbackParams) (*gateways.VerificationResult, error) {
	return s.result, nil
}

func newTestRouter(t *testing.T, store payments.Store, gw gateways.Gateway) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	service := payments.NewService(store, map[models.PaymentGateway]gateways.Gateway{
		models.GatewayKhalti: gw,
		models.GatewayEsewa:  gw,
	}, zaptest.NewLogger(t))

	r := gin.New()
	r.Use(middleware.PaymentServiceMiddleware(service))

	public := r.Group("/v1")
	{
		public.GET("/payments/callback/khalti", KhaltiCallback)
		public.GET("/payments/callback/esewa", EsewaCallback)
	}

	protected := r.Group("/v1")
	protected.Use(middleware.JWTAuthMiddleware())
	{
		protected.POST("/payments", CreatePayment)
		protected.GET("/payments", ListTransactions)
		protected.POST("/payments/:id/initiate", InitiatePayment)
		protected.GET("/payments/:id/receipt", PaymentReceiptQR)
	}
	return r
}

func bearerToken(t *testing.T, studentID uuid.UUID) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"student_id": studentID.String(),
		"exp":        time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return "Bearer " + signed
}

func seedTestStudent(store *memStore) *models.Student {
	student := &models.Student{
		ID:          uuid.New(),
		FirstName:   "Sita",
		LastName:    "Shrestha",
		Email:       "sita@example.com",
		PhoneNumber: "9800000001",
	}
	store.mu.Lock()
	store.students[student.ID] = student
	store.mu.Unlock()
	return student
}

func doJSON(r *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreatePaymentRequiresAuth(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	r := newTestRouter(t, newMemStore(), &stubGateway{})

	w := doJSON(r, http.MethodPost, "/v1/payments", "", gin.H{"amount": 500.0})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreatePaymentRejectsNegativeAmount(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	store := newMemStore()
	student := seedTestStudent(store)
	r := newTestRouter(t, store, &stubGateway{})

	w := doJSON(r, http.MethodPost, "/v1/payments", bearerToken(t, student.ID), gin.H{"amount": -50.0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKhaltiPaymentFlow(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	store := newMemStore()
	student := seedTestStudent(store)
	token := bearerToken(t, student.ID)

	gw := &stubGateway{
		redirect: &gateways.RedirectInstruction{
			URL:           "https://pay.khalti.com/?pidx=abc123",
			Method:        http.MethodGet,
			CorrelationID: "abc123",
		},
		result: &gateways.VerificationResult{
			Outcome:        gateways.OutcomeCompleted,
			ExternalStatus: "Completed",
			AmountReported: decimal.RequireFromString("500.00"),
			CorrelationID:  "abc123",
			TransactionID:  "txn-1",
		},
	}
	r := newTestRouter(t, store, gw)

	// Create.
	w := doJSON(r, http.MethodPost, "/v1/payments", token, gin.H{"amount": 500.0})
	require.Equal(t, http.StatusCreated, w.Code)

	var created PaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, models.PaymentInitiated, created.Status)
	assert.Equal(t, "Installment 1", created.Name)

	// Initiate.
	w = doJSON(r, http.MethodPost, "/v1/payments/"+created.ID.String()+"/initiate", token, gin.H{"gateway": "KHALTI"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pay.khalti.com")

	// Provider callback.
	callback := "/v1/payments/callback/khalti?purchase_order_id=" + created.ID.String() + "&pidx=abc123"
	w = doJSON(r, http.MethodGet, callback, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"SUCCESS"`)

	// Duplicate delivery is a no-op with the same answer.
	w = doJSON(r, http.MethodGet, callback, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"SUCCESS"`)

	// Receipt QR is available once the payment succeeded.
	req := httptest.NewRequest(http.MethodGet, "/v1/payments/"+created.ID.String()+"/receipt", nil)
	req.Header.Set("Authorization", token)
	qr := httptest.NewRecorder()
	r.ServeHTTP(qr, req)
	require.Equal(t, http.StatusOK, qr.Code)
	assert.Equal(t, "image/png", qr.Header().Get("Content-Type"))
}

func TestKhaltiCallbackMissingParams(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	r := newTestRouter(t, newMemStore(), &stubGateway{})

	w := doJSON(r, http.MethodGet, "/v1/payments/callback/khalti?purchase_order_id=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEsewaCallbackVerificationFailure(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	store := newMemStore()
	student := seedTestStudent(store)
	token := bearerToken(t, student.ID)

	gw := &stubGateway{
		redirect: &gateways.RedirectInstruction{URL: "https://uat.esewa.com.np/epay/main", Method: http.MethodPost},
		result: &gateways.VerificationResult{
			Outcome:        gateways.OutcomeFailed,
			ExternalStatus: "Failed",
			AmountReported: decimal.RequireFromString("500.00"),
			CorrelationID:  "ref-9",
		},
	}
	r := newTestRouter(t, store, gw)

	w := doJSON(r, http.MethodPost, "/v1/payments", token, gin.H{"amount": 500.0})
	require.Equal(t, http.StatusCreated, w.Code)
	var created PaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(r, http.MethodPost, "/v1/payments/"+created.ID.String()+"/initiate", token, gin.H{"gateway": "ESEWA"})
	require.Equal(t, http.StatusOK, w.Code)

	callback := "/v1/payments/callback/esewa?oid=" + created.ID.String() + "&amt=500.00&refId=ref-9"
	w = doJSON(r, http.MethodGet, callback, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"FAILED"`)
}

func newMockLedger(t *testing.T) (*fees.Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return fees.NewLedger(gdb), mock
}

func newDueRouter(t *testing.T, ledger *fees.Ledger) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(middleware.FeeLedgerMiddleware(ledger))

	protected := r.Group("/v1")
	protected.Use(middleware.JWTAuthMiddleware())
	protected.GET("/payments/due", DuePayments)
	return r
}

func TestDuePaymentsUnknownStudent(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	ledger, mock := newMockLedger(t)
	mock.ExpectQuery(`SELECT \* FROM "students" WHERE id =`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	r := newDueRouter(t, ledger)

	w := doJSON(r, http.MethodGet, "/v1/payments/due", bearerToken(t, uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDuePaymentsLedgerFailureIsServerError(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	ledger, mock := newMockLedger(t)
	mock.ExpectQuery(`SELECT \* FROM "students" WHERE id =`).
		WillReturnError(errors.New("connection reset by peer"))
	r := newDueRouter(t, ledger)

	w := doJSON(r, http.MethodGet, "/v1/payments/due", bearerToken(t, uuid.New()), nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitiateForeignPaymentIsHidden(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	store := newMemStore()
	owner := seedTestStudent(store)
	other := seedTestStudent(store)
	r := newTestRouter(t, store, &stubGateway{})

	w := doJSON(r, http.MethodPost, "/v1/payments", bearerToken(t, owner.ID), gin.H{"amount": 500.0})
	require.Equal(t, http.StatusCreated, w.Code)
	var created PaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(r, http.MethodPost, "/v1/payments/"+created.ID.String()+"/initiate", bearerToken(t, other.ID), gin.H{"gateway": "KHALTI"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
