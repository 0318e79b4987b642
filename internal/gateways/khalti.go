package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sandeshlamsal/schoolpay/internal/models"
)

// Khalti is the wallet gateway. Initiation is server side: we post the order
// to Khalti and redirect the student to the returned hosted payment page.
// Verification is a lookup by pidx, the session id Khalti assigns at
// initiation. Amounts on the wire are paisa (rupees x 100).
type Khalti struct {
	cfg    KhaltiConfig
	client *http.Client
}

type KhaltiConfig struct {
	Secret       string
	BaseURL      string
	InitiatePath string
	LookupPath   string
	ReturnURL    string
	WebsiteURL   string
	Timeout      time.Duration
}

func NewKhalti(cfg KhaltiConfig) *Khalti {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Khalti{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type khaltiCustomerInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type khaltiInitiateRequest struct {
	ReturnURL         string             `json:"return_url"`
	WebsiteURL        string             `json:"website_url"`
	Amount            string             `json:"amount"`
	PurchaseOrderID   string             `json:"purchase_order_id"`
	PurchaseOrderName string             `json:"purchase_order_name"`
	CustomerInfo      khaltiCustomerInfo `json:"customer_info"`
}

type khaltiInitiateResponse struct {
	PaymentURL string `json:"payment_url"`
	Pidx       string `json:"pidx"`
}

type khaltiLookupResponse struct {
	Status        string `json:"status"`
	TotalAmount   int64  `json:"total_amount"`
	TransactionID string `json:"transaction_id"`
	Pidx          string `json:"pidx"`
}

func (k *Khalti) Initiate(ctx context.Context, payment *models.Payment, student *models.Student) (*RedirectInstruction, error) {
	body := khaltiInitiateRequest{
		ReturnURL:         k.cfg.ReturnURL,
		WebsiteURL:        k.cfg.WebsiteURL,
		Amount:            fmt.Sprintf("%d", paisa(payment.Amount)),
		PurchaseOrderID:   payment.ID.String(),
		PurchaseOrderName: payment.Name,
		CustomerInfo: khaltiCustomerInfo{
			Name:  student.FullName(),
			Email: student.Email,
			Phone: student.PhoneNumber,
		},
	}

	var resp khaltiInitiateResponse
	if err := k.post(ctx, "initiate", k.cfg.BaseURL+k.cfg.InitiatePath, body, &resp); err != nil {
		return nil, err
	}

	return &RedirectInstruction{
		URL:           resp.PaymentURL,
		Method:        http.MethodGet,
		CorrelationID: resp.Pidx,
	}, nil
}

func (k *Khalti) Verify(ctx context.Context, params CallbackParams) (*VerificationResult, error) {
	body := map[string]string{"pidx": params.ProviderRef}

	var resp khaltiLookupResponse
	if err := k.post(ctx, "lookup", k.cfg.BaseURL+k.cfg.LookupPath, body, &resp); err != nil {
		return nil, err
	}

	result := &VerificationResult{
		ExternalStatus: resp.Status,
		AmountReported: decimal.New(resp.TotalAmount, -2),
		CorrelationID:  resp.Pidx,
		TransactionID:  resp.TransactionID,
	}

	switch resp.Status {
	case "Completed":
		result.Outcome = OutcomeCompleted
	case "Expired", "Failed", "User canceled":
		result.Outcome = OutcomeFailed
	default:
		result.Outcome = OutcomePending
	}

	return result, nil
}

func (k *Khalti) post(ctx context.Context, op, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "key "+k.cfg.Secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return &GatewayError{Provider: "khalti", Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &GatewayError{Provider: "khalti", Op: op, Status: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &GatewayError{Provider: "khalti", Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// paisa converts a rupee amount to Khalti's minor unit.
func paisa(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}
