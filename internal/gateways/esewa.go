package gateways

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sandeshlamsal/schoolpay/internal/models"
)

// Esewa is the legacy redirect gateway. Initiation happens entirely on the
// client: we hand back a form post aimed at the epay endpoint and eSewa
// redirects to our success URL with oid/amt/refId query params. Verification
// is a server-to-server form post whose plain-text response carries a literal
// "Success" marker.
type Esewa struct {
	cfg    EsewaConfig
	client *http.Client
}

type EsewaConfig struct {
	MerchantCode string
	EpayURL      string
	VerifyURL    string
	SuccessURL   string
	FailureURL   string
	Timeout      time.Duration
}

func NewEsewa(cfg EsewaConfig) *Esewa {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Esewa{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (e *Esewa) Initiate(ctx context.Context, payment *models.Payment, student *models.Student) (*RedirectInstruction, error) {
	amount := payment.Amount.StringFixed(2)
	return &RedirectInstruction{
		URL:    e.cfg.EpayURL,
		Method: http.MethodPost,
		Fields: map[string]string{
			"amt":   amount,
			"txAmt": "0",
			"psc":   "0",
			"pdc":   "0",
			"tAmt":  amount,
			"scd":   e.cfg.MerchantCode,
			"pid":   payment.ID.String(),
			"su":    e.cfg.SuccessURL,
			"fu":    e.cfg.FailureURL,
		},
	}, nil
}

func (e *Esewa) Verify(ctx context.Context, params CallbackParams) (*VerificationResult, error) {
	form := url.Values{
		"amt": {params.Amount},
		"scd": {e.cfg.MerchantCode},
		"pid": {params.PaymentID},
		"rid": {params.ProviderRef},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.VerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &GatewayError{Provider: "esewa", Op: "verify", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &GatewayError{Provider: "esewa", Op: "verify", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &GatewayError{Provider: "esewa", Op: "verify", Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{Provider: "esewa", Op: "verify", Err: err}
	}

	// eSewa reports the amount only through the callback; an unparseable amt
	// yields zero and fails the integrity check downstream.
	reported, err := decimal.NewFromString(strings.TrimSpace(params.Amount))
	if err != nil {
		reported = decimal.Zero
	}

	result := &VerificationResult{
		AmountReported: reported,
		CorrelationID:  params.ProviderRef,
		TransactionID:  params.ProviderRef,
	}

	if strings.Contains(string(body), "Success") {
		result.Outcome = OutcomeCompleted
		result.ExternalStatus = "Completed"
	} else {
		result.Outcome = OutcomeFailed
		result.ExternalStatus = "Failed"
	}

	return result, nil
}
