package chapa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL = "https://api.chapa.co/v1"
	DefaultTimeout = 15 * time.Second

	maxResponseBytes = 1 << 20
)

// ErrNotConfigured is returned by every call when no secret key is set.
// It is a configuration fault and must not be retried.
var ErrNotConfigured = errors.New("chapa: secret key not configured")

// GatewayError is the single error type for rejected or failed provider calls.
// Body holds the decoded provider response for logging only.
type GatewayError struct {
	Message    string
	StatusCode int
	Body       any
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("chapa: %s (status %d)", e.Message, e.StatusCode)
}

type Client struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

func NewClient(secretKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Message json.RawMessage `json:"message"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
}

// ======================
// PAYMENTS
// ======================

type InitializeParams struct {
	Amount      decimal.Decimal
	Currency    string
	Email       string
	FirstName   string
	LastName    string
	TxRef       string
	CallbackURL string
	ReturnURL   string
	Title       string
	Description string
	Meta        map[string]string
}

type initializeRequest struct {
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	Email         string            `json:"email,omitempty"`
	FirstName     string            `json:"first_name,omitempty"`
	LastName      string            `json:"last_name,omitempty"`
	TxRef         string            `json:"tx_ref"`
	CallbackURL   string            `json:"callback_url,omitempty"`
	ReturnURL     string            `json:"return_url,omitempty"`
	Customization map[string]string `json:"customization,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

type InitializeResult struct {
	CheckoutURL string `json:"checkout_url"`
}

func (c *Client) InitializeCheckout(ctx context.Context, p InitializeParams) (*InitializeResult, error) {
	req := initializeRequest{
		Amount:      p.Amount.StringFixed(2),
		Currency:    p.Currency,
		Email:       p.Email,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		TxRef:       p.TxRef,
		CallbackURL: p.CallbackURL,
		ReturnURL:   p.ReturnURL,
		Meta:        p.Meta,
	}
	if p.Title != "" || p.Description != "" {
		req.Customization = map[string]string{
			"title":       p.Title,
			"description": p.Description,
		}
	}

	var out InitializeResult
	if err := c.do(ctx, http.MethodPost, "/transaction/initialize", req, &out); err != nil {
		return nil, err
	}
	if out.CheckoutURL == "" {
		return nil, &GatewayError{Message: "missing checkout url", StatusCode: http.StatusBadGateway}
	}
	return &out, nil
}

type Verification struct {
	Status    string          `json:"status"`
	Reference string          `json:"reference"`
	TxRef     string          `json:"tx_ref"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Method    string          `json:"method"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

func (c *Client) VerifyTransaction(ctx context.Context, txRef string) (*Verification, error) {
	var out Verification
	path := "/transaction/verify/" + url.PathEscape(txRef)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type RefundParams struct {
	Reason    string
	Amount    *decimal.Decimal
	Reference string
}

type refundRequest struct {
	Reason    string `json:"reason,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Reference string `json:"reference"`
}

type RefundResult struct {
	RefundReference string          `json:"ref_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
}

// ProcessRefund refunds providerRef. Reference is the idempotent refund
// reference; resubmitting it does not refund twice.
func (c *Client) ProcessRefund(ctx context.Context, providerRef string, p RefundParams) (*RefundResult, error) {
	if p.Reference == "" {
		return nil, errors.New("chapa: refund reference is required")
	}
	req := refundRequest{Reason: p.Reason, Reference: p.Reference}
	if p.Amount != nil {
		req.Amount = p.Amount.StringFixed(2)
	}

	var out RefundResult
	if err := c.do(ctx, http.MethodPost, "/refund/"+url.PathEscape(providerRef), req, &out); err != nil {
		return nil, err
	}
	if out.RefundReference == "" {
		out.RefundReference = p.Reference
	}
	return &out, nil
}

// ======================
// TRANSFERS
// ======================

type Bank struct {
	ID         flexString `json:"id"`
	Slug       string     `json:"slug"`
	Name       string     `json:"name"`
	AcctLength int        `json:"acct_length"`
	Currency   string     `json:"currency"`
}

func (c *Client) ListBanks(ctx context.Context) ([]Bank, error) {
	var out []Bank
	if err := c.do(ctx, http.MethodGet, "/banks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type TransferParams struct {
	AccountName   string
	AccountNumber string
	Amount        decimal.Decimal
	Currency      string
	Reference     string
	BankCode      string
}

type transferRequest struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Reference     string `json:"reference"`
	BankCode      string `json:"bank_code"`
}

type TransferResult struct {
	ChapaReference string
}

func (c *Client) CreateTransfer(ctx context.Context, p TransferParams) (*TransferResult, error) {
	req := transferRequest{
		AccountName:   p.AccountName,
		AccountNumber: p.AccountNumber,
		Amount:        p.Amount.StringFixed(2),
		Currency:      p.Currency,
		Reference:     p.Reference,
		BankCode:      p.BankCode,
	}

	// data is either the provider reference as a bare string or an object.
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/transfers", req, &raw); err != nil {
		return nil, err
	}

	var ref string
	if err := json.Unmarshal(raw, &ref); err != nil {
		var obj struct {
			ChapaReference string `json:"chapa_reference"`
			Reference      string `json:"reference"`
		}
		_ = json.Unmarshal(raw, &obj)
		ref = obj.ChapaReference
		if ref == "" {
			ref = obj.Reference
		}
	}
	return &TransferResult{ChapaReference: ref}, nil
}

type TransferStatus struct {
	Status         string          `json:"status"`
	Reference      string          `json:"tx_ref"`
	ChapaReference string          `json:"chapa_transfer_id"`
	BankReference  string          `json:"cross_party_reference"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

func (c *Client) VerifyTransfer(ctx context.Context, reference string) (*TransferStatus, error) {
	var out TransferStatus
	if err := c.do(ctx, http.MethodGet, "/transfers/verify/"+url.PathEscape(reference), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ======================
// TRANSPORT
// ======================

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.secretKey == "" {
		return ErrNotConfigured
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chapa: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("chapa: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &GatewayError{
			Message:    "gateway unreachable: " + err.Error(),
			StatusCode: http.StatusBadGateway,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &GatewayError{
			Message:    "read response: " + err.Error(),
			StatusCode: http.StatusBadGateway,
		}
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = string(raw)
	}

	var env envelope
	envErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &GatewayError{
			Message:    messageOf(env.Message, resp.Status),
			StatusCode: resp.StatusCode,
			Body:       decoded,
		}
	}
	if envErr != nil {
		return &GatewayError{Message: "malformed response", StatusCode: http.StatusBadGateway, Body: decoded}
	}
	if !strings.EqualFold(env.Status, "success") {
		return &GatewayError{
			Message:    messageOf(env.Message, "request declined"),
			StatusCode: http.StatusBadRequest,
			Body:       decoded,
		}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &GatewayError{Message: "malformed response data", StatusCode: http.StatusBadGateway, Body: decoded}
		}
	}
	return nil
}

// messageOf extracts the provider message, which is a string on most
// endpoints and a field-error object on validation failures.
func messageOf(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return string(raw)
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
