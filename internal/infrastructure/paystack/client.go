// Package paystack talks to the Paystack transaction API and verifies its webhook signatures.
package paystack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/honeynil/lendme-ledger/internal/models"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const EventChargeSuccess = "charge.success"

type InitializeRequest struct {
	Email       string
	Amount      decimal.Decimal
	Currency    string
	Reference   string
	CallbackURL string
	Method      models.PaymentMethodType
	Metadata    map[string]string
}

type InitializeResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// APIError is a non-2xx response. Client errors (4xx) are not worth retrying.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paystack: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type Client struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

func NewClient(secretKey, baseURL string, timeout time.Duration) *Client {
	return &Client{
		secretKey:  secretKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type initializePayload struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency,omitempty"`
	Reference   string            `json:"reference"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Channels    []string          `json:"channels,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// InitializeTransaction opens a hosted checkout for the customer. Network failures and
// 5xx responses wrap ErrGatewayUnavailable.
func (c *Client) InitializeTransaction(ctx context.Context, req InitializeRequest) (*InitializeResponse, error) {
	var err error
	tracer := otel.Tracer("paystack-client")
	ctx, span := tracer.Start(ctx, "InitializeTransaction")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	span.SetAttributes(attribute.String("reference", req.Reference), attribute.String("amount", req.Amount.StringFixed(2)))

	payload := initializePayload{
		Email:       req.Email,
		Amount:      ToMinorUnits(req.Amount),
		Currency:    req.Currency,
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
		Channels:    Channels(req.Method),
		Metadata:    req.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode initialize request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transaction/initialize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build initialize request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		slog.Warn("paystack request failed", "reference", req.Reference, "error", err)
		err = fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		err = fmt.Errorf("%w: reading response: %v", pkgerrors.ErrGatewayUnavailable, err)
		return nil, err
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode >= 300 || !env.Status {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: env.Message}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		if apiErr.Temporary() {
			err = fmt.Errorf("%w: %w", pkgerrors.ErrGatewayUnavailable, apiErr)
		} else {
			err = apiErr
		}
		slog.Warn("paystack rejected initialize", "reference", req.Reference, "status", resp.StatusCode, "message", apiErr.Message)
		return nil, err
	}

	var out InitializeResponse
	if err = json.Unmarshal(env.Data, &out); err != nil {
		err = fmt.Errorf("%w: malformed response: %v", pkgerrors.ErrGatewayUnavailable, err)
		return nil, err
	}
	if out.Reference == "" {
		out.Reference = req.Reference
	}
	slog.Info("paystack transaction initialized", "reference", out.Reference)
	return &out, nil
}

// Channels maps a payment method to the checkout channels Paystack should offer.
func Channels(method models.PaymentMethodType) []string {
	switch method {
	case models.MethodMobileMoney:
		return []string{"mobile_money"}
	case models.MethodCard:
		return []string{"card"}
	case models.MethodBankAccount:
		return []string{"bank", "bank_transfer"}
	default:
		return nil
	}
}

// ToMinorUnits converts a major-unit amount to pesewas (or kobo, cents).
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts a gateway amount back to major units.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// Sign returns the hex HMAC-SHA512 of body under secret, as sent in X-Paystack-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(Sign(secret, body))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(strings.ToLower(signature)))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// Event is a webhook notification body.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

type EventData struct {
	Reference string          `json:"reference"`
	Amount    int64           `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	Channel   string          `json:"channel"`
	Customer  Customer        `json:"customer"`
	Metadata  json.RawMessage `json:"metadata"`
}

type Customer struct {
	Email string `json:"email"`
}

func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidInput, err)
	}
	return &ev, nil
}
