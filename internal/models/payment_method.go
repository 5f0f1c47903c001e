package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type PaymentMethodType string

const (
	MethodBankAccount PaymentMethodType = "bank_account"
	MethodMobileMoney PaymentMethodType = "mobile_money"
	MethodCard        PaymentMethodType = "card"
	MethodPayPal      PaymentMethodType = "paypal"
)

// PaymentMethod is an external source or destination of funds.
type PaymentMethod interface {
	Type() PaymentMethodType
	Display() string
	Validate() error
}

type BankAccount struct {
	BankName      string `json:"bank_name" validate:"required"`
	AccountNumber string `json:"account_number" validate:"required,numeric,min=6,max=20"`
	AccountName   string `json:"account_name" validate:"required"`
}

func (BankAccount) Type() PaymentMethodType { return MethodBankAccount }

func (b BankAccount) Display() string {
	return fmt.Sprintf("%s ****%s", b.BankName, lastDigits(b.AccountNumber, 4))
}

func (b BankAccount) Validate() error { return validate.Struct(b) }

type MobileMoney struct {
	Provider    string `json:"provider" validate:"required,oneof=mtn airtel vodafone tigo"`
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
}

func (MobileMoney) Type() PaymentMethodType { return MethodMobileMoney }

func (m MobileMoney) Display() string {
	return fmt.Sprintf("%s mobile money ****%s", strings.ToUpper(m.Provider), lastDigits(m.PhoneNumber, 4))
}

func (m MobileMoney) Validate() error { return validate.Struct(m) }

type Card struct {
	Brand       string `json:"brand" validate:"required"`
	Last4       string `json:"last4" validate:"required,len=4,numeric"`
	ExpiryMonth int    `json:"expiry_month" validate:"required,min=1,max=12"`
	ExpiryYear  int    `json:"expiry_year" validate:"required,min=2000"`
}

func (Card) Type() PaymentMethodType { return MethodCard }

func (c Card) Display() string {
	return fmt.Sprintf("%s card ****%s", c.Brand, c.Last4)
}

func (c Card) Validate() error { return validate.Struct(c) }

type PayPal struct {
	Email string `json:"email" validate:"required,email"`
}

func (PayPal) Type() PaymentMethodType { return MethodPayPal }

func (p PayPal) Display() string { return "PayPal " + p.Email }

func (p PayPal) Validate() error { return validate.Struct(p) }

// PaymentMethodEnvelope is the wire form: {"type": "...", "details": {...}}.
type PaymentMethodEnvelope struct {
	Type    PaymentMethodType `json:"type"`
	Details json.RawMessage   `json:"details"`
}

// DecodePaymentMethod resolves the envelope into a concrete, validated method.
func DecodePaymentMethod(env PaymentMethodEnvelope) (PaymentMethod, error) {
	var pm PaymentMethod
	switch env.Type {
	case MethodBankAccount:
		var v BankAccount
		if err := json.Unmarshal(env.Details, &v); err != nil {
			return nil, err
		}
		pm = v
	case MethodMobileMoney:
		var v MobileMoney
		if err := json.Unmarshal(env.Details, &v); err != nil {
			return nil, err
		}
		pm = v
	case MethodCard:
		var v Card
		if err := json.Unmarshal(env.Details, &v); err != nil {
			return nil, err
		}
		pm = v
	case MethodPayPal:
		var v PayPal
		if err := json.Unmarshal(env.Details, &v); err != nil {
			return nil, err
		}
		pm = v
	default:
		return nil, fmt.Errorf("unknown payment method type %q", env.Type)
	}
	if err := pm.Validate(); err != nil {
		return nil, err
	}
	return pm, nil
}

func lastDigits(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
