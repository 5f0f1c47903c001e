// Package amortization computes fixed monthly installments for simple amortized loans.
package amortization

import (
	"fmt"
	"time"

	"github.com/honeynil/lendme-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// PaymentInterval is the spacing between installments.
const PaymentInterval = 30 * 24 * time.Hour

var (
	hundred = decimal.NewFromInt(100)
	twelve  = decimal.NewFromInt(12)
)

// MonthlyPayment returns P*r*(1+r)^n / ((1+r)^n - 1) with r the monthly rate, rounded to
// cents. A zero rate degenerates to P/n.
func MonthlyPayment(principal, annualRatePercent decimal.Decimal, termMonths int) (decimal.Decimal, error) {
	if !principal.IsPositive() {
		return decimal.Zero, fmt.Errorf("principal must be positive, got %s", principal)
	}
	if annualRatePercent.IsNegative() {
		return decimal.Zero, fmt.Errorf("interest rate must not be negative, got %s", annualRatePercent)
	}
	if termMonths <= 0 {
		return decimal.Zero, fmt.Errorf("term must be positive, got %d", termMonths)
	}

	n := decimal.NewFromInt(int64(termMonths))
	if annualRatePercent.IsZero() {
		return principal.DivRound(n, 2), nil
	}

	r := annualRatePercent.Div(hundred).Div(twelve)
	growth := decimal.NewFromInt(1).Add(r).Pow(n)
	payment := principal.Mul(r).Mul(growth).Div(growth.Sub(decimal.NewFromInt(1)))
	return payment.Round(2), nil
}

// Schedule lists every installment from start. The final installment absorbs rounding so
// the outstanding principal ends at exactly zero.
func Schedule(principal, annualRatePercent decimal.Decimal, termMonths int, start time.Time) ([]models.Installment, error) {
	payment, err := MonthlyPayment(principal, annualRatePercent, termMonths)
	if err != nil {
		return nil, err
	}
	r := annualRatePercent.Div(hundred).Div(twelve)

	out := make([]models.Installment, 0, termMonths)
	outstanding := principal
	due := start
	for i := 1; i <= termMonths; i++ {
		due = due.Add(PaymentInterval)
		interest := outstanding.Mul(r).Round(2)
		pay := payment
		principalPart := pay.Sub(interest)
		if i == termMonths || principalPart.GreaterThan(outstanding) {
			principalPart = outstanding
			pay = principalPart.Add(interest)
		}
		outstanding = outstanding.Sub(principalPart)
		out = append(out, models.Installment{
			Number:               i,
			DueDate:              due,
			Payment:              pay,
			Interest:             interest,
			Principal:            principalPart,
			OutstandingPrincipal: outstanding,
		})
	}
	return out, nil
}

// TotalRepayable is payment*n, the amount a borrower pays over the life of the loan.
func TotalRepayable(principal, annualRatePercent decimal.Decimal, termMonths int) (decimal.Decimal, error) {
	payment, err := MonthlyPayment(principal, annualRatePercent, termMonths)
	if err != nil {
		return decimal.Zero, err
	}
	return payment.Mul(decimal.NewFromInt(int64(termMonths))), nil
}
