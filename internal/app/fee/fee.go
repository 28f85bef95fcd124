// Package fee computes the platform fee taken from each sale.
package fee

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/lojix/wallet/internal/app/entity"
)

var ErrInvalidAmount = errors.New("gross amount must be positive")
var ErrUnknownPlan = errors.New("unknown plan tier")

// tariff is the percentage + fixed pair charged per sale for a plan tier.
type tariff struct {
	percentage decimal.Decimal
	fixed      decimal.Decimal
}

var tariffs = map[string]tariff{
	entity.PlanStarter:  {decimal.NewFromFloat(0.05), decimal.NewFromFloat(0.80)},
	entity.PlanPro:      {decimal.NewFromFloat(0.03), decimal.NewFromFloat(0.80)},
	entity.PlanBusiness: {decimal.NewFromFloat(0.02), decimal.NewFromFloat(0.80)},
}

// Calculate returns the platform fee and the seller's net proceeds for a
// gross sale amount under the given plan tier. The fee is rounded half-up to
// the currency's minor unit; net = gross - fee, so fee + net == gross exactly.
func Calculate(gross decimal.Decimal, plan string) (fee, net decimal.Decimal, err error) {
	if !gross.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}
	t, ok := tariffs[plan]
	if !ok {
		return decimal.Zero, decimal.Zero, ErrUnknownPlan
	}

	fee = gross.Mul(t.percentage).Add(t.fixed).Round(2)
	net = gross.Sub(fee)
	return fee, net, nil
}
