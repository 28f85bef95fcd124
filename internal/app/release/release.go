// Package release decides how much of a sale's net proceeds is reserved and
// until when. Two rules compete per sale; the one reserving the larger amount
// applies wholly.
package release

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/lojix/wallet/internal/app/entity"
)

const (
	trailingWindow    = 15 * 24 * time.Hour
	trailingHold      = 15 * 24 * time.Hour
	largestSaleWindow = 24 * time.Hour
	largestSaleHold   = 24 * time.Hour
)

var trailingPct = decimal.NewFromFloat(0.04)

// Sale is one cleared sale's net proceeds at a point in time.
type Sale struct {
	OrderID   string
	Net       decimal.Decimal
	Timestamp time.Time
}

// Hold is the chosen reservation for a sale.
type Hold struct {
	Amount    decimal.Decimal
	ReleaseAt time.Time
	Rule      string
}

// Evaluate computes the reservation for sale given the store's prior cleared
// sales. Both trailing windows end at sale.Timestamp and include the sale
// itself. Evaluation happens once, at clearing time; holds are never
// recomputed when later sales arrive.
//
// Rule 1 reserves 4% of the trailing 15-day net sum, released 15 days after
// the sale. Rule 2 reserves the single largest trailing-24h net sale,
// released 24 hours after that sale's timestamp. Ties between the rules
// prefer Rule 1; ties between equal largest sales resolve to the earliest.
//
// The chosen reservation is capped at the sale's own net: the rules decide
// how long this sale's proceeds stay reserved, never more than the sale
// brought in, so a store's holds can never outrun its credits.
func Evaluate(sale Sale, history []Sale) Hold {
	now := sale.Timestamp

	trailingSum := sale.Net
	largest := sale
	for _, s := range history {
		if s.Timestamp.After(now) {
			continue
		}
		if !s.Timestamp.Before(now.Add(-trailingWindow)) {
			trailingSum = trailingSum.Add(s.Net)
		}
		if !s.Timestamp.Before(now.Add(-largestSaleWindow)) {
			if s.Net.GreaterThan(largest.Net) ||
				(s.Net.Equal(largest.Net) && s.Timestamp.Before(largest.Timestamp)) {
				largest = s
			}
		}
	}

	rule1 := Hold{
		Amount:    trailingSum.Mul(trailingPct).Round(2),
		ReleaseAt: now.Add(trailingHold),
		Rule:      entity.Rule1,
	}
	rule2 := Hold{
		Amount:    largest.Net,
		ReleaseAt: largest.Timestamp.Add(largestSaleHold),
		Rule:      entity.Rule2,
	}

	chosen := rule1
	if rule2.Amount.GreaterThan(rule1.Amount) {
		chosen = rule2
	}
	if chosen.Amount.GreaterThan(sale.Net) {
		chosen.Amount = sale.Net
	}
	return chosen
}
