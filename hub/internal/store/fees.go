package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Consumption pricing types.
const (
	PricingFixedPerUnit = "FIXED_PER_UNIT"
	PricingBanded       = "BANDED"
)

// Revenue share types.
const (
	RevenueShareFixed = "FIXED"
)

// Money is an amount in a currency: whole units plus nano units.
type Money struct {
	CurrencyCode string `json:"currency_code,omitempty"`
	Units        int64  `json:"units,omitempty"`
	Nanos        int32  `json:"nanos,omitempty"`
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Units == 0 && m.Nanos == 0 }

// FixedRecurringFee is charged every fee period.
type FixedRecurringFee struct {
	Fee                 Money `json:"fee"`
	FeeFrequency        int   `json:"fee_frequency,omitempty"`
	FeeFrequencyPeriods int   `json:"fee_frequency_periods,omitempty"`
}

// ConsumptionRate prices API calls in the band [Start, End). End 0 means
// unbounded.
type ConsumptionRate struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
	Fee   Money `json:"fee"`
}

// RevenueShareRate is the share of revenue, in percent, kept by the
// developer for the band [Start, End).
type RevenueShareRate struct {
	Start           int64   `json:"start,omitempty"`
	End             int64   `json:"end,omitempty"`
	SharePercentage float64 `json:"share_percentage"`
}

// Fees is the fee breakdown of a rate plan. It is stored as one JSON
// column.
type Fees struct {
	SetUp                  []Money             `json:"setup,omitempty"`
	FixedRecurring         []FixedRecurringFee `json:"fixed_recurring,omitempty"`
	ConsumptionPricingType string              `json:"consumption_pricing_type,omitempty"`
	ConsumptionRates       []ConsumptionRate   `json:"consumption_rates,omitempty"`
	RevenueShareType       string              `json:"revenue_share_type,omitempty"`
	RevenueShareRates      []RevenueShareRate  `json:"revenue_share_rates,omitempty"`
}

// Validate checks amounts, band ordering and types. currency is the plan's
// currency; amounts naming another currency are rejected.
func (f Fees) Validate(currency string) error {
	money := func(what string, m Money) error {
		if m.Units < 0 || m.Nanos < 0 || m.Nanos >= 1e9 {
			return fmt.Errorf("%s: invalid amount", what)
		}
		if m.CurrencyCode != "" && currency != "" && m.CurrencyCode != currency {
			return fmt.Errorf("%s: currency %s does not match plan currency %s", what, m.CurrencyCode, currency)
		}
		return nil
	}
	for i, m := range f.SetUp {
		if err := money(fmt.Sprintf("setup fee %d", i), m); err != nil {
			return err
		}
	}
	for i, r := range f.FixedRecurring {
		if err := money(fmt.Sprintf("recurring fee %d", i), r.Fee); err != nil {
			return err
		}
		if r.FeeFrequency < 0 || r.FeeFrequencyPeriods < 0 {
			return fmt.Errorf("recurring fee %d: negative frequency", i)
		}
	}

	switch f.ConsumptionPricingType {
	case "":
		if len(f.ConsumptionRates) > 0 {
			return fmt.Errorf("consumption rates need a pricing type")
		}
	case PricingFixedPerUnit:
		if len(f.ConsumptionRates) != 1 {
			return fmt.Errorf("%s pricing takes exactly one rate", PricingFixedPerUnit)
		}
	case PricingBanded:
		if len(f.ConsumptionRates) == 0 {
			return fmt.Errorf("%s pricing needs at least one band", PricingBanded)
		}
	default:
		return fmt.Errorf("unknown consumption pricing type %q", f.ConsumptionPricingType)
	}
	var prevEnd int64
	for i, r := range f.ConsumptionRates {
		if err := money(fmt.Sprintf("consumption rate %d", i), r.Fee); err != nil {
			return err
		}
		if err := checkBand(i, r.Start, r.End, prevEnd, len(f.ConsumptionRates)); err != nil {
			return fmt.Errorf("consumption rate %d: %w", i, err)
		}
		prevEnd = r.End
	}

	switch f.RevenueShareType {
	case "":
		if len(f.RevenueShareRates) > 0 {
			return fmt.Errorf("revenue share rates need a share type")
		}
	case RevenueShareFixed:
	default:
		return fmt.Errorf("unknown revenue share type %q", f.RevenueShareType)
	}
	prevEnd = 0
	for i, r := range f.RevenueShareRates {
		if r.SharePercentage < 0 || r.SharePercentage > 100 {
			return fmt.Errorf("revenue share rate %d: share must be between 0 and 100", i)
		}
		if err := checkBand(i, r.Start, r.End, prevEnd, len(f.RevenueShareRates)); err != nil {
			return fmt.Errorf("revenue share rate %d: %w", i, err)
		}
		prevEnd = r.End
	}
	return nil
}

// checkBand requires bands to be contiguous, each starting where the last
// ended, and only the final band to be unbounded.
func checkBand(i int, start, end, prevEnd int64, n int) error {
	if start != prevEnd {
		return fmt.Errorf("band starts at %d, want %d", start, prevEnd)
	}
	if end == 0 {
		if i != n-1 {
			return fmt.Errorf("only the last band may be unbounded")
		}
		return nil
	}
	if end <= start {
		return fmt.Errorf("band end %d not after start %d", end, start)
	}
	return nil
}

// Value implements driver.Valuer.
func (f Fees) Value() (driver.Value, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (f *Fees) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*f = Fees{}
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("fees: unsupported type %T", src)
	}
	*f = Fees{}
	return json.Unmarshal(b, f)
}
