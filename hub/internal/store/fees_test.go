package store

import "testing"

func TestFeesValidate(t *testing.T) {
	tests := []struct {
		name    string
		fees    Fees
		wantErr bool
	}{
		{"empty", Fees{}, false},
		{"setup in plan currency", Fees{SetUp: []Money{{CurrencyCode: "USD", Units: 10}}}, false},
		{"setup in other currency", Fees{SetUp: []Money{{CurrencyCode: "EUR", Units: 10}}}, true},
		{"nanos overflow", Fees{SetUp: []Money{{Nanos: 1e9}}}, true},
		{"fixed per unit", Fees{ConsumptionPricingType: PricingFixedPerUnit, ConsumptionRates: []ConsumptionRate{{Fee: Money{Nanos: 1000}}}}, false},
		{"fixed per unit with two rates", Fees{ConsumptionPricingType: PricingFixedPerUnit, ConsumptionRates: []ConsumptionRate{
			{End: 10, Fee: Money{Units: 1}}, {Start: 10, Fee: Money{Units: 1}},
		}}, true},
		{"contiguous bands", Fees{ConsumptionPricingType: PricingBanded, ConsumptionRates: []ConsumptionRate{
			{End: 100, Fee: Money{Units: 2}}, {Start: 100, End: 1000, Fee: Money{Units: 1}}, {Start: 1000, Fee: Money{Nanos: 500}},
		}}, false},
		{"unbounded band not last", Fees{ConsumptionPricingType: PricingBanded, ConsumptionRates: []ConsumptionRate{
			{Fee: Money{Units: 2}}, {Start: 100, Fee: Money{Units: 1}},
		}}, true},
		{"unknown pricing type", Fees{ConsumptionPricingType: "TIERED"}, true},
		{"revenue share", Fees{RevenueShareType: RevenueShareFixed, RevenueShareRates: []RevenueShareRate{{SharePercentage: 30}}}, false},
		{"revenue share without type", Fees{RevenueShareRates: []RevenueShareRate{{SharePercentage: 30}}}, true},
		{"negative recurring frequency", Fees{FixedRecurring: []FixedRecurringFee{{FeeFrequency: -1}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fees.Validate("USD")
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate: got %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFeesScan(t *testing.T) {
	var f Fees
	if err := f.Scan([]byte(`{"setup":[{"units":5}],"revenue_share_type":"FIXED"}`)); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(f.SetUp) != 1 || f.SetUp[0].Units != 5 || f.RevenueShareType != RevenueShareFixed {
		t.Errorf("got %+v", f)
	}
	if err := f.Scan(nil); err != nil || len(f.SetUp) != 0 {
		t.Errorf("Scan(nil): %+v, %v", f, err)
	}
	if err := f.Scan(42); err == nil {
		t.Error("expected error for unsupported type")
	}
}
