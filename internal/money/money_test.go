package money

import (
	"testing"
)

// XTS is a generic 2-decimal test currency (ISO 4217 reserves "XTS" for
// testing purposes) used to exercise cents-style rounding without
// reintroducing a fiat asset into the production registry.
var XTS = Asset{Code: "XTS", Decimals: 2, Type: AssetTypeSPL}

var (
	USDT = MustGetAsset("USDT")
	BTC  = MustGetAsset("BTC")
)

func TestFromMajor(t *testing.T) {
	tests := []struct {
		name       string
		asset      Asset
		major      string
		wantAtomic int64
		wantErr    bool
	}{
		// XTS (2 decimals)
		{"XTS 10.50", XTS, "10.50", 1050, false},
		{"XTS 0.01", XTS, "0.01", 1, false},
		{"XTS 100", XTS, "100", 10000, false},
		{"XTS -5.25", XTS, "-5.25", -525, false},
		{"XTS rounding up", XTS, "10.555", 1056, false},
		{"XTS rounding down", XTS, "10.554", 1055, false},

		// USDT (6 decimals)
		{"USDT 1.5", USDT, "1.5", 1500000, false},
		{"USDT 10", USDT, "10", 10000000, false},
		{"USDT 0.000001", USDT, "0.000001", 1, false},

		// BTC (8 decimals, satoshis)
		{"BTC 0.5", BTC, "0.5", 50000000, false},
		{"BTC 1", BTC, "1", 100000000, false},

		// Errors
		{"invalid format", XTS, "10.50.30", 0, true},
		{"invalid number", XTS, "abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromMajor(tt.asset, tt.major)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromMajor() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.wantAtomic {
				t.Errorf("FromMajor() atomic = %v, want %v", got.Atomic, tt.wantAtomic)
			}
		})
	}
}

func TestToMajor(t *testing.T) {
	tests := []struct {
		name  string
		money Money
		want  string
	}{
		{"XTS 10.50", Money{XTS, 1050}, "10.50"},
		{"XTS 0.01", Money{XTS, 1}, "0.01"},
		{"XTS 100", Money{XTS, 10000}, "100.00"},
		{"XTS -5.25", Money{XTS, -525}, "-5.25"},
		{"XTS zero", Money{XTS, 0}, "0.00"},

		{"USDT 1.5", Money{USDT, 1500000}, "1.500000"},
		{"USDT 10", Money{USDT, 10000000}, "10.000000"},

		{"BTC 0.5", Money{BTC, 50000000}, "0.50000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.money.ToMajor()
			if got != tt.want {
				t.Errorf("ToMajor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFromAtomic(t *testing.T) {
	tests := []struct {
		name       string
		asset      Asset
		atomic     string
		wantAtomic int64
		wantErr    bool
	}{
		{"XTS 1050", XTS, "1050", 1050, false},
		{"USDT 1500000", USDT, "1500000", 1500000, false},
		{"invalid", XTS, "abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromAtomic(tt.asset, tt.atomic)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromAtomic() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.wantAtomic {
				t.Errorf("FromAtomic() = %v, want %v", got.Atomic, tt.wantAtomic)
			}
		})
	}
}

func TestAdd(t *testing.T) {
	tests := []struct {
		name    string
		a       Money
		b       Money
		want    int64
		wantErr bool
	}{
		{"same asset", Money{XTS, 1000}, Money{XTS, 500}, 1500, false},
		{"negative", Money{XTS, 1000}, Money{XTS, -500}, 500, false},
		{"different assets", Money{XTS, 1000}, Money{USDT, 500}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.a.Add(tt.b)
			if (err != nil) != tt.wantErr {
				t.Errorf("Add() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.want {
				t.Errorf("Add() = %v, want %v", got.Atomic, tt.want)
			}
		})
	}
}

func TestSub(t *testing.T) {
	tests := []struct {
		name    string
		a       Money
		b       Money
		want    int64
		wantErr bool
	}{
		{"positive result", Money{XTS, 1000}, Money{XTS, 500}, 500, false},
		{"negative result", Money{XTS, 500}, Money{XTS, 1000}, -500, false},
		{"different assets", Money{XTS, 1000}, Money{USDT, 500}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.a.Sub(tt.b)
			if (err != nil) != tt.wantErr {
				t.Errorf("Sub() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.want {
				t.Errorf("Sub() = %v, want %v", got.Atomic, tt.want)
			}
		})
	}
}

func TestMul(t *testing.T) {
	tests := []struct {
		name       string
		money      Money
		multiplier int64
		want       int64
		wantErr    bool
	}{
		{"double", Money{XTS, 1000}, 2, 2000, false},
		{"zero", Money{XTS, 1000}, 0, 0, false},
		{"negative", Money{XTS, 1000}, -2, -2000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.money.Mul(tt.multiplier)
			if (err != nil) != tt.wantErr {
				t.Errorf("Mul() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.want {
				t.Errorf("Mul() = %v, want %v", got.Atomic, tt.want)
			}
		})
	}
}

func TestMulBasisPoints(t *testing.T) {
	tests := []struct {
		name        string
		money       Money
		basisPoints int64
		want        int64
		wantErr     bool
	}{
		{"2.5% of 100", Money{XTS, 10000}, 250, 250, false},
		{"10% of 50", Money{XTS, 5000}, 1000, 500, false},
		{"100% of 10", Money{XTS, 1000}, 10000, 1000, false},
		{"0%", Money{XTS, 10000}, 0, 0, false},
		{"rounding half-up", Money{XTS, 1005}, 1000, 101, false}, // 10.05 * 10% = 1.005 -> 1.01
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.money.MulBasisPoints(tt.basisPoints)
			if (err != nil) != tt.wantErr {
				t.Errorf("MulBasisPoints() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.want {
				t.Errorf("MulBasisPoints() = %v, want %v", got.Atomic, tt.want)
			}
		})
	}
}

func TestMulPercent(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		percent int64
		want    int64
	}{
		{"10% of 100", Money{XTS, 10000}, 10, 1000},
		{"50% of 20", Money{XTS, 2000}, 50, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := tt.money.MulPercent(tt.percent)
			if got.Atomic != tt.want {
				t.Errorf("MulPercent() = %v, want %v", got.Atomic, tt.want)
			}
		})
	}
}

func TestDiv(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		divisor int64
		want    int64
		wantErr bool
	}{
		{"divide by 2", Money{XTS, 1000}, 2, 500, false},
		{"divide by 3 with rounding", Money{XTS, 1000}, 3, 333, false},
		{"divide by zero", Money{XTS, 1000}, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.money.Div(tt.divisor)
			if (err != nil) != tt.wantErr {
				t.Errorf("Div() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.want {
				t.Errorf("Div() = %v, want %v", got.Atomic, tt.want)
			}
		})
	}
}

func TestComparisons(t *testing.T) {
	a := Money{XTS, 1000}
	b := Money{XTS, 500}
	c := Money{XTS, 1000}
	d := Money{USDT, 1000}

	if !a.GreaterThan(b) {
		t.Error("expected a > b")
	}
	if !b.LessThan(a) {
		t.Error("expected b < a")
	}
	if !a.Equal(c) {
		t.Error("expected a == c")
	}
	if a.Equal(d) {
		t.Error("expected a != d (different assets)")
	}
}

func TestChecks(t *testing.T) {
	positive := Money{XTS, 100}
	negative := Money{XTS, -100}
	zero := Money{XTS, 0}

	if !positive.IsPositive() || positive.IsNegative() || positive.IsZero() {
		t.Error("positive check failed")
	}
	if !negative.IsNegative() || negative.IsPositive() || negative.IsZero() {
		t.Error("negative check failed")
	}
	if !zero.IsZero() || zero.IsPositive() || zero.IsNegative() {
		t.Error("zero check failed")
	}
}

func TestAbsNegate(t *testing.T) {
	positive := Money{XTS, 100}
	negative := Money{XTS, -100}

	if positive.Abs().Atomic != 100 {
		t.Error("Abs of positive failed")
	}
	if negative.Abs().Atomic != 100 {
		t.Error("Abs of negative failed")
	}
	if positive.Negate().Atomic != -100 {
		t.Error("Negate of positive failed")
	}
	if negative.Negate().Atomic != 100 {
		t.Error("Negate of negative failed")
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		name  string
		money Money
		want  string
	}{
		{"XTS positive", Money{XTS, 1050}, "10.50 XTS"},
		{"USDT", Money{USDT, 1500000}, "1.500000 USDT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.money.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoundTripMajor(t *testing.T) {
	tests := []struct {
		asset Asset
		major string
	}{
		{XTS, "10.50"},
		{USDT, "1.5"},
		{BTC, "0.12345678"},
	}

	for _, tt := range tests {
		t.Run(tt.asset.Code+" "+tt.major, func(t *testing.T) {
			m, err := FromMajor(tt.asset, tt.major)
			if err != nil {
				t.Fatalf("FromMajor() error = %v", err)
			}

			roundTrip, err := FromMajor(tt.asset, m.ToMajor())
			if err != nil {
				t.Fatalf("round trip FromMajor() error = %v", err)
			}

			if m.Atomic != roundTrip.Atomic {
				t.Errorf("round trip failed: %v -> %v -> %v", tt.major, m.Atomic, roundTrip.Atomic)
			}
		})
	}
}

func TestRoundUpToCents(t *testing.T) {
	tests := []struct {
		name       string
		money      Money
		wantAtomic int64
	}{
		// USDT (6 decimals) - positive amounts
		{"USDT positive fractional small", Money{USDT, 1}, 10000},
		{"USDT positive fractional large", Money{USDT, 9999}, 10000},
		{"USDT positive at boundary", Money{USDT, 10000}, 10000},
		{"USDT positive above boundary", Money{USDT, 10001}, 20000},
		{"USDT positive 1.50", Money{USDT, 1500000}, 1500000},
		{"USDT positive 1.501", Money{USDT, 1501000}, 1510000},

		// USDT (6 decimals) - negative amounts (refunds)
		{"USDT negative fractional small", Money{USDT, -1}, 0},
		{"USDT negative fractional large", Money{USDT, -9999}, 0},
		{"USDT negative at boundary", Money{USDT, -10000}, -10000},
		{"USDT negative above boundary", Money{USDT, -10001}, -10000},
		{"USDT negative 1.50", Money{USDT, -1500000}, -1500000},
		{"USDT negative 1.501", Money{USDT, -1501000}, -1500000},

		// XTS (2 decimals) - should return unchanged
		{"XTS positive no rounding needed", Money{XTS, 1050}, 1050},
		{"XTS negative no rounding needed", Money{XTS, -1050}, -1050},

		// BTC (8 decimals, satoshis) - positive amounts
		{"BTC positive fractional", Money{BTC, 100000}, 1000000},
		{"BTC positive at boundary", Money{BTC, 1000000}, 1000000},
		{"BTC positive above boundary", Money{BTC, 1000001}, 2000000},

		// BTC (8 decimals) - negative amounts
		{"BTC negative fractional", Money{BTC, -100000}, 0},
		{"BTC negative at boundary", Money{BTC, -1000000}, -1000000},
		{"BTC negative above boundary", Money{BTC, -1000001}, -1000000},

		// Edge cases
		{"USDT zero", Money{USDT, 0}, 0},
		{"USDT large positive", Money{USDT, 100000000}, 100000000},
		{"USDT large negative", Money{USDT, -100000000}, -100000000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.money.RoundUpToCents()
			if got.Atomic != tt.wantAtomic {
				t.Errorf("RoundUpToCents() = %v, want %v (input: %v)", got.Atomic, tt.wantAtomic, tt.money.Atomic)
			}
			if got.Asset.Code != tt.money.Asset.Code {
				t.Errorf("RoundUpToCents() changed asset from %v to %v", tt.money.Asset.Code, got.Asset.Code)
			}
		})
	}
}
