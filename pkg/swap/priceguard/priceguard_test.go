package priceguard

import (
	"math/big"
	"testing"
)

func TestCheckTakerAcceptsFairQuote(t *testing.T) {
	snap := Snapshot{Median: big.NewRat(100000, 1), AgeMs: 1000, MaxAgeMs: 30000}
	// 50000 sats = 0.0005 BTC at $100000/BTC = $50 = 50_000_000 atomic (6 decimals)
	res := CheckTaker(snap, 50000, big.NewInt(50_000_000), 6, 150)
	if !res.OK {
		t.Fatalf("expected fair quote to pass, got %s", res.Error)
	}
}

func TestCheckTakerRejectsStaleSnapshot(t *testing.T) {
	snap := Snapshot{Median: big.NewRat(100000, 1), AgeMs: 60000, MaxAgeMs: 30000}
	res := CheckTaker(snap, 50000, big.NewInt(50_000_000), 6, 150)
	if res.OK {
		t.Fatal("expected stale snapshot to fail")
	}
}

func TestCheckTakerRejectsNonPositiveMedian(t *testing.T) {
	snap := Snapshot{Median: big.NewRat(0, 1), AgeMs: 0, MaxAgeMs: 30000}
	res := CheckTaker(snap, 50000, big.NewInt(50_000_000), 6, 150)
	if res.OK {
		t.Fatal("expected non-positive median to fail")
	}
}

func TestCheckTakerRejectsExcessiveDiscount(t *testing.T) {
	snap := Snapshot{Median: big.NewRat(100000, 1), AgeMs: 0, MaxAgeMs: 30000}
	// Quote implies $40 for 0.0005 BTC ($50 fair) -> 20% discount, way over 150bps.
	res := CheckTaker(snap, 50000, big.NewInt(40_000_000), 6, 150)
	if res.OK {
		t.Fatal("expected excessive discount to fail")
	}
	if res.DiscountBps.Cmp(big.NewInt(150)) <= 0 {
		t.Fatalf("expected discount_bps > 150, got %s", res.DiscountBps)
	}
}

func TestCheckMakerRejectsExcessiveOverpay(t *testing.T) {
	snap := Snapshot{Median: big.NewRat(100000, 1), AgeMs: 0, MaxAgeMs: 30000}
	// Maker would pay out $60 for $50 of BTC -> 20% overpay.
	res := CheckMaker(snap, 50000, big.NewInt(60_000_000), 6, 150)
	if res.OK {
		t.Fatal("expected excessive overpay to fail")
	}
}

func TestCheckMakerAcceptsSlightSpread(t *testing.T) {
	snap := Snapshot{Median: big.NewRat(100000, 1), AgeMs: 0, MaxAgeMs: 30000}
	// Maker quotes $49.95 (10bps spread under fair $50) — favorable to maker, within ceiling.
	res := CheckMaker(snap, 50000, big.NewInt(49_950_000), 6, 150)
	if !res.OK {
		t.Fatalf("expected small favorable spread to pass, got %s", res.Error)
	}
}
