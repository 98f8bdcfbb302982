// Package priceguard implements the oracle-deviation tolerance check (spec
// §4.7, component C7): reject RFQs/quotes whose implied price deviates from
// a recent oracle median beyond a configurable tolerance, in exact
// arithmetic via math/big so no float rounding can mask a manipulated quote.
package priceguard

import (
	"math/big"

	swaperrors "github.com/satswap/swapcore/internal/errors"
)

// Snapshot is a recent price observation from the embedded oracle (spec §6
// `priceGet`): `median` for a pair, with an age in milliseconds relative to
// now.
type Snapshot struct {
	Median   *big.Rat // price in USDT per BTC (or whatever unit the oracle reports)
	AgeMs    int64
	MaxAgeMs int64
}

// Result is the outcome of a Check call.
type Result struct {
	OK          bool
	DiscountBps *big.Int // (1 - implied/median) * 10000, exact
	Error       string
}

// impliedPrice builds the implied price (USDT per BTC) from a
// quote's btc_sats and usdt_amount, both exact integers.
func impliedPrice(btcSats int64, usdtAtomic *big.Int, usdtDecimals int) *big.Rat {
	// price = usdt_amount / usdt_decimals_scale  ÷  btc_sats / 1e8 (BTC)
	//       = (usdt_amount * 1e8) / (btc_sats * 10^usdt_decimals)
	num := new(big.Int).Mul(usdtAtomic, big.NewInt(100_000_000))
	denom := new(big.Int).Mul(big.NewInt(btcSats), pow10(usdtDecimals))
	return new(big.Rat).SetFrac(num, denom)
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// CheckTaker is the taker-side guard: reject quotes priced too far below
// the oracle median (a "too good to be true" quote is the manipulation risk
// a taker faces). discount_bps = (1 - implied/median) * 10000; a positive
// discount means the quote is cheaper than the oracle for the taker.
func CheckTaker(snap Snapshot, btcSats int64, usdtAtomic *big.Int, usdtDecimals int, maxDiscountBps int64) Result {
	return check(snap, btcSats, usdtAtomic, usdtDecimals, maxDiscountBps, false)
}

// CheckMaker is the maker-side analogue: reject quotes priced too far above
// the oracle median (overpay_bps mirrors discount_bps with the sign
// flipped, spec §4.7).
func CheckMaker(snap Snapshot, btcSats int64, usdtAtomic *big.Int, usdtDecimals int, maxOverpayBps int64) Result {
	return check(snap, btcSats, usdtAtomic, usdtDecimals, maxOverpayBps, true)
}

func check(snap Snapshot, btcSats int64, usdtAtomic *big.Int, usdtDecimals int, maxBps int64, overpay bool) Result {
	if snap.MaxAgeMs > 0 && snap.AgeMs > snap.MaxAgeMs {
		return Result{OK: false, Error: "oracle snapshot exceeds max_age_ms"}
	}
	if snap.Median == nil || snap.Median.Sign() <= 0 {
		return Result{OK: false, Error: "oracle median must be positive"}
	}
	if btcSats <= 0 {
		return Result{OK: false, Error: "btc_sats must be positive"}
	}

	implied := impliedPrice(btcSats, usdtAtomic, usdtDecimals)

	// deviation = (1 - implied/median) * 10000, exact rational arithmetic.
	ratio := new(big.Rat).Quo(implied, snap.Median)
	one := big.NewRat(1, 1)
	deviation := new(big.Rat).Sub(one, ratio)
	if overpay {
		deviation = deviation.Neg(deviation)
	}
	deviation = deviation.Mul(deviation, big.NewRat(10000, 1))

	bps := new(big.Int).Quo(deviation.Num(), deviation.Denom())

	if bps.Cmp(big.NewInt(maxBps)) > 0 {
		label := "discount_bps"
		if overpay {
			label = "overpay_bps"
		}
		return Result{OK: false, DiscountBps: bps, Error: label + " exceeds configured ceiling"}
	}

	return Result{OK: true, DiscountBps: bps}
}

// Err converts a failed Result into a typed error for callers that want to
// propagate it uniformly (e.g. the orchestrators dropping a hostile RFQ).
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return swaperrors.New(swaperrors.ErrCodeInvalidEnvelope, "price guard: "+r.Error)
}
