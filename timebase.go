package audiopipe

import (
	"fmt"
	"math/big"
)

// Rational is a time base: one tick lasts Num/Den seconds.
type Rational struct {
	Num int64
	Den int64
}

func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

func (r Rational) Rat() *big.Rat {
	return big.NewRat(r.Num, r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// FromTimeBase converts ts ticks of tb to seconds, truncating. Callers scale ts
// first for finer units, e.g. FromTimeBase(dts*1000, tb) yields milliseconds.
func FromTimeBase(ts int64, tb Rational) int64 {
	return mulDiv(ts, tb.Num, tb.Den)
}

// ToTimeBase converts ts seconds to ticks of tb, truncating.
func ToTimeBase(ts int64, tb Rational) int64 {
	return mulDiv(ts, tb.Den, tb.Num)
}

// Rescale converts ts from one time base to another, truncating.
func Rescale(ts int64, from, to Rational) int64 {
	if from == to {
		return ts
	}
	n := new(big.Int).Mul(big.NewInt(ts), big.NewInt(from.Num))
	n.Mul(n, big.NewInt(to.Den))
	d := new(big.Int).Mul(big.NewInt(from.Den), big.NewInt(to.Num))
	return n.Quo(n, d).Int64()
}

// FrameDuration is the duration of frameSamples samples in ticks of tb.
func FrameDuration(frameSamples int, sampleRate int, tb Rational) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return ToTimeBase(int64(frameSamples), tb) / int64(sampleRate)
}

// ToMillis converts a timestamp of tb to milliseconds.
func ToMillis(ts int64, tb Rational) int64 {
	return mulDiv(ts, tb.Num*1000, tb.Den)
}

func mulDiv(a, b, c int64) int64 {
	n := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	return n.Quo(n, big.NewInt(c)).Int64()
}

// FromMillis converts ms milliseconds to ticks of tb, truncating.
func FromMillis(ms int64, tb Rational) int64 {
	return mulDiv(ms, tb.Den, tb.Num*1000)
}
