// Package domain defines the core types shared across stocksync: daily
// records, instrument kinds and the symbol universe.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Kind
// ---------------------------------------------------------------------------

// Kind selects the instrument family. Each kind has its own storage table and
// its own upstream operation.
type Kind string

const (
	KindEquity Kind = "equity"
	KindIndex  Kind = "index"
)

// Kinds lists every supported kind in synchronization order. Indices come
// first because the benchmark that drives the reference calendar is an index.
var Kinds = []Kind{KindIndex, KindEquity}

// ParseKind converts a user-supplied string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "equity", "stock":
		return KindEquity, nil
	case "index":
		return KindIndex, nil
	}
	return "", fmt.Errorf("unknown kind %q", s)
}

// ---------------------------------------------------------------------------
// Adjust
// ---------------------------------------------------------------------------

// Adjust is the price adjustment method requested for equity series.
type Adjust string

const (
	AdjustNone     Adjust = ""
	AdjustForward  Adjust = "qfq"
	AdjustBackward Adjust = "hfq"
)

// ParseAdjust converts a configuration value into an Adjust.
func ParseAdjust(s string) (Adjust, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AdjustNone, nil
	case "qfq", "forward":
		return AdjustForward, nil
	case "hfq", "backward":
		return AdjustBackward, nil
	}
	return "", fmt.Errorf("unknown adjust method %q", s)
}

// ---------------------------------------------------------------------------
// DailyRecord
// ---------------------------------------------------------------------------

// DailyRecord is one day of OHLCV data for one symbol. (Symbol, Date) is the
// natural key. Date is always a UTC midnight.
type DailyRecord struct {
	Symbol string
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Amount float64

	// Equity only.
	OutstandingShare *float64
	Turnover         *float64

	// Index only.
	Amplitude    *float64
	ChangeRate   *float64
	ChangeAmount *float64
	TurnoverRate *float64
}

// SameValues reports whether r and o carry identical field values. The key
// is not compared.
func (r DailyRecord) SameValues(o DailyRecord) bool {
	return r.Open == o.Open &&
		r.High == o.High &&
		r.Low == o.Low &&
		r.Close == o.Close &&
		r.Volume == o.Volume &&
		r.Amount == o.Amount &&
		sameOptional(r.OutstandingShare, o.OutstandingShare) &&
		sameOptional(r.Turnover, o.Turnover) &&
		sameOptional(r.Amplitude, o.Amplitude) &&
		sameOptional(r.ChangeRate, o.ChangeRate) &&
		sameOptional(r.ChangeAmount, o.ChangeAmount) &&
		sameOptional(r.TurnoverRate, o.TurnoverRate)
}

func sameOptional(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Float returns a pointer to v, for populating optional record fields.
func Float(v float64) *float64 { return &v }

// ---------------------------------------------------------------------------
// Instrument
// ---------------------------------------------------------------------------

// Instrument is one member of the symbol universe.
type Instrument struct {
	Symbol string
	Name   string
	Kind   Kind
}
