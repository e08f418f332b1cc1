package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jibzus/hypesilico/pkg/num"
)

// Side is the taker direction of a fill.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int {
	if s == Buy {
		return 1
	}
	return -1
}

// Fill is a single executed trade event as ingested from the exchange.
// Px/Sz/Fee/ClosedPnl are lossless decimals; floats never appear here.
type Fill struct {
	User        string           `json:"user"`
	Coin        string           `json:"coin"`
	TimeMs      int64            `json:"timeMs"`
	Side        Side             `json:"side"`
	Px          decimal.Decimal  `json:"px"`
	Sz          decimal.Decimal  `json:"sz"`
	Fee         decimal.Decimal  `json:"fee"`
	ClosedPnl   decimal.Decimal  `json:"closedPnl"`
	BuilderFee  *decimal.Decimal `json:"builderFee,omitempty"`
	Tid         *int64           `json:"tid,omitempty"`
	Oid         *int64           `json:"oid,omitempty"`
	Fingerprint string           `json:"fingerprint"`
}

// ComputeFingerprint derives the stable dedup identity of a fill:
// the trade id when the exchange supplied one, else the order id, else a
// digest over the full identity tuple. Globally unique across the raw store.
func (f *Fill) ComputeFingerprint() string {
	if f.Tid != nil {
		return fmt.Sprintf("tid:%d", *f.Tid)
	}
	if f.Oid != nil {
		return fmt.Sprintf("oid:%d", *f.Oid)
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s",
		f.User, f.Coin, f.TimeMs, f.Side,
		num.Canonical(f.Px), num.Canonical(f.Sz),
		num.Canonical(f.Fee), num.Canonical(f.ClosedPnl))))
	return "fp:" + hex.EncodeToString(h[:])
}

// LogRow is one row of a builder-fill day shard. The upstream feed carries
// no trade id, which is why attribution against it is fuzzy by construction.
type LogRow struct {
	TimeMs     int64           `json:"timeMs"`
	User       string          `json:"user"`
	Coin       string          `json:"coin"`
	Side       Side            `json:"side"`
	Px         decimal.Decimal `json:"px"`
	Sz         decimal.Decimal `json:"sz"`
	ClosedPnl  decimal.Decimal `json:"closedPnl"`
	BuilderFee decimal.Decimal `json:"builderFee"`
}

// LogShard is a fetched, parsed builder-fill day shard.
type LogShard struct {
	Builder     string
	Date        string // yyyymmdd
	Rows        []LogRow
	ContentHash string
	// Clean is false when any row of the shard failed to parse and was skipped.
	Clean bool
}

// Deposit is a ledger deposit event. EventKey is unique across the store.
type Deposit struct {
	User     string          `json:"user"`
	TimeMs   int64           `json:"timeMs"`
	Amount   decimal.Decimal `json:"amount"`
	TxHash   string          `json:"txHash,omitempty"`
	EventKey string          `json:"-"`
}

// ComputeEventKey fills in the dedup key: the chain tx hash when present,
// else a digest of the event tuple.
func (d *Deposit) ComputeEventKey() string {
	if d.TxHash != "" {
		return "tx:" + d.TxHash
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", d.User, d.TimeMs, num.Canonical(d.Amount))))
	return "ev:" + hex.EncodeToString(h[:])
}

// EquitySnapshot records account equity observed at a point in time.
type EquitySnapshot struct {
	User   string          `json:"user"`
	TimeMs int64           `json:"timeMs"`
	Equity decimal.Decimal `json:"equity"`
}
