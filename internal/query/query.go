// Package query is the read side: it aggregates the compiled tables into
// trade listings, position history, realized PnL, leaderboards and deposit
// summaries. It never writes and never touches the datasource. All numeric
// outputs are canonical decimal strings.
package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/jibzus/hypesilico/internal/db"
	"github.com/jibzus/hypesilico/pkg/num"
)

// PnLMode selects whether fees are netted out of realized PnL.
type PnLMode string

const (
	PnLGross PnLMode = "gross"
	PnLNet   PnLMode = "net"
)

// ParsePnLMode validates a configured mode string.
func ParsePnLMode(s string) (PnLMode, error) {
	switch PnLMode(s) {
	case PnLGross, PnLNet:
		return PnLMode(s), nil
	}
	return "", fmt.Errorf("invalid pnl mode %q (want gross or net)", s)
}

// Metric is a leaderboard ranking dimension.
type Metric string

const (
	MetricPnl       Metric = "pnl"
	MetricVolume    Metric = "volume"
	MetricReturnPct Metric = "returnPct"
)

// ParseMetric validates a leaderboard metric.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricPnl, MetricVolume, MetricReturnPct:
		return Metric(s), nil
	}
	return "", fmt.Errorf("invalid metric %q (want pnl, volume or returnPct)", s)
}

// Params bounds a read query.
type Params struct {
	User            string
	Coin            string
	FromMs          int64
	ToMs            int64
	BuilderOnly     bool
	MaxStartCapital *decimal.Decimal
}

func (p *Params) filter() db.Filter {
	return db.Filter{User: p.User, Coin: p.Coin, FromMs: p.FromMs, ToMs: p.ToMs}
}

// Engine serves queries over a store.
type Engine struct {
	store   *db.Store
	pnlMode PnLMode
}

// New builds a query engine with the configured PnL mode.
func New(store *db.Store, pnlMode PnLMode) *Engine {
	return &Engine{store: store, pnlMode: pnlMode}
}

// ─── Trades ───────────────────────────────────────────────────────────

// TradeView is one fill in API shape.
type TradeView struct {
	Fingerprint string `json:"fingerprint"`
	Coin        string `json:"coin"`
	TimeMs      int64  `json:"timeMs"`
	Side        string `json:"side"`
	Px          string `json:"px"`
	Sz          string `json:"sz"`
	Fee         string `json:"fee"`
	ClosedPnl   string `json:"closedPnl"`
	BuilderFee  string `json:"builderFee,omitempty"`
	Attributed  bool   `json:"attributed"`
	Mode        string `json:"mode,omitempty"`
	Confidence  string `json:"confidence,omitempty"`
}

// TradesResult lists trades; Tainted reports whether any fill in the
// window sat in a tainted lifecycle or lacked positive attribution.
type TradesResult struct {
	Trades  []TradeView `json:"trades"`
	Tainted bool        `json:"tainted"`
}

// Trades lists fills joined with attributions. Under builderOnly only
// fills of untainted lifecycles with positive attribution survive.
func (e *Engine) Trades(ctx context.Context, p Params) (*TradesResult, error) {
	rows, err := e.store.Trades(ctx, p.filter())
	if err != nil {
		return nil, err
	}

	res := &TradesResult{Trades: []TradeView{}}
	for i := range rows {
		r := &rows[i]
		clean := !r.InTainted && r.Attribution != nil && r.Attribution.Attributed
		if !clean {
			res.Tainted = true
			if p.BuilderOnly {
				continue
			}
		}

		tv := TradeView{
			Fingerprint: r.Fill.Fingerprint,
			Coin:        r.Fill.Coin,
			TimeMs:      r.Fill.TimeMs,
			Side:        string(r.Fill.Side),
			Px:          num.Canonical(r.Fill.Px),
			Sz:          num.Canonical(r.Fill.Sz),
			Fee:         num.Canonical(r.Fill.Fee),
			ClosedPnl:   num.Canonical(r.Fill.ClosedPnl),
		}
		if r.Fill.BuilderFee != nil {
			tv.BuilderFee = num.Canonical(*r.Fill.BuilderFee)
		}
		if r.Attribution != nil {
			tv.Attributed = r.Attribution.Attributed
			tv.Mode = string(r.Attribution.Mode)
			tv.Confidence = string(r.Attribution.Confidence)
		}
		res.Trades = append(res.Trades, tv)
	}
	return res, nil
}

// ─── Position history ─────────────────────────────────────────────────

// SnapshotView is one position snapshot in API shape.
type SnapshotView struct {
	Coin        string `json:"coin"`
	TimeMs      int64  `json:"timeMs"`
	Seq         int64  `json:"seq"`
	NetSize     string `json:"netSize"`
	AvgEntryPx  string `json:"avgEntryPx"`
	LifecycleID string `json:"lifecycleId"`
	Tainted     bool   `json:"tainted"`
}

// PositionsResult lists snapshots; Tainted reports filtered/flagged rows.
type PositionsResult struct {
	Snapshots []SnapshotView `json:"snapshots"`
	Tainted   bool           `json:"tainted"`
}

// PositionHistory lists snapshots over time with the same taint policy as
// Trades.
func (e *Engine) PositionHistory(ctx context.Context, p Params) (*PositionsResult, error) {
	rows, err := e.store.Snapshots(ctx, p.filter())
	if err != nil {
		return nil, err
	}

	res := &PositionsResult{Snapshots: []SnapshotView{}}
	for i := range rows {
		r := &rows[i]
		if r.IsTainted {
			res.Tainted = true
			if p.BuilderOnly {
				continue
			}
		}
		res.Snapshots = append(res.Snapshots, SnapshotView{
			Coin:        r.Snapshot.Coin,
			TimeMs:      r.Snapshot.TimeMs,
			Seq:         r.Snapshot.Seq,
			NetSize:     num.Canonical(r.Snapshot.NetSize),
			AvgEntryPx:  num.Canonical(r.Snapshot.AvgEntryPx),
			LifecycleID: r.Snapshot.LifecycleID,
			Tainted:     r.IsTainted,
		})
	}
	return res, nil
}

// ─── PnL ──────────────────────────────────────────────────────────────

// PnLResult is the realized-PnL aggregate for one user.
type PnLResult struct {
	RealizedPnl string `json:"realizedPnl"`
	ReturnPct   string `json:"returnPct"`
	FeesPaid    string `json:"feesPaid"`
	TradeCount  int    `json:"tradeCount"`
	Tainted     bool   `json:"tainted"`
}

// PnL sums effects: realizedPnl = Σ closed_pnl, feesPaid = Σ fee; net mode
// subtracts fees from realized PnL. A flip contributes two effects to
// tradeCount by design.
func (e *Engine) PnL(ctx context.Context, p Params) (*PnLResult, error) {
	rows, err := e.store.Effects(ctx, p.filter())
	if err != nil {
		return nil, err
	}

	realized, fees := decimal.Zero, decimal.Zero
	count := 0
	tainted := false
	for i := range rows {
		r := &rows[i]
		clean := !r.IsTainted && r.Attributed
		if !clean {
			tainted = true
			if p.BuilderOnly {
				continue
			}
		}
		realized = realized.Add(r.Effect.ClosedPnl)
		fees = fees.Add(r.Effect.Fee)
		count++
	}
	if e.pnlMode == PnLNet {
		realized = realized.Sub(fees)
	}

	returnPct, err := e.returnPct(ctx, p, realized)
	if err != nil {
		return nil, err
	}

	return &PnLResult{
		RealizedPnl: num.Canonical(realized),
		ReturnPct:   returnPct,
		FeesPaid:    num.Canonical(fees),
		TradeCount:  count,
		Tainted:     tainted,
	}, nil
}

// returnPct computes realizedPnl / effectiveCapital * 100, where
// effectiveCapital = min(equity at fromMs, maxStartCapital) when both are
// present. Missing or zero capital yields "0".
func (e *Engine) returnPct(ctx context.Context, p Params, realized decimal.Decimal) (string, error) {
	equity, err := e.store.EquityAt(ctx, p.User, p.FromMs)
	if err != nil {
		return "", err
	}
	if equity == nil {
		return "0", nil
	}
	capital := *equity
	if p.MaxStartCapital != nil {
		capital = num.Min(capital, *p.MaxStartCapital)
	}
	if capital.IsZero() {
		return "0", nil
	}
	pct, err := num.Div(realized.Mul(decimal.New(100, 0)), capital, num.DivScale)
	if err != nil {
		return "0", nil
	}
	return num.Canonical(pct), nil
}

// ─── Leaderboard ──────────────────────────────────────────────────────

// LeaderboardRow is one ranked entry.
type LeaderboardRow struct {
	Rank        int    `json:"rank"`
	User        string `json:"user"`
	MetricValue string `json:"metricValue"`
	TradeCount  int    `json:"tradeCount"`
	Tainted     bool   `json:"tainted"`
}

// Leaderboard ranks the configured universe by the selected metric,
// descending, ties broken by user address ascending, ranks 1..n with no
// gaps.
func (e *Engine) Leaderboard(ctx context.Context, metric Metric, p Params, universe []string) ([]LeaderboardRow, error) {
	type scored struct {
		row   LeaderboardRow
		value decimal.Decimal
	}
	entries := make([]scored, 0, len(universe))

	for _, user := range universe {
		up := p
		up.User = user

		var value decimal.Decimal
		var count int
		var tainted bool

		switch metric {
		case MetricVolume:
			rows, err := e.store.Effects(ctx, up.filter())
			if err != nil {
				return nil, err
			}
			for i := range rows {
				r := &rows[i]
				clean := !r.IsTainted && r.Attributed
				if !clean {
					tainted = true
					if p.BuilderOnly {
						continue
					}
				}
				value = value.Add(r.Effect.Notional)
				count++
			}
		default: // pnl and returnPct both start from the PnL aggregate
			res, err := e.PnL(ctx, up)
			if err != nil {
				return nil, err
			}
			count = res.TradeCount
			tainted = res.Tainted
			raw := res.RealizedPnl
			if metric == MetricReturnPct {
				raw = res.ReturnPct
			}
			if value, err = num.Parse(raw); err != nil {
				return nil, err
			}
		}

		entries = append(entries, scored{
			row: LeaderboardRow{
				User:        user,
				MetricValue: num.Canonical(value),
				TradeCount:  count,
				Tainted:     tainted,
			},
			value: value,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if cmp := entries[i].value.Cmp(entries[j].value); cmp != 0 {
			return cmp > 0
		}
		return entries[i].row.User < entries[j].row.User
	})

	out := make([]LeaderboardRow, len(entries))
	for i, entry := range entries {
		entry.row.Rank = i + 1
		out[i] = entry.row
	}
	return out, nil
}

// ─── Deposits ─────────────────────────────────────────────────────────

// DepositView is one deposit in API shape.
type DepositView struct {
	TimeMs int64  `json:"timeMs"`
	Amount string `json:"amount"`
	TxHash string `json:"txHash,omitempty"`
}

// DepositsResult summarizes a user's deposits.
type DepositsResult struct {
	TotalDeposits string        `json:"totalDeposits"`
	DepositCount  int           `json:"depositCount"`
	Deposits      []DepositView `json:"deposits"`
}

// Deposits lists and totals deposits for a user.
func (e *Engine) Deposits(ctx context.Context, user string, fromMs, toMs int64) (*DepositsResult, error) {
	rows, err := e.store.ListDeposits(ctx, user, fromMs, toMs)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	views := make([]DepositView, 0, len(rows))
	for i := range rows {
		d := &rows[i]
		total = total.Add(d.Amount)
		views = append(views, DepositView{
			TimeMs: d.TimeMs,
			Amount: num.Canonical(d.Amount),
			TxHash: d.TxHash,
		})
	}
	return &DepositsResult{
		TotalDeposits: num.Canonical(total),
		DepositCount:  len(views),
		Deposits:      views,
	}, nil
}
