package db

import (
	"context"
	"database/sql"

	"github.com/jibzus/hypesilico/pkg/models"
)

// Read-side row queries. Filtering on builderOnly happens above this layer
// so the caller can report whether anything was excluded.

// Filter bounds a read query. Coin empty means all coins; FromMs/ToMs of 0
// mean unbounded.
type Filter struct {
	User   string
	Coin   string
	FromMs int64
	ToMs   int64
}

func (f *Filter) clauses(prefix string) (string, []any) {
	q := ` WHERE ` + prefix + `user = ?`
	args := []any{f.User}
	if f.Coin != "" {
		q += ` AND ` + prefix + `coin = ?`
		args = append(args, f.Coin)
	}
	if f.FromMs > 0 {
		q += ` AND ` + prefix + `time_ms >= ?`
		args = append(args, f.FromMs)
	}
	if f.ToMs > 0 {
		q += ` AND ` + prefix + `time_ms <= ?`
		args = append(args, f.ToMs)
	}
	return q, args
}

// TradeRow joins a raw fill with its attribution and the taint of the
// lifecycles it touched.
type TradeRow struct {
	Fill        models.Fill
	Attribution *models.Attribution
	InTainted   bool
}

// Trades returns fills joined with attributions in deterministic order.
func (s *Store) Trades(ctx context.Context, f Filter) ([]TradeRow, error) {
	where, args := f.clauses("rf.")
	rows, err := s.db.QueryContext(ctx, `
		SELECT rf.fingerprint, rf.user, rf.coin, rf.time_ms, rf.side, rf.px, rf.sz, rf.fee,
		       rf.closed_pnl, rf.builder_fee, rf.tid, rf.oid,
		       fa.attributed, fa.mode, fa.confidence, fa.builder,
		       EXISTS(
		           SELECT 1 FROM fill_effects fe
		           JOIN position_lifecycles pl ON pl.id = fe.lifecycle_id
		           WHERE fe.fingerprint = rf.fingerprint AND pl.is_tainted = 1
		       ) AS in_tainted
		FROM raw_fills rf
		LEFT JOIN fill_attributions fa ON fa.fingerprint = rf.fingerprint`+
		where+`
		ORDER BY rf.time_ms, (rf.tid IS NULL), rf.tid, (rf.oid IS NULL), rf.oid, rf.fingerprint`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var tr TradeRow
		var side, px, sz, fee, pnl string
		var builderFee, mode, confidence, builder sql.NullString
		var tid, oid sql.NullInt64
		var attributed sql.NullBool

		if err := rows.Scan(&tr.Fill.Fingerprint, &tr.Fill.User, &tr.Fill.Coin, &tr.Fill.TimeMs,
			&side, &px, &sz, &fee, &pnl, &builderFee, &tid, &oid,
			&attributed, &mode, &confidence, &builder, &tr.InTainted); err != nil {
			return nil, err
		}

		tr.Fill.Side = models.Side(side)
		if tr.Fill.Px, err = scanDec(px); err != nil {
			return nil, err
		}
		if tr.Fill.Sz, err = scanDec(sz); err != nil {
			return nil, err
		}
		if tr.Fill.Fee, err = scanDec(fee); err != nil {
			return nil, err
		}
		if tr.Fill.ClosedPnl, err = scanDec(pnl); err != nil {
			return nil, err
		}
		if builderFee.Valid {
			bf, err := scanDec(builderFee.String)
			if err != nil {
				return nil, err
			}
			tr.Fill.BuilderFee = &bf
		}
		if tid.Valid {
			v := tid.Int64
			tr.Fill.Tid = &v
		}
		if oid.Valid {
			v := oid.Int64
			tr.Fill.Oid = &v
		}
		if attributed.Valid {
			tr.Attribution = &models.Attribution{
				Fingerprint: tr.Fill.Fingerprint,
				Attributed:  attributed.Bool,
				Mode:        models.AttributionMode(mode.String),
				Confidence:  models.Confidence(confidence.String),
				Builder:     builder.String,
			}
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// EffectRow joins an effect with its lifecycle taint and fill attribution.
type EffectRow struct {
	Effect     models.Effect
	IsTainted  bool
	Attributed bool
}

// Effects returns fill effects with taint/attribution context, in
// (time, seq) order.
func (s *Store) Effects(ctx context.Context, f Filter) ([]EffectRow, error) {
	where, args := f.clauses("fe.")
	rows, err := s.db.QueryContext(ctx, `
		SELECT fe.fingerprint, fe.effect_type, fe.lifecycle_id, fe.user, fe.coin, fe.time_ms,
		       fe.seq, fe.qty, fe.notional, fe.fee, fe.closed_pnl,
		       pl.is_tainted, COALESCE(fa.attributed, 0)
		FROM fill_effects fe
		JOIN position_lifecycles pl ON pl.id = fe.lifecycle_id
		LEFT JOIN fill_attributions fa ON fa.fingerprint = fe.fingerprint`+
		where+`
		ORDER BY fe.time_ms, fe.seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EffectRow
	for rows.Next() {
		var er EffectRow
		var effType, qty, notional, fee, pnl string
		if err := rows.Scan(&er.Effect.Fingerprint, &effType, &er.Effect.LifecycleID,
			&er.Effect.User, &er.Effect.Coin, &er.Effect.TimeMs, &er.Effect.Seq,
			&qty, &notional, &fee, &pnl, &er.IsTainted, &er.Attributed); err != nil {
			return nil, err
		}
		er.Effect.Type = models.EffectType(effType)
		if er.Effect.Qty, err = scanDec(qty); err != nil {
			return nil, err
		}
		if er.Effect.Notional, err = scanDec(notional); err != nil {
			return nil, err
		}
		if er.Effect.Fee, err = scanDec(fee); err != nil {
			return nil, err
		}
		if er.Effect.ClosedPnl, err = scanDec(pnl); err != nil {
			return nil, err
		}
		out = append(out, er)
	}
	return out, rows.Err()
}

// SnapshotRow is a position snapshot with its lifecycle's taint verdict.
type SnapshotRow struct {
	Snapshot  models.Snapshot
	IsTainted bool
}

// Snapshots returns position snapshots in (time, seq) order.
func (s *Store) Snapshots(ctx context.Context, f Filter) ([]SnapshotRow, error) {
	where, args := f.clauses("ps.")
	rows, err := s.db.QueryContext(ctx, `
		SELECT ps.user, ps.coin, ps.time_ms, ps.seq, ps.net_size, ps.avg_entry_px,
		       ps.lifecycle_id, pl.is_tainted
		FROM position_snapshots ps
		JOIN position_lifecycles pl ON pl.id = ps.lifecycle_id`+
		where+`
		ORDER BY ps.time_ms, ps.seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var sr SnapshotRow
		var netSize, avgPx string
		if err := rows.Scan(&sr.Snapshot.User, &sr.Snapshot.Coin, &sr.Snapshot.TimeMs,
			&sr.Snapshot.Seq, &netSize, &avgPx, &sr.Snapshot.LifecycleID, &sr.IsTainted); err != nil {
			return nil, err
		}
		if sr.Snapshot.NetSize, err = scanDec(netSize); err != nil {
			return nil, err
		}
		if sr.Snapshot.AvgEntryPx, err = scanDec(avgPx); err != nil {
			return nil, err
		}
		sr.Snapshot.IsTainted = sr.IsTainted
		out = append(out, sr)
	}
	return out, rows.Err()
}
