package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jibzus/hypesilico/pkg/models"
)

// Writers for the compiled tables. Only the compile pipeline calls these,
// under its per-(user, coin) lock; everything for one batch lands in a
// single transaction so a cancelled batch leaves no partial state.

// LifecycleEnd closes an existing lifecycle.
type LifecycleEnd struct {
	ID        string
	EndTimeMs int64
}

// TaintUpdate sets the taint verdict on a lifecycle.
type TaintUpdate struct {
	ID      string
	Tainted bool
	Reason  string
}

// CompiledBatch is everything one engine run persists atomically.
type CompiledBatch struct {
	Snapshots    []models.Snapshot
	Effects      []models.Effect
	Opened       []models.Lifecycle
	Closed       []LifecycleEnd
	Attributions []models.Attribution
	Taint        []TaintUpdate
	State        models.CompileState
}

// CommitBatch persists a compiled batch transactionally and advances the
// watermark last. Inserts are keyed upserts, so replaying an already
// committed batch rewrites identical rows.
func (s *Store) CommitBatch(ctx context.Context, b *CompiledBatch) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range b.Opened {
			lc := &b.Opened[i]
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO position_lifecycles (id, user, coin, start_time_ms, start_seq, end_time_ms, is_tainted, taint_reason)
				VALUES (?, ?, ?, ?, ?, NULL, 0, NULL)
				ON CONFLICT (id) DO NOTHING;`,
				lc.ID, lc.User, lc.Coin, lc.StartTimeMs, lc.StartSeq); err != nil {
				return fmt.Errorf("failed to open lifecycle %s: %v", lc.ID, err)
			}
		}

		for _, end := range b.Closed {
			if _, err := tx.ExecContext(ctx,
				`UPDATE position_lifecycles SET end_time_ms = ? WHERE id = ?`,
				end.EndTimeMs, end.ID); err != nil {
				return fmt.Errorf("failed to close lifecycle %s: %v", end.ID, err)
			}
		}

		for i := range b.Snapshots {
			snap := &b.Snapshots[i]
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO position_snapshots
				(user, coin, time_ms, seq, net_size, avg_entry_px, lifecycle_id)
				VALUES (?, ?, ?, ?, ?, ?, ?);`,
				snap.User, snap.Coin, snap.TimeMs, snap.Seq,
				dec(snap.NetSize), dec(snap.AvgEntryPx), snap.LifecycleID); err != nil {
				return fmt.Errorf("failed to insert snapshot seq %d: %v", snap.Seq, err)
			}
		}

		for i := range b.Effects {
			eff := &b.Effects[i]
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO fill_effects
				(fingerprint, effect_type, lifecycle_id, user, coin, time_ms, seq, qty, notional, fee, closed_pnl)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
				eff.Fingerprint, string(eff.Type), eff.LifecycleID, eff.User, eff.Coin,
				eff.TimeMs, eff.Seq, dec(eff.Qty), dec(eff.Notional), dec(eff.Fee),
				dec(eff.ClosedPnl)); err != nil {
				return fmt.Errorf("failed to insert effect %s/%s: %v", eff.Fingerprint, eff.Type, err)
			}
		}

		for i := range b.Attributions {
			a := &b.Attributions[i]
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO fill_attributions (fingerprint, attributed, mode, confidence, builder)
				VALUES (?, ?, ?, ?, ?);`,
				a.Fingerprint, a.Attributed, string(a.Mode), string(a.Confidence), a.Builder); err != nil {
				return fmt.Errorf("failed to insert attribution %s: %v", a.Fingerprint, err)
			}
		}

		for _, tu := range b.Taint {
			var reason any
			if tu.Reason != "" {
				reason = tu.Reason
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE position_lifecycles SET is_tainted = ?, taint_reason = ? WHERE id = ?`,
				tu.Tainted, reason, tu.ID); err != nil {
				return fmt.Errorf("failed to update taint on %s: %v", tu.ID, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO compile_state (user, coin, last_compiled_time_ms, last_compiled_fingerprint, compile_version)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user, coin) DO UPDATE SET
				last_compiled_time_ms = EXCLUDED.last_compiled_time_ms,
				last_compiled_fingerprint = EXCLUDED.last_compiled_fingerprint,
				compile_version = EXCLUDED.compile_version;`,
			b.State.User, b.State.Coin, b.State.LastTimeMs, b.State.LastFingerprint,
			b.State.Version); err != nil {
			return fmt.Errorf("failed to advance compile state: %v", err)
		}
		return nil
	})
}

// GetCompileState returns the watermark for (user, coin), or nil when the
// pair has never compiled.
func (s *Store) GetCompileState(ctx context.Context, user, coin string) (*models.CompileState, error) {
	var st models.CompileState
	err := s.db.QueryRowContext(ctx, `
		SELECT user, coin, last_compiled_time_ms, last_compiled_fingerprint, compile_version
		FROM compile_state WHERE user = ? AND coin = ?`, user, coin).
		Scan(&st.User, &st.Coin, &st.LastTimeMs, &st.LastFingerprint, &st.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// LastSnapshot returns the highest-seq snapshot for (user, coin), or nil.
func (s *Store) LastSnapshot(ctx context.Context, user, coin string) (*models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user, coin, time_ms, seq, net_size, avg_entry_px, lifecycle_id
		FROM position_snapshots WHERE user = ? AND coin = ?
		ORDER BY seq DESC LIMIT 1`, user, coin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanSnapshot(rows)
}

// OpenLifecycle returns the open (end_time_ms IS NULL) lifecycle for the
// pair, or nil. At most one can be open by construction.
func (s *Store) OpenLifecycle(ctx context.Context, user, coin string) (*models.Lifecycle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user, coin, start_time_ms, start_seq, end_time_ms, is_tainted, taint_reason
		FROM position_lifecycles
		WHERE user = ? AND coin = ? AND end_time_ms IS NULL
		ORDER BY start_seq DESC LIMIT 1`, user, coin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanLifecycle(rows)
}

// GetLifecycle looks up a lifecycle by id.
func (s *Store) GetLifecycle(ctx context.Context, id string) (*models.Lifecycle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user, coin, start_time_ms, start_seq, end_time_ms, is_tainted, taint_reason
		FROM position_lifecycles WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanLifecycle(rows)
}

func scanLifecycle(rows *sql.Rows) (*models.Lifecycle, error) {
	var lc models.Lifecycle
	var endMs sql.NullInt64
	var reason sql.NullString
	if err := rows.Scan(&lc.ID, &lc.User, &lc.Coin, &lc.StartTimeMs, &lc.StartSeq,
		&endMs, &lc.IsTainted, &reason); err != nil {
		return nil, err
	}
	if endMs.Valid {
		v := endMs.Int64
		lc.EndTimeMs = &v
	}
	lc.TaintReason = reason.String
	return &lc, nil
}

func scanSnapshot(rows *sql.Rows) (*models.Snapshot, error) {
	var snap models.Snapshot
	var netSize, avgPx string
	if err := rows.Scan(&snap.User, &snap.Coin, &snap.TimeMs, &snap.Seq,
		&netSize, &avgPx, &snap.LifecycleID); err != nil {
		return nil, err
	}
	var err error
	if snap.NetSize, err = scanDec(netSize); err != nil {
		return nil, err
	}
	if snap.AvgEntryPx, err = scanDec(avgPx); err != nil {
		return nil, err
	}
	return &snap, nil
}

// EffectsForLifecycle returns every effect of a lifecycle in seq order.
func (s *Store) EffectsForLifecycle(ctx context.Context, lifecycleID string) ([]models.Effect, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, effect_type, lifecycle_id, user, coin, time_ms, seq, qty, notional, fee, closed_pnl
		FROM fill_effects WHERE lifecycle_id = ? ORDER BY seq`, lifecycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Effect
	for rows.Next() {
		eff, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *eff)
	}
	return out, rows.Err()
}

func scanEffect(rows *sql.Rows) (*models.Effect, error) {
	var eff models.Effect
	var effType, qty, notional, fee, pnl string
	if err := rows.Scan(&eff.Fingerprint, &effType, &eff.LifecycleID, &eff.User,
		&eff.Coin, &eff.TimeMs, &eff.Seq, &qty, &notional, &fee, &pnl); err != nil {
		return nil, err
	}
	eff.Type = models.EffectType(effType)
	var err error
	if eff.Qty, err = scanDec(qty); err != nil {
		return nil, err
	}
	if eff.Notional, err = scanDec(notional); err != nil {
		return nil, err
	}
	if eff.Fee, err = scanDec(fee); err != nil {
		return nil, err
	}
	if eff.ClosedPnl, err = scanDec(pnl); err != nil {
		return nil, err
	}
	return &eff, nil
}

// AttributionsFor returns stored attributions keyed by fingerprint.
func (s *Store) AttributionsFor(ctx context.Context, fingerprints []string) (map[string]models.Attribution, error) {
	out := make(map[string]models.Attribution, len(fingerprints))
	if len(fingerprints) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fingerprints)), ",")
	args := make([]any, len(fingerprints))
	for i, fp := range fingerprints {
		args[i] = fp
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, attributed, mode, confidence, builder
		FROM fill_attributions WHERE fingerprint IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Attribution
		var mode string
		var confidence, b sql.NullString
		if err := rows.Scan(&a.Fingerprint, &a.Attributed, &mode, &confidence, &b); err != nil {
			return nil, err
		}
		a.Mode = models.AttributionMode(mode)
		a.Confidence = models.Confidence(confidence.String)
		a.Builder = b.String
		out[a.Fingerprint] = a
	}
	return out, rows.Err()
}

// CountCompiled reports row counts of the compiled tables for one pair —
// used by idempotence checks.
func (s *Store) CountCompiled(ctx context.Context, user, coin string) (snapshots, effects, lifecycles int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM position_snapshots WHERE user = ? AND coin = ?`, user, coin).Scan(&snapshots)
	if err != nil {
		return
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fill_effects WHERE user = ? AND coin = ?`, user, coin).Scan(&effects)
	if err != nil {
		return
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM position_lifecycles WHERE user = ? AND coin = ?`, user, coin).Scan(&lifecycles)
	return
}
