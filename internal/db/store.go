// Package db is the persistence layer: a write-ahead-logged single-file
// sqlite database in concurrent-read / single-write mode. The compile
// pipeline is the only writer of compiled tables; the datasource side is
// the only writer of raw tables; queries are read-only.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/jibzus/hypesilico/pkg/models"
	"github.com/jibzus/hypesilico/pkg/num"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the sqlite handle. writeMu serializes write transactions —
// sqlite allows one writer at a time and we would rather queue in-process
// than spin on SQLITE_BUSY.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open connects to (or creates) the database file at path with WAL mode on.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database %s: %v", path, err)
	}
	if err := handle.Ping(); err != nil {
		return nil, fmt.Errorf("ping failed for %s: %v", path, err)
	}
	log.Printf("Opened trade-ledger database at %s (WAL)", path)
	return &Store{db: handle}, nil
}

// Close releases the underlying handle.
func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// InitSchema applies the embedded schema. Idempotent.
func (s *Store) InitSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	log.Println("Trade-ledger schema initialized")
	return nil
}

// withTx runs fn inside a single write transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// dec renders a decimal for storage.
func dec(d decimal.Decimal) string { return num.Canonical(d) }

// scanDec parses a stored decimal column.
func scanDec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return num.Parse(s)
}

// ─── Raw fill store ───────────────────────────────────────────────────

// UpsertFills inserts raw fills, keyed by fingerprint. Re-inserting an
// existing fingerprint is a no-op, which is what makes ingest idempotent.
func (s *Store) UpsertFills(ctx context.Context, fills []models.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO raw_fills
			(fingerprint, user, coin, time_ms, side, px, sz, fee, closed_pnl, builder_fee, tid, oid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (fingerprint) DO NOTHING;
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range fills {
			f := &fills[i]
			var builderFee any
			if f.BuilderFee != nil {
				builderFee = dec(*f.BuilderFee)
			}
			var tid, oid any
			if f.Tid != nil {
				tid = *f.Tid
			}
			if f.Oid != nil {
				oid = *f.Oid
			}
			if _, err := stmt.ExecContext(ctx, f.Fingerprint, f.User, f.Coin, f.TimeMs,
				string(f.Side), dec(f.Px), dec(f.Sz), dec(f.Fee), dec(f.ClosedPnl),
				builderFee, tid, oid); err != nil {
				return fmt.Errorf("failed to insert raw fill %s: %v", f.Fingerprint, err)
			}
		}
		return nil
	})
}

// ScanFills returns raw fills for (user, coin) in storage order. fromMs is
// inclusive; toMs of 0 means no upper bound. Callers sort deterministically.
func (s *Store) ScanFills(ctx context.Context, user, coin string, fromMs, toMs int64) ([]models.Fill, error) {
	query := `
		SELECT fingerprint, user, coin, time_ms, side, px, sz, fee, closed_pnl, builder_fee, tid, oid
		FROM raw_fills WHERE user = ? AND coin = ? AND time_ms >= ?`
	args := []any{user, coin, fromMs}
	if toMs > 0 {
		query += ` AND time_ms <= ?`
		args = append(args, toMs)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// GetFill looks up a single raw fill by fingerprint.
func (s *Store) GetFill(ctx context.Context, fingerprint string) (*models.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, user, coin, time_ms, side, px, sz, fee, closed_pnl, builder_fee, tid, oid
		FROM raw_fills WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanFill(rows)
}

func scanFill(rows *sql.Rows) (*models.Fill, error) {
	var f models.Fill
	var side string
	var px, sz, fee, pnl string
	var builderFee sql.NullString
	var tid, oid sql.NullInt64

	if err := rows.Scan(&f.Fingerprint, &f.User, &f.Coin, &f.TimeMs, &side,
		&px, &sz, &fee, &pnl, &builderFee, &tid, &oid); err != nil {
		return nil, err
	}
	f.Side = models.Side(side)

	var err error
	if f.Px, err = scanDec(px); err != nil {
		return nil, err
	}
	if f.Sz, err = scanDec(sz); err != nil {
		return nil, err
	}
	if f.Fee, err = scanDec(fee); err != nil {
		return nil, err
	}
	if f.ClosedPnl, err = scanDec(pnl); err != nil {
		return nil, err
	}
	if builderFee.Valid {
		bf, err := scanDec(builderFee.String)
		if err != nil {
			return nil, err
		}
		f.BuilderFee = &bf
	}
	if tid.Valid {
		v := tid.Int64
		f.Tid = &v
	}
	if oid.Valid {
		v := oid.Int64
		f.Oid = &v
	}
	return &f, nil
}

// ListUserCoins returns the distinct coins the user has raw fills in.
func (s *Store) ListUserCoins(ctx context.Context, user string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT coin FROM raw_fills WHERE user = ? ORDER BY coin`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var coins []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		coins = append(coins, c)
	}
	return coins, rows.Err()
}

// ─── Deposits & equity ────────────────────────────────────────────────

// UpsertDeposits inserts deposits keyed by event_key; duplicates are no-ops.
func (s *Store) UpsertDeposits(ctx context.Context, deposits []models.Deposit) error {
	if len(deposits) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range deposits {
			d := &deposits[i]
			if d.EventKey == "" {
				d.EventKey = d.ComputeEventKey()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO deposits (event_key, user, time_ms, amount, tx_hash)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (event_key) DO NOTHING;`,
				d.EventKey, d.User, d.TimeMs, dec(d.Amount), d.TxHash); err != nil {
				return fmt.Errorf("failed to insert deposit %s: %v", d.EventKey, err)
			}
		}
		return nil
	})
}

// ListDeposits returns deposits for user ordered by time.
func (s *Store) ListDeposits(ctx context.Context, user string, fromMs, toMs int64) ([]models.Deposit, error) {
	query := `SELECT event_key, user, time_ms, amount, tx_hash FROM deposits WHERE user = ? AND time_ms >= ?`
	args := []any{user, fromMs}
	if toMs > 0 {
		query += ` AND time_ms <= ?`
		args = append(args, toMs)
	}
	query += ` ORDER BY time_ms, event_key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Deposit
	for rows.Next() {
		var d models.Deposit
		var amount string
		var txHash sql.NullString
		if err := rows.Scan(&d.EventKey, &d.User, &d.TimeMs, &amount, &txHash); err != nil {
			return nil, err
		}
		if d.Amount, err = scanDec(amount); err != nil {
			return nil, err
		}
		d.TxHash = txHash.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertEquity records an equity observation for (user, time).
func (s *Store) UpsertEquity(ctx context.Context, snap models.EquitySnapshot) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO equity_snapshots (user, time_ms, equity) VALUES (?, ?, ?)
			ON CONFLICT (user, time_ms) DO UPDATE SET equity = EXCLUDED.equity;`,
			snap.User, snap.TimeMs, dec(snap.Equity))
		return err
	})
}

// EquityAt returns the stored equity nearest at-or-before atMs, falling
// back to the earliest snapshot when none precedes it. Nil when the user
// has no snapshots at all.
func (s *Store) EquityAt(ctx context.Context, user string, atMs int64) (*decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT equity FROM equity_snapshots WHERE user = ? AND time_ms <= ?
		ORDER BY time_ms DESC LIMIT 1`, user, atMs).Scan(&raw)
	if err == sql.ErrNoRows {
		err = s.db.QueryRowContext(ctx, `
			SELECT equity FROM equity_snapshots WHERE user = ?
			ORDER BY time_ms ASC LIMIT 1`, user).Scan(&raw)
	}
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	eq, err := scanDec(raw)
	if err != nil {
		return nil, err
	}
	return &eq, nil
}

// ─── Builder-log shard cache ──────────────────────────────────────────

// ShardCacheEntry is the fetch metadata for one (builder, day) shard.
type ShardCacheEntry struct {
	Builder     string
	ShardDate   string
	FetchedAtMs int64
	ContentHash string
	Parsed      bool
	RowCount    int
}

// RecordShardFetch upserts shard fetch metadata.
func (s *Store) RecordShardFetch(ctx context.Context, e ShardCacheEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO builder_logs_cache (builder, shard_date, fetched_at_ms, content_hash, parsed, row_count)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (builder, shard_date) DO UPDATE SET
				fetched_at_ms = EXCLUDED.fetched_at_ms,
				content_hash = EXCLUDED.content_hash,
				parsed = EXCLUDED.parsed,
				row_count = EXCLUDED.row_count;`,
			e.Builder, e.ShardDate, e.FetchedAtMs, e.ContentHash, e.Parsed, e.RowCount)
		return err
	})
}

// GetShardCache returns the cache entry for (builder, day), or nil.
func (s *Store) GetShardCache(ctx context.Context, builder, shardDate string) (*ShardCacheEntry, error) {
	var e ShardCacheEntry
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT builder, shard_date, fetched_at_ms, content_hash, parsed, row_count
		FROM builder_logs_cache WHERE builder = ? AND shard_date = ?`,
		builder, shardDate).Scan(&e.Builder, &e.ShardDate, &e.FetchedAtMs, &hash, &e.Parsed, &e.RowCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.ContentHash = hash.String
	return &e, nil
}
