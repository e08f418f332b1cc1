package compiler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jibzus/hypesilico/internal/attribution"
	"github.com/jibzus/hypesilico/internal/datasource"
	"github.com/jibzus/hypesilico/internal/db"
	"github.com/jibzus/hypesilico/pkg/models"
	"github.com/jibzus/hypesilico/pkg/num"
)

const (
	testUser    = "0xabc"
	testBuilder = "0xbuilder"
	// Wide enough that test timestamps near the epoch always fall inside
	// the ingest window.
	testLookback = int64(1) << 62
)

func newHarness(t *testing.T, mode attribution.Mode) (*Compiler, *datasource.Memory, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	ds := datasource.NewMemory()
	attrib := attribution.New(mode, testBuilder, NewShardProvider(ds, store))
	return New(ds, store, attrib, testLookback), ds, store
}

func builderFill(timeMs int64, side models.Side, px, sz, fee, pnl string, attributed bool) models.Fill {
	f := models.Fill{
		Coin: "BTC", TimeMs: timeMs, Side: side,
		Px: num.MustParse(px), Sz: num.MustParse(sz),
		Fee: num.MustParse(fee), ClosedPnl: num.MustParse(pnl),
	}
	if attributed {
		bf := num.MustParse("0.01")
		f.BuilderFee = &bf
	}
	return f
}

func TestCompileSimpleOpenClose(t *testing.T) {
	comp, ds, store := newHarness(t, attribution.ModeHeuristic)
	ctx := context.Background()

	ds.AddFills(testUser,
		builderFill(1000, models.Buy, "100", "1", "0.1", "0", true),
		builderFill(2000, models.Sell, "110", "1", "0.1", "10", true),
	)

	if err := comp.CompileUser(ctx, testUser); err != nil {
		t.Fatalf("CompileUser: %v", err)
	}

	snapshots, effects, lifecycles, err := store.CountCompiled(ctx, testUser, "BTC")
	if err != nil {
		t.Fatalf("CountCompiled: %v", err)
	}
	if snapshots != 2 || effects != 2 || lifecycles != 1 {
		t.Errorf("counts = %d snapshots, %d effects, %d lifecycles; want 2/2/1",
			snapshots, effects, lifecycles)
	}

	st, err := store.GetCompileState(ctx, testUser, "BTC")
	if err != nil || st == nil {
		t.Fatalf("GetCompileState: %v / %v", st, err)
	}
	if st.LastTimeMs != 2000 {
		t.Errorf("watermark time = %d, want 2000", st.LastTimeMs)
	}

	open, err := store.OpenLifecycle(ctx, testUser, "BTC")
	if err != nil {
		t.Fatalf("OpenLifecycle: %v", err)
	}
	if open != nil {
		t.Errorf("expected no open lifecycle after a full close, got %s", open.ID)
	}
}

func TestCompileIdempotentReRun(t *testing.T) {
	comp, ds, store := newHarness(t, attribution.ModeHeuristic)
	ctx := context.Background()

	ds.AddFills(testUser,
		builderFill(1000, models.Buy, "100", "1", "0.1", "0", true),
		builderFill(2000, models.Sell, "110", "3", "0.3", "10", true),
	)

	if err := comp.CompileUser(ctx, testUser); err != nil {
		t.Fatalf("first compile: %v", err)
	}
	s1, e1, l1, err := store.CountCompiled(ctx, testUser, "BTC")
	if err != nil {
		t.Fatalf("CountCompiled: %v", err)
	}
	st1, _ := store.GetCompileState(ctx, testUser, "BTC")

	if err := comp.CompileUser(ctx, testUser); err != nil {
		t.Fatalf("second compile: %v", err)
	}
	s2, e2, l2, err := store.CountCompiled(ctx, testUser, "BTC")
	if err != nil {
		t.Fatalf("CountCompiled: %v", err)
	}
	st2, _ := store.GetCompileState(ctx, testUser, "BTC")

	if s1 != s2 || e1 != e2 || l1 != l2 {
		t.Errorf("re-run changed counts: %d/%d/%d → %d/%d/%d", s1, e1, l1, s2, e2, l2)
	}
	if *st1 != *st2 {
		t.Errorf("re-run moved the watermark: %+v → %+v", st1, st2)
	}
}

func TestCompileIncrementalResume(t *testing.T) {
	comp, ds, store := newHarness(t, attribution.ModeHeuristic)
	ctx := context.Background()

	ds.AddFills(testUser, builderFill(1000, models.Buy, "100", "1", "0.1", "0", true))
	if err := comp.CompileUser(ctx, testUser); err != nil {
		t.Fatalf("first compile: %v", err)
	}

	open1, err := store.OpenLifecycle(ctx, testUser, "BTC")
	if err != nil || open1 == nil {
		t.Fatalf("expected open lifecycle: %v / %v", open1, err)
	}

	ds.AddFills(testUser, builderFill(2000, models.Sell, "110", "1", "0.1", "10", true))
	if err := comp.CompileUser(ctx, testUser); err != nil {
		t.Fatalf("second compile: %v", err)
	}

	// The close must land on the lifecycle the first run opened.
	closed, err := store.GetLifecycle(ctx, open1.ID)
	if err != nil || closed == nil {
		t.Fatalf("GetLifecycle: %v / %v", closed, err)
	}
	if closed.EndTimeMs == nil || *closed.EndTimeMs != 2000 {
		t.Errorf("lifecycle not closed across batches: %+v", closed)
	}

	snapshots, effects, lifecycles, err := store.CountCompiled(ctx, testUser, "BTC")
	if err != nil {
		t.Fatalf("CountCompiled: %v", err)
	}
	if snapshots != 2 || effects != 2 || lifecycles != 1 {
		t.Errorf("counts after incremental compile = %d/%d/%d, want 2/2/1",
			snapshots, effects, lifecycles)
	}
}

// Order-independence: ingesting the same fills in reverse produces the
// same compiled rows.
func TestCompileOrderIndependence(t *testing.T) {
	fills := []models.Fill{
		builderFill(1000, models.Buy, "100", "2", "0.2", "0", true),
		builderFill(2000, models.Sell, "110", "3", "0.3", "20", true),
		builderFill(3000, models.Buy, "105", "1", "0.1", "-5", true),
	}

	run := func(order []int) (int, int, int, string) {
		comp, ds, store := newHarness(t, attribution.ModeHeuristic)
		for _, i := range order {
			ds.AddFills(testUser, fills[i])
		}
		if err := comp.CompileUser(context.Background(), testUser); err != nil {
			t.Fatalf("CompileUser: %v", err)
		}
		s, e, l, err := store.CountCompiled(context.Background(), testUser, "BTC")
		if err != nil {
			t.Fatalf("CountCompiled: %v", err)
		}
		snap, err := store.LastSnapshot(context.Background(), testUser, "BTC")
		if err != nil || snap == nil {
			t.Fatalf("LastSnapshot: %v / %v", snap, err)
		}
		return s, e, l, num.Canonical(snap.NetSize) + "@" + num.Canonical(snap.AvgEntryPx)
	}

	s1, e1, l1, final1 := run([]int{0, 1, 2})
	s2, e2, l2, final2 := run([]int{2, 1, 0})

	if s1 != s2 || e1 != e2 || l1 != l2 || final1 != final2 {
		t.Errorf("ingest order changed output: %d/%d/%d %s vs %d/%d/%d %s",
			s1, e1, l1, final1, s2, e2, l2, final2)
	}
}

func TestCompileTaintsMixedLifecycle(t *testing.T) {
	comp, ds, store := newHarness(t, attribution.ModeHeuristic)
	ctx := context.Background()

	// One lifecycle: fill A builder-attributed, fill B not.
	ds.AddFills(testUser,
		builderFill(1000, models.Buy, "100", "1", "0.1", "0", true),
		builderFill(2000, models.Sell, "110", "1", "0.1", "10", false),
	)
	if err := comp.CompileUser(ctx, testUser); err != nil {
		t.Fatalf("CompileUser: %v", err)
	}

	effects, err := store.Effects(ctx, db.Filter{User: testUser})
	if err != nil {
		t.Fatalf("Effects: %v", err)
	}
	if len(effects) != 2 {
		t.Fatalf("expected 2 effects, got %d", len(effects))
	}
	for _, er := range effects {
		if !er.IsTainted {
			t.Errorf("effect %s/%s not tainted despite mixed lifecycle",
				er.Effect.Fingerprint, er.Effect.Type)
		}
	}

	lc, err := store.GetLifecycle(ctx, effects[0].Effect.LifecycleID)
	if err != nil || lc == nil {
		t.Fatalf("GetLifecycle: %v / %v", lc, err)
	}
	if !lc.IsTainted || lc.TaintReason != models.TaintNonBuilderFill {
		t.Errorf("lifecycle taint = (%v, %s), want (true, non_builder_fill)", lc.IsTainted, lc.TaintReason)
	}
}

func TestCompileTransientFailureKeepsWatermark(t *testing.T) {
	comp, ds, store := newHarness(t, attribution.ModeHeuristic)
	ctx := context.Background()

	ds.AddFills(testUser, builderFill(1000, models.Buy, "100", "1", "0.1", "0", true))
	if err := comp.CompileUser(ctx, testUser); err != nil {
		t.Fatalf("first compile: %v", err)
	}
	before, _ := store.GetCompileState(ctx, testUser, "BTC")

	ds.FillsErr = context.DeadlineExceeded
	err := comp.CompileUser(ctx, testUser)
	if err == nil {
		t.Fatalf("expected transient failure")
	}
	if !IsTransient(err) {
		t.Errorf("error not classified transient: %v", err)
	}

	after, _ := store.GetCompileState(ctx, testUser, "BTC")
	if *before != *after {
		t.Errorf("watermark moved across a failed ingest: %+v → %+v", before, after)
	}
}

func TestCompileAutoModeUsesShardWhenAvailable(t *testing.T) {
	comp, ds, store := newHarness(t, attribution.ModeAuto)
	ctx := context.Background()

	// Fill with no builder fee but a matching log row: logs mode attributes
	// what the heuristic would miss.
	ds.AddFills(testUser, builderFill(1000, models.Buy, "100", "1", "0.1", "0", false))
	ds.AddShard(testBuilder, "19700101", models.LogRow{
		TimeMs: 1200, User: testUser, Coin: "BTC", Side: models.Buy,
		Px: num.MustParse("100"), Sz: num.MustParse("1"),
	})

	if err := comp.CompileUser(ctx, testUser); err != nil {
		t.Fatalf("CompileUser: %v", err)
	}

	fills, err := store.ScanFills(ctx, testUser, "BTC", 0, 0)
	if err != nil || len(fills) != 1 {
		t.Fatalf("ScanFills: %v / %d", err, len(fills))
	}
	attrs, err := store.AttributionsFor(ctx, []string{fills[0].Fingerprint})
	if err != nil {
		t.Fatalf("AttributionsFor: %v", err)
	}
	a, ok := attrs[fills[0].Fingerprint]
	if !ok {
		t.Fatalf("no attribution written")
	}
	if !a.Attributed || a.Mode != models.ModeLogs {
		t.Errorf("attribution = %+v, want attributed via logs", a)
	}

	// Shard metadata must land in the cache table.
	entry, err := store.GetShardCache(ctx, testBuilder, "19700101")
	if err != nil || entry == nil {
		t.Fatalf("GetShardCache: %v / %v", entry, err)
	}
	if !entry.Parsed || entry.RowCount != 1 {
		t.Errorf("cache entry = %+v", entry)
	}
}
