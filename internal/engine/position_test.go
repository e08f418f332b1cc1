package engine

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/jibzus/hypesilico/pkg/models"
	"github.com/jibzus/hypesilico/pkg/num"
)

func mkFill(t *testing.T, timeMs int64, side models.Side, px, sz, fee, pnl string) models.Fill {
	t.Helper()
	f := models.Fill{
		User:      "0xabc",
		Coin:      "BTC",
		TimeMs:    timeMs,
		Side:      side,
		Px:        num.MustParse(px),
		Sz:        num.MustParse(sz),
		Fee:       num.MustParse(fee),
		ClosedPnl: num.MustParse(pnl),
	}
	f.Fingerprint = f.ComputeFingerprint()
	return f
}

func replay(t *testing.T, fills ...models.Fill) *Batch {
	t.Helper()
	SortFills(fills)
	b, err := Replay("0xabc", "BTC", State{}, fills)
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	return b
}

func TestSimpleOpenClose(t *testing.T) {
	b := replay(t,
		mkFill(t, 1000, models.Buy, "100", "1", "0.1", "0"),
		mkFill(t, 2000, models.Sell, "110", "1", "0.1", "10"),
	)

	if len(b.Opened) != 1 || len(b.Closed) != 1 {
		t.Fatalf("expected 1 lifecycle opened and closed, got %d / %d", len(b.Opened), len(b.Closed))
	}
	if b.Closed[0].EndTimeMs != 2000 {
		t.Errorf("lifecycle closed at %d, want 2000", b.Closed[0].EndTimeMs)
	}
	if len(b.Effects) != 2 {
		t.Fatalf("expected 2 effects, got %d", len(b.Effects))
	}
	if b.Effects[0].Type != models.EffectOpen || b.Effects[1].Type != models.EffectClose {
		t.Errorf("effect types = %s, %s", b.Effects[0].Type, b.Effects[1].Type)
	}
	if !b.Effects[1].ClosedPnl.Equal(num.MustParse("10")) {
		t.Errorf("close pnl = %s, want 10", b.Effects[1].ClosedPnl)
	}
	if !b.State.NetSize.IsZero() || b.State.OpenLifecycleID != "" {
		t.Errorf("expected flat terminal state, got net=%s open=%q", b.State.NetSize, b.State.OpenLifecycleID)
	}
	if len(b.Snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(b.Snapshots))
	}
	if !b.Snapshots[1].NetSize.IsZero() {
		t.Errorf("final snapshot net = %s, want 0", b.Snapshots[1].NetSize)
	}
	// Avg entry retained verbatim from the last open leg after the close.
	if !b.Snapshots[1].AvgEntryPx.Equal(num.MustParse("100")) {
		t.Errorf("final snapshot avg entry = %s, want 100", b.Snapshots[1].AvgEntryPx)
	}
}

func TestFlipDecomposition(t *testing.T) {
	b := replay(t,
		mkFill(t, 1000, models.Buy, "100", "1", "0.1", "0"),
		mkFill(t, 2000, models.Sell, "110", "3", "0.3", "10"),
	)

	if len(b.Opened) != 2 || len(b.Closed) != 1 {
		t.Fatalf("expected 2 opens / 1 close, got %d / %d", len(b.Opened), len(b.Closed))
	}
	if len(b.Effects) != 3 {
		t.Fatalf("expected 3 effects, got %d", len(b.Effects))
	}

	flipClose, flipOpen := b.Effects[1], b.Effects[2]
	if flipClose.Type != models.EffectFlipClose || flipOpen.Type != models.EffectFlipOpen {
		t.Fatalf("flip effect types = %s, %s", flipClose.Type, flipOpen.Type)
	}
	if !flipClose.Qty.Equal(num.MustParse("1")) || !flipOpen.Qty.Equal(num.MustParse("2")) {
		t.Errorf("flip qtys = %s / %s, want 1 / 2", flipClose.Qty, flipOpen.Qty)
	}
	if !flipClose.Fee.Equal(num.MustParse("0.1")) || !flipOpen.Fee.Equal(num.MustParse("0.2")) {
		t.Errorf("flip fees = %s / %s, want 0.1 / 0.2", flipClose.Fee, flipOpen.Fee)
	}
	if !flipClose.ClosedPnl.Equal(num.MustParse("10")) || !flipOpen.ClosedPnl.IsZero() {
		t.Errorf("flip pnl = %s / %s, want 10 / 0", flipClose.ClosedPnl, flipOpen.ClosedPnl)
	}
	if flipOpen.Seq != flipClose.Seq+1 {
		t.Errorf("flip open seq %d not strictly after close seq %d", flipOpen.Seq, flipClose.Seq)
	}
	if flipClose.LifecycleID == flipOpen.LifecycleID {
		t.Errorf("flip legs share lifecycle %s", flipClose.LifecycleID)
	}

	if !b.State.NetSize.Equal(num.MustParse("-2")) {
		t.Errorf("net after flip = %s, want -2", b.State.NetSize)
	}
	if !b.State.AvgEntryPx.Equal(num.MustParse("110")) {
		t.Errorf("avg entry after flip = %s, want 110", b.State.AvgEntryPx)
	}
}

// The flip invariants: leg qtys sum to |sz|, fees sum exactly to the fill
// fee, and closed pnl appears once.
func TestFlipConservation(t *testing.T) {
	tests := []struct {
		name          string
		sz, fee       string
		startSz       string
	}{
		{"Even Split", "3", "0.3", "1"},
		{"Awkward Fee", "3", "0.1", "1"},
		{"Tiny Sizes", "0.00000003", "0.0000001", "0.00000001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := replay(t,
				mkFill(t, 1000, models.Buy, "100", tt.startSz, "0", "0"),
				mkFill(t, 2000, models.Sell, "110", tt.sz, tt.fee, "5"),
			)
			flipClose, flipOpen := b.Effects[1], b.Effects[2]
			if !flipClose.Qty.Add(flipOpen.Qty).Equal(num.MustParse(tt.sz)) {
				t.Errorf("qty sum = %s, want %s", flipClose.Qty.Add(flipOpen.Qty), tt.sz)
			}
			if !flipClose.Fee.Add(flipOpen.Fee).Equal(num.MustParse(tt.fee)) {
				t.Errorf("fee sum = %s, want %s", flipClose.Fee.Add(flipOpen.Fee), tt.fee)
			}
			if !flipClose.ClosedPnl.Add(flipOpen.ClosedPnl).Equal(num.MustParse("5")) {
				t.Errorf("pnl sum = %s, want 5", flipClose.ClosedPnl.Add(flipOpen.ClosedPnl))
			}
		})
	}
}

func TestWeightedAvgEntry(t *testing.T) {
	b := replay(t,
		mkFill(t, 1000, models.Buy, "100", "1", "0", "0"),
		mkFill(t, 2000, models.Buy, "200", "1", "0", "0"),
	)
	if !b.State.AvgEntryPx.Equal(num.MustParse("150")) {
		t.Errorf("avg entry = %s, want 150", b.State.AvgEntryPx)
	}
	if !b.State.NetSize.Equal(num.MustParse("2")) {
		t.Errorf("net = %s, want 2", b.State.NetSize)
	}
	if len(b.Opened) != 1 {
		t.Errorf("expected a single lifecycle, got %d", len(b.Opened))
	}
}

func TestZeroSizeFillSkipped(t *testing.T) {
	b := replay(t,
		mkFill(t, 1000, models.Buy, "100", "0", "0.1", "0"),
	)
	if len(b.Effects) != 0 || len(b.Snapshots) != 0 || len(b.Opened) != 0 {
		t.Errorf("zero-size fill produced output: %d effects, %d snapshots", len(b.Effects), len(b.Snapshots))
	}
}

func TestEpsilonSnapToZero(t *testing.T) {
	b := replay(t,
		mkFill(t, 1000, models.Buy, "100", "1", "0", "0"),
		mkFill(t, 2000, models.Sell, "100", "0.9999999999", "0", "0"),
	)
	if !b.State.NetSize.IsZero() {
		t.Errorf("residual dust not snapped: net = %s", b.State.NetSize)
	}
	if len(b.Closed) != 1 {
		t.Errorf("expected lifecycle to close on snapped zero, got %d closes", len(b.Closed))
	}
	if len(b.Effects) != 2 || b.Effects[1].Type != models.EffectClose {
		t.Errorf("dust crossing treated as flip: %+v", b.Effects)
	}
}

func TestPartialCloseKeepsAvgEntry(t *testing.T) {
	b := replay(t,
		mkFill(t, 1000, models.Buy, "100", "2", "0", "0"),
		mkFill(t, 2000, models.Sell, "150", "1", "0", "50"),
	)
	if !b.State.NetSize.Equal(num.MustParse("1")) {
		t.Errorf("net = %s, want 1", b.State.NetSize)
	}
	if !b.State.AvgEntryPx.Equal(num.MustParse("100")) {
		t.Errorf("partial close mutated avg entry: %s", b.State.AvgEntryPx)
	}
	if len(b.Closed) != 0 {
		t.Errorf("partial close ended the lifecycle")
	}
}

func TestResumeState(t *testing.T) {
	first := replay(t, mkFill(t, 1000, models.Buy, "100", "1", "0", "0"))

	second, err := Replay("0xabc", "BTC", first.State, []models.Fill{
		mkFill(t, 2000, models.Sell, "110", "1", "0", "10"),
	})
	if err != nil {
		t.Fatalf("Replay from resume state: %v", err)
	}
	if len(second.Closed) != 1 || second.Closed[0].ID != first.Opened[0].ID {
		t.Errorf("resumed close did not target the open lifecycle")
	}
	if second.Effects[0].Seq != first.State.NextSeq {
		t.Errorf("seq not continued: got %d, want %d", second.Effects[0].Seq, first.State.NextSeq)
	}
}

func TestCorruptResumeState(t *testing.T) {
	tests := []struct {
		name string
		st   State
	}{
		{"Size Without Lifecycle", State{NetSize: num.MustParse("1")}},
		{"Lifecycle Without Size", State{OpenLifecycleID: "lc", NetSize: decimal.Zero}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Replay("0xabc", "BTC", tt.st, nil); !errors.Is(err, ErrCorrupt) {
				t.Errorf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}

// Net size deltas across snapshots must sum to the signed sizes applied.
func TestNetSizeConservation(t *testing.T) {
	fills := []models.Fill{
		mkFill(t, 1000, models.Buy, "100", "2", "0", "0"),
		mkFill(t, 2000, models.Sell, "110", "3", "0", "5"),
		mkFill(t, 3000, models.Buy, "105", "0.5", "0", "1"),
		mkFill(t, 4000, models.Buy, "103", "2", "0", "2"),
	}
	b := replay(t, fills...)

	signedSum := decimal.Zero
	for _, f := range fills {
		s := f.Sz
		if f.Side == models.Sell {
			s = s.Neg()
		}
		signedSum = signedSum.Add(s)
	}
	if !b.State.NetSize.Equal(signedSum) {
		t.Errorf("terminal net %s != signed sum %s", b.State.NetSize, signedSum)
	}

	prev := decimal.Zero
	deltaSum := decimal.Zero
	for _, snap := range b.Snapshots {
		deltaSum = deltaSum.Add(snap.NetSize.Sub(prev))
		prev = snap.NetSize
	}
	if !deltaSum.Equal(signedSum) {
		t.Errorf("snapshot delta sum %s != signed sum %s", deltaSum, signedSum)
	}
}
