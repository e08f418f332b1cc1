package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jibzus/hypesilico/pkg/models"
	"github.com/jibzus/hypesilico/pkg/num"
)

// ErrCorrupt signals that persisted engine state violates an internal
// invariant. The compile for that (user, coin) is aborted and no state is
// written; other pairs are unaffected.
var ErrCorrupt = errors.New("engine: corrupt state")

// zeroEps snaps a post-close net size to exactly zero. Strictly below any
// real size granularity on the upstream (which quotes at most 8 decimals).
var zeroEps = decimal.New(1, -9)

// State is the resume state carried between compile batches. It is
// sufficient because avg entry price is path-independent once a lifecycle
// is open — only opening legs mutate it.
type State struct {
	NetSize         decimal.Decimal
	AvgEntryPx      decimal.Decimal
	OpenLifecycleID string
	NextSeq         int64
}

// LifecycleClose marks an existing lifecycle as ended.
type LifecycleClose struct {
	ID        string
	EndTimeMs int64
}

// Batch is the output of replaying one ordered slice of fills.
type Batch struct {
	Snapshots []models.Snapshot
	Effects   []models.Effect
	Opened    []models.Lifecycle
	Closed    []LifecycleClose
	State     State
}

// Replay consumes fills (already in deterministic order) for one
// (user, coin) pair starting from st and returns everything to persist.
// Pure decimal math, no I/O, no suspension.
func Replay(user, coin string, st State, fills []models.Fill) (*Batch, error) {
	if err := validateResume(st); err != nil {
		return nil, err
	}

	b := &Batch{State: st}
	for i := range fills {
		f := &fills[i]
		if f.Sz.IsZero() {
			continue // no economic content, no effect, no snapshot
		}

		s := f.Sz.Abs()
		if f.Side == models.Sell {
			s = s.Neg()
		}

		switch {
		case b.State.NetSize.IsZero() || b.State.NetSize.Sign() == s.Sign():
			b.applyOpen(user, coin, f, s)
		default:
			// Opposite direction. Anything not strictly beyond the open
			// size (within epsilon) reduces or closes; beyond it flips.
			excess := s.Abs().Sub(b.State.NetSize.Abs())
			if excess.Cmp(zeroEps) < 0 {
				b.applyClose(user, coin, f, s)
			} else {
				if err := b.applyFlip(user, coin, f, s); err != nil {
					return nil, err
				}
			}
		}
	}
	return b, nil
}

func validateResume(st State) error {
	if st.OpenLifecycleID == "" && !st.NetSize.IsZero() {
		return fmt.Errorf("%w: net size %s with no open lifecycle", ErrCorrupt, st.NetSize)
	}
	if st.OpenLifecycleID != "" && st.NetSize.IsZero() {
		return fmt.Errorf("%w: open lifecycle %s with zero net size", ErrCorrupt, st.OpenLifecycleID)
	}
	return nil
}

// applyOpen handles same-direction accumulation, opening a lifecycle when
// starting from flat.
func (b *Batch) applyOpen(user, coin string, f *models.Fill, s decimal.Decimal) {
	newNet := b.State.NetSize.Add(s)
	if b.State.NetSize.IsZero() {
		lc := models.Lifecycle{
			ID:          uuid.NewString(),
			User:        user,
			Coin:        coin,
			StartTimeMs: f.TimeMs,
			StartSeq:    b.State.NextSeq,
		}
		b.Opened = append(b.Opened, lc)
		b.State.OpenLifecycleID = lc.ID
		b.State.AvgEntryPx = f.Px
	} else {
		// Weighted by absolute size. Exact except for the final division,
		// which lands on the fixed scale.
		weighted := b.State.AvgEntryPx.Mul(b.State.NetSize.Abs()).Add(f.Px.Mul(s.Abs()))
		avg, err := num.Div(weighted, newNet.Abs(), num.DivScale)
		if err == nil {
			b.State.AvgEntryPx = avg
		}
	}

	seq := b.State.NextSeq
	b.Effects = append(b.Effects, models.Effect{
		Fingerprint: f.Fingerprint,
		LifecycleID: b.State.OpenLifecycleID,
		Type:        models.EffectOpen,
		User:        user,
		Coin:        coin,
		TimeMs:      f.TimeMs,
		Seq:         seq,
		Qty:         s.Abs(),
		Notional:    s.Abs().Mul(f.Px),
		Fee:         f.Fee,
		ClosedPnl:   decimal.Zero,
	})
	b.State.NetSize = newNet
	b.snapshot(user, coin, f.TimeMs, seq)
	b.State.NextSeq = seq + 1
}

// applyClose handles an opposite-direction fill that does not cross zero.
// A result within epsilon of zero is snapped to exactly zero and ends the
// lifecycle; avg entry px is retained verbatim from the last open leg.
func (b *Batch) applyClose(user, coin string, f *models.Fill, s decimal.Decimal) {
	newNet := b.State.NetSize.Add(s)
	if newNet.Abs().Cmp(zeroEps) < 0 {
		newNet = decimal.Zero
	}

	seq := b.State.NextSeq
	closingLifecycle := b.State.OpenLifecycleID
	b.Effects = append(b.Effects, models.Effect{
		Fingerprint: f.Fingerprint,
		LifecycleID: closingLifecycle,
		Type:        models.EffectClose,
		User:        user,
		Coin:        coin,
		TimeMs:      f.TimeMs,
		Seq:         seq,
		Qty:         s.Abs(),
		Notional:    s.Abs().Mul(f.Px),
		Fee:         f.Fee,
		ClosedPnl:   f.ClosedPnl,
	})

	b.State.NetSize = newNet
	if newNet.IsZero() {
		b.Closed = append(b.Closed, LifecycleClose{ID: closingLifecycle, EndTimeMs: f.TimeMs})
		b.State.OpenLifecycleID = ""
	}
	// Snapshot references the lifecycle just closed when the position went flat.
	b.snapshotWithLifecycle(user, coin, f.TimeMs, seq, closingLifecycle)
	b.State.NextSeq = seq + 1
}

// applyFlip decomposes a zero-crossing fill into a close leg against the
// old lifecycle and an open leg starting a new one at the same time_ms,
// ordered by seq. The fee splits exactly: fee_close = fee*q_close/|s|,
// fee_open takes the remainder; closed pnl rides the close leg only.
func (b *Batch) applyFlip(user, coin string, f *models.Fill, s decimal.Decimal) error {
	qClose := b.State.NetSize.Abs()
	qOpen := s.Abs().Sub(qClose)

	feeClose, err := num.Div(f.Fee.Mul(qClose), s.Abs(), num.DivScale)
	if err != nil {
		return fmt.Errorf("%w: flip fee split for %s: %v", ErrCorrupt, f.Fingerprint, err)
	}
	feeOpen := f.Fee.Sub(feeClose)

	oldLifecycle := b.State.OpenLifecycleID
	closeSeq := b.State.NextSeq
	openSeq := closeSeq + 1

	b.Effects = append(b.Effects, models.Effect{
		Fingerprint: f.Fingerprint,
		LifecycleID: oldLifecycle,
		Type:        models.EffectFlipClose,
		User:        user,
		Coin:        coin,
		TimeMs:      f.TimeMs,
		Seq:         closeSeq,
		Qty:         qClose,
		Notional:    qClose.Mul(f.Px),
		Fee:         feeClose,
		ClosedPnl:   f.ClosedPnl,
	})
	b.Closed = append(b.Closed, LifecycleClose{ID: oldLifecycle, EndTimeMs: f.TimeMs})

	lc := models.Lifecycle{
		ID:          uuid.NewString(),
		User:        user,
		Coin:        coin,
		StartTimeMs: f.TimeMs,
		StartSeq:    openSeq,
	}
	b.Opened = append(b.Opened, lc)

	b.Effects = append(b.Effects, models.Effect{
		Fingerprint: f.Fingerprint,
		LifecycleID: lc.ID,
		Type:        models.EffectFlipOpen,
		User:        user,
		Coin:        coin,
		TimeMs:      f.TimeMs,
		Seq:         openSeq,
		Qty:         qOpen,
		Notional:    qOpen.Mul(f.Px),
		Fee:         feeOpen,
		ClosedPnl:   decimal.Zero,
	})

	b.State.OpenLifecycleID = lc.ID
	b.State.AvgEntryPx = f.Px
	b.State.NetSize = b.State.NetSize.Add(s)
	b.snapshot(user, coin, f.TimeMs, openSeq)
	b.State.NextSeq = openSeq + 1
	return nil
}

func (b *Batch) snapshot(user, coin string, timeMs, seq int64) {
	b.snapshotWithLifecycle(user, coin, timeMs, seq, b.State.OpenLifecycleID)
}

func (b *Batch) snapshotWithLifecycle(user, coin string, timeMs, seq int64, lifecycleID string) {
	b.Snapshots = append(b.Snapshots, models.Snapshot{
		User:        user,
		Coin:        coin,
		TimeMs:      timeMs,
		Seq:         seq,
		NetSize:     b.State.NetSize,
		AvgEntryPx:  b.State.AvgEntryPx,
		LifecycleID: lifecycleID,
	})
}
