// Package compiler drives the incremental ingest-and-compile pipeline:
// pull raw events from the datasource, replay fills through the position
// engine per (user, coin), attribute them to the target builder, recompute
// lifecycle taint, and advance the per-pair watermark — all inside one
// storage transaction per pair so repeated runs are idempotent.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jibzus/hypesilico/internal/attribution"
	"github.com/jibzus/hypesilico/internal/datasource"
	"github.com/jibzus/hypesilico/internal/db"
	"github.com/jibzus/hypesilico/internal/engine"
	"github.com/jibzus/hypesilico/pkg/models"
)

// maxConcurrentPairs caps how many (user, coin) pairs compile at once for
// a single user. Distinct pairs never contend on the per-pair locks, only
// on the storage writer.
const maxConcurrentPairs = 4

// Progress mirrors the compiler's counters for the API.
type Progress struct {
	IsRunning     bool  `json:"isRunning"`
	CompiledPairs int64 `json:"compiledPairs"`
	CompiledFills int64 `json:"compiledFills"`
	LastRunMs     int64 `json:"lastRunMs"`
}

// Compiler owns the ingest → engine → persistence flow.
type Compiler struct {
	ds         datasource.Datasource
	store      *db.Store
	attrib     *attribution.Engine
	lookbackMs int64

	// Per-(user, coin) advisory locks: same-pair compiles serialize,
	// distinct pairs proceed in parallel.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	running       atomic.Bool
	compiledPairs atomic.Int64
	compiledFills atomic.Int64
	lastRunMs     atomic.Int64
}

// New wires a compiler over the injected capabilities.
func New(ds datasource.Datasource, store *db.Store, attrib *attribution.Engine, lookbackMs int64) *Compiler {
	return &Compiler{
		ds:         ds,
		store:      store,
		attrib:     attrib,
		lookbackMs: lookbackMs,
		locks:      make(map[string]*sync.Mutex),
	}
}

// GetProgress returns the current counters (thread-safe).
func (c *Compiler) GetProgress() Progress {
	return Progress{
		IsRunning:     c.running.Load(),
		CompiledPairs: c.compiledPairs.Load(),
		CompiledFills: c.compiledFills.Load(),
		LastRunMs:     c.lastRunMs.Load(),
	}
}

func (c *Compiler) pairLock(user, coin string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	key := user + "/" + coin
	mu, ok := c.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[key] = mu
	}
	return mu
}

// CompileUser ingests fresh raw events for one wallet and compiles every
// coin it has traded. Returns an error wrapping datasource.ErrTransient when
// the upstream is unreachable; watermarks stay untouched in that case.
func (c *Compiler) CompileUser(ctx context.Context, user string) error {
	c.running.Store(true)
	defer func() {
		c.running.Store(false)
		c.lastRunMs.Store(time.Now().UnixMilli())
	}()

	if err := c.ingest(ctx, user); err != nil {
		return err
	}

	coins, err := c.store.ListUserCoins(ctx, user)
	if err != nil {
		return fmt.Errorf("failed to list coins for %s: %v", user, err)
	}

	// A failing pair must not cancel its siblings — a corrupt BTC history
	// should still let ETH compile. The first error is reported after
	// every pair has had its turn.
	var eg errgroup.Group
	eg.SetLimit(maxConcurrentPairs)
	var mu sync.Mutex
	var firstErr error
	for _, coin := range coins {
		coin := coin
		eg.Go(func() error {
			if err := c.CompilePair(ctx, user, coin); err != nil {
				log.Printf("[Compiler] pair %s/%s failed: %v", user, coin, err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return firstErr
}

// ingest pulls fills, deposits and an equity observation from the
// datasource into the raw tables. Deposit and equity failures degrade to
// warnings; a fills failure aborts the run.
func (c *Compiler) ingest(ctx context.Context, user string) error {
	nowMs := time.Now().UnixMilli()
	fromMs := nowMs - c.lookbackMs
	if fromMs < 0 {
		fromMs = 0
	}
	// A wallet we have never compiled gets its full history.
	coins, err := c.store.ListUserCoins(ctx, user)
	if err != nil {
		return err
	}
	if len(coins) == 0 {
		fromMs = 0
	}

	fills, err := c.ds.FetchFills(ctx, user, fromMs, nowMs)
	if err != nil {
		return fmt.Errorf("fills fetch for %s: %w", user, err)
	}
	for i := range fills {
		if fills[i].Fingerprint == "" {
			fills[i].Fingerprint = fills[i].ComputeFingerprint()
		}
	}
	if err := c.store.UpsertFills(ctx, fills); err != nil {
		return fmt.Errorf("fill upsert for %s: %v", user, err)
	}

	if deposits, err := c.ds.FetchDeposits(ctx, user, fromMs, nowMs); err != nil {
		log.Printf("[Compiler] deposits fetch for %s failed: %v", user, err)
	} else if err := c.store.UpsertDeposits(ctx, deposits); err != nil {
		log.Printf("[Compiler] deposit upsert for %s failed: %v", user, err)
	}

	if eq, err := c.ds.FetchEquityAt(ctx, user, fromMs); err != nil {
		log.Printf("[Compiler] equity fetch for %s failed: %v", user, err)
	} else if eq != nil {
		if err := c.store.UpsertEquity(ctx, models.EquitySnapshot{User: user, TimeMs: fromMs, Equity: *eq}); err != nil {
			log.Printf("[Compiler] equity upsert for %s failed: %v", user, err)
		}
	}
	return nil
}

// CompilePair compiles one (user, coin) from its watermark forward. Safe
// to call concurrently; same-pair calls serialize on the advisory lock.
func (c *Compiler) CompilePair(ctx context.Context, user, coin string) error {
	mu := c.pairLock(user, coin)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	watermark, err := c.store.GetCompileState(ctx, user, coin)
	if err != nil {
		return fmt.Errorf("compile state load for %s/%s: %v", user, coin, err)
	}

	fills, err := c.freshFills(ctx, user, coin, watermark)
	if err != nil {
		return err
	}
	if len(fills) == 0 {
		return nil
	}
	engine.SortFills(fills)

	resume, err := c.loadResumeState(ctx, user, coin)
	if err != nil {
		return err
	}

	batch, err := engine.Replay(user, coin, resume, fills)
	if err != nil {
		// EngineCorrupt: abort this pair, leave persisted state untouched.
		log.Printf("[Compiler] engine failure for %s/%s: %v", user, coin, err)
		return err
	}

	attrs := c.attrib.Attribute(ctx, fills)

	taint, err := c.recomputeTaint(ctx, batch, attrs)
	if err != nil {
		return err
	}

	last := &fills[len(fills)-1]
	compiled := &db.CompiledBatch{
		Snapshots:    batch.Snapshots,
		Effects:      batch.Effects,
		Opened:       batch.Opened,
		Attributions: attrs,
		Taint:        taint,
		State: models.CompileState{
			User:            user,
			Coin:            coin,
			LastTimeMs:      last.TimeMs,
			LastFingerprint: last.Fingerprint,
			Version:         models.CompileVersion,
		},
	}
	for _, cl := range batch.Closed {
		compiled.Closed = append(compiled.Closed, db.LifecycleEnd(cl))
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.store.CommitBatch(ctx, compiled); err != nil {
		return fmt.Errorf("commit for %s/%s: %v", user, coin, err)
	}

	c.compiledPairs.Add(1)
	c.compiledFills.Add(int64(len(fills)))
	log.Printf("[Compiler] %s/%s: %d fills → %d effects, %d snapshots (%d lifecycles opened, %d closed)",
		user, coin, len(fills), len(batch.Effects), len(batch.Snapshots), len(batch.Opened), len(batch.Closed))
	return nil
}

// freshFills returns raw fills strictly beyond the watermark in the
// deterministic order's sense.
func (c *Compiler) freshFills(ctx context.Context, user, coin string, watermark *models.CompileState) ([]models.Fill, error) {
	fromMs := int64(0)
	if watermark != nil {
		fromMs = watermark.LastTimeMs
	}
	rows, err := c.store.ScanFills(ctx, user, coin, fromMs, 0)
	if err != nil {
		return nil, fmt.Errorf("fill scan for %s/%s: %v", user, coin, err)
	}
	if watermark == nil {
		return rows, nil
	}

	wFill, err := c.store.GetFill(ctx, watermark.LastFingerprint)
	if err != nil {
		return nil, fmt.Errorf("watermark fill load for %s/%s: %v", user, coin, err)
	}

	var fresh []models.Fill
	for i := range rows {
		f := &rows[i]
		if wFill != nil {
			if engine.After(f, wFill) {
				fresh = append(fresh, *f)
			}
			continue
		}
		// Watermark fill missing from the raw store: fall back to the time
		// bound alone. Conservative — boundary-millisecond fills wait for
		// the next advance rather than risk double-compilation.
		if f.TimeMs > watermark.LastTimeMs {
			fresh = append(fresh, *f)
		}
	}
	return fresh, nil
}

// loadResumeState rebuilds engine state from the last snapshot and the
// open lifecycle. Inconsistencies surface as engine.ErrCorrupt.
func (c *Compiler) loadResumeState(ctx context.Context, user, coin string) (engine.State, error) {
	var st engine.State

	snap, err := c.store.LastSnapshot(ctx, user, coin)
	if err != nil {
		return st, fmt.Errorf("snapshot load for %s/%s: %v", user, coin, err)
	}
	open, err := c.store.OpenLifecycle(ctx, user, coin)
	if err != nil {
		return st, fmt.Errorf("open lifecycle load for %s/%s: %v", user, coin, err)
	}

	if snap == nil {
		if open != nil {
			return st, fmt.Errorf("%w: open lifecycle %s with no snapshots for %s/%s",
				engine.ErrCorrupt, open.ID, user, coin)
		}
		return st, nil
	}

	st.NetSize = snap.NetSize
	st.AvgEntryPx = snap.AvgEntryPx
	st.NextSeq = snap.Seq + 1
	if open != nil {
		st.OpenLifecycleID = open.ID
	}
	return st, nil
}

// recomputeTaint re-evaluates every lifecycle the batch touched, merging
// freshly computed attributions over the stored ones.
func (c *Compiler) recomputeTaint(ctx context.Context, batch *engine.Batch, attrs []models.Attribution) ([]db.TaintUpdate, error) {
	touched := make(map[string]bool)
	for _, eff := range batch.Effects {
		touched[eff.LifecycleID] = true
	}
	if len(touched) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fresh := make(map[string]models.Attribution, len(attrs))
	for _, a := range attrs {
		fresh[a.Fingerprint] = a
	}
	newOpens := make(map[string]*models.Lifecycle)
	for i := range batch.Opened {
		newOpens[batch.Opened[i].ID] = &batch.Opened[i]
	}

	var updates []db.TaintUpdate
	for _, id := range ids {
		lc := newOpens[id]
		if lc == nil {
			stored, err := c.store.GetLifecycle(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("lifecycle load %s: %v", id, err)
			}
			if stored == nil {
				return nil, fmt.Errorf("%w: effect references unknown lifecycle %s", engine.ErrCorrupt, id)
			}
			lc = stored
		}

		// Stored effects plus this batch's, deduped on (fingerprint, type).
		effects, err := c.store.EffectsForLifecycle(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("effects load %s: %v", id, err)
		}
		seen := make(map[string]bool, len(effects))
		for _, eff := range effects {
			seen[eff.Fingerprint+"|"+string(eff.Type)] = true
		}
		for _, eff := range batch.Effects {
			if eff.LifecycleID == id && !seen[eff.Fingerprint+"|"+string(eff.Type)] {
				effects = append(effects, eff)
			}
		}

		fps := make([]string, 0, len(effects))
		for _, eff := range effects {
			fps = append(fps, eff.Fingerprint)
		}
		stored, err := c.store.AttributionsFor(ctx, fps)
		if err != nil {
			return nil, fmt.Errorf("attributions load %s: %v", id, err)
		}
		for fp, a := range fresh {
			stored[fp] = a
		}

		tainted, reason := attribution.RecomputeTaint(*lc, effects, stored)
		updates = append(updates, db.TaintUpdate{ID: id, Tainted: tainted, Reason: reason})
	}
	return updates, nil
}

// IsTransient reports whether err came from the datasource and is safe to
// retry on the next run.
func IsTransient(err error) bool {
	return errors.Is(err, datasource.ErrTransient)
}
