// Package attribution decides, per fill, whether a configured third-party
// order-routing builder produced it. Two independent modes exist: a
// builder-fee heuristic and fuzzy matching against the builder's own fill
// logs. The upstream log feed has no trade ids, so exact matching is
// impossible; the fuzzy tolerances and tiebreaks below are fixed so that
// attribution is itself reproducible.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jibzus/hypesilico/internal/datasource"
	"github.com/jibzus/hypesilico/pkg/models"
)

// Mode selects the attribution policy.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeHeuristic Mode = "heuristic"
	ModeLogs      Mode = "logs"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeHeuristic, ModeLogs:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid attribution mode %q (want auto, heuristic or logs)", s)
}

// Fuzzy match tolerances against log rows. Do not widen without revisiting
// the tiebreak semantics.
var (
	timeToleranceMs  = int64(1000)
	priceTolerance   = decimal.New(1, -6)
	sizeTolerance    = decimal.New(1, -6)
)

// ShardProvider yields parsed builder-log day shards. The compile pipeline
// wires a caching provider over the datasource; tests wire the datasource
// directly.
type ShardProvider interface {
	Shard(ctx context.Context, builder, yyyymmdd string) (*models.LogShard, error)
}

// Engine attributes fills to the configured target builder.
type Engine struct {
	mode    Mode
	builder string
	shards  ShardProvider
}

// New builds an attribution engine. builder is the immutable process-wide
// target established at startup.
func New(mode Mode, builder string, shards ShardProvider) *Engine {
	return &Engine{mode: mode, builder: builder, shards: shards}
}

// Attribute produces one record per fill, negative verdicts included.
// Shard failures are non-fatal: auto mode falls back to the heuristic for
// the affected day, logs mode reports the miss.
func (e *Engine) Attribute(ctx context.Context, fills []models.Fill) []models.Attribution {
	out := make([]models.Attribution, 0, len(fills))
	shardCache := make(map[string]*models.LogShard)
	shardErrs := make(map[string]error)

	for i := range fills {
		f := &fills[i]
		switch e.mode {
		case ModeHeuristic:
			out = append(out, e.heuristic(f))
		case ModeLogs:
			shard, err := e.dayShard(ctx, f.TimeMs, shardCache, shardErrs)
			if err != nil {
				out = append(out, models.Attribution{
					Fingerprint: f.Fingerprint,
					Attributed:  false,
					Mode:        models.ModeLogs,
				})
				continue
			}
			out = append(out, e.matchLogs(f, shard))
		default: // auto: logs when the day shard is there, heuristic otherwise
			shard, err := e.dayShard(ctx, f.TimeMs, shardCache, shardErrs)
			if err != nil {
				out = append(out, e.heuristic(f))
				continue
			}
			out = append(out, e.matchLogs(f, shard))
		}
	}
	return out
}

// ShardDate formats a fill timestamp as the yyyymmdd shard key (UTC).
func ShardDate(timeMs int64) string {
	return time.UnixMilli(timeMs).UTC().Format("20060102")
}

func (e *Engine) dayShard(ctx context.Context, timeMs int64, cache map[string]*models.LogShard, errs map[string]error) (*models.LogShard, error) {
	date := ShardDate(timeMs)
	if shard, ok := cache[date]; ok {
		return shard, nil
	}
	if err, ok := errs[date]; ok {
		return nil, err
	}
	shard, err := e.shards.Shard(ctx, e.builder, date)
	if err != nil {
		if !errors.Is(err, datasource.ErrShardUnavailable) {
			log.Printf("[Attribution] shard %s/%s fetch failed: %v", e.builder, date, err)
		}
		errs[date] = err
		return nil, err
	}
	cache[date] = shard
	return shard, nil
}

// heuristic attributes a fill iff the exchange reported a positive builder
// fee on it.
func (e *Engine) heuristic(f *models.Fill) models.Attribution {
	a := models.Attribution{
		Fingerprint: f.Fingerprint,
		Mode:        models.ModeHeuristic,
	}
	if f.BuilderFee != nil && f.BuilderFee.Sign() > 0 {
		a.Attributed = true
		a.Confidence = models.ConfidenceFuzzy
		a.Builder = e.builder
	}
	return a
}

// candidate pairs a log row with its deltas from the fill under test.
type candidate struct {
	dTime int64
	dPx   decimal.Decimal
	dSz   decimal.Decimal
}

// matchLogs searches the day shard for rows within tolerance of the fill.
// Exactly one match is a fuzzy attribution; several matches pick the
// lexicographic minimum of (|Δtime|, |Δpx|, |Δsz|) at low confidence;
// none is a negative verdict.
func (e *Engine) matchLogs(f *models.Fill, shard *models.LogShard) models.Attribution {
	a := models.Attribution{
		Fingerprint: f.Fingerprint,
		Mode:        models.ModeLogs,
	}

	var best *candidate
	matches := 0
	for i := range shard.Rows {
		row := &shard.Rows[i]
		if row.User != f.User || row.Coin != f.Coin || row.Side != f.Side {
			continue
		}
		dTime := row.TimeMs - f.TimeMs
		if dTime < 0 {
			dTime = -dTime
		}
		if dTime > timeToleranceMs {
			continue
		}
		dPx := row.Px.Sub(f.Px).Abs()
		if dPx.Cmp(priceTolerance) > 0 {
			continue
		}
		dSz := row.Sz.Sub(f.Sz).Abs()
		if dSz.Cmp(sizeTolerance) > 0 {
			continue
		}

		matches++
		c := candidate{dTime: dTime, dPx: dPx, dSz: dSz}
		// Strict less keeps the earliest shard row on full ties, which is
		// stable because parsing preserves file order.
		if best == nil || c.less(best) {
			cc := c
			best = &cc
		}
	}

	if best == nil {
		return a
	}
	a.Attributed = true
	a.Builder = e.builder
	if matches == 1 {
		a.Confidence = models.ConfidenceFuzzy
	} else {
		a.Confidence = models.ConfidenceLow
	}
	return a
}

func (c *candidate) less(o *candidate) bool {
	if c.dTime != o.dTime {
		return c.dTime < o.dTime
	}
	if cmp := c.dPx.Cmp(o.dPx); cmp != 0 {
		return cmp < 0
	}
	return c.dSz.Cmp(o.dSz) < 0
}
