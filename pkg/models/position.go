package models

import "github.com/shopspring/decimal"

// AttributionMode records which attribution path produced a record.
type AttributionMode string

const (
	ModeHeuristic AttributionMode = "heuristic"
	ModeLogs      AttributionMode = "logs"
)

// Confidence grades how strong an attribution match is.
type Confidence string

const (
	ConfidenceExact Confidence = "exact"
	ConfidenceFuzzy Confidence = "fuzzy"
	ConfidenceLow   Confidence = "low"
)

// Attribution is the per-fill builder-attribution verdict. Exactly one
// record exists per fingerprint the pipeline has observed — negative
// verdicts are stored too.
type Attribution struct {
	Fingerprint string          `json:"fingerprint"`
	Attributed  bool            `json:"attributed"`
	Mode        AttributionMode `json:"mode"`
	Confidence  Confidence      `json:"confidence,omitempty"`
	Builder     string          `json:"builder,omitempty"`
}

// Taint reasons.
const (
	TaintNonBuilderFill = "non_builder_fill"
	TaintNoAttribution  = "no_attribution"
)

// Lifecycle is one contiguous non-zero-position period for a (user, coin),
// from the fill that crosses net size away from zero to the fill that
// returns it to zero. Open while EndTimeMs is nil.
type Lifecycle struct {
	ID          string `json:"id"`
	User        string `json:"user"`
	Coin        string `json:"coin"`
	StartTimeMs int64  `json:"startTimeMs"`
	StartSeq    int64  `json:"startSeq"`
	EndTimeMs   *int64 `json:"endTimeMs,omitempty"`
	IsTainted   bool   `json:"isTainted"`
	TaintReason string `json:"taintReason,omitempty"`
}

// EffectType classifies the economic action a fill had on the position.
type EffectType string

const (
	EffectOpen      EffectType = "open"
	EffectClose     EffectType = "close"
	EffectFlipClose EffectType = "flip_close"
	EffectFlipOpen  EffectType = "flip_open"
)

// Effect is an engine-emitted decomposition of a fill. A normal fill emits
// one effect; a flip emits flip_close then flip_open, with the fee split
// by qty and closed_pnl attached to the close leg only.
type Effect struct {
	Fingerprint string          `json:"fingerprint"`
	LifecycleID string          `json:"lifecycleId"`
	Type        EffectType      `json:"effectType"`
	User        string          `json:"user"`
	Coin        string          `json:"coin"`
	TimeMs      int64           `json:"timeMs"`
	Seq         int64           `json:"seq"`
	Qty         decimal.Decimal `json:"qty"`
	Notional    decimal.Decimal `json:"notional"`
	Fee         decimal.Decimal `json:"fee"`
	ClosedPnl   decimal.Decimal `json:"closedPnl"`
}

// Snapshot is the position state after applying one fill. Seq is the
// monotonic tiebreaker within a millisecond; a flip's new lifecycle starts
// on a strictly greater seq than the old lifecycle's final effect.
type Snapshot struct {
	User        string          `json:"user"`
	Coin        string          `json:"coin"`
	TimeMs      int64           `json:"timeMs"`
	Seq         int64           `json:"seq"`
	NetSize     decimal.Decimal `json:"netSize"`
	AvgEntryPx  decimal.Decimal `json:"avgEntryPx"`
	LifecycleID string          `json:"lifecycleId"`
	IsTainted   bool            `json:"isTainted"`
}

// CompileState is the per-(user, coin) watermark past which compilation
// has completed.
type CompileState struct {
	User            string `json:"user"`
	Coin            string `json:"coin"`
	LastTimeMs      int64  `json:"lastCompiledTimeMs"`
	LastFingerprint string `json:"lastCompiledFingerprint"`
	Version         int    `json:"compileVersion"`
}

// CompileVersion identifies the engine revision that produced compiled rows.
// Bump when the engine semantics change so stale rows can be recompiled.
const CompileVersion = 1
