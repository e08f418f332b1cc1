package engine

import (
	"sort"

	"github.com/jibzus/hypesilico/pkg/models"
)

// Deterministic total order over fills:
//
//	(time_ms ASC, tid ASC nulls-last, oid ASC nulls-last, fingerprint ASC)
//
// time_ms carries the semantic order; tid/oid disambiguate same-millisecond
// fills from the same exchange session; the fingerprint is the final stable
// tiebreak so any set of fills has exactly one ordering.

// CompareFills returns -1, 0, or +1 per the deterministic order.
func CompareFills(a, b *models.Fill) int {
	switch {
	case a.TimeMs < b.TimeMs:
		return -1
	case a.TimeMs > b.TimeMs:
		return 1
	}
	if c := compareNullableID(a.Tid, b.Tid); c != 0 {
		return c
	}
	if c := compareNullableID(a.Oid, b.Oid); c != 0 {
		return c
	}
	switch {
	case a.Fingerprint < b.Fingerprint:
		return -1
	case a.Fingerprint > b.Fingerprint:
		return 1
	}
	return 0
}

// compareNullableID orders present ids ascending with nil sorting last.
func compareNullableID(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}

// SortFills orders fills in place by the deterministic key.
func SortFills(fills []models.Fill) {
	sort.Slice(fills, func(i, j int) bool {
		return CompareFills(&fills[i], &fills[j]) < 0
	})
}

// After reports whether fill f is strictly beyond the watermark fill w in
// the deterministic order. Used by the compile pipeline to drop rows that
// earlier runs already consumed.
func After(f, w *models.Fill) bool {
	return CompareFills(f, w) > 0
}
