package engine

import (
	"math/rand"
	"testing"

	"github.com/jibzus/hypesilico/pkg/models"
	"github.com/jibzus/hypesilico/pkg/num"
)

func id(v int64) *int64 { return &v }

func orderedFixture() []models.Fill {
	mk := func(timeMs int64, tid, oid *int64, fp string) models.Fill {
		return models.Fill{
			User: "u", Coin: "C", TimeMs: timeMs, Side: models.Buy,
			Px: num.MustParse("1"), Sz: num.MustParse("1"),
			Tid: tid, Oid: oid, Fingerprint: fp,
		}
	}
	return []models.Fill{
		mk(1000, id(5), id(9), "tid:5"),
		mk(2000, id(1), id(2), "tid:1"),
		mk(2000, id(3), nil, "tid:3"),
		mk(2000, nil, id(1), "oid:1"),
		mk(2000, nil, id(7), "oid:7"),
		mk(2000, nil, nil, "fp:aaa"),
		mk(2000, nil, nil, "fp:bbb"),
		mk(3000, nil, nil, "fp:ccc"),
	}
}

func TestSortFillsDeterministic(t *testing.T) {
	want := orderedFixture()

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		shuffled := orderedFixture()
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		SortFills(shuffled)
		for i := range want {
			if shuffled[i].Fingerprint != want[i].Fingerprint {
				t.Fatalf("trial %d: position %d = %s, want %s",
					trial, i, shuffled[i].Fingerprint, want[i].Fingerprint)
			}
		}
	}
}

func TestCompareNullsLast(t *testing.T) {
	withTid := models.Fill{TimeMs: 1000, Tid: id(99), Fingerprint: "tid:99"}
	without := models.Fill{TimeMs: 1000, Fingerprint: "fp:zzz"}
	if CompareFills(&withTid, &without) >= 0 {
		t.Errorf("fill with tid should order before fill without")
	}
}

func TestAfterWatermark(t *testing.T) {
	fills := orderedFixture()
	w := &fills[3]
	var after int
	for i := range fills {
		if After(&fills[i], w) {
			after++
		}
	}
	if after != 4 {
		t.Errorf("expected 4 fills after watermark, got %d", after)
	}
	if After(w, w) {
		t.Errorf("watermark fill compared after itself")
	}
}
