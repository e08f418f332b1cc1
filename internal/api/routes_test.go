package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/jibzus/hypesilico/internal/attribution"
	"github.com/jibzus/hypesilico/internal/compiler"
	"github.com/jibzus/hypesilico/internal/datasource"
	"github.com/jibzus/hypesilico/internal/db"
	"github.com/jibzus/hypesilico/internal/query"
	"github.com/jibzus/hypesilico/pkg/models"
	"github.com/jibzus/hypesilico/pkg/num"
)

func newTestRouter(t *testing.T) (*gin.Engine, *datasource.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	ds := datasource.NewMemory()
	attrib := attribution.New(attribution.ModeHeuristic, "0xbuilder", compiler.NewShardProvider(ds, store))
	comp := compiler.New(ds, store, attrib, int64(1)<<62)
	queries := query.New(store, query.PnLGross)

	return SetupRouter(queries, comp, []string{"0xabc"}), ds
}

func get(t *testing.T, r *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHealthAndReady(t *testing.T) {
	r, _ := newTestRouter(t)

	w := get(t, r, "/health")
	if w.Code != http.StatusOK || w.Body.String() != `"ok"` {
		t.Errorf("/health = %d %q", w.Code, w.Body.String())
	}

	w = get(t, r, "/ready")
	if w.Code != http.StatusOK || w.Body.String() != `"ready"` {
		t.Errorf("/ready = %d %q", w.Code, w.Body.String())
	}
}

func TestTradesRequiresUser(t *testing.T) {
	r, _ := newTestRouter(t)
	if w := get(t, r, "/v1/trades"); w.Code != http.StatusBadRequest {
		t.Errorf("/v1/trades without user = %d, want 400", w.Code)
	}
}

func TestBadParamsRejected(t *testing.T) {
	r, _ := newTestRouter(t)
	for _, path := range []string{
		"/v1/trades?user=0xabc&fromMs=notanumber",
		"/v1/pnl?user=0xabc&builderOnly=maybe",
		"/v1/pnl?user=0xabc&maxStartCapital=abc",
		"/v1/leaderboard?metric=bogus",
	} {
		if w := get(t, r, path); w.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", path, w.Code)
		}
	}
}

func TestPnLEndToEnd(t *testing.T) {
	r, ds := newTestRouter(t)

	bf := num.MustParse("0.01")
	ds.AddFills("0xabc",
		models.Fill{Coin: "BTC", TimeMs: 1000, Side: models.Buy,
			Px: num.MustParse("100"), Sz: num.MustParse("1"),
			Fee: num.MustParse("0.1"), ClosedPnl: num.MustParse("0"), BuilderFee: &bf},
		models.Fill{Coin: "BTC", TimeMs: 2000, Side: models.Sell,
			Px: num.MustParse("110"), Sz: num.MustParse("1"),
			Fee: num.MustParse("0.1"), ClosedPnl: num.MustParse("10"), BuilderFee: &bf},
	)

	w := get(t, r, "/v1/pnl?user=0xABC") // mixed case: handler lowercases
	if w.Code != http.StatusOK {
		t.Fatalf("/v1/pnl = %d: %s", w.Code, w.Body.String())
	}

	var res query.PnLResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.RealizedPnl != "10" || res.FeesPaid != "0.2" || res.TradeCount != 2 {
		t.Errorf("pnl = %+v", res)
	}
}

func TestTradesDegradesOnUpstreamFailure(t *testing.T) {
	r, ds := newTestRouter(t)

	// Seed one compiled fill, then break the upstream: the endpoint must
	// keep serving stored history, flagged tainted.
	bf := num.MustParse("0.01")
	ds.AddFills("0xabc", models.Fill{Coin: "BTC", TimeMs: 1000, Side: models.Buy,
		Px: num.MustParse("100"), Sz: num.MustParse("1"),
		Fee: num.MustParse("0.1"), ClosedPnl: num.MustParse("0"), BuilderFee: &bf})
	if w := get(t, r, "/v1/trades?user=0xabc"); w.Code != http.StatusOK {
		t.Fatalf("warmup = %d", w.Code)
	}

	ds.FillsErr = context.DeadlineExceeded
	w := get(t, r, "/v1/trades?user=0xabc")
	if w.Code != http.StatusOK {
		t.Fatalf("degraded read = %d: %s", w.Code, w.Body.String())
	}
	var res query.TradesResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Errorf("stored trades not served while degraded: %d", len(res.Trades))
	}
	if !res.Tainted {
		t.Errorf("degraded response not flagged tainted")
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	r, ds := newTestRouter(t)

	bf := num.MustParse("0.01")
	ds.AddFills("0xabc",
		models.Fill{Coin: "BTC", TimeMs: 1000, Side: models.Buy,
			Px: num.MustParse("100"), Sz: num.MustParse("1"),
			Fee: num.MustParse("0"), ClosedPnl: num.MustParse("0"), BuilderFee: &bf},
		models.Fill{Coin: "BTC", TimeMs: 2000, Side: models.Sell,
			Px: num.MustParse("110"), Sz: num.MustParse("1"),
			Fee: num.MustParse("0"), ClosedPnl: num.MustParse("10"), BuilderFee: &bf},
	)
	// Warm the universe through a user read.
	if w := get(t, r, "/v1/pnl?user=0xabc"); w.Code != http.StatusOK {
		t.Fatalf("warmup = %d", w.Code)
	}

	w := get(t, r, "/v1/leaderboard?metric=pnl")
	if w.Code != http.StatusOK {
		t.Fatalf("/v1/leaderboard = %d: %s", w.Code, w.Body.String())
	}
	var rows []query.LeaderboardRow
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].Rank != 1 || rows[0].MetricValue != "10" {
		t.Errorf("leaderboard = %+v", rows)
	}
}
