// Package hyperliquid is the live datasource: the exchange /info API for
// fills, ledger updates and account state, and the public stats bucket for
// builder-fill day shards. It implements the datasource contract with
// lossless decimal parsing throughout; transient transport failures retry
// with exponential backoff before surfacing.
package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/jibzus/hypesilico/internal/datasource"
	"github.com/jibzus/hypesilico/pkg/models"
	"github.com/jibzus/hypesilico/pkg/num"
)

// fillPageLimit is the upstream page size for userFillsByTime.
const fillPageLimit = 2000

type Config struct {
	// BaseURL is the exchange API root, e.g. https://api.hyperliquid.xyz
	BaseURL string
	// StatsURL serves builder-fill shards. Defaults to the public bucket.
	StatsURL string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient connects to the exchange API and verifies reachability with a
// meta request.
func NewClient(cfg Config) (*Client, error) {
	if cfg.StatsURL == "" {
		cfg.StatsURL = "https://stats-data.hyperliquid.xyz/Mainnet"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.StatsURL = strings.TrimRight(cfg.StatsURL, "/")

	c := &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}

	log.Printf("Connecting to Hyperliquid API at %s...", cfg.BaseURL)
	var probe json.RawMessage
	if err := c.post(context.Background(), map[string]any{"type": "meta"}, &probe); err != nil {
		return nil, fmt.Errorf("hyperliquid meta probe failed: %w", err)
	}
	log.Println("Connected to Hyperliquid API")
	return c, nil
}

// post sends an /info request and decodes the JSON response into out,
// retrying transient failures with exponential backoff.
func (c *Client) post(ctx context.Context, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURL+"/info", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("upstream status %d", resp.StatusCode))
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %v", err))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("%w: %v", datasource.ErrTransient, err)
	}
	return nil
}

// ─── Fills ────────────────────────────────────────────────────────────

// wireFill is the upstream fill row. All money fields arrive as strings.
type wireFill struct {
	Coin       string `json:"coin"`
	Px         string `json:"px"`
	Sz         string `json:"sz"`
	Side       string `json:"side"` // "B" buy, "A" sell
	Time       int64  `json:"time"`
	ClosedPnl  string `json:"closedPnl"`
	Fee        string `json:"fee"`
	BuilderFee string `json:"builderFee,omitempty"`
	Tid        int64  `json:"tid,omitempty"`
	Oid        int64  `json:"oid,omitempty"`
}

// FetchFills pages userFillsByTime over [fromMs, toMs], deduping on
// fingerprint across page boundaries.
func (c *Client) FetchFills(ctx context.Context, user string, fromMs, toMs int64) ([]models.Fill, error) {
	if toMs == 0 {
		toMs = time.Now().UnixMilli()
	}

	var out []models.Fill
	seen := make(map[string]bool)
	start := fromMs

	for {
		var page []wireFill
		req := map[string]any{
			"type":      "userFillsByTime",
			"user":      user,
			"startTime": start,
			"endTime":   toMs,
		}
		if err := c.post(ctx, req, &page); err != nil {
			return nil, err
		}

		for i := range page {
			f, err := c.parseFill(user, &page[i])
			if err != nil {
				log.Printf("[Hyperliquid] skipping unparseable fill for %s: %v", user, err)
				continue
			}
			if seen[f.Fingerprint] {
				continue
			}
			seen[f.Fingerprint] = true
			out = append(out, *f)
		}

		if len(page) < fillPageLimit {
			return out, nil
		}
		// Page boundary: resume at the last fill's millisecond; the dedup
		// map swallows the overlap.
		last := page[len(page)-1].Time
		if last <= start {
			return out, nil
		}
		start = last
	}
}

func (c *Client) parseFill(user string, w *wireFill) (*models.Fill, error) {
	f := models.Fill{
		User:   strings.ToLower(user),
		Coin:   w.Coin,
		TimeMs: w.Time,
		Side:   models.Sell,
	}
	if w.Side == "B" {
		f.Side = models.Buy
	}

	var err error
	if f.Px, err = num.Parse(w.Px); err != nil {
		return nil, fmt.Errorf("px: %w", err)
	}
	if f.Sz, err = num.Parse(w.Sz); err != nil {
		return nil, fmt.Errorf("sz: %w", err)
	}
	if f.Fee, err = num.Parse(w.Fee); err != nil {
		return nil, fmt.Errorf("fee: %w", err)
	}
	if f.ClosedPnl, err = num.Parse(w.ClosedPnl); err != nil {
		return nil, fmt.Errorf("closedPnl: %w", err)
	}
	if w.BuilderFee != "" {
		bf, err := num.Parse(w.BuilderFee)
		if err != nil {
			return nil, fmt.Errorf("builderFee: %w", err)
		}
		f.BuilderFee = &bf
	}
	if w.Tid != 0 {
		tid := w.Tid
		f.Tid = &tid
	}
	if w.Oid != 0 {
		oid := w.Oid
		f.Oid = &oid
	}
	f.Fingerprint = f.ComputeFingerprint()
	return &f, nil
}

// ─── Deposits ─────────────────────────────────────────────────────────

type wireLedgerUpdate struct {
	Time  int64  `json:"time"`
	Hash  string `json:"hash"`
	Delta struct {
		Type string `json:"type"`
		Usdc string `json:"usdc"`
	} `json:"delta"`
}

// FetchDeposits filters userNonFundingLedgerUpdates down to deposits.
func (c *Client) FetchDeposits(ctx context.Context, user string, fromMs, toMs int64) ([]models.Deposit, error) {
	if toMs == 0 {
		toMs = time.Now().UnixMilli()
	}

	var updates []wireLedgerUpdate
	req := map[string]any{
		"type":      "userNonFundingLedgerUpdates",
		"user":      user,
		"startTime": fromMs,
		"endTime":   toMs,
	}
	if err := c.post(ctx, req, &updates); err != nil {
		return nil, err
	}

	var out []models.Deposit
	for i := range updates {
		u := &updates[i]
		if u.Delta.Type != "deposit" {
			continue
		}
		amount, err := num.Parse(u.Delta.Usdc)
		if err != nil {
			log.Printf("[Hyperliquid] skipping unparseable deposit for %s: %v", user, err)
			continue
		}
		d := models.Deposit{
			User:   strings.ToLower(user),
			TimeMs: u.Time,
			Amount: amount,
			TxHash: u.Hash,
		}
		d.EventKey = d.ComputeEventKey()
		out = append(out, d)
	}
	return out, nil
}

// ─── Equity ───────────────────────────────────────────────────────────

type wireClearinghouseState struct {
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
}

// FetchEquityAt returns the account value. The upstream only serves the
// current state; historical reads come from stored snapshots, so the
// timestamp is advisory here.
func (c *Client) FetchEquityAt(ctx context.Context, user string, _ int64) (*decimal.Decimal, error) {
	var state wireClearinghouseState
	req := map[string]any{"type": "clearinghouseState", "user": user}
	if err := c.post(ctx, req, &state); err != nil {
		return nil, err
	}
	if state.MarginSummary.AccountValue == "" {
		return nil, nil
	}
	eq, err := num.Parse(state.MarginSummary.AccountValue)
	if err != nil {
		return nil, fmt.Errorf("accountValue: %w", err)
	}
	return &eq, nil
}
