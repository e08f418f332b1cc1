package hyperliquid

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/pierrec/lz4/v4"

	"github.com/jibzus/hypesilico/internal/datasource"
	"github.com/jibzus/hypesilico/pkg/models"
	"github.com/jibzus/hypesilico/pkg/num"
)

// Builder-fill day shards live in the public stats bucket as
// lz4-compressed CSV:
//
//	{stats}/builder_fills/{builder}/{yyyymmdd}.csv.lz4
//
// Header: time,user,coin,side,px,sz,crossed,special_trade_type,tif,
// is_trigger,counterparty,closed_pnl,twap_id,builder_fee. No trade ids.

// FetchBuilderLogShard downloads and parses one day shard. A missing or
// unreachable shard returns ErrShardUnavailable; rows that fail to parse
// are skipped and mark the shard not clean.
func (c *Client) FetchBuilderLogShard(ctx context.Context, builder, yyyymmdd string) (*models.LogShard, error) {
	url := fmt.Sprintf("%s/builder_fills/%s/%s.csv.lz4", c.cfg.StatsURL, strings.ToLower(builder), yyyymmdd)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", datasource.ErrShardUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", datasource.ErrShardUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d for %s/%s", datasource.ErrShardUnavailable, resp.StatusCode, builder, yyyymmdd)
	}

	raw, err := io.ReadAll(lz4.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress %s/%s: %v", datasource.ErrShardUnavailable, builder, yyyymmdd, err)
	}

	hash := sha256.Sum256(raw)
	shard := &models.LogShard{
		Builder:     builder,
		Date:        yyyymmdd,
		ContentHash: hex.EncodeToString(hash[:]),
		Clean:       true,
	}

	rows, clean, err := parseShardCSV(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s/%s: %v", datasource.ErrShardUnavailable, builder, yyyymmdd, err)
	}
	shard.Rows = rows
	shard.Clean = clean
	return shard, nil
}

// shard column indexes resolved from the header row.
type shardColumns struct {
	time, user, coin, side, px, sz, closedPnl, builderFee int
}

// parseShardCSV decodes the decompressed shard. Bad rows are skipped (the
// returned clean flag goes false); a malformed header fails the shard.
func parseShardCSV(raw []byte) ([]models.LogRow, bool, error) {
	reader := csv.NewReader(strings.NewReader(string(raw)))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, false, fmt.Errorf("missing header: %v", err)
	}
	cols, err := resolveShardColumns(header)
	if err != nil {
		return nil, false, err
	}

	var rows []models.LogRow
	clean := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			clean = false
			continue
		}
		row, err := parseShardRow(record, cols)
		if err != nil {
			log.Printf("[Hyperliquid] skipping bad shard row: %v", err)
			clean = false
			continue
		}
		rows = append(rows, *row)
	}
	return rows, clean, nil
}

func resolveShardColumns(header []string) (*shardColumns, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	cols := &shardColumns{}
	for _, want := range []struct {
		name string
		dst  *int
	}{
		{"time", &cols.time},
		{"user", &cols.user},
		{"coin", &cols.coin},
		{"side", &cols.side},
		{"px", &cols.px},
		{"sz", &cols.sz},
		{"closed_pnl", &cols.closedPnl},
		{"builder_fee", &cols.builderFee},
	} {
		i, ok := idx[want.name]
		if !ok {
			return nil, fmt.Errorf("shard header missing column %q", want.name)
		}
		*want.dst = i
	}
	return cols, nil
}

func parseShardRow(record []string, cols *shardColumns) (*models.LogRow, error) {
	get := func(i int) (string, error) {
		if i >= len(record) {
			return "", fmt.Errorf("row too short (%d fields)", len(record))
		}
		return strings.TrimSpace(record[i]), nil
	}

	timeStr, err := get(cols.time)
	if err != nil {
		return nil, err
	}
	timeMs, err := strconv.ParseInt(timeStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("time %q: %v", timeStr, err)
	}

	row := &models.LogRow{TimeMs: timeMs}

	if row.User, err = get(cols.user); err != nil {
		return nil, err
	}
	row.User = strings.ToLower(row.User)
	if row.Coin, err = get(cols.coin); err != nil {
		return nil, err
	}

	sideStr, err := get(cols.side)
	if err != nil {
		return nil, err
	}
	switch sideStr {
	case "B", "buy":
		row.Side = models.Buy
	case "A", "sell":
		row.Side = models.Sell
	default:
		return nil, fmt.Errorf("unknown side %q", sideStr)
	}

	pxStr, err := get(cols.px)
	if err != nil {
		return nil, err
	}
	if row.Px, err = num.Parse(pxStr); err != nil {
		return nil, fmt.Errorf("px: %w", err)
	}
	szStr, err := get(cols.sz)
	if err != nil {
		return nil, err
	}
	if row.Sz, err = num.Parse(szStr); err != nil {
		return nil, fmt.Errorf("sz: %w", err)
	}
	pnlStr, err := get(cols.closedPnl)
	if err != nil {
		return nil, err
	}
	if row.ClosedPnl, err = num.Parse(pnlStr); err != nil {
		return nil, fmt.Errorf("closed_pnl: %w", err)
	}
	feeStr, err := get(cols.builderFee)
	if err != nil {
		return nil, err
	}
	if feeStr != "" {
		if row.BuilderFee, err = num.Parse(feeStr); err != nil {
			return nil, fmt.Errorf("builder_fee: %w", err)
		}
	}
	return row, nil
}
