package datasource

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/jibzus/hypesilico/pkg/models"
)

// Memory is a deterministic in-memory Datasource for tests. Error fields
// inject failures per capability.
type Memory struct {
	mu sync.Mutex

	Fills    map[string][]models.Fill     // keyed by user
	Deposits map[string][]models.Deposit  // keyed by user
	Equity   map[string][]models.EquitySnapshot
	Shards   map[string]*models.LogShard // keyed by builder+"/"+yyyymmdd

	FillsErr   error
	DepositErr error
	EquityErr  error
	ShardErr   error
}

// NewMemory returns an empty in-memory datasource.
func NewMemory() *Memory {
	return &Memory{
		Fills:    make(map[string][]models.Fill),
		Deposits: make(map[string][]models.Deposit),
		Equity:   make(map[string][]models.EquitySnapshot),
		Shards:   make(map[string]*models.LogShard),
	}
}

// AddFills appends fills for a user, computing fingerprints when absent.
func (m *Memory) AddFills(user string, fills ...models.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range fills {
		f.User = user
		if f.Fingerprint == "" {
			f.Fingerprint = f.ComputeFingerprint()
		}
		m.Fills[user] = append(m.Fills[user], f)
	}
}

// AddShard registers a builder-log day shard.
func (m *Memory) AddShard(builder, yyyymmdd string, rows ...models.LogRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Shards[builder+"/"+yyyymmdd] = &models.LogShard{
		Builder: builder,
		Date:    yyyymmdd,
		Rows:    rows,
		Clean:   true,
	}
}

func (m *Memory) FetchFills(_ context.Context, user string, fromMs, toMs int64) ([]models.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FillsErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, m.FillsErr)
	}
	var out []models.Fill
	for _, f := range m.Fills[user] {
		if f.TimeMs >= fromMs && (toMs == 0 || f.TimeMs <= toMs) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *Memory) FetchDeposits(_ context.Context, user string, fromMs, toMs int64) ([]models.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DepositErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, m.DepositErr)
	}
	var out []models.Deposit
	for _, d := range m.Deposits[user] {
		if d.TimeMs >= fromMs && (toMs == 0 || d.TimeMs <= toMs) {
			if d.EventKey == "" {
				d.EventKey = d.ComputeEventKey()
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) FetchEquityAt(_ context.Context, user string, timeMs int64) (*decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EquityErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, m.EquityErr)
	}
	var best *models.EquitySnapshot
	for i := range m.Equity[user] {
		s := &m.Equity[user][i]
		if s.TimeMs <= timeMs && (best == nil || s.TimeMs > best.TimeMs) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	eq := best.Equity
	return &eq, nil
}

func (m *Memory) FetchBuilderLogShard(_ context.Context, builder, yyyymmdd string) (*models.LogShard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShardErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrShardUnavailable, m.ShardErr)
	}
	shard, ok := m.Shards[builder+"/"+yyyymmdd]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrShardUnavailable, builder, yyyymmdd)
	}
	return shard, nil
}
