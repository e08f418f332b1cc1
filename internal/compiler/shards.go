package compiler

import (
	"context"
	"sync"
	"time"

	"github.com/jibzus/hypesilico/internal/datasource"
	"github.com/jibzus/hypesilico/internal/db"
	"github.com/jibzus/hypesilico/pkg/models"
)

// ShardProvider caches builder-log day shards: parsed rows in memory for
// the process lifetime (closed day shards are immutable upstream), fetch
// metadata in the builder_logs_cache table.
type ShardProvider struct {
	ds    datasource.Datasource
	store *db.Store

	mu     sync.Mutex
	shards map[string]*models.LogShard
}

// NewShardProvider wraps the datasource with the shared shard cache.
func NewShardProvider(ds datasource.Datasource, store *db.Store) *ShardProvider {
	return &ShardProvider{
		ds:     ds,
		store:  store,
		shards: make(map[string]*models.LogShard),
	}
}

// Shard returns the (builder, yyyymmdd) shard, fetching at most once per
// process. Fetch failures are not cached so a later compile can retry.
func (p *ShardProvider) Shard(ctx context.Context, builder, date string) (*models.LogShard, error) {
	key := builder + "/" + date

	p.mu.Lock()
	if shard, ok := p.shards[key]; ok {
		p.mu.Unlock()
		return shard, nil
	}
	p.mu.Unlock()

	shard, err := p.ds.FetchBuilderLogShard(ctx, builder, date)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.shards[key] = shard
	p.mu.Unlock()

	if p.store != nil {
		_ = p.store.RecordShardFetch(ctx, db.ShardCacheEntry{
			Builder:     builder,
			ShardDate:   date,
			FetchedAtMs: time.Now().UnixMilli(),
			ContentHash: shard.ContentHash,
			Parsed:      shard.Clean,
			RowCount:    len(shard.Rows),
		})
	}
	return shard, nil
}
