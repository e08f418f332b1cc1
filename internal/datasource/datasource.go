// Package datasource defines the capability contract the ingest side
// consumes. Production injects the live exchange client; tests inject the
// in-memory implementation. Retry policy is the implementation's own
// concern — callers only see success or failure.
package datasource

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/jibzus/hypesilico/pkg/models"
)

// ErrTransient marks a datasource failure that is safe to retry later.
// The compile pipeline must not advance its watermark past one.
var ErrTransient = errors.New("datasource: transient failure")

// ErrShardUnavailable marks a builder-log day shard that is missing or
// unfetchable. In auto attribution mode this triggers the heuristic
// fallback for fills of that day.
var ErrShardUnavailable = errors.New("datasource: builder log shard unavailable")

// Datasource is the abstract capability set of the upstream exchange.
// Implementations must preserve lossless decimals end-to-end.
type Datasource interface {
	// FetchFills returns all fills for user in [fromMs, toMs].
	FetchFills(ctx context.Context, user string, fromMs, toMs int64) ([]models.Fill, error)

	// FetchDeposits returns ledger deposits for user in [fromMs, toMs].
	FetchDeposits(ctx context.Context, user string, fromMs, toMs int64) ([]models.Deposit, error)

	// FetchEquityAt returns account equity at timeMs, or nil when the
	// upstream has no value for that user.
	FetchEquityAt(ctx context.Context, user string, timeMs int64) (*decimal.Decimal, error)

	// FetchBuilderLogShard returns the builder-fill day shard for
	// yyyymmdd, or ErrShardUnavailable.
	FetchBuilderLogShard(ctx context.Context, builder, yyyymmdd string) (*models.LogShard, error)
}
