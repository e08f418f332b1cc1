// Package refresher keeps the leaderboard universe warm: a background
// loop that periodically recompiles every configured wallet so the
// leaderboard answers from compiled tables instead of fanning out
// upstream fetches per request.
package refresher

import (
	"context"
	"log"
	"time"

	"github.com/jibzus/hypesilico/internal/compiler"
)

type Refresher struct {
	compiler *compiler.Compiler
	universe []string
	interval time.Duration
}

func New(comp *compiler.Compiler, universe []string, interval time.Duration) *Refresher {
	return &Refresher{compiler: comp, universe: universe, interval: interval}
}

// Run loops until ctx is cancelled. Users compile sequentially within a
// tick — the compiler already parallelizes across coins, and hammering
// the upstream with the whole universe at once buys nothing.
func (r *Refresher) Run(ctx context.Context) {
	if r.compiler == nil || len(r.universe) == 0 {
		log.Println("[Refresher] nothing to refresh; loop not started")
		return
	}

	log.Printf("[Refresher] warming %d users every %s", len(r.universe), r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("[Refresher] stopping")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) tick(ctx context.Context) {
	start := time.Now()
	failures := 0
	for _, user := range r.universe {
		if ctx.Err() != nil {
			return
		}
		if err := r.compiler.CompileUser(ctx, user); err != nil {
			failures++
			log.Printf("[Refresher] compile failed for %s: %v", user, err)
		}
	}
	log.Printf("[Refresher] cycle done: %d users, %d failures, %s",
		len(r.universe), failures, time.Since(start).Round(time.Millisecond))
}
