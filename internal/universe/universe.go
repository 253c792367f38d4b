// Package universe maintains the tradeable market set.
//
// Markets are fetched page by page from the metadata API and indexed by
// token. Lookups go through a TTL cache so the hot path never waits on a
// full refresh; entries expire after an hour, matching the refresh cadence.
package universe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"polymarket-trigger/pkg/types"
)

const (
	pageSize     = 500
	metadataTTL  = time.Hour
	cacheCleanup = 10 * time.Minute
)

// MarketFetcher is the wire call the universe needs.
type MarketFetcher interface {
	FetchMarkets(ctx context.Context, activeOnly bool, page, pageSize int) ([]types.Market, error)
}

// Universe indexes active markets by token id.
type Universe struct {
	wire   MarketFetcher
	cache  *gocache.Cache // token id -> types.Market
	logger *slog.Logger

	mu      sync.RWMutex
	byToken map[string]types.Market
	tokens  []string
}

// New creates an empty universe.
func New(wire MarketFetcher, logger *slog.Logger) *Universe {
	return &Universe{
		wire:    wire,
		cache:   gocache.New(metadataTTL, cacheCleanup),
		logger:  logger.With("component", "universe"),
		byToken: make(map[string]types.Market),
	}
}

// Refresh fetches all active markets page by page and rebuilds the token
// index. Resolved markets stay in the cache until expiry so in-flight
// events can still resolve their metadata.
func (u *Universe) Refresh(ctx context.Context) (int, error) {
	byToken := make(map[string]types.Market)
	var tokens []string

	for page := 0; ; page++ {
		markets, err := u.wire.FetchMarkets(ctx, true, page, pageSize)
		if err != nil {
			return 0, fmt.Errorf("fetch markets page %d: %w", page, err)
		}
		for _, m := range markets {
			for _, o := range m.Outcomes {
				byToken[o.TokenID] = m
				tokens = append(tokens, o.TokenID)
				u.cache.Set(o.TokenID, m, metadataTTL)
			}
		}
		if len(markets) < pageSize {
			break
		}
	}

	u.mu.Lock()
	u.byToken = byToken
	u.tokens = tokens
	u.mu.Unlock()

	u.logger.Info("universe refreshed", "tokens", len(tokens))
	return len(tokens), nil
}

// MarketForToken resolves the market a token belongs to. Falls back to the
// TTL cache for tokens that dropped out of the last refresh.
func (u *Universe) MarketForToken(tokenID string) (types.Market, bool) {
	u.mu.RLock()
	m, ok := u.byToken[tokenID]
	u.mu.RUnlock()
	if ok {
		return m, true
	}
	if cached, found := u.cache.Get(tokenID); found {
		return cached.(types.Market), true
	}
	return types.Market{}, false
}

// TokenIDs returns the tokens of the current universe, capped at max when
// max > 0. The order is the fetch order, so earlier (higher-volume) markets
// win under the cap.
func (u *Universe) TokenIDs(max int) []string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	n := len(u.tokens)
	if max > 0 && n > max {
		n = max
	}
	out := make([]string, n)
	copy(out, u.tokens[:n])
	return out
}

// Size returns the number of indexed tokens.
func (u *Universe) Size() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.tokens)
}
