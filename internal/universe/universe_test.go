package universe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"polymarket-trigger/pkg/types"
)

type fakeFetcher struct {
	pages [][]types.Market
	err   error
}

func (f *fakeFetcher) FetchMarkets(_ context.Context, _ bool, page, _ int) ([]types.Market, error) {
	if f.err != nil {
		return nil, f.err
	}
	if page >= len(f.pages) {
		return nil, nil
	}
	return f.pages[page], nil
}

func binaryMarket(cond string, tokens ...string) types.Market {
	m := types.Market{
		ConditionID: cond,
		Question:    fmt.Sprintf("Question for %s?", cond),
		EndTime:     time.Now().Add(72 * time.Hour),
		Active:      true,
	}
	for i, tok := range tokens {
		label := "Yes"
		if i == 1 {
			label = "No"
		}
		m.Outcomes = append(m.Outcomes, types.Outcome{TokenID: tok, Label: label, Index: i})
	}
	return m
}

func newTestUniverse(f *fakeFetcher) *Universe {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(f, logger)
}

func TestRefreshIndexesAllOutcomeTokens(t *testing.T) {
	t.Parallel()
	u := newTestUniverse(&fakeFetcher{pages: [][]types.Market{{
		binaryMarket("c1", "c1-yes", "c1-no"),
		binaryMarket("c2", "c2-yes", "c2-no"),
	}}})

	n, err := u.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n != 4 || u.Size() != 4 {
		t.Errorf("token count = %d/%d, want 4", n, u.Size())
	}

	m, ok := u.MarketForToken("c2-no")
	if !ok || m.ConditionID != "c2" {
		t.Errorf("MarketForToken(c2-no) = %+v/%v, want c2", m, ok)
	}
	if _, ok := u.MarketForToken("nope"); ok {
		t.Error("unknown token resolved")
	}
}

func TestRefreshErrorKeepsOldIndex(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{pages: [][]types.Market{{binaryMarket("c1", "y", "n")}}}
	u := newTestUniverse(f)

	if _, err := u.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	f.err = errors.New("gamma api down")
	if _, err := u.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if u.Size() != 2 {
		t.Errorf("size = %d after failed refresh, want the previous 2", u.Size())
	}
}

func TestMarketForTokenFallsBackToCache(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{pages: [][]types.Market{{binaryMarket("c1", "y", "n")}}}
	u := newTestUniverse(f)

	if _, err := u.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// The market drops out of the next refresh; in-flight events must still
	// resolve it from the TTL cache.
	f.pages = [][]types.Market{{binaryMarket("c2", "y2", "n2")}}
	if _, err := u.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	m, ok := u.MarketForToken("y")
	if !ok || m.ConditionID != "c1" {
		t.Errorf("dropped token = %+v/%v, want cached c1", m, ok)
	}
}

func TestTokenIDsCap(t *testing.T) {
	t.Parallel()
	u := newTestUniverse(&fakeFetcher{pages: [][]types.Market{{
		binaryMarket("c1", "t1", "t2"),
		binaryMarket("c2", "t3", "t4"),
	}}})
	if _, err := u.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	capped := u.TokenIDs(3)
	if len(capped) != 3 {
		t.Fatalf("capped length = %d, want 3", len(capped))
	}
	// Fetch order wins under the cap.
	if capped[0] != "t1" || capped[2] != "t3" {
		t.Errorf("capped = %v, want fetch order", capped)
	}

	if got := u.TokenIDs(0); len(got) != 4 {
		t.Errorf("uncapped length = %d, want 4", len(got))
	}
}
