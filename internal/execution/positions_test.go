package execution

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/store"
	"polymarket-trigger/pkg/types"
)

// fakePositionStore keeps positions in memory with the same conditional
// close semantics as the durable store.
type fakePositionStore struct {
	positions  map[int64]types.Position
	nextID     int64
	exitEvents []types.ExitEvent
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{positions: make(map[int64]types.Position), nextID: 1}
}

func (f *fakePositionStore) ListOpenPositions(context.Context) ([]types.Position, error) {
	var out []types.Position
	for _, p := range f.positions {
		if p.Status == types.PositionOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePositionStore) GetOpenPositionByToken(_ context.Context, tokenID string) (types.Position, bool, error) {
	for _, p := range f.positions {
		if p.TokenID == tokenID && p.Status == types.PositionOpen {
			return p, true, nil
		}
	}
	return types.Position{}, false, nil
}

func (f *fakePositionStore) GetPosition(_ context.Context, id int64) (types.Position, bool, error) {
	p, ok := f.positions[id]
	return p, ok, nil
}

func (f *fakePositionStore) CountOpenPositions(ctx context.Context) (int, error) {
	open, _ := f.ListOpenPositions(ctx)
	return len(open), nil
}

func (f *fakePositionStore) InsertPosition(_ context.Context, p types.Position) (int64, error) {
	id := f.nextID
	f.nextID++
	p.PositionID = id
	p.Status = types.PositionOpen
	f.positions[id] = p
	return id, nil
}

func (f *fakePositionStore) UpdatePositionFill(_ context.Context, id int64, size, entryPrice, entryCost, realizedPnL decimal.Decimal) error {
	p := f.positions[id]
	p.Size = size
	p.EntryPrice = entryPrice
	p.EntryCost = entryCost
	p.RealizedPnL = realizedPnL
	f.positions[id] = p
	return nil
}

func (f *fakePositionStore) ClosePosition(_ context.Context, id int64, realizedPnL decimal.Decimal, resolution, exitOrderID string) (bool, error) {
	p, ok := f.positions[id]
	if !ok || p.Status != types.PositionOpen {
		return false, nil
	}
	p.Status = types.PositionClosed
	p.RealizedPnL = realizedPnL
	p.ExitOrderID = exitOrderID
	f.positions[id] = p
	return true, nil
}

func (f *fakePositionStore) InsertExitEvent(_ context.Context, e types.ExitEvent) error {
	f.exitEvents = append(f.exitEvents, e)
	return nil
}

func (f *fakePositionStore) TryClaimExit(context.Context, int64) (bool, error) { return true, nil }

func (f *fakePositionStore) MarkExitPending(context.Context, int64, string) error { return nil }

func (f *fakePositionStore) SetExitStatus(context.Context, int64, types.ExitStatus) error { return nil }

func (f *fakePositionStore) ClearExitPending(context.Context, int64, types.ExitStatus) error {
	return nil
}

func (f *fakePositionStore) ListPendingExits(context.Context) ([]store.PendingExit, error) {
	return nil, nil
}

func buyOrder(tokenID string) types.Order {
	return types.Order{OrderID: "ord-1", TokenID: tokenID, ConditionID: "cond", Side: types.BUY}
}

func TestRecordFillDeltaAccumulatesTrancheCosts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakePositionStore()
	tr := NewTracker(st, quietLogger())
	order := buyOrder("tok")

	// First sync: 40 shares costing 38.00.
	if err := tr.RecordFillDelta(ctx, order, decimal.NewFromInt(40), decimal.RequireFromString("38.00")); err != nil {
		t.Fatalf("first delta: %v", err)
	}
	pos, found, _ := st.GetOpenPositionByToken(ctx, "tok")
	if !found {
		t.Fatal("position not opened")
	}
	if !pos.EntryPrice.Equal(decimal.RequireFromString("0.95")) {
		t.Fatalf("entry price after open = %s, want 0.95", pos.EntryPrice)
	}

	// Second sync: 60 more shares costing 57.30 (filled at 0.955). The
	// aggregate must reflect what was actually paid, not a re-costing of
	// the new shares at the running average.
	if err := tr.RecordFillDelta(ctx, order, decimal.NewFromInt(60), decimal.RequireFromString("57.30")); err != nil {
		t.Fatalf("second delta: %v", err)
	}
	pos, _, _ = st.GetOpenPositionByToken(ctx, "tok")
	if !pos.Size.Equal(decimal.NewFromInt(100)) {
		t.Errorf("size = %s, want 100", pos.Size)
	}
	if !pos.EntryCost.Equal(decimal.RequireFromString("95.30")) {
		t.Errorf("entry cost = %s, want 95.30", pos.EntryCost)
	}
	if !pos.EntryPrice.Equal(decimal.RequireFromString("0.953")) {
		t.Errorf("entry price = %s, want 0.953", pos.EntryPrice)
	}
}

func TestRecordFillDeltaSellRealizesAgainstEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakePositionStore()
	tr := NewTracker(st, quietLogger())

	buy := buyOrder("tok")
	if err := tr.RecordFillDelta(ctx, buy, decimal.NewFromInt(100), decimal.RequireFromString("95.00")); err != nil {
		t.Fatalf("buy delta: %v", err)
	}

	sell := buy
	sell.Side = types.SELL
	// Sell 40 at 0.98: realized = 39.20 - 40*0.95 = 1.20.
	if err := tr.RecordFillDelta(ctx, sell, decimal.NewFromInt(40), decimal.RequireFromString("39.20")); err != nil {
		t.Fatalf("sell delta: %v", err)
	}

	pos, found, _ := st.GetOpenPositionByToken(ctx, "tok")
	if !found {
		t.Fatal("position should remain open")
	}
	if !pos.Size.Equal(decimal.NewFromInt(60)) {
		t.Errorf("size = %s, want 60", pos.Size)
	}
	if !pos.RealizedPnL.Equal(decimal.RequireFromString("1.20")) {
		t.Errorf("realized pnl = %s, want 1.20", pos.RealizedPnL)
	}
}

func TestCloseSkipsWhenAnotherPathClosedFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakePositionStore()
	tr := NewTracker(st, quietLogger())

	if err := tr.RecordFillDelta(ctx, buyOrder("tok"), decimal.NewFromInt(100), decimal.RequireFromString("95.00")); err != nil {
		t.Fatalf("buy delta: %v", err)
	}
	pos, _, _ := st.GetOpenPositionByToken(ctx, "tok")

	if err := tr.Close(ctx, pos, decimal.RequireFromString("0.99"), "profit_target", "exit-1"); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if len(st.exitEvents) != 1 {
		t.Fatalf("exit events = %d, want 1", len(st.exitEvents))
	}
	wantPnL := decimal.RequireFromString("4.00") // 100 * (0.99 - 0.95)
	if got := st.positions[pos.PositionID].RealizedPnL; !got.Equal(wantPnL) {
		t.Fatalf("realized pnl = %s, want %s", got, wantPnL)
	}

	// A second closer holding a stale snapshot must not overwrite the
	// accounting or duplicate the exit event.
	if err := tr.Close(ctx, pos, decimal.RequireFromString("0.90"), "fill_close", "exit-2"); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(st.exitEvents) != 1 {
		t.Errorf("exit events = %d, want 1 after lost close", len(st.exitEvents))
	}
	final := st.positions[pos.PositionID]
	if !final.RealizedPnL.Equal(wantPnL) {
		t.Errorf("realized pnl = %s, want %s untouched", final.RealizedPnL, wantPnL)
	}
	if final.ExitOrderID != "exit-1" {
		t.Errorf("exit order id = %q, want exit-1", final.ExitOrderID)
	}
}
