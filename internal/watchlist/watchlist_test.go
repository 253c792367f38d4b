package watchlist

import (
	"math"
	"testing"
	"time"

	"polymarket-trigger/pkg/types"
)

func entryAt(initial, hoursToEnd float64, created time.Time) types.WatchlistEntry {
	return types.WatchlistEntry{
		TokenID:        "tok",
		InitialScore:   initial,
		CurrentScore:   initial,
		TimeToEndHours: hoursToEnd,
		CreatedAt:      created,
	}
}

func TestDefaultScoreTimeBonus(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()

	tests := []struct {
		name  string
		entry types.WatchlistEntry
		want  float64
	}{
		{"a week out gets no bonus", entryAt(0.93, 7*24, now), 0.93},
		{"half the horizon gets half the bonus", entryAt(0.93, 84, now), 0.93 + 0.035},
		{"at resolution gets the full bonus", entryAt(0.93, 0, now), 0.93 + 0.07},
		{"past resolution clamps the same", entryAt(0.93, 2, now.Add(-10*time.Hour)), 0.93 + 0.07},
		{"beyond the horizon floors at zero", entryAt(0.93, 30*24, now), 0.93},
		{"score caps at one", entryAt(0.98, 0, now), 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := defaultScore(tt.entry, now)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("defaultScore = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestDefaultScoreAgesTowardResolution(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()

	// The same entry scored later must never score lower.
	e := entryAt(0.92, 96, now)
	early := defaultScore(e, now)
	late := defaultScore(e, now.Add(48*time.Hour))
	if late < early {
		t.Errorf("score decreased with age: %f -> %f", early, late)
	}
}
