package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/MrWong99/partyhost/internal/results"
	"github.com/MrWong99/partyhost/internal/results/postgres"
)

// newTestStore connects to PARTYHOST_TEST_POSTGRES_DSN with a clean table, or
// skips the test when it is not set.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("PARTYHOST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARTYHOST_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	ctx := context.Background()
	s, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_RecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	game := "test_" + time.Now().Format("150405.000000")

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, score := range []int{40, 95} {
		r := results.Result{
			ID:         game + "-" + string(rune('a'+i)),
			Game:       game,
			ScenarioID: "simple_pattern",
			Success:    score >= 70,
			Score:      score,
			Message:    "msg",
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + 8*time.Second),
			Elapsed:    8 * time.Second,
		}
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, results.Query{Game: game})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got[0].Score != 95 || !got[0].Success || got[0].Elapsed != 8*time.Second {
		t.Errorf("newest = %+v", got[0])
	}

	got, err = s.Recent(ctx, results.Query{Game: game, Limit: 1})
	if err != nil || len(got) != 1 {
		t.Fatalf("Recent limit 1 = %d, %v", len(got), err)
	}
}
