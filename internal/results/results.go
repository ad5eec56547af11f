// Package results keeps a record of finished games.
//
// Every game that reaches a finish, including games ended by the local
// timeout, becomes one [Result]. Stores are append-only; [Store.Recent]
// returns results newest first.
package results

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/partyhost/internal/game"
)

// DefaultLimit is the number of results Recent returns when no limit is set.
const DefaultLimit = 50

// MaxLimit caps Query.Limit.
const MaxLimit = 500

// Result is one finished game.
type Result struct {
	ID         string        `json:"id"`
	Game       string        `json:"game"`
	ScenarioID string        `json:"scenario_id"`
	Success    bool          `json:"success"`
	Score      int           `json:"score"`
	Message    string        `json:"message"`
	TimedOut   bool          `json:"timed_out"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// FromOutcome converts a lifecycle outcome into a Result with a fresh id.
func FromOutcome(o game.Outcome) Result {
	return Result{
		ID:         uuid.NewString(),
		Game:       o.Game,
		ScenarioID: o.Scenario.ID,
		Success:    o.Result.Success,
		Score:      o.Result.Score,
		Message:    o.Result.Message,
		TimedOut:   o.Result.TimedOut,
		StartedAt:  o.Started,
		FinishedAt: o.Finished,
		Elapsed:    o.Elapsed(),
	}
}

// Query filters Recent.
type Query struct {
	// Game restricts results to one game type. Empty means all games.
	Game string

	// Limit is the maximum number of results. Zero means [DefaultLimit];
	// values above [MaxLimit] are capped.
	Limit int
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultLimit
	case q.Limit > MaxLimit:
		return MaxLimit
	default:
		return q.Limit
	}
}

// Store persists results. Implementations must be safe for concurrent use.
type Store interface {
	Record(ctx context.Context, r Result) error
	Recent(ctx context.Context, q Query) ([]Result, error)
}

// Recorder returns a [game.OnOutcome] callback that writes every outcome to
// store. Write failures are logged; the game flow is never blocked for longer
// than timeout.
func Recorder(store Store, timeout time.Duration) func(game.Outcome) {
	return func(o game.Outcome) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		r := FromOutcome(o)
		if err := store.Record(ctx, r); err != nil {
			slog.Warn("results: record failed", "game", r.Game, "scenario", r.ScenarioID, "err", err)
			return
		}
		slog.Debug("results: recorded", "id", r.ID, "game", r.Game, "score", r.Score)
	}
}
