package gamehost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"sync"

	"github.com/MrWong99/partyhost/pkg/realtime"
)

const (
	// AgentName is the name of the host agent.
	AgentName = "gameHost"

	// DefaultVoice is the host agent's voice.
	DefaultVoice = "ash"
)

// HostOption configures a [Host].
type HostOption func(*Host)

// WithRand sets the random source used to pick scenarios.
func WithRand(r *rand.Rand) HostOption {
	return func(h *Host) { h.rnd = r }
}

// WithVoice overrides [DefaultVoice].
func WithVoice(voice string) HostOption {
	return func(h *Host) { h.voice = voice }
}

// Host builds the game host agent from a catalog.
type Host struct {
	catalog *Catalog
	voice   string

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewHost returns a Host for cat.
func NewHost(cat *Catalog, opts ...HostOption) *Host {
	h := &Host{catalog: cat, voice: DefaultVoice}
	for _, o := range opts {
		o(h)
	}
	if h.rnd == nil {
		h.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return h
}

// Catalog returns the host's catalog.
func (h *Host) Catalog() *Catalog { return h.catalog }

// Agent returns the host agent with the base prompt as instructions and a
// start and finish tool per game.
func (h *Host) Agent() realtime.Agent {
	a := realtime.Agent{
		Name:         AgentName,
		Voice:        h.voice,
		Instructions: h.catalog.BasePrompt,
	}
	for _, g := range h.catalog.Games {
		a.Tools = append(a.Tools, h.startTool(g), h.finishTool(g))
	}
	return a
}

func (h *Host) startTool(g Game) realtime.Tool {
	return realtime.Tool{
		Name:        g.StartTool(),
		Description: fmt.Sprintf("Returns a random scenario for the %s micro-game.", g.Name),
		Parameters: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"required":             []string{},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, _ json.RawMessage, _ map[string]any) (any, error) {
			sc := h.pick(g)
			slog.InfoContext(ctx, "gamehost: scenario picked", "game", g.Key, "scenario", sc["id"])
			return sc, nil
		},
	}
}

func (h *Host) pick(g Game) map[string]any {
	h.mu.Lock()
	i := h.rnd.IntN(len(g.Scenarios))
	h.mu.Unlock()
	return maps.Clone(g.Scenarios[i])
}

type finishArgs struct {
	Success *bool    `json:"success"`
	Score   *float64 `json:"score"`
	Message *string  `json:"message"`
}

func (h *Host) finishTool(g Game) realtime.Tool {
	return realtime.Tool{
		Name:        g.FinishTool(),
		Description: fmt.Sprintf("Ends the current %s game and reports the result to the player.", g.Name),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"success": map[string]any{
					"type":        "boolean",
					"description": "true if the player won",
				},
				"score": map[string]any{
					"type":        "integer",
					"minimum":     0,
					"maximum":     100,
					"description": "0-100 evaluation score",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "Concise reason given to the player",
				},
			},
			"required":             []string{"success", "score", "message"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args json.RawMessage, _ map[string]any) (any, error) {
			var in finishArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("gamehost: %s: decode arguments: %w", g.FinishTool(), err)
			}
			if in.Success == nil || in.Score == nil || in.Message == nil {
				return nil, fmt.Errorf("gamehost: %s: missing required argument", g.FinishTool())
			}
			score := min(max(*in.Score, 0), 100)
			slog.InfoContext(ctx, "gamehost: game finished", "game", g.Key, "success", *in.Success, "score", score)
			return map[string]any{
				"ok":      true,
				"success": *in.Success,
				"score":   score,
				"message": *in.Message,
			}, nil
		},
	}
}
