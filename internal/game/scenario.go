package game

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrMalformedPayload is returned when a tool result cannot be read as a
// scenario or finish result.
var ErrMalformedPayload = errors.New("game: malformed payload")

// Scenario is the data a start tool hands to the game UI. The fixed fields
// are common to every game; Quotes and Keywords collect the game-specific
// ones by shape.
type Scenario struct {
	ID      string
	Problem string
	Context string

	// Quotes holds every string field whose name ends in "Quote", keyed by
	// the full field name (e.g. "childQuote").
	Quotes map[string]string

	// Keywords holds every field whose value is a list of strings, keyed by
	// field name (e.g. "goodAdviceKeywords", "buffaloCalls").
	Keywords map[string][]string

	// Raw is the payload as received.
	Raw json.RawMessage
}

// ParseScenario reads a start tool result. The payload must be a JSON object
// with a non-empty string "id".
func ParseScenario(data json.RawMessage) (Scenario, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return Scenario{}, fmt.Errorf("%w: scenario is not an object", ErrMalformedPayload)
	}

	sc := Scenario{
		Quotes:   map[string]string{},
		Keywords: map[string][]string{},
		Raw:      bytes.Clone(data),
	}
	for name, raw := range fields {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			switch {
			case name == "id":
				sc.ID = s
			case name == "problem":
				sc.Problem = s
			case name == "context":
				sc.Context = s
			case strings.HasSuffix(name, "Quote"):
				sc.Quotes[name] = s
			}
			continue
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil && list != nil {
			sc.Keywords[name] = list
		}
	}
	if sc.ID == "" {
		return Scenario{}, fmt.Errorf("%w: scenario has no id", ErrMalformedPayload)
	}
	return sc, nil
}

// FinishResult is how a game ended.
type FinishResult struct {
	Success bool
	Score   int
	Message string

	// TimedOut is set when the game was ended locally because the agent
	// never finished it.
	TimedOut bool
}

type finishPayload struct {
	Success *bool    `json:"success"`
	Score   *float64 `json:"score"`
	Message string   `json:"message"`
}

// ParseFinishResult reads a finish tool result. "success" is required;
// "score" is rounded and clamped to 0..100.
func ParseFinishResult(data json.RawMessage) (FinishResult, error) {
	var p finishPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return FinishResult{}, fmt.Errorf("%w: finish result: %v", ErrMalformedPayload, err)
	}
	if p.Success == nil {
		return FinishResult{}, fmt.Errorf("%w: finish result has no success flag", ErrMalformedPayload)
	}
	res := FinishResult{Success: *p.Success, Message: p.Message}
	if p.Score != nil {
		res.Score = int(math.Round(min(max(*p.Score, 0), 100)))
	}
	return res, nil
}
