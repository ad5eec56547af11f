package phonetic

import (
	"slices"
	"testing"
)

var titles = []string{
	"Advise the Child",
	"Stall the Police",
	"Convince the Aliens",
	"Evaluate Yourself",
	"Buffalo",
}

func TestMatch(t *testing.T) {
	t.Parallel()
	m := New()

	tests := []struct {
		name   string
		phrase string
		want   string
		ok     bool
	}{
		{"exact", "Stall the Police", "Stall the Police", true},
		{"filler words", "let's play stall the police, please", "Stall the Police", true},
		{"homophone", "advice the child", "Advise the Child", true},
		{"plural dropped", "convince the alien", "Convince the Aliens", true},
		{"single word", "buffalo game", "Buffalo", true},
		{"unrelated", "banana", "", false},
		{"only fillers", "let's play the game", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, conf, ok := m.Match(tt.phrase, titles)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("Match(%q) = %q, %v, want %q, %v", tt.phrase, got, ok, tt.want, tt.ok)
			}
			if !ok && conf != 0 {
				t.Errorf("confidence = %v on no match", conf)
			}
			if ok && (conf <= 0 || conf > 1) {
				t.Errorf("confidence = %v, want (0,1]", conf)
			}
		})
	}
}

func TestMatch_ExactConfidence(t *testing.T) {
	t.Parallel()
	_, conf, ok := New().Match("lets play Evaluate Yourself", titles)
	if !ok || conf != 1 {
		t.Fatalf("Match = %v, %v, want exact match with confidence 1", conf, ok)
	}
}

func TestMatch_Thresholds(t *testing.T) {
	t.Parallel()
	strict := New(WithPhoneticThreshold(1.01), WithFuzzyThreshold(1.01))
	if _, _, ok := strict.Match("advice the child", titles); ok {
		t.Error("near match accepted with unreachable thresholds")
	}
	if got, _, ok := strict.Match("advise the child", titles); !ok || got != "Advise the Child" {
		t.Errorf("exact match = %q, %v; exact matches bypass thresholds", got, ok)
	}
}

func TestMatch_NoNames(t *testing.T) {
	t.Parallel()
	if _, _, ok := New().Match("buffalo", nil); ok {
		t.Error("match against empty name list")
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{"Let's play Stall the Police!", []string{"stall", "police"}},
		{"  advise   the CHILD ", []string{"advise", "child"}},
		{"Buffalo-buffalo", []string{"buffalo", "buffalo"}},
		{"the a of", nil},
	}
	for _, tt := range tests {
		got := Tokens(tt.in)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("Tokens(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
