// Package gamehost provides the game show host agent: a catalog of
// micro-games, the start and finish tools the agent calls for each of them,
// and the instruction text that switches the agent into a game.
package gamehost

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/partyhost/internal/gamehost/phonetic"
)

// ErrUnknownGame is returned for a game key that is not in the catalog.
var ErrUnknownGame = errors.New("gamehost: unknown game")

//go:embed catalog.yaml
var defaultCatalogYAML []byte

var (
	keyPattern  = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	slugPattern = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`)
)

// Game is one catalog entry.
type Game struct {
	// Key identifies the game in configuration and on the console
	// (e.g. "advise-the-child").
	Key string `yaml:"key"`

	// Slug names the tools: start_<slug>_game and finish_<slug>_game. It is
	// also the game type of the lifecycle adapter.
	Slug string `yaml:"slug"`

	// Name is the display name.
	Name string `yaml:"name"`

	// Aliases are extra names Resolve accepts.
	Aliases []string `yaml:"aliases"`

	// Prompt is appended to the base prompt while the game is played.
	Prompt string `yaml:"prompt"`

	// Scenarios are returned verbatim by the start tool. Each must have a
	// string "id".
	Scenarios []map[string]any `yaml:"scenarios"`
}

// StartTool returns the name of the game's start tool.
func (g Game) StartTool() string { return "start_" + g.Slug + "_game" }

// FinishTool returns the name of the game's finish tool.
func (g Game) FinishTool() string { return "finish_" + g.Slug + "_game" }

// Catalog is the set of games the host offers.
type Catalog struct {
	BasePrompt string `yaml:"base_prompt"`
	Games      []Game `yaml:"games"`

	matcher *phonetic.Matcher
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(bytes.NewReader(defaultCatalogYAML))
	if err != nil {
		panic(fmt.Sprintf("gamehost: embedded catalog: %v", err))
	}
	return c
}

// LoadCatalogFile reads and validates a catalog from a YAML file.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gamehost: open catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

// LoadCatalog reads and validates a catalog from YAML. Unknown fields are
// rejected.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("gamehost: decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.matcher = phonetic.New()
	return &c, nil
}

// Validate reports every problem with the catalog at once.
func (c *Catalog) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BasePrompt) == "" {
		errs = append(errs, errors.New("base_prompt is required"))
	}
	if len(c.Games) == 0 {
		errs = append(errs, errors.New("at least one game is required"))
	}
	keys := make(map[string]bool)
	slugs := make(map[string]bool)
	for i, g := range c.Games {
		where := fmt.Sprintf("games[%d]", i)
		if g.Key != "" {
			where = fmt.Sprintf("game %q", g.Key)
		}
		switch {
		case !keyPattern.MatchString(g.Key):
			errs = append(errs, fmt.Errorf("%s: key %q must be lower-case words joined by '-'", where, g.Key))
		case keys[g.Key]:
			errs = append(errs, fmt.Errorf("%s: duplicate key", where))
		}
		keys[g.Key] = true
		switch {
		case !slugPattern.MatchString(g.Slug):
			errs = append(errs, fmt.Errorf("%s: slug %q must be lower-case words joined by '_'", where, g.Slug))
		case slugs[g.Slug]:
			errs = append(errs, fmt.Errorf("%s: duplicate slug %q", where, g.Slug))
		}
		slugs[g.Slug] = true
		if strings.TrimSpace(g.Name) == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", where))
		}
		if strings.TrimSpace(g.Prompt) == "" {
			errs = append(errs, fmt.Errorf("%s: prompt is required", where))
		}
		if len(g.Scenarios) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one scenario is required", where))
		}
		for j, sc := range g.Scenarios {
			if id, ok := sc["id"].(string); !ok || id == "" {
				errs = append(errs, fmt.Errorf("%s: scenarios[%d]: id must be a non-empty string", where, j))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("gamehost: invalid catalog: %w", errors.Join(errs...))
	}
	return nil
}

// Game returns the game with the given key.
func (c *Catalog) Game(key string) (Game, bool) {
	for _, g := range c.Games {
		if g.Key == key {
			return g, true
		}
	}
	return Game{}, false
}

// BySlug returns the game whose tools use slug.
func (c *Catalog) BySlug(slug string) (Game, bool) {
	for _, g := range c.Games {
		if g.Slug == slug {
			return g, true
		}
	}
	return Game{}, false
}

// BuildGameInstruction returns the agent instructions for playing key: the
// base prompt, a blank line, then the game's prompt.
func (c *Catalog) BuildGameInstruction(key string) (string, error) {
	g, ok := c.Game(key)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownGame, key)
	}
	return strings.TrimRight(c.BasePrompt, "\n") + "\n\n" + strings.TrimRight(g.Prompt, "\n"), nil
}

// Resolve maps a typed or spoken game name to a catalog game. Keys, slugs,
// display names and aliases match exactly after normalisation; anything else
// goes through phonetic matching against names and aliases.
func (c *Catalog) Resolve(name string) (Game, bool) {
	norm := strings.Join(phonetic.Tokens(strings.NewReplacer("-", " ", "_", " ").Replace(name)), " ")
	if norm == "" {
		return Game{}, false
	}

	var (
		candidates []string
		owner      = make(map[string]Game)
	)
	for _, g := range c.Games {
		for _, n := range append([]string{g.Name, g.Key, g.Slug}, g.Aliases...) {
			n = strings.NewReplacer("-", " ", "_", " ").Replace(n)
			if strings.Join(phonetic.Tokens(n), " ") == norm {
				return g, true
			}
			if _, dup := owner[n]; !dup {
				owner[n] = g
				candidates = append(candidates, n)
			}
		}
	}

	m := c.matcher
	if m == nil {
		m = phonetic.New()
	}
	best, _, ok := m.Match(name, candidates)
	if !ok {
		return Game{}, false
	}
	return owner[best], true
}
