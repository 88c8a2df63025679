package convo

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Personality describes one selectable persona of the robot. The active
// personality's SystemPrompt is the head of every LLM system message.
type Personality struct {
	// Name is the display name shown on the tablet and in logs.
	Name string `json:"name"`

	// SystemPrompt is injected verbatim as the head of the system message.
	SystemPrompt string `json:"system_prompt"`

	// Description is a short operator-facing summary of the persona.
	Description string `json:"description,omitempty"`
}

// DefaultPersonalityKey is the catalogue key selected at startup and the key
// of the built-in fallback persona.
const DefaultPersonalityKey = "default"

// defaultPersonality is used when no catalogue file is configured or the file
// lacks a "default" entry. It keeps the robot usable out of the box.
var defaultPersonality = Personality{
	Name: "Ume",
	SystemPrompt: "Eres Ume, un robot humanoide asistente amable y servicial. " +
		"Respondes en español de forma breve, clara y natural, como en una " +
		"conversación hablada.",
	Description: "Asistente amable por defecto.",
}

// Catalogue is the set of personalities the robot can switch between.
// A Catalogue is immutable after loading and safe for concurrent reads.
type Catalogue struct {
	personalities map[string]Personality
}

// LoadCatalogue reads a personality catalogue from a JSON file mapping keys to
// [Personality] records:
//
//	{
//	  "default":  {"name": "Ume",  "system_prompt": "…"},
//	  "profesor": {"name": "Profesor Ume", "system_prompt": "…"}
//	}
//
// A built-in default persona is added under [DefaultPersonalityKey] when the
// file does not define one, so [Catalogue.Get] with the default key always
// succeeds.
func LoadCatalogue(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("convo: read personality catalogue: %w", err)
	}

	var personalities map[string]Personality
	if err := json.Unmarshal(data, &personalities); err != nil {
		return nil, fmt.Errorf("convo: parse personality catalogue %s: %w", path, err)
	}
	for key, p := range personalities {
		if p.SystemPrompt == "" {
			return nil, fmt.Errorf("convo: personality %q has empty system_prompt", key)
		}
	}

	if _, ok := personalities[DefaultPersonalityKey]; !ok {
		personalities[DefaultPersonalityKey] = defaultPersonality
	}
	return &Catalogue{personalities: personalities}, nil
}

// NewCatalogue builds a catalogue from an in-memory map, adding the built-in
// default persona when missing. Passing nil yields a catalogue containing only
// the built-in default.
func NewCatalogue(personalities map[string]Personality) *Catalogue {
	m := make(map[string]Personality, len(personalities)+1)
	for k, p := range personalities {
		m[k] = p
	}
	if _, ok := m[DefaultPersonalityKey]; !ok {
		m[DefaultPersonalityKey] = defaultPersonality
	}
	return &Catalogue{personalities: m}
}

// Get returns the personality stored under key.
func (c *Catalogue) Get(key string) (Personality, bool) {
	p, ok := c.personalities[key]
	return p, ok
}

// Keys returns all catalogue keys in sorted order, for settings snapshots.
func (c *Catalogue) Keys() []string {
	keys := make([]string, 0, len(c.personalities))
	for k := range c.personalities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
