package store

import (
	"encoding/json"
	"fmt"

	"github.com/TobiSchelling/feedrelay/internal/article"
)

// LoadSources returns the user's source override. ok is false when none is
// stored and the configured sources apply.
func LoadSources(s Store) ([]article.Source, bool, error) {
	raw, ok, err := s.Get(KeyUserFeeds)
	if err != nil || !ok {
		return nil, false, err
	}
	var sources []article.Source
	if err := json.Unmarshal([]byte(raw), &sources); err != nil {
		return nil, false, fmt.Errorf("decoding %s: %w", KeyUserFeeds, err)
	}
	return sources, true, nil
}

// SaveSources stores sources as the user's override. Invalid sources are
// rejected.
func SaveSources(s Store, sources []article.Source) error {
	for _, src := range sources {
		if !src.Valid() {
			return fmt.Errorf("invalid source %q: needs a name and at least one endpoint", src.Name)
		}
	}
	if sources == nil {
		sources = []article.Source{}
	}
	data, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	return s.Set(KeyUserFeeds, string(data))
}

// ResetSources removes the override.
func ResetSources(s Store) error {
	return s.Delete(KeyUserFeeds)
}

// EffectiveSources returns the override when present, else defaults.
func EffectiveSources(s Store, defaults []article.Source) ([]article.Source, error) {
	sources, ok, err := LoadSources(s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return defaults, nil
	}
	return sources, nil
}
