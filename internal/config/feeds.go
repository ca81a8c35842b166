package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

// FeedCategoryMap is the static catalog of feeds the process is willing
// to serve, keyed by BASE/QUOTE name, loaded once at startup and
// immutable thereafter.
type FeedCategoryMap struct {
	Feeds map[string]FeedCategoryEntry `yaml:"feeds"`
}

// FeedCategoryEntry names the category and contributing venues for one
// configured feed.
type FeedCategoryEntry struct {
	Category int      `yaml:"category"`
	Venues   []string `yaml:"venues"`
}

// LoadFeedCategoryMap loads a feed category map from a YAML file.
func LoadFeedCategoryMap(configPath string) (*FeedCategoryMap, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed category map: %w", err)
	}

	var m FeedCategoryMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse feed category map: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feed category map: %w", err)
	}
	return &m, nil
}

// Validate ensures every entry names a recognized category and at least
// one contributing venue.
func (m *FeedCategoryMap) Validate() error {
	for name, entry := range m.Feeds {
		if _, err := feed.ParseCategory(entry.Category); err != nil {
			return fmt.Errorf("feed %s: %w", name, err)
		}
		if len(entry.Venues) == 0 {
			return fmt.Errorf("feed %s: at least one venue is required", name)
		}
	}
	return nil
}

// ID resolves name into a validated feed.ID using the configured category.
func (m *FeedCategoryMap) ID(name string) (feed.ID, bool) {
	entry, ok := m.Feeds[name]
	if !ok {
		return feed.ID{}, false
	}
	category, err := feed.ParseCategory(entry.Category)
	if err != nil {
		return feed.ID{}, false
	}
	id, err := feed.NewID(category, name)
	if err != nil {
		return feed.ID{}, false
	}
	return id, true
}
