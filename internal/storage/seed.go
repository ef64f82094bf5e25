package storage

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/example/provider-matching/internal/models"
)

// Seed is the catalog fixture the in-memory backend starts from.
type Seed struct {
	Providers  []models.Provider `json:"providers"`
	Categories []models.Category `json:"categories"`
	Listings   []models.Listing  `json:"listings"`
}

func LoadSeed(path string) (Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, err
	}
	var s Seed
	if err := json.Unmarshal(b, &s); err != nil {
		return Seed{}, fmt.Errorf("parse seed %s: %w", path, err)
	}
	known := make(map[int64]bool, len(s.Providers))
	for _, p := range s.Providers {
		known[p.ID] = true
	}
	for _, l := range s.Listings {
		if !known[l.ProviderID] {
			return Seed{}, fmt.Errorf("seed listing %d references unknown provider %d", l.ID, l.ProviderID)
		}
		if !l.Loc.Valid() {
			return Seed{}, fmt.Errorf("seed listing %d has invalid coordinates", l.ID)
		}
	}
	return s, nil
}

func (m *MemoryStore) ApplySeed(s Seed) {
	for _, p := range s.Providers {
		m.AddProvider(p)
	}
	for _, c := range s.Categories {
		m.AddCategory(c)
	}
	for _, l := range s.Listings {
		m.AddListing(l)
	}
}
