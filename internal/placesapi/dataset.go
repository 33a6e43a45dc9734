// Package placesapi serves the places catalogue consumed by the browse views.
package placesapi

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

//go:embed data/places.json
var defaultPlaces []byte

// Place is one catalogue entry.
type Place struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Country string   `json:"country"`
	Region  string   `json:"region"`
	Type    string   `json:"type"`
	Budget  string   `json:"budget"`
	Season  string   `json:"season"`
	Tags    []string `json:"tags,omitempty"`
}

// Filter narrows a listing. Empty fields match everything.
type Filter struct {
	Query  string `query:"q" validate:"max=100"`
	Region string `query:"region" validate:"omitempty,max=32"`
	Type   string `query:"type" validate:"omitempty,max=32"`
	Budget string `query:"budget" validate:"omitempty,oneof=low mid high"`
}

// Match reports whether p passes the filter. Query is a case-insensitive substring
// search over name, country, region, type, budget and tags.
func (f Filter) Match(p Place) bool {
	if f.Region != "" && p.Region != f.Region {
		return false
	}
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if f.Budget != "" && p.Budget != f.Budget {
		return false
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	if q == "" {
		return true
	}
	hay := strings.ToLower(strings.Join(append([]string{p.Name, p.Country, p.Region, p.Type, p.Budget}, p.Tags...), " "))
	return strings.Contains(hay, q)
}

// Page is one page of a filtered listing.
type Page struct {
	Items      []Place `json:"items"`
	Page       int     `json:"page"`
	PageSize   int     `json:"page_size"`
	Total      int     `json:"total"`
	TotalPages int     `json:"total_pages"`
}

// Paginate clamps page into range and slices items. Pages are 1-based.
func Paginate(items []Place, page, size int) Page {
	if size <= 0 {
		size = 9
	}
	total := len(items)
	totalPages := (total + size - 1) / size
	if totalPages < 1 {
		totalPages = 1
	}
	page = max(1, min(page, totalPages))

	start := (page - 1) * size
	end := min(start+size, total)
	slice := make([]Place, 0, end-start)
	if start < end {
		slice = append(slice, items[start:end]...)
	}
	return Page{Items: slice, Page: page, PageSize: size, Total: total, TotalPages: totalPages}
}

// Dataset is the in-memory catalogue. It can be swapped atomically on reload.
type Dataset struct {
	mu     sync.RWMutex
	places []Place
	byID   map[string]Place
}

// DefaultDataset returns the built-in catalogue.
func DefaultDataset() *Dataset {
	d, err := ParseDataset(defaultPlaces)
	if err != nil {
		panic(fmt.Sprintf("placesapi: built-in dataset: %v", err))
	}
	return d
}

// LoadDataset reads a JSON array of places from path.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("placesapi: read %s: %w", path, err)
	}
	return ParseDataset(data)
}

// ParseDataset decodes a JSON array of places. IDs must be unique and non-empty.
func ParseDataset(data []byte) (*Dataset, error) {
	var places []Place
	if err := json.Unmarshal(data, &places); err != nil {
		return nil, fmt.Errorf("placesapi: decode dataset: %w", err)
	}
	d := &Dataset{}
	if err := d.replace(places); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dataset) replace(places []Place) error {
	byID := make(map[string]Place, len(places))
	for _, p := range places {
		if p.ID == "" {
			return fmt.Errorf("placesapi: place %q has no id", p.Name)
		}
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("placesapi: duplicate id %q", p.ID)
		}
		byID[p.ID] = p
	}

	d.mu.Lock()
	d.places = places
	d.byID = byID
	d.mu.Unlock()
	return nil
}

// Reload replaces the catalogue with the contents of path. On error the old data stays.
func (d *Dataset) Reload(path string) error {
	next, err := LoadDataset(path)
	if err != nil {
		return err
	}
	next.mu.RLock()
	places := next.places
	next.mu.RUnlock()
	return d.replace(places)
}

// Len returns the number of places.
func (d *Dataset) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.places)
}

// Get returns the place with id.
func (d *Dataset) Get(id string) (Place, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byID[id]
	return p, ok
}

// Search returns the places matching f in catalogue order.
func (d *Dataset) Search(f Filter) []Place {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Place, 0, len(d.places))
	for _, p := range d.places {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	return out
}
