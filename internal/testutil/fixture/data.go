// Package fixture holds sample data shared by tests.
package fixture

import (
	"encoding/json"
)

// Place mirrors the JSON shape served by the places API.
type Place struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Country string   `json:"country"`
	Region  string   `json:"region"`
	Type    string   `json:"type"`
	Budget  string   `json:"budget"`
	Season  string   `json:"season"`
	Tags    []string `json:"tags"`
}

// Places returns a small dataset covering every region, type and budget filter.
func Places() []Place {
	return []Place{
		{ID: "1", Name: "Louvre", Country: "France", Region: "europe", Type: "city", Budget: "mid", Season: "all", Tags: []string{"art", "paris"}},
		{ID: "2", Name: "Chamonix", Country: "France", Region: "europe", Type: "mountains", Budget: "high", Season: "winter", Tags: []string{"ski"}},
		{ID: "3", Name: "Kyoto", Country: "Japan", Region: "asia", Type: "city", Budget: "mid", Season: "spring", Tags: []string{"temples"}},
		{ID: "4", Name: "Bali", Country: "Indonesia", Region: "asia", Type: "beach", Budget: "low", Season: "summer", Tags: []string{"surf"}},
		{ID: "5", Name: "Patagonia", Country: "Argentina", Region: "america", Type: "mountains", Budget: "high", Season: "summer", Tags: []string{"hiking"}},
		{ID: "6", Name: "Zanzibar", Country: "Tanzania", Region: "africa", Type: "beach", Budget: "low", Season: "winter", Tags: []string{"diving"}},
	}
}

// PlacesJSON returns Places encoded as a JSON array.
func PlacesJSON() []byte {
	body, _ := json.Marshal(Places())
	return body
}

// JSON encodes v, ignoring errors.
func JSON(v any) []byte {
	body, _ := json.Marshal(v)
	return body
}
