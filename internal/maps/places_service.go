// README: Place autocomplete for the origin/destination inputs.
package maps

import (
	"context"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"
)

const maxSuggestions = 5

// Place is a simplified autocomplete prediction.
type Place struct {
	PlaceID     string `json:"place_id"`
	Description string `json:"description"`
	MainText    string `json:"main_text"`
	Secondary   string `json:"secondary_text,omitempty"`
}

type PlacesService struct {
	client *maps.Client
	opts   Options
}

func NewPlacesService(opts Options) (*PlacesService, error) {
	client, err := newClient(opts)
	if err != nil {
		return nil, err
	}
	return &PlacesService{client: client, opts: opts}, nil
}

// Autocomplete returns up to five predictions for input, restricted to the configured region.
func (s *PlacesService) Autocomplete(ctx context.Context, input string) ([]Place, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return []Place{}, nil
	}
	r := &maps.PlaceAutocompleteRequest{
		Input:    input,
		Language: s.opts.Language,
	}
	if s.opts.Region != "" {
		r.Components = map[maps.Component][]string{maps.ComponentCountry: {strings.ToLower(s.opts.Region)}}
	}

	resp, err := s.client.PlaceAutocomplete(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("places api error: %w", err)
	}

	results := make([]Place, 0, maxSuggestions)
	seen := make(map[string]bool)
	for _, p := range resp.Predictions {
		if p.PlaceID == "" || seen[p.PlaceID] {
			continue
		}
		seen[p.PlaceID] = true
		main := p.StructuredFormatting.MainText
		if main == "" {
			main = p.Description
		}
		results = append(results, Place{
			PlaceID:     p.PlaceID,
			Description: p.Description,
			MainText:    main,
			Secondary:   p.StructuredFormatting.SecondaryText,
		})
		if len(results) >= maxSuggestions {
			break
		}
	}
	return results, nil
}
