// README: Google Maps driving estimates used when a ride is posted.
package maps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"googlemaps.github.io/maps"
)

var ErrNoRoute = errors.New("no route found")

// Options configures the Maps client. BaseURL is only set in tests.
type Options struct {
	APIKey   string
	Language string
	Region   string
	BaseURL  string
}

func newClient(opts Options) (*maps.Client, error) {
	clientOpts := []maps.ClientOption{maps.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, maps.WithBaseURL(opts.BaseURL))
	}
	client, err := maps.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return client, nil
}

// RouteService handles interactions with the Directions API.
type RouteService struct {
	client *maps.Client
	opts   Options
}

func NewRouteService(opts Options) (*RouteService, error) {
	client, err := newClient(opts)
	if err != nil {
		return nil, err
	}
	return &RouteService{client: client, opts: opts}, nil
}

// GetTravelEstimate returns the driving duration and distance text for the first route leg.
func (s *RouteService) GetTravelEstimate(ctx context.Context, origin, destination string) (time.Duration, string, error) {
	r := &maps.DirectionsRequest{
		Origin:      origin,
		Destination: destination,
		Mode:        maps.TravelModeDriving,
		Language:    s.opts.Language,
		Region:      s.opts.Region,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return 0, "", fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, "", ErrNoRoute
	}

	leg := routes[0].Legs[0]
	return leg.Duration, leg.Distance.HumanReadable, nil
}
