package domain

import (
	"context"
	"log/slog"
)

// Place is a municipality as a geocoding provider knows it.
type Place struct {
	Name string
	Lat  float64
	Lon  float64
	// Relevance is the provider's match score in [0,1].
	Relevance float64
}

// Geocoder resolves a municipality name and state abbreviation to a place.
// found is false when the provider has no match; that is not an error.
type Geocoder interface {
	Locate(ctx context.Context, name, state string) (place Place, found bool, err error)
}

// ResolveCoordinates returns loc with coordinates looked up through g when
// it has none. Lookup failures are logged and loc is returned as given, so a
// source can still fall back to querying by name.
func ResolveCoordinates(ctx context.Context, loc Location, g Geocoder, logger *slog.Logger) Location {
	if g == nil || loc.HasCoordinates() || loc.Name == "" {
		return loc
	}

	place, found, err := g.Locate(ctx, loc.Name, loc.State)
	switch {
	case err != nil:
		logger.Warn("geocoding failed", "location_id", loc.ID, "name", loc.Name, "state", loc.State, "error", err)
		return loc
	case !found:
		logger.Debug("no geocoding match", "location_id", loc.ID, "name", loc.Name)
		return loc
	}

	loc.Lat, loc.Lon = Float(place.Lat), Float(place.Lon)
	return loc
}
