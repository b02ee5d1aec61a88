package domain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGeocoder struct {
	place Place
	found bool
	err   error
	calls int
}

func (f *fakeGeocoder) Locate(_ context.Context, _, _ string) (Place, bool, error) {
	f.calls++
	return f.place, f.found, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveCoordinates(t *testing.T) {
	campinas := Place{Name: "Campinas", Lat: -22.9056, Lon: -47.0608, Relevance: 0.9}

	tests := []struct {
		name      string
		loc       Location
		geo       *fakeGeocoder
		wantCalls int
		wantLat   *float64
	}{
		{
			name:      "found",
			loc:       Location{ID: "campinas", Name: "Campinas", State: "SP"},
			geo:       &fakeGeocoder{place: campinas, found: true},
			wantCalls: 1,
			wantLat:   Float(-22.9056),
		},
		{
			name:      "configured coordinates win",
			loc:       Location{ID: "campinas", Name: "Campinas", Lat: Float(-22.9), Lon: Float(-47.06)},
			geo:       &fakeGeocoder{place: campinas, found: true},
			wantCalls: 0,
			wantLat:   Float(-22.9),
		},
		{
			name:      "no match",
			loc:       Location{ID: "nowhere", Name: "Nowhere"},
			geo:       &fakeGeocoder{},
			wantCalls: 1,
		},
		{
			name:      "provider error degrades",
			loc:       Location{ID: "campinas", Name: "Campinas", State: "SP"},
			geo:       &fakeGeocoder{err: errors.New("api down")},
			wantCalls: 1,
		},
		{
			name:      "no name to look up",
			loc:       Location{ID: "x"},
			geo:       &fakeGeocoder{place: campinas, found: true},
			wantCalls: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveCoordinates(context.Background(), tt.loc, tt.geo, discardLogger())
			assert.Equal(t, tt.wantCalls, tt.geo.calls)
			if tt.wantLat == nil {
				assert.False(t, got.HasCoordinates())
				return
			}
			require.True(t, got.HasCoordinates())
			assert.InDelta(t, *tt.wantLat, *got.Lat, 1e-9)
		})
	}
}

func TestResolveCoordinates_NilGeocoder(t *testing.T) {
	loc := Location{ID: "campinas", Name: "Campinas", State: "SP"}
	assert.Equal(t, loc, ResolveCoordinates(context.Background(), loc, nil, discardLogger()))
}

func TestResolveCoordinates_DoesNotMutateInput(t *testing.T) {
	loc := Location{ID: "recife", Name: "Recife", State: "PE"}
	got := ResolveCoordinates(context.Background(), loc, &fakeGeocoder{place: Place{Lat: -8.05, Lon: -34.9}, found: true}, discardLogger())
	assert.True(t, got.HasCoordinates())
	assert.Nil(t, loc.Lat)
}

func TestNormalizeLocationID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"São José dos Campos", "sao-jose-dos-campos"},
		{"  Campinas ", "campinas"},
		{"RIO_DE_JANEIRO", "rio-de-janeiro"},
		{"Florianópolis", "florianopolis"},
		{"belo  horizonte", "belo-horizonte"},
		{"-niterói-", "niteroi"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeLocationID(tt.in))
		})
	}
}
