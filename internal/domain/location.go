package domain

import (
	"context"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Location is a municipality the service tracks.
type Location struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	State string   `json:"state,omitempty"`
	Lat   *float64 `json:"lat,omitempty"`
	Lon   *float64 `json:"lon,omitempty"`
}

// HasCoordinates reports whether the location has both coordinates set.
func (l Location) HasCoordinates() bool { return l.Lat != nil && l.Lon != nil }

// NormalizeLocationID folds a municipality identifier to its canonical form:
// accents stripped, lower case, runs of spaces and underscores replaced by a
// single hyphen. "São José dos Campos" becomes "sao-jose-dos-campos".
func NormalizeLocationID(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		folded = strings.TrimSpace(s)
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	sep := false
	for _, r := range folded {
		if r == ' ' || r == '_' || r == '\t' || r == '-' {
			sep = b.Len() > 0
			continue
		}
		if sep {
			b.WriteByte('-')
			sep = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Source fetches reports for one location from an upstream provider.
// Failures are returned as *SourceError.
type Source interface {
	Name() string
	Fetch(ctx context.Context, loc Location, since time.Time) ([]RawReport, error)
}
