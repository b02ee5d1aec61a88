package csvsource

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// columns holds header indexes; -1 means absent.
type columns struct {
	city, date, cases, temp, prec, humid int
}

func (c columns) has(i int) bool { return i >= 0 }

var exactAliases = map[string]string{
	"municipio":     "city",
	"cidade":        "city",
	"city":          "city",
	"date":          "date",
	"data":          "date",
	"semana":        "date",
	"casos":         "cases",
	"total_cases":   "cases",
	"cases":         "cases",
	"case_count":    "cases",
	"notificacoes":  "cases",
	"temp":          "temp",
	"temperatura":   "temp",
	"tmed":          "temp",
	"temperature":   "temp",
	"prec":          "prec",
	"chuva":         "prec",
	"prcp":          "prec",
	"precipitation": "prec",
	"umid":          "humid",
	"umidade":       "humid",
	"ur":            "humid",
	"humidity":      "humid",
}

// canon folds a header cell: accents stripped, lower case, spaces collapsed.
func canon(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.Join(strings.Fields(folded), " "))
}

// detectColumns maps a candidate header row. Exact aliases win; otherwise
// weather columns are matched by keyword the way INMET names them, e.g.
// "TEMPERATURA MEDIA, DIARIA (AUT)(°C)". The row qualifies as a header when
// it names a date and at least one value column of the requested kind.
func detectColumns(header []string, kind Kind) (columns, bool) {
	cols := columns{city: -1, date: -1, cases: -1, temp: -1, prec: -1, humid: -1}
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = canon(h)
	}

	for i, n := range names {
		switch exactAliases[n] {
		case "city":
			setOnce(&cols.city, i)
		case "date":
			setOnce(&cols.date, i)
		case "cases":
			setOnce(&cols.cases, i)
		case "temp":
			setOnce(&cols.temp, i)
		case "prec":
			setOnce(&cols.prec, i)
		case "humid":
			setOnce(&cols.humid, i)
		}
	}

	if kind == KindWeather {
		if !cols.has(cols.date) {
			cols.date = best(names, func(n string) int {
				if strings.Contains(n, "data") || strings.Contains(n, "date") {
					return 1
				}
				return 0
			})
		}
		if !cols.has(cols.temp) {
			cols.temp = best(names, func(n string) int {
				if strings.Contains(n, "orvalho") || !(strings.Contains(n, "temp") || strings.Contains(n, "tmed")) {
					return 0
				}
				return preferMean(n)
			})
		}
		if !cols.has(cols.prec) {
			cols.prec = best(names, func(n string) int {
				for _, k := range []string{"precipitacao", "chuva", "prcp", "(mm)"} {
					if strings.Contains(n, k) {
						return 1
					}
				}
				return 0
			})
		}
		if !cols.has(cols.humid) {
			cols.humid = best(names, func(n string) int {
				if strings.Contains(n, "umid") || strings.HasSuffix(n, "%)") {
					return preferMean(n)
				}
				return 0
			})
		}
	}

	if !cols.has(cols.date) {
		return cols, false
	}
	switch kind {
	case KindCases:
		return cols, cols.has(cols.cases)
	case KindWeather:
		return cols, cols.has(cols.temp) || cols.has(cols.prec) || cols.has(cols.humid)
	}
	return cols, false
}

func setOnce(dst *int, i int) {
	if *dst < 0 {
		*dst = i
	}
}

// best returns the first index with the highest positive score, or -1.
func best(names []string, score func(string) int) int {
	idx, top := -1, 0
	for i, n := range names {
		if s := score(n); s > top {
			idx, top = i, s
		}
	}
	return idx
}

// preferMean ranks daily means above extremes for stations that export
// both.
func preferMean(n string) int {
	switch {
	case strings.Contains(n, "media") || strings.Contains(n, "mean"):
		return 3
	case strings.Contains(n, "maxima") || strings.Contains(n, "minima"):
		return 1
	}
	return 2
}
