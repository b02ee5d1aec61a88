package http

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
)

const (
	defaultHorizon = 1
	maxQueryWeeks  = 520
)

var validate = validator.New()

type weeksQuery struct {
	From string `validate:"required_with=To,omitempty,datetime=2006-01-02"`
	To   string `validate:"required_with=From,omitempty,datetime=2006-01-02"`
	Last int    `validate:"omitempty,min=1,max=520"`
}

type forecastQuery struct {
	Horizon int `validate:"min=1,max=520"`
}

type harmonizeQuery struct {
	Cutoff string `validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

type locationsResponse struct {
	Locations []domain.Location `json:"locations"`
}

type weeksResponse struct {
	LocationID string                `json:"location_id"`
	From       domain.WeekKey        `json:"from"`
	To         domain.WeekKey        `json:"to"`
	Weeks      []domain.WeeklyRecord `json:"weeks"`
}

// handleLocations lists configured locations followed by any other location
// that has stored records.
func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	stored, err := s.deps.Records.Locations(r.Context())
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	out := slices.Clone(s.deps.Locations)
	known := make(map[string]bool, len(out))
	for _, l := range out {
		known[l.ID] = true
	}
	slices.Sort(stored)
	for _, id := range stored {
		if !known[id] {
			out = append(out, domain.Location{ID: id, Name: id})
		}
	}
	if out == nil {
		out = []domain.Location{}
	}
	writeJSON(w, http.StatusOK, locationsResponse{Locations: out})
}

func (s *Server) handleWeeks(w http.ResponseWriter, r *http.Request) {
	id := locationID(r)
	q := weeksQuery{From: r.URL.Query().Get("from"), To: r.URL.Query().Get("to")}
	if v := r.URL.Query().Get("last"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, id, invalidArgument("last must be an integer"))
			return
		}
		q.Last = n
	}
	if err := validate.Struct(q); err != nil {
		s.writeError(w, id, invalidArgument(describeValidation(err)))
		return
	}
	if q.Last > 0 && q.From != "" {
		s.writeError(w, id, invalidArgument("use either last or from and to"))
		return
	}

	var (
		recs []domain.WeeklyRecord
		err  error
	)
	if q.From != "" {
		var from, to domain.WeekKey
		if from, err = s.deps.Calendar.ParseWeek(q.From); err == nil {
			to, err = s.deps.Calendar.ParseWeek(q.To)
		}
		if err != nil {
			s.writeError(w, id, err)
			return
		}
		if from.WeeksUntil(to) >= maxQueryWeeks {
			s.writeError(w, id, invalidArgument(fmt.Sprintf("range spans more than %d weeks", maxQueryWeeks)))
			return
		}
		recs, err = s.deps.Records.Range(r.Context(), id, from, to)
	} else {
		n := q.Last
		if n == 0 {
			n = 1
		}
		recs, err = s.deps.Records.LastNWeeks(r.Context(), id, n)
	}
	if err != nil {
		s.writeError(w, id, err)
		return
	}

	resp := weeksResponse{LocationID: id, Weeks: recs}
	if len(recs) > 0 {
		resp.From, resp.To = recs[0].Week, recs[len(recs)-1].Week
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	id := locationID(r)
	q := forecastQuery{Horizon: defaultHorizon}
	if v := r.URL.Query().Get("horizon"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, id, invalidArgument("horizon must be an integer"))
			return
		}
		q.Horizon = n
	}
	if err := validate.Struct(q); err != nil {
		s.writeError(w, id, invalidArgument(describeValidation(err)))
		return
	}

	fc, err := s.deps.Forecaster.GetForecast(r.Context(), id, q.Horizon)
	if err != nil {
		s.writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handleHarmonize(w http.ResponseWriter, r *http.Request) {
	id := locationID(r)
	q := harmonizeQuery{Cutoff: r.URL.Query().Get("cutoff")}
	if err := validate.Struct(q); err != nil {
		s.writeError(w, id, invalidArgument("cutoff must be an RFC 3339 timestamp"))
		return
	}
	var cutoff time.Time
	if q.Cutoff != "" {
		cutoff, _ = time.Parse(time.RFC3339, q.Cutoff)
	}

	sum, err := s.deps.Harmonizer.Run(r.Context(), id, cutoff)
	if err != nil {
		s.writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func locationID(r *http.Request) string {
	return domain.NormalizeLocationID(chi.URLParam(r, "id"))
}

func invalidArgument(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, msg)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("query parameter %s failed %s", queryName(fe.Field()), fe.Tag())
}

func queryName(field string) string {
	switch field {
	case "From":
		return "from"
	case "To":
		return "to"
	case "Last":
		return "last"
	case "Horizon":
		return "horizon"
	}
	return field
}
