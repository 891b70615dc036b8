package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/donor-matching/internal/dispatch"
	"github.com/example/donor-matching/internal/geo"
	"github.com/example/donor-matching/internal/matcher"
	"github.com/example/donor-matching/internal/models"
	"github.com/example/donor-matching/internal/observability"
	"github.com/example/donor-matching/internal/storage"
)

const (
	defaultSearchRadiusKm = 10.0
	defaultNearbyRadiusKm = 25.0
	requestListLimit      = 50
)

type LocationPublisher interface {
	PublishLocation(ctx context.Context, ev models.LocationEvent) error
}

// IndexWriter applies a donor location to the live geo index.
type IndexWriter func(ctx context.Context, loc models.DonorLocation) error

type Invalidator interface {
	Invalidate()
}

// Deps are the collaborators a Server routes to. Publisher, IndexUpdate,
// Cache, Sessions and Alerter are optional.
type Deps struct {
	Matcher     *matcher.Service
	Donors      storage.DonorStore
	Requests    storage.RequestStore
	Publisher   LocationPublisher
	IndexUpdate IndexWriter
	Cache       Invalidator
	Sessions    *dispatch.SessionRegistry
	Alerter     *dispatch.Alerter
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: deps, logger: logger, mux: mux.NewRouter()}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/donors/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/donors/top", s.handleTopDonors).Methods(http.MethodGet)
	api.HandleFunc("/donors/{id}", s.handleDonor).Methods(http.MethodGet)
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests", s.handleListRequests).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/donors/locations", s.handleDonorLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{donor_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *matcher.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, envelope{Message: verr.Error()})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, envelope{Message: "not found"})
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Message: "internal error"})
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	origin, err := matcher.ParseOrigin(q.Get("lat"), q.Get("lng"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius, err := matcher.ParseRadius(q.Get("radiusKm"), defaultSearchRadiusKm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filters, err := matcher.ParseFilters(q.Get("bloodType"), q.Get("availability"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Matcher.Search(r.Context(), models.SearchQuery{Origin: origin, RadiusKm: radius, Filters: filters})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"results": res.Results, "total": res.Total, "page": 1})
}

func (s *Server) handleTopDonors(w http.ResponseWriter, r *http.Request) {
	bt, err := matcher.ParseBloodType(r.URL.Query().Get("bloodType"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	donors, err := s.Matcher.ListTopAvailable(r.Context(), bt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"donors": donors})
}

type donorDetail struct {
	models.MatchResult
	NearbyRequests *int `json:"nearbyRequests,omitempty"`
}

func (s *Server) handleDonor(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()

	var origin *models.Coord
	if q.Get("lat") != "" || q.Get("lng") != "" {
		c, err := matcher.ParseOrigin(q.Get("lat"), q.Get("lng"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		origin = &c
	}
	radius, err := matcher.ParseRadius(q.Get("radiusKm"), defaultNearbyRadiusKm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	d, err := s.Donors.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := donorDetail{MatchResult: models.MatchResult{
		DonorID:        d.ID,
		Name:           d.Name,
		BloodType:      d.BloodType,
		Availability:   d.Availability,
		LastDonation:   d.LastDonation(),
		TotalDonations: d.TotalDonations(),
	}}
	if c, ok := d.Location.Coord(); ok {
		out.Coords = &c
		if origin != nil {
			dist := geo.DistanceKm(*origin, c)
			out.DistanceKm = &dist
		}
		if s.Requests != nil {
			n, err := s.Requests.CountOpenNearby(r.Context(), d.BloodType, c, matcher.ClampRadius(radius))
			if err != nil {
				s.logger.WarnContext(r.Context(), "nearby request count failed", "donor_id", d.ID, "error", err)
			} else {
				out.NearbyRequests = &n
			}
		}
	}
	writeData(w, http.StatusOK, out)
}

type createRequestBody struct {
	RequesterID string  `json:"requesterId"`
	BloodType   string  `json:"bloodType"`
	Units       int     `json:"units"`
	Urgency     string  `json:"urgency"`
	Hospital    string  `json:"hospital"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Notes       string  `json:"notes"`
}

func (b createRequestBody) toRequest(now time.Time) (models.BloodRequest, error) {
	bt, err := models.ParseBloodType(b.BloodType)
	if err != nil {
		return models.BloodRequest{}, &matcher.ValidationError{Field: "bloodType", Reason: err.Error()}
	}
	loc := models.Coord{Lat: b.Lat, Lng: b.Lng}
	if !loc.Valid() {
		return models.BloodRequest{}, &matcher.ValidationError{Field: "location", Reason: "lat must be within [-90,90] and lng within [-180,180]"}
	}
	if strings.TrimSpace(b.Hospital) == "" {
		return models.BloodRequest{}, &matcher.ValidationError{Field: "hospital", Reason: "required"}
	}
	units := b.Units
	if units == 0 {
		units = 1
	}
	if units < 1 || units > 10 {
		return models.BloodRequest{}, &matcher.ValidationError{Field: "units", Reason: "must be between 1 and 10"}
	}
	urgency := models.UrgencyMedium
	switch u := models.Urgency(strings.ToLower(strings.TrimSpace(b.Urgency))); u {
	case "":
	case models.UrgencyLow, models.UrgencyMedium, models.UrgencyHigh:
		urgency = u
	default:
		return models.BloodRequest{}, &matcher.ValidationError{Field: "urgency", Reason: "must be low, medium or high"}
	}
	return models.BloodRequest{
		ID:          uuid.NewString(),
		RequesterID: b.RequesterID,
		BloodType:   bt,
		Units:       units,
		Urgency:     urgency,
		Hospital:    strings.TrimSpace(b.Hospital),
		Location:    models.NewGeoPoint(loc),
		Notes:       b.Notes,
		Status:      models.RequestOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "invalid JSON body"})
		return
	}
	req, err := body.toRequest(time.Now().UTC())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Requests.CreateRequest(r.Context(), &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	queued := false
	if s.Alerter != nil {
		s.Alerter.Dispatch(r.Context(), req)
		queued = true
	}
	writeData(w, http.StatusCreated, map[string]any{"request": req, "alertsQueued": queued})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	origin, err := matcher.ParseOrigin(q.Get("lat"), q.Get("lng"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius, err := matcher.ParseRadius(q.Get("radiusKm"), defaultNearbyRadiusKm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bt, err := matcher.ParseBloodType(q.Get("bloodType"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reqs, err := s.Requests.ListOpenNearby(r.Context(), origin, matcher.ClampRadius(radius), bt, requestListLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"requests": reqs, "total": len(reqs)})
}

func (s *Server) handleDonorLocation(w http.ResponseWriter, r *http.Request) {
	var ev models.LocationEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		observability.LocationEvents.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusBadRequest, envelope{Message: "invalid JSON body"})
		return
	}
	if err := validateLocation(&ev); err != nil {
		observability.LocationEvents.WithLabelValues("rejected").Inc()
		s.writeError(w, r, err)
		return
	}
	ev.At = time.Now().UTC()
	ctx := r.Context()

	if s.Publisher != nil {
		if err := s.Publisher.PublishLocation(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "location publish failed", "donor_id", ev.DonorID, "error", err)
		}
	}
	if s.IndexUpdate != nil {
		if err := s.IndexUpdate(ctx, ev.DonorLocation()); err != nil {
			s.logger.WarnContext(ctx, "geo index update failed", "donor_id", ev.DonorID, "error", err)
		}
	}
	if err := s.Donors.UpsertLocation(ctx, ev); err != nil {
		observability.LocationEvents.WithLabelValues("error").Inc()
		s.writeError(w, r, err)
		return
	}
	if s.Cache != nil {
		s.Cache.Invalidate()
	}
	observability.LocationEvents.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func validateLocation(ev *models.LocationEvent) error {
	if err := ev.Normalize(); err != nil {
		var ferr *models.FieldError
		if errors.As(err, &ferr) {
			return &matcher.ValidationError{Field: ferr.Field, Reason: ferr.Reason}
		}
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.Sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{Message: "realtime alerts disabled"})
		return
	}
	s.Sessions.Serve(w, r, mux.Vars(r)["donor_id"])
}
