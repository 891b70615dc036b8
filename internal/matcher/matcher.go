package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/example/donor-matching/internal/geo"
	"github.com/example/donor-matching/internal/logging"
	"github.com/example/donor-matching/internal/models"
	"github.com/example/donor-matching/internal/observability"
	"github.com/example/donor-matching/internal/storage"
)

const (
	MinRadiusKm             = 0.1
	MaxRadiusKm             = 100.0
	DefaultResultCap        = 50
	DefaultFallbackPoolSize = 200
	DefaultTopLimit         = 12
	DefaultIndexTimeout     = 2 * time.Second
)

var tracer = otel.Tracer("github.com/example/donor-matching/internal/matcher")

// DonorPool is the non-geo donor source used for the fallback scan and for
// the top-donor listing.
type DonorPool interface {
	LocatedDonors(ctx context.Context, f models.Filters, limit int) ([]models.DonorLocation, error)
	TopAvailable(ctx context.Context, f models.Filters, limit int) ([]models.Donor, error)
}

// Service ranks donors by distance. It keeps no state between calls; the
// fields are configuration and collaborators.
type Service struct {
	Index            geo.Index
	Pool             DonorPool
	Audit            storage.AuditStore // optional
	Logger           *slog.Logger
	IndexTimeout     time.Duration
	FallbackPoolSize int
	ResultCap        int
	TopLimit         int
	// Speculative issues the index query and the fallback scan concurrently
	// and merges both candidate sets.
	Speculative bool
}

type SearchResult struct {
	Results  []models.MatchResult `json:"results"`
	Total    int                  `json:"total"`
	Fallback bool                 `json:"-"`
}

// ClampRadius bounds a radius to [MinRadiusKm, MaxRadiusKm].
func ClampRadius(km float64) float64 {
	return math.Min(MaxRadiusKm, math.Max(MinRadiusKm, km))
}

// Search runs a proximity search. The only error it returns is a
// *ValidationError; index and store failures degrade to fallback or empty
// results and are logged.
func (s *Service) Search(ctx context.Context, q models.SearchQuery) (SearchResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "matcher.Search")
	defer span.End()

	if err := validate(q); err != nil {
		observability.SearchesTotal.WithLabelValues("invalid").Inc()
		return SearchResult{}, err
	}
	radius := ClampRadius(q.RadiusKm)
	resultCap := q.ResultCap
	if resultCap <= 0 {
		resultCap = s.resultCap()
	}

	cands, fallback := s.candidates(ctx, q.Origin, radius, q.Filters)
	results := rank(q.Origin, radius, q.Filters, cands, resultCap)

	outcome := "ok"
	if len(results) == 0 {
		outcome = "empty"
	}
	if fallback {
		observability.FallbacksTotal.Inc()
	}
	observability.SearchesTotal.WithLabelValues(outcome).Inc()
	observability.SearchLatency.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Float64("radius_km", radius),
		attribute.Int("candidates", len(cands)),
		attribute.Int("results", len(results)),
		attribute.Bool("fallback", fallback),
	)
	s.audit(ctx, q, radius, len(results), fallback)

	return SearchResult{Results: results, Total: len(results), Fallback: fallback}, nil
}

// ListTopAvailable lists available donors without a location reference.
// Entries never carry a distance.
func (s *Service) ListTopAvailable(ctx context.Context, bt *models.BloodType) ([]models.MatchResult, error) {
	avail := models.Available
	f := models.Filters{BloodType: bt, Availability: &avail}
	limit := s.TopLimit
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	donors, err := s.Pool.TopAvailable(ctx, f, limit)
	if err != nil {
		s.logger().WarnContext(ctx, "top donors lookup failed", "error", err, "filters", f.String())
		return []models.MatchResult{}, nil
	}
	out := make([]models.MatchResult, 0, len(donors))
	for _, d := range donors {
		if !f.Match(d.BloodType, d.Availability) {
			continue
		}
		r := models.MatchResult{
			DonorID:        d.ID,
			Name:           d.Name,
			BloodType:      d.BloodType,
			Availability:   d.Availability,
			LastDonation:   d.LastDonation(),
			TotalDonations: d.TotalDonations(),
		}
		if c, ok := d.Location.Coord(); ok {
			r.Coords = &c
		}
		out = append(out, r)
	}
	return out, nil
}

// candidates gathers unranked candidates. fallback reports whether the
// index produced nothing and the pool was used.
func (s *Service) candidates(ctx context.Context, origin models.Coord, radius float64, f models.Filters) ([]models.DonorLocation, bool) {
	if !s.Speculative {
		idx := s.queryIndex(ctx, origin, radius, f)
		if len(idx) > 0 {
			return idx, false
		}
		return s.scanPool(ctx, f), true
	}

	var idx, pool []models.DonorLocation
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		idx = s.queryIndex(gctx, origin, radius, f)
		return nil
	})
	g.Go(func() error {
		pool = s.scanPool(gctx, f)
		return nil
	})
	_ = g.Wait()
	return append(idx, pool...), len(idx) == 0
}

func (s *Service) queryIndex(ctx context.Context, origin models.Coord, radius float64, f models.Filters) []models.DonorLocation {
	if s.Index == nil {
		return nil
	}
	timeout := s.IndexTimeout
	if timeout <= 0 {
		timeout = DefaultIndexTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.Index.Query(ctx, origin, radius, f)
	if err != nil {
		observability.IndexErrors.Inc()
		s.logger().WarnContext(ctx, "geo index unavailable, using fallback",
			"error", err,
			"timeout", errors.Is(err, context.DeadlineExceeded),
			"origin", fmt.Sprintf("%.5f,%.5f", origin.Lat, origin.Lng),
			"radius_km", radius,
		)
		return nil
	}
	return res
}

func (s *Service) scanPool(ctx context.Context, f models.Filters) []models.DonorLocation {
	if s.Pool == nil {
		return nil
	}
	size := s.FallbackPoolSize
	if size <= 0 {
		size = DefaultFallbackPoolSize
	}
	res, err := s.Pool.LocatedDonors(ctx, f, size)
	if err != nil {
		s.logger().WarnContext(ctx, "fallback donor scan failed", "error", err, "filters", f.String())
		return nil
	}
	return res
}

type ranked struct {
	loc  models.DonorLocation
	dist float64
}

// rank dedupes by donor id (first occurrence wins), recomputes the exact
// distance, drops anything beyond radius, orders by distance then id and
// applies the cap.
func rank(origin models.Coord, radius float64, f models.Filters, cands []models.DonorLocation, resultCap int) []models.MatchResult {
	seen := make(map[string]struct{}, len(cands))
	arr := make([]ranked, 0, len(cands))
	for _, c := range cands {
		if _, dup := seen[c.DonorID]; dup {
			continue
		}
		seen[c.DonorID] = struct{}{}
		if !c.Coords.Valid() || !f.Match(c.BloodType, c.Availability) {
			continue
		}
		d := geo.DistanceKm(origin, c.Coords)
		if d > radius {
			continue
		}
		arr = append(arr, ranked{c, d})
	}
	sort.SliceStable(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].loc.DonorID < arr[j].loc.DonorID
	})
	if len(arr) > resultCap {
		arr = arr[:resultCap]
	}
	out := make([]models.MatchResult, 0, len(arr))
	for _, r := range arr {
		dist := r.dist
		coords := r.loc.Coords
		out = append(out, models.MatchResult{
			DonorID:      r.loc.DonorID,
			BloodType:    r.loc.BloodType,
			Availability: r.loc.Availability,
			DistanceKm:   &dist,
			Coords:       &coords,
		})
	}
	return out
}

func (s *Service) audit(ctx context.Context, q models.SearchQuery, radius float64, n int, fallback bool) {
	if s.Audit == nil {
		return
	}
	err := s.Audit.RecordSearch(ctx, storage.SearchAudit{
		RequestID: logging.RequestID(ctx),
		Origin:    q.Origin,
		RadiusKm:  radius,
		Filters:   q.Filters.String(),
		Results:   n,
		Fallback:  fallback,
		At:        time.Now(),
	})
	if err != nil {
		s.logger().WarnContext(ctx, "search audit failed", "error", err)
	}
}

func (s *Service) resultCap() int {
	if s.ResultCap > 0 {
		return s.ResultCap
	}
	return DefaultResultCap
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
