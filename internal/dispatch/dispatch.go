package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/donor-matching/internal/matcher"
	"github.com/example/donor-matching/internal/models"
	"github.com/example/donor-matching/internal/observability"
)

const (
	DefaultAlertRadiusKm = 10.0
	DefaultAlertTimeout  = 15 * time.Second
)

type Searcher interface {
	Search(ctx context.Context, q models.SearchQuery) (matcher.SearchResult, error)
}

// Notifier delivers an alert outside the websocket channel.
type Notifier interface {
	Notify(ctx context.Context, donorID string, alert models.RequestAlert) error
}

// Alerter tells compatible donors near a new blood request about it. Delivery
// is best effort: failures are logged and never fail the request.
type Alerter struct {
	Matcher  Searcher
	Sessions *SessionRegistry
	Fallback Notifier // optional
	RadiusKm float64
	// Timeout bounds one Dispatch run end to end.
	Timeout time.Duration
	Logger  *slog.Logger

	wg sync.WaitGroup
}

// Dispatch alerts donors for req in the background and returns at once. The
// run is detached from ctx cancellation, keeps its values, and is bounded by
// Timeout.
func (a *Alerter) Dispatch(ctx context.Context, req models.BloodRequest) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultAlertTimeout
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		a.AlertNearbyDonors(ctx, req)
	}()
}

// Wait blocks until every Dispatch run has finished.
func (a *Alerter) Wait() { a.wg.Wait() }

// AlertNearbyDonors searches around the request location for donors of the
// requested blood type and returns how many alerts were delivered. Donors
// marked emergency-only are included for high urgency requests.
func (a *Alerter) AlertNearbyDonors(ctx context.Context, req models.BloodRequest) int {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origin, ok := req.Location.Coord()
	if !ok {
		return 0
	}
	radius := a.RadiusKm
	if radius <= 0 {
		radius = DefaultAlertRadiusKm
	}
	bt := req.BloodType
	f := models.Filters{BloodType: &bt}
	if req.Urgency != models.UrgencyHigh {
		avail := models.Available
		f.Availability = &avail
	}
	res, err := a.Matcher.Search(ctx, models.SearchQuery{Origin: origin, RadiusKm: radius, Filters: f})
	if err != nil {
		logger.WarnContext(ctx, "alert search failed", "request_id", req.ID, "error", err)
		return 0
	}

	sent := 0
	for _, r := range res.Results {
		if ctx.Err() != nil {
			logger.WarnContext(ctx, "alert delivery cut short", "request_id", req.ID, "sent", sent, "error", ctx.Err())
			break
		}
		if r.Availability == models.Unavailable {
			continue
		}
		alert := models.RequestAlert{
			RequestID: req.ID,
			BloodType: req.BloodType,
			Urgency:   req.Urgency,
			Hospital:  req.Hospital,
		}
		if r.DistanceKm != nil {
			alert.DistanceKm = *r.DistanceKm
		}
		if a.deliver(ctx, r.DonorID, alert, logger) {
			sent++
		}
	}
	observability.AlertsSent.Add(float64(sent))
	logger.InfoContext(ctx, "request alerts sent", "request_id", req.ID, "candidates", len(res.Results), "sent", sent)
	return sent
}

func (a *Alerter) deliver(ctx context.Context, donorID string, alert models.RequestAlert, logger *slog.Logger) bool {
	var err error
	if a.Sessions != nil {
		if err = a.Sessions.Send(donorID, alert); err == nil {
			return true
		}
	} else {
		err = ErrNoSession
	}
	if errors.Is(err, ErrNoSession) && a.Fallback != nil {
		if err = a.Fallback.Notify(ctx, donorID, alert); err == nil {
			return true
		}
	}
	if !errors.Is(err, ErrNoSession) {
		logger.DebugContext(ctx, "alert not delivered", "donor_id", donorID, "error", err)
	}
	return false
}
