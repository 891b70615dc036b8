package matcher

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/donor-matching/internal/models"
)

// ValidationError reports malformed caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validate(q models.SearchQuery) error {
	if !q.Origin.Valid() {
		return &ValidationError{Field: "origin", Reason: "lat must be within [-90,90] and lng within [-180,180]"}
	}
	if math.IsNaN(q.RadiusKm) || q.RadiusKm <= 0 {
		return &ValidationError{Field: "radiusKm", Reason: "must be a positive number"}
	}
	return nil
}

// ParseOrigin parses a lat/lng pair. Both values are required.
func ParseOrigin(lat, lng string) (models.Coord, error) {
	if strings.TrimSpace(lat) == "" || strings.TrimSpace(lng) == "" {
		return models.Coord{}, &ValidationError{Field: "origin", Reason: "lat and lng are required"}
	}
	la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return models.Coord{}, &ValidationError{Field: "lat", Reason: "not a number"}
	}
	ln, err := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	if err != nil {
		return models.Coord{}, &ValidationError{Field: "lng", Reason: "not a number"}
	}
	c := models.Coord{Lat: la, Lng: ln}
	if !c.Valid() {
		return models.Coord{}, &ValidationError{Field: "origin", Reason: "lat must be within [-90,90] and lng within [-180,180]"}
	}
	return c, nil
}

// ParseRadius parses an optional radius, returning def when empty.
func ParseRadius(v string, def float64) (float64, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	r, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(r) || r <= 0 {
		return 0, &ValidationError{Field: "radiusKm", Reason: "must be a positive number"}
	}
	return r, nil
}

// ParseBloodType parses an optional blood type filter.
func ParseBloodType(v string) (*models.BloodType, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	bt, err := models.ParseBloodType(v)
	if err != nil {
		return nil, &ValidationError{Field: "bloodType", Reason: err.Error()}
	}
	return &bt, nil
}

// ParseFilters builds search filters from optional query values.
func ParseFilters(bloodType, availability string) (models.Filters, error) {
	var f models.Filters
	bt, err := ParseBloodType(bloodType)
	if err != nil {
		return f, err
	}
	f.BloodType = bt
	if strings.TrimSpace(availability) != "" {
		av, err := models.ParseAvailabilityFilter(availability)
		if err != nil {
			return f, &ValidationError{Field: "availability", Reason: err.Error()}
		}
		f.Availability = &av
	}
	return f, nil
}
