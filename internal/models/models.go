package models

import (
	"fmt"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// Valid reports whether the pair lies inside WGS84 latitude/longitude ranges.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type BloodType string

const (
	APos  BloodType = "A+"
	ANeg  BloodType = "A-"
	BPos  BloodType = "B+"
	BNeg  BloodType = "B-"
	ABPos BloodType = "AB+"
	ABNeg BloodType = "AB-"
	OPos  BloodType = "O+"
	ONeg  BloodType = "O-"
)

var BloodTypes = []BloodType{APos, ANeg, BPos, BNeg, ABPos, ABNeg, OPos, ONeg}

func ParseBloodType(s string) (BloodType, error) {
	v := BloodType(strings.ToUpper(strings.TrimSpace(s)))
	for _, bt := range BloodTypes {
		if v == bt {
			return bt, nil
		}
	}
	return "", fmt.Errorf("unknown blood type %q", s)
}

type Availability string

const (
	Available     Availability = "available"
	Unavailable   Availability = "unavailable"
	EmergencyOnly Availability = "emergency-only"
)

func ParseAvailability(s string) (Availability, error) {
	switch v := Availability(strings.ToLower(strings.TrimSpace(s))); v {
	case Available, Unavailable, EmergencyOnly:
		return v, nil
	}
	return "", fmt.Errorf("unknown availability %q", s)
}

// ParseAvailabilityFilter accepts only the values a caller may search by;
// "unavailable" is a stored state, never a search filter.
func ParseAvailabilityFilter(s string) (Availability, error) {
	switch v := Availability(strings.ToLower(strings.TrimSpace(s))); v {
	case Available, EmergencyOnly:
		return v, nil
	}
	return "", fmt.Errorf("unknown availability filter %q", s)
}

// DonorLocation is the searchable projection of a donor: one id, one
// coordinate pair.
type DonorLocation struct {
	DonorID      string       `json:"donor_id"`
	Coords       Coord        `json:"coords"`
	BloodType    BloodType    `json:"blood_type"`
	Availability Availability `json:"availability"`
}

// Filters narrows a search. Nil fields match everything.
type Filters struct {
	BloodType    *BloodType
	Availability *Availability
}

func (f Filters) Match(bt BloodType, av Availability) bool {
	if f.BloodType != nil && *f.BloodType != bt {
		return false
	}
	if f.Availability != nil && *f.Availability != av {
		return false
	}
	return true
}

func (f Filters) String() string {
	bt, av := "*", "*"
	if f.BloodType != nil {
		bt = string(*f.BloodType)
	}
	if f.Availability != nil {
		av = string(*f.Availability)
	}
	return bt + "|" + av
}

type SearchQuery struct {
	Origin    Coord
	RadiusKm  float64
	Filters   Filters
	ResultCap int
}

// MatchResult is one ranked entry. DistanceKm is nil when the distance is
// unknown (non-geo listings); it is never a stand-in zero.
type MatchResult struct {
	DonorID      string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	BloodType    BloodType    `json:"bloodGroup"`
	Availability Availability `json:"availability"`
	DistanceKm   *float64     `json:"distanceKm,omitempty"`
	LastDonation string       `json:"lastDonation,omitempty"`
	// TotalDonations is set only where the donor profile was loaded.
	TotalDonations *int   `json:"totalDonations,omitempty"`
	Coords         *Coord `json:"coords,omitempty"`
}

// GeoPoint is a GeoJSON point; Coordinates are [lng, lat].
type GeoPoint struct {
	Type        string    `json:"type" bson:"type"`
	Coordinates []float64 `json:"coordinates" bson:"coordinates"`
}

func NewGeoPoint(c Coord) *GeoPoint {
	return &GeoPoint{Type: "Point", Coordinates: []float64{c.Lng, c.Lat}}
}

// Coord returns the point as a Coord. ok is false for malformed geometry.
func (p *GeoPoint) Coord() (Coord, bool) {
	if p == nil || len(p.Coordinates) != 2 {
		return Coord{}, false
	}
	c := Coord{Lat: p.Coordinates[1], Lng: p.Coordinates[0]}
	return c, c.Valid()
}

type Donation struct {
	Date     time.Time `json:"date" bson:"date"`
	Hospital string    `json:"hospital" bson:"hospital"`
	Units    int       `json:"units" bson:"units"`
}

type Donor struct {
	ID               string       `json:"id" bson:"_id"`
	UserID           string       `json:"userId" bson:"userId"`
	Name             string       `json:"name" bson:"name"`
	BloodType        BloodType    `json:"bloodType" bson:"bloodType"`
	Availability     Availability `json:"availability" bson:"availability"`
	Location         *GeoPoint    `json:"location,omitempty" bson:"location,omitempty"`
	LastDonationDate *time.Time   `json:"lastDonationDate,omitempty" bson:"lastDonationDate,omitempty"`
	DonationHistory  []Donation   `json:"donationHistory,omitempty" bson:"donationHistory,omitempty"`
	CreatedAt        time.Time    `json:"createdAt" bson:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt" bson:"updatedAt"`
}

// Searchable returns the donor's DonorLocation. Donors without a usable
// geocoded location are not searchable.
func (d Donor) Searchable() (DonorLocation, bool) {
	c, ok := d.Location.Coord()
	if !ok {
		return DonorLocation{}, false
	}
	return DonorLocation{DonorID: d.ID, Coords: c, BloodType: d.BloodType, Availability: d.Availability}, true
}

// TotalDonations counts recorded donations.
func (d Donor) TotalDonations() *int {
	n := len(d.DonationHistory)
	return &n
}

// LastDonation is the last donation day (YYYY-MM-DD), falling back to the
// newest history entry, or "" when the donor never donated.
func (d Donor) LastDonation() string {
	if d.LastDonationDate != nil {
		return d.LastDonationDate.UTC().Format("2006-01-02")
	}
	var last time.Time
	for _, h := range d.DonationHistory {
		if h.Date.After(last) {
			last = h.Date
		}
	}
	if last.IsZero() {
		return ""
	}
	return last.UTC().Format("2006-01-02")
}

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

type RequestStatus string

const (
	RequestOpen      RequestStatus = "open"
	RequestMatched   RequestStatus = "matched"
	RequestFulfilled RequestStatus = "fulfilled"
	RequestCanceled  RequestStatus = "canceled"
)

type BloodRequest struct {
	ID          string        `json:"id" bson:"_id"`
	RequesterID string        `json:"requesterId" bson:"requesterId"`
	BloodType   BloodType     `json:"bloodType" bson:"bloodType"`
	Units       int           `json:"units" bson:"units"`
	Urgency     Urgency       `json:"urgency" bson:"urgency"`
	Hospital    string        `json:"hospital" bson:"hospital"`
	Location    *GeoPoint     `json:"location" bson:"location"`
	Notes       string        `json:"notes,omitempty" bson:"notes,omitempty"`
	Status      RequestStatus `json:"status" bson:"status"`
	CreatedAt   time.Time     `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt" bson:"updatedAt"`
}

// LocationEvent is emitted whenever a donor's profile location changes.
type LocationEvent struct {
	DonorID      string       `json:"donor_id"`
	Coords       Coord        `json:"coords"`
	BloodType    BloodType    `json:"blood_type"`
	Availability Availability `json:"availability"`
	At           time.Time    `json:"at"`
}

// FieldError reports which field of an inbound payload is unusable.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Reason }

// Normalize validates the event in place: the id is trimmed, the blood type
// is canonicalized and a missing availability defaults to available. It
// returns a *FieldError naming the first bad field.
func (e *LocationEvent) Normalize() error {
	e.DonorID = strings.TrimSpace(e.DonorID)
	if e.DonorID == "" {
		return &FieldError{Field: "donor_id", Reason: "required"}
	}
	if !e.Coords.Valid() {
		return &FieldError{Field: "coords", Reason: "lat must be within [-90,90] and lng within [-180,180]"}
	}
	bt, err := ParseBloodType(string(e.BloodType))
	if err != nil {
		return &FieldError{Field: "blood_type", Reason: err.Error()}
	}
	e.BloodType = bt
	av := Available
	if e.Availability != "" {
		if av, err = ParseAvailability(string(e.Availability)); err != nil {
			return &FieldError{Field: "availability", Reason: err.Error()}
		}
	}
	e.Availability = av
	return nil
}

func (e LocationEvent) DonorLocation() DonorLocation {
	return DonorLocation{DonorID: e.DonorID, Coords: e.Coords, BloodType: e.BloodType, Availability: e.Availability}
}

// RequestAlert is pushed to connected donors near a new blood request.
type RequestAlert struct {
	RequestID  string    `json:"request_id"`
	BloodType  BloodType `json:"blood_type"`
	Urgency    Urgency   `json:"urgency"`
	Hospital   string    `json:"hospital"`
	DistanceKm float64   `json:"distance_km"`
}
