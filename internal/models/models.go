package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SlotDuration is the fixed length of every booking window. It is derived,
// never persisted.
const SlotDuration = time.Hour

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Provider struct {
	ID        int64   `json:"id"`
	UserID    int64   `json:"user_id"`
	Rating    float64 `json:"rating"` // 0..5
	Active    bool    `json:"active"`
	Verified  bool    `json:"verified"`
	Suspended bool    `json:"suspended"`
}

// Matchable reports whether the provider may be offered to requesters.
func (p Provider) Matchable() bool { return p.Active && p.Verified && !p.Suspended }

type Category struct {
	Name      string  `json:"name"`
	BasePrice float64 `json:"base_price"`
}

type Listing struct {
	ID         int64   `json:"id"`
	ProviderID int64   `json:"provider_id"`
	Category   string  `json:"category"`
	Price      float64 `json:"price"`
	Loc        Coord   `json:"loc"`
	Approved   bool    `json:"approved"`
}

// ServiceRef points a request at either one listing or a whole category.
// Its text form is "listing:<id>" or "category:<name>".
type ServiceRef struct {
	ListingID int64
	Category  string
}

func ParseServiceRef(s string) (ServiceRef, error) {
	kind, val, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || strings.TrimSpace(val) == "" {
		return ServiceRef{}, fmt.Errorf("service ref %q: want listing:<id> or category:<name>", s)
	}
	switch strings.ToLower(kind) {
	case "listing":
		id, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil || id <= 0 {
			return ServiceRef{}, fmt.Errorf("service ref %q: invalid listing id", s)
		}
		return ServiceRef{ListingID: id}, nil
	case "category":
		return ServiceRef{Category: strings.TrimSpace(val)}, nil
	default:
		return ServiceRef{}, fmt.Errorf("service ref %q: unknown kind %q", s, kind)
	}
}

func (r ServiceRef) IsListing() bool  { return r.ListingID > 0 }
func (r ServiceRef) IsCategory() bool { return r.ListingID == 0 && r.Category != "" }

func (r ServiceRef) String() string {
	if r.IsListing() {
		return "listing:" + strconv.FormatInt(r.ListingID, 10)
	}
	return "category:" + r.Category
}

func (r ServiceRef) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *ServiceRef) UnmarshalText(b []byte) error {
	v, err := ParseServiceRef(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

type BookingRequest struct {
	Service     ServiceRef `json:"serviceRef"`
	ProviderID  int64      `json:"providerId,omitempty"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	OriginLat   *float64   `json:"originLat,omitempty"`
	OriginLon   *float64   `json:"originLon,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	// Open leaves a category booking unassigned so any eligible provider can claim it.
	Open bool `json:"open,omitempty"`
}

// Origin returns the requester location when both coordinates were sent.
func (r BookingRequest) Origin() (Coord, bool) {
	if r.OriginLat == nil || r.OriginLon == nil {
		return Coord{}, false
	}
	return Coord{Lat: *r.OriginLat, Lon: *r.OriginLon}, true
}

type BookingMode string

const (
	ModeListing  BookingMode = "listing"
	ModeCategory BookingMode = "category"
)

type Assignment string

const (
	Assigned   Assignment = "assigned"
	Unassigned Assignment = "unassigned"
)

type Booking struct {
	ID          int64       `json:"id"`
	UserID      int64       `json:"user_id"`
	ProviderID  int64       `json:"provider_id,omitempty"` // 0 while unassigned
	Mode        BookingMode `json:"mode"`
	ListingID   int64       `json:"listing_id,omitempty"`
	Category    string      `json:"category,omitempty"`
	ScheduledAt time.Time   `json:"scheduled_at"`
	Status      Status      `json:"status"`
	Price       float64     `json:"price"`
	Notes       string      `json:"notes,omitempty"`

	CancelledBy   string     `json:"cancelled_by,omitempty"` // "user" or "provider"
	CancelledByID int64      `json:"cancelled_by_id,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b Booking) EndsAt() time.Time { return b.ScheduledAt.Add(SlotDuration) }

func (b Booking) Assignment() Assignment {
	if b.ProviderID == 0 {
		return Unassigned
	}
	return Assigned
}

// Overlaps reports whether the booking's window intersects [start, end).
// Windows that only touch at an endpoint do not overlap.
func (b Booking) Overlaps(start, end time.Time) bool {
	return b.ScheduledAt.Before(end) && b.EndsAt().After(start)
}

// Actor is the caller identity as asserted by the upstream gateway.
type Actor struct {
	UserID     int64
	ProviderID int64 // 0 when the caller has no provider profile
}

func (a Actor) IsProvider() bool { return a.ProviderID != 0 }

type MatchComponents struct {
	DistanceNorm        float64 `json:"distance_norm"`
	TrustScore          float64 `json:"trust_score"`
	TrustComponent      float64 `json:"trust_component"`
	WorkloadPenalty     float64 `json:"workload_penalty"`
	AvailabilityPenalty float64 `json:"availability_penalty"`
}

type MatchResult struct {
	ProviderID     int64            `json:"provider_id"`
	ListingID      int64            `json:"listing_id"`
	DistanceMeters float64          `json:"distance_m"`
	Rating         float64          `json:"rating"`
	Score          float64          `json:"score"`
	ActiveBookings int              `json:"active_bookings"`
	Components     *MatchComponents `json:"components,omitempty"`
}

type AuditEntry struct {
	ID         int64             `json:"id"`
	ActorID    int64             `json:"actor_id"`
	Action     string            `json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   int64             `json:"target_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ListingUpdate is the catalog change event consumed to keep the geo index fresh.
type ListingUpdate struct {
	Listing  Listing  `json:"listing"`
	Provider Provider `json:"provider"`
	Removed  bool     `json:"removed"`
}

// AssignmentNotice is pushed to a provider when a booking lands on them.
type AssignmentNotice struct {
	BookingID   int64     `json:"booking_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`
}
