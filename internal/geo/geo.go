package geo

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/example/provider-matching/internal/apperr"
	"github.com/example/provider-matching/internal/models"
)

// EarthRadiusMeters is shared with the SQL distance expression in storage so
// every backend reports the same distance for the same pair of points.
const EarthRadiusMeters = 6371000.0

// Query selects candidates offering Category within RadiusKm of Origin.
type Query struct {
	Category          string
	Origin            models.Coord
	RadiusKm          float64
	ExcludeProviderID int64 // requester's own provider profile, 0 for none
}

type Candidate struct {
	ProviderID     int64   `json:"provider_id"`
	ListingID      int64   `json:"listing_id"`
	DistanceMeters float64 `json:"distance_m"`
	Rating         float64 `json:"rating"`
}

// Index answers radius queries against the provider catalog. Implementations
// return an empty slice when nothing matches and an Unavailable error when the
// backend fails; the two are never conflated.
type Index interface {
	FindCandidates(ctx context.Context, q Query) ([]Candidate, error)
}

// Validate checks coordinates, radius and category.
func (q Query) Validate() error {
	if !q.Origin.Valid() {
		return apperr.InvalidArgument("coordinates out of range: lat=%v lon=%v", q.Origin.Lat, q.Origin.Lon)
	}
	if q.RadiusKm <= 0 || math.IsNaN(q.RadiusKm) || math.IsInf(q.RadiusKm, 0) {
		return apperr.InvalidArgument("radius must be > 0 km")
	}
	if strings.TrimSpace(q.Category) == "" {
		return apperr.InvalidArgument("category is required")
	}
	return nil
}

// SortCandidates orders by distance, then listing id, so equal inputs always
// give the same order.
func SortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].DistanceMeters != c[j].DistanceMeters {
			return c[i].DistanceMeters < c[j].DistanceMeters
		}
		return c[i].ListingID < c[j].ListingID
	})
}

type entry struct {
	listing  models.Listing
	provider models.Provider
}

// MemoryIndex is a naive scan over an in-process catalog.
type MemoryIndex struct {
	mu       sync.RWMutex
	listings map[int64]entry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{listings: make(map[int64]entry)}
}

func (g *MemoryIndex) Upsert(l models.Listing, p models.Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listings[l.ID] = entry{listing: l, provider: p}
}

func (g *MemoryIndex) Remove(listingID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.listings, listingID)
}

// UpdateProvider refreshes provider flags and rating on all of its listings.
func (g *MemoryIndex) UpdateProvider(p models.Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, e := range g.listings {
		if e.provider.ID == p.ID {
			e.provider = p
			g.listings[id] = e
		}
	}
}

func (g *MemoryIndex) FindCandidates(ctx context.Context, q Query) ([]Candidate, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	radiusM := q.RadiusKm * 1000
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Candidate, 0)
	for _, e := range g.listings {
		if !e.listing.Approved || !e.provider.Matchable() {
			continue
		}
		if !strings.EqualFold(e.listing.Category, q.Category) {
			continue
		}
		if q.ExcludeProviderID != 0 && e.provider.ID == q.ExcludeProviderID {
			continue
		}
		dist := Haversine(q.Origin.Lat, q.Origin.Lon, e.listing.Loc.Lat, e.listing.Loc.Lon)
		if dist > radiusM {
			continue
		}
		out = append(out, Candidate{
			ProviderID:     e.provider.ID,
			ListingID:      e.listing.ID,
			DistanceMeters: dist,
			Rating:         e.provider.Rating,
		})
	}
	SortCandidates(out)
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}
