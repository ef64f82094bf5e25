package geo

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/example/provider-matching/internal/apperr"
	"github.com/example/provider-matching/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineBangalore(t *testing.T) {
	d := Haversine(12.9716, 77.5946, 12.9719, 77.6412)
	if math.Abs(d-5050) > 50 {
		t.Fatalf("expected ~5.05km, got %f", d)
	}
}

func seededIndex() *MemoryIndex {
	idx := NewMemoryIndex()
	good := models.Provider{ID: 1, Rating: 4.5, Active: true, Verified: true}
	idx.Upsert(models.Listing{ID: 10, ProviderID: 1, Category: "AC Repair", Loc: models.Coord{Lat: 12.9719, Lon: 77.6412}, Approved: true}, good)
	idx.Upsert(models.Listing{ID: 11, ProviderID: 2, Category: "AC Repair", Loc: models.Coord{Lat: 12.9720, Lon: 77.6000}, Approved: false},
		models.Provider{ID: 2, Active: true, Verified: true})
	idx.Upsert(models.Listing{ID: 12, ProviderID: 3, Category: "AC Repair", Loc: models.Coord{Lat: 12.9720, Lon: 77.6000}, Approved: true},
		models.Provider{ID: 3, Active: true, Verified: true, Suspended: true})
	idx.Upsert(models.Listing{ID: 13, ProviderID: 4, Category: "Plumbing", Loc: models.Coord{Lat: 12.9716, Lon: 77.5946}, Approved: true},
		models.Provider{ID: 4, Active: true, Verified: true})
	return idx
}

func TestMemoryIndexRadiusScenario(t *testing.T) {
	idx := seededIndex()
	origin := models.Coord{Lat: 12.9716, Lon: 77.5946}

	got, err := idx.FindCandidates(context.Background(), Query{Category: "AC Repair", Origin: origin, RadiusKm: 10})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 1 || got[0].ProviderID != 1 || got[0].ListingID != 10 {
		t.Fatalf("expected only provider 1 within 10km, got %+v", got)
	}

	got, err = idx.FindCandidates(context.Background(), Query{Category: "AC Repair", Origin: origin, RadiusKm: 5})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates within 5km, got %+v", got)
	}
}

func TestMemoryIndexExcludesRequesterProvider(t *testing.T) {
	idx := seededIndex()
	got, err := idx.FindCandidates(context.Background(), Query{
		Category: "AC Repair", Origin: models.Coord{Lat: 12.9716, Lon: 77.5946}, RadiusKm: 10, ExcludeProviderID: 1,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("provider must not match itself, got %+v", got)
	}
}

func TestQueryValidate(t *testing.T) {
	cases := []Query{
		{Category: "x", Origin: models.Coord{Lat: 91}, RadiusKm: 1},
		{Category: "x", Origin: models.Coord{Lon: -181}, RadiusKm: 1},
		{Category: "x", RadiusKm: 0},
		{Category: "", RadiusKm: 1},
	}
	for _, q := range cases {
		if err := q.Validate(); !apperr.Is(err, apperr.KindInvalidArgument) {
			t.Fatalf("query %+v: expected invalid argument, got %v", q, err)
		}
	}
}

type fakeGeoStore struct {
	locs    []redis.GeoLocation
	meta    map[string]map[string]string
	added   []*redis.GeoLocation
	removed []string
	members map[string]bool
	failGeo bool
}

func (f *fakeGeoStore) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.added = append(f.added, loc)
	return nil
}

func (f *fakeGeoStore) GeoSearch(ctx context.Context, key string, lon, lat, radiusM float64) ([]redis.GeoLocation, error) {
	if f.failGeo {
		return nil, errors.New("connection refused")
	}
	return f.locs, nil
}

func (f *fakeGeoStore) ZRem(ctx context.Context, key, member string) error {
	f.removed = append(f.removed, key+"/"+member)
	return nil
}

func (f *fakeGeoStore) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	m := f.meta[key]
	if m == nil {
		m = map[string]string{}
		f.meta[key] = m
	}
	for k, v := range values {
		m[k] = v.(string)
	}
	return nil
}

func (f *fakeGeoStore) SAdd(ctx context.Context, key, member string) error {
	if f.members == nil {
		f.members = map[string]bool{}
	}
	f.members[member] = true
	return nil
}

func (f *fakeGeoStore) SRem(ctx context.Context, key, member string) error {
	delete(f.members, member)
	return nil
}

func (f *fakeGeoStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	for m := range f.members {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeGeoStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return f.meta[key], nil
}

func TestRedisGeoFiltersByMetadata(t *testing.T) {
	fs := &fakeGeoStore{meta: map[string]map[string]string{}}
	rg := NewRedisGeo(fs, "")
	ctx := context.Background()
	_ = rg.Upsert(ctx, models.Listing{ID: 1, Category: "AC Repair", Approved: true}, models.Provider{ID: 7, Rating: 4, Active: true, Verified: true})
	_ = rg.Upsert(ctx, models.Listing{ID: 2, Category: "AC Repair", Approved: true}, models.Provider{ID: 8, Active: true})
	_ = rg.Upsert(ctx, models.Listing{ID: 3, Category: "AC Repair", Approved: true}, models.Provider{ID: 9, Active: true, Verified: true})
	fs.locs = []redis.GeoLocation{{Name: "3", Dist: 900}, {Name: "2", Dist: 100}, {Name: "1", Dist: 500}}

	got, err := rg.FindCandidates(ctx, Query{Category: "ac repair", Origin: models.Coord{Lat: 1, Lon: 1}, RadiusKm: 2, ExcludeProviderID: 9})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 1 || got[0].ProviderID != 7 || got[0].Rating != 4 || got[0].DistanceMeters != 500 {
		t.Fatalf("unexpected candidates %+v", got)
	}
}

func TestRedisGeoFailureIsUnavailable(t *testing.T) {
	rg := NewRedisGeo(&fakeGeoStore{failGeo: true, meta: map[string]map[string]string{}}, "")
	_, err := rg.FindCandidates(context.Background(), Query{Category: "x", Origin: models.Coord{}, RadiusKm: 1})
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestRedisGeoRemoveByIDOnly(t *testing.T) {
	fs := &fakeGeoStore{meta: map[string]map[string]string{}}
	rg := NewRedisGeo(fs, "")
	ctx := context.Background()
	_ = rg.Upsert(ctx, models.Listing{ID: 1, Category: "AC Repair", Approved: true}, models.Provider{ID: 7, Active: true, Verified: true})
	if got, _ := rg.Indexed(ctx); len(got) != 1 || got[0].Category != "AC Repair" {
		t.Fatalf("expected listing 1 indexed, got %+v", got)
	}

	if err := rg.Remove(ctx, models.Listing{ID: 1}); err != nil {
		t.Fatal(err)
	}
	if len(fs.removed) != 1 || fs.removed[0] != "listings_geo:ac repair/1" {
		t.Fatalf("expected removal from the stored category, got %v", fs.removed)
	}
	if fs.meta[metaKey(1)]["matchable"] != "false" {
		t.Fatalf("expected metadata marked unmatchable, got %v", fs.meta[metaKey(1)])
	}
	if got, _ := rg.Indexed(ctx); len(got) != 0 {
		t.Fatalf("expected empty index, got %+v", got)
	}
}

func TestRedisGeoUpsertMovesCategory(t *testing.T) {
	fs := &fakeGeoStore{meta: map[string]map[string]string{}}
	rg := NewRedisGeo(fs, "")
	ctx := context.Background()
	p := models.Provider{ID: 7, Active: true, Verified: true}
	_ = rg.Upsert(ctx, models.Listing{ID: 1, Category: "AC Repair", Approved: true}, p)
	_ = rg.Upsert(ctx, models.Listing{ID: 1, Category: "Plumbing", Approved: true}, p)
	if len(fs.removed) != 1 || fs.removed[0] != "listings_geo:ac repair/1" {
		t.Fatalf("expected old category cleared, got %v", fs.removed)
	}
}
