package geo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/provider-matching/internal/apperr"
	"github.com/example/provider-matching/internal/models"
)

// GeoStore is the subset of redis operations the index needs; tests swap in a fake.
type GeoStore interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	GeoSearch(ctx context.Context, key string, lon, lat, radiusM float64) ([]redis.GeoLocation, error)
	ZRem(ctx context.Context, key, member string) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

type redisAdapter struct{ c *redis.Client }

// NewRedisStore wraps a go-redis client as a GeoStore.
func NewRedisStore(c *redis.Client) GeoStore { return &redisAdapter{c: c} }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) GeoSearch(ctx context.Context, key string, lon, lat, radiusM float64) ([]redis.GeoLocation, error) {
	return r.c.GeoSearchLocation(ctx, key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
}

func (r *redisAdapter) ZRem(ctx context.Context, key, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.c.HGetAll(ctx, key).Result()
}

func (r *redisAdapter) SAdd(ctx context.Context, key, member string) error {
	return r.c.SAdd(ctx, key, member).Err()
}

func (r *redisAdapter) SRem(ctx context.Context, key, member string) error {
	return r.c.SRem(ctx, key, member).Err()
}

func (r *redisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.c.SMembers(ctx, key).Result()
}

// RedisGeo implements Index using Redis GEO sets, one sorted set per
// category, plus a metadata hash per listing. The ids of every indexed
// listing live in a set of their own so a resync after a restart can find
// listings it never wrote itself.
type RedisGeo struct {
	store  GeoStore
	prefix string
}

func NewRedisGeo(store GeoStore, prefix string) *RedisGeo {
	if prefix == "" {
		prefix = "listings_geo"
	}
	return &RedisGeo{store: store, prefix: prefix}
}

func (r *RedisGeo) categoryKey(category string) string {
	return r.prefix + ":" + strings.ToLower(strings.TrimSpace(category))
}

func (r *RedisGeo) indexedKey() string { return r.prefix + ":indexed" }

func metaKey(listingID int64) string { return "listing:meta:" + strconv.FormatInt(listingID, 10) }

// Upsert stores the listing position and the provider flags used for filtering.
// A listing that changed category is dropped from its old set first.
func (r *RedisGeo) Upsert(ctx context.Context, l models.Listing, p models.Provider) error {
	member := strconv.FormatInt(l.ID, 10)
	prev, err := r.store.HGetAll(ctx, metaKey(l.ID))
	if err != nil {
		return apperr.Unavailable(err, "geo index read failed")
	}
	if old := prev["category"]; old != "" && r.categoryKey(old) != r.categoryKey(l.Category) {
		if err := r.store.ZRem(ctx, r.categoryKey(old), member); err != nil {
			return apperr.Unavailable(err, "geo index write failed")
		}
	}
	if err := r.store.GeoAdd(ctx, r.categoryKey(l.Category), &redis.GeoLocation{Longitude: l.Loc.Lon, Latitude: l.Loc.Lat, Name: member}); err != nil {
		return apperr.Unavailable(err, "geo index write failed")
	}
	err = r.store.HSet(ctx, metaKey(l.ID), map[string]interface{}{
		"provider_id": strconv.FormatInt(p.ID, 10),
		"category":    l.Category,
		"approved":    strconv.FormatBool(l.Approved),
		"matchable":   strconv.FormatBool(p.Matchable()),
		"rating":      strconv.FormatFloat(p.Rating, 'f', -1, 64),
		"updated":     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return apperr.Unavailable(err, "geo index write failed")
	}
	if err := r.store.SAdd(ctx, r.indexedKey(), member); err != nil {
		return apperr.Unavailable(err, "geo index write failed")
	}
	return nil
}

// Remove drops the listing from its category set and marks its metadata
// unmatchable, so a stale set member is still filtered out.
func (r *RedisGeo) Remove(ctx context.Context, l models.Listing) error {
	member := strconv.FormatInt(l.ID, 10)
	category := l.Category
	if category == "" {
		meta, err := r.store.HGetAll(ctx, metaKey(l.ID))
		if err != nil {
			return apperr.Unavailable(err, "geo index read failed")
		}
		category = meta["category"]
	}
	if category != "" {
		if err := r.store.ZRem(ctx, r.categoryKey(category), member); err != nil {
			return apperr.Unavailable(err, "geo index write failed")
		}
	}
	if err := r.store.HSet(ctx, metaKey(l.ID), map[string]interface{}{"matchable": "false"}); err != nil {
		return apperr.Unavailable(err, "geo index write failed")
	}
	if err := r.store.SRem(ctx, r.indexedKey(), member); err != nil {
		return apperr.Unavailable(err, "geo index write failed")
	}
	return nil
}

// Indexed lists every listing currently held by the index, with the
// category it was stored under.
func (r *RedisGeo) Indexed(ctx context.Context) ([]models.Listing, error) {
	members, err := r.store.SMembers(ctx, r.indexedKey())
	if err != nil {
		return nil, apperr.Unavailable(err, "geo index unavailable")
	}
	out := make([]models.Listing, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		meta, err := r.store.HGetAll(ctx, metaKey(id))
		if err != nil {
			return nil, apperr.Unavailable(err, "geo index unavailable")
		}
		out = append(out, models.Listing{ID: id, Category: meta["category"]})
	}
	return out, nil
}

func (r *RedisGeo) FindCandidates(ctx context.Context, q Query) ([]Candidate, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	res, err := r.store.GeoSearch(ctx, r.categoryKey(q.Category), q.Origin.Lon, q.Origin.Lat, q.RadiusKm*1000)
	if err != nil {
		return nil, apperr.Unavailable(err, "geo index unavailable")
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		listingID, err := strconv.ParseInt(g.Name, 10, 64)
		if err != nil {
			continue
		}
		meta, err := r.store.HGetAll(ctx, metaKey(listingID))
		if err != nil {
			return nil, apperr.Unavailable(err, "geo index unavailable")
		}
		if meta["approved"] != "true" || meta["matchable"] != "true" {
			continue
		}
		providerID, err := strconv.ParseInt(meta["provider_id"], 10, 64)
		if err != nil || providerID == q.ExcludeProviderID {
			continue
		}
		rating, _ := strconv.ParseFloat(meta["rating"], 64)
		out = append(out, Candidate{
			ProviderID:     providerID,
			ListingID:      listingID,
			DistanceMeters: g.Dist,
			Rating:         rating,
		})
	}
	SortCandidates(out)
	return out, nil
}
