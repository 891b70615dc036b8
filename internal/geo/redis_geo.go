package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/donor-matching/internal/models"
)

// RedisIndex implements Index using Redis GEO commands. Every donor lives in
// the base key and in a per-blood-type key so the blood type filter can be
// pushed down to GEORADIUS; availability comes from a meta hash.
type RedisIndex struct {
	client *redis.Client
	key    string
	cap    int
}

func NewRedisIndex(client *redis.Client, key string, candidateCap int) *RedisIndex {
	if candidateCap <= 0 {
		candidateCap = DefaultCandidateCap
	}
	return &RedisIndex{client: client, key: key, cap: candidateCap}
}

func (r *RedisIndex) bloodTypeKey(bt models.BloodType) string { return r.key + ":" + string(bt) }

// MetaKey is the hash holding a donor's blood type and availability.
func MetaKey(donorID string) string { return "donor:meta:" + donorID }

// Upsert stores the location in the base and blood type keys and refreshes
// the meta hash. A donor whose blood type changed is removed from the old key.
func (r *RedisIndex) Upsert(ctx context.Context, d models.DonorLocation) error {
	loc := &redis.GeoLocation{Longitude: d.Coords.Lng, Latitude: d.Coords.Lat, Name: d.DonorID}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, bt := range models.BloodTypes {
			if bt != d.BloodType {
				pipe.ZRem(ctx, r.bloodTypeKey(bt), d.DonorID)
			}
		}
		pipe.GeoAdd(ctx, r.key, loc)
		pipe.GeoAdd(ctx, r.bloodTypeKey(d.BloodType), loc)
		pipe.HSet(ctx, MetaKey(d.DonorID), map[string]interface{}{
			"blood_type":   string(d.BloodType),
			"availability": string(d.Availability),
			"updated":      time.Now().Format(time.RFC3339),
		})
		return nil
	})
	return err
}

func (r *RedisIndex) Remove(ctx context.Context, donorID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.key, donorID)
		for _, bt := range models.BloodTypes {
			pipe.ZRem(ctx, r.bloodTypeKey(bt), donorID)
		}
		pipe.Del(ctx, MetaKey(donorID))
		return nil
	})
	return err
}

func (r *RedisIndex) Query(ctx context.Context, origin models.Coord, maxKm float64, f models.Filters) ([]models.DonorLocation, error) {
	key := r.key
	if f.BloodType != nil {
		key = r.bloodTypeKey(*f.BloodType)
	}
	locs, err := r.client.GeoRadius(ctx, key, origin.Lng, origin.Lat, &redis.GeoRadiusQuery{
		Radius:    searchRadiusKm(maxKm),
		Unit:      "km",
		WithCoord: true,
		Count:     r.cap,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis georadius: %v", ErrIndexUnavailable, err)
	}
	if len(locs) == 0 {
		return []models.DonorLocation{}, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(locs))
	for i, l := range locs {
		metas[i] = pipe.HGetAll(ctx, MetaKey(l.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: redis meta: %v", ErrIndexUnavailable, err)
	}

	out := make([]models.DonorLocation, 0, len(locs))
	for i, l := range locs {
		m := metas[i].Val()
		bt, err := models.ParseBloodType(m["blood_type"])
		if err != nil {
			// no usable meta; the donor cannot be classified
			continue
		}
		d := models.DonorLocation{
			DonorID:      l.Name,
			Coords:       models.Coord{Lat: l.Latitude, Lng: l.Longitude},
			BloodType:    bt,
			Availability: models.Availability(m["availability"]),
		}
		if !f.Match(d.BloodType, d.Availability) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
