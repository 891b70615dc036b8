package geo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/donor-matching/internal/models"
)

// MongoIndex queries the donors collection through its 2dsphere index on
// `location`. Equality filters are pushed into the same query.
type MongoIndex struct {
	coll *mongo.Collection
	cap  int
}

func NewMongoIndex(coll *mongo.Collection, candidateCap int) *MongoIndex {
	if candidateCap <= 0 {
		candidateCap = DefaultCandidateCap
	}
	return &MongoIndex{coll: coll, cap: candidateCap}
}

// NearFilter builds the $nearSphere query document. Exported for tests.
func NearFilter(origin models.Coord, maxKm float64, f models.Filters) bson.M {
	q := bson.M{
		"location": bson.M{
			"$nearSphere": bson.M{
				"$geometry":    bson.M{"type": "Point", "coordinates": bson.A{origin.Lng, origin.Lat}},
				"$maxDistance": searchRadiusKm(maxKm) * 1000,
			},
		},
	}
	if f.BloodType != nil {
		q["bloodType"] = string(*f.BloodType)
	}
	if f.Availability != nil {
		q["availability"] = string(*f.Availability)
	}
	return q
}

func (m *MongoIndex) Query(ctx context.Context, origin models.Coord, maxKm float64, f models.Filters) ([]models.DonorLocation, error) {
	opts := options.Find().
		SetLimit(int64(m.cap)).
		SetProjection(bson.M{"_id": 1, "bloodType": 1, "availability": 1, "location": 1})
	cur, err := m.coll.Find(ctx, NearFilter(origin, maxKm, f), opts)
	if err != nil {
		// missing 2dsphere index and bad stored geometry both surface here
		return nil, fmt.Errorf("%w: mongo find: %v", ErrIndexUnavailable, err)
	}
	var docs []models.Donor
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%w: mongo decode: %v", ErrIndexUnavailable, err)
	}
	out := make([]models.DonorLocation, 0, len(docs))
	for _, d := range docs {
		if loc, ok := d.Searchable(); ok {
			out = append(out, loc)
		}
	}
	return out, nil
}
