package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/donor-matching/internal/geo"
	"github.com/example/donor-matching/internal/models"
)

const (
	DonorsCollection   = "donors"
	RequestsCollection = "requests"
)

// Connect opens a pooled client and verifies the server is reachable.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(10).
		SetServerSelectionTimeout(5 * time.Second).
		SetSocketTimeout(45 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// MongoStore implements DonorStore and RequestStore over MongoDB. Donor
// documents created by the profile service carry ObjectId ids; request ids
// are uuid strings. Ids decode to their hex form either way.
type MongoStore struct {
	donors   *mongo.Collection
	requests *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{donors: db.Collection(DonorsCollection), requests: db.Collection(RequestsCollection)}
}

// EnsureIndexes creates the 2dsphere indexes radius queries depend on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.donors.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "location", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "bloodType", Value: 1}, {Key: "availability", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("donor indexes: %w", err)
	}
	if _, err := s.requests.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "location", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("request indexes: %w", err)
	}
	return nil
}

func filterDoc(f models.Filters) bson.M {
	q := bson.M{}
	if f.BloodType != nil {
		q["bloodType"] = string(*f.BloodType)
	}
	if f.Availability != nil {
		q["availability"] = string(*f.Availability)
	}
	return q
}

// idFilter matches a document by id, treating a 24 character hex id as an
// ObjectId.
func idFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": oid}
	}
	return bson.M{"_id": id}
}

var recencySort = bson.D{{Key: "lastDonationDate", Value: -1}, {Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}}

func (s *MongoStore) TopAvailable(ctx context.Context, f models.Filters, limit int) ([]models.Donor, error) {
	opts := options.Find().SetSort(recencySort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.donors.Find(ctx, filterDoc(f), opts)
	if err != nil {
		return nil, fmt.Errorf("find donors: %w", err)
	}
	var out []models.Donor
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode donors: %w", err)
	}
	return out, nil
}

func (s *MongoStore) LocatedDonors(ctx context.Context, f models.Filters, limit int) ([]models.DonorLocation, error) {
	q := filterDoc(f)
	q["location.type"] = "Point"
	q["location.coordinates"] = bson.M{"$size": 2}
	opts := options.Find().SetSort(recencySort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.donors.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("find located donors: %w", err)
	}
	var docs []models.Donor
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode located donors: %w", err)
	}
	out := make([]models.DonorLocation, 0, len(docs))
	for _, d := range docs {
		if loc, ok := d.Searchable(); ok {
			out = append(out, loc)
		}
	}
	return out, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Donor, error) {
	var d models.Donor
	if err := s.donors.FindOne(ctx, idFilter(id)).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get donor %s: %w", id, err)
	}
	return &d, nil
}

func (s *MongoStore) UpsertLocation(ctx context.Context, ev models.LocationEvent) error {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"location":     models.NewGeoPoint(ev.Coords),
			"bloodType":    string(ev.BloodType),
			"availability": string(ev.Availability),
			"updatedAt":    now,
		},
		"$setOnInsert": bson.M{"createdAt": now},
	}
	_, err := s.donors.UpdateOne(ctx, idFilter(ev.DonorID), update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert donor location %s: %w", ev.DonorID, err)
	}
	return nil
}

func (s *MongoStore) CreateRequest(ctx context.Context, r *models.BloodRequest) error {
	if _, err := s.requests.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *MongoStore) ListOpenNearby(ctx context.Context, origin models.Coord, radiusKm float64, bt *models.BloodType, limit int) ([]models.BloodRequest, error) {
	q := geo.NearFilter(origin, radiusKm, models.Filters{BloodType: bt})
	q["status"] = string(models.RequestOpen)
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.requests.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("find requests: %w", err)
	}
	var docs []models.BloodRequest
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode requests: %w", err)
	}
	// $nearSphere is padded; trim to the exact radius
	out := make([]models.BloodRequest, 0, len(docs))
	for _, r := range docs {
		if c, ok := r.Location.Coord(); ok && geo.Haversine(origin, c) <= radiusKm {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MongoStore) CountOpenNearby(ctx context.Context, bt models.BloodType, origin models.Coord, radiusKm float64) (int, error) {
	q := bson.M{
		"bloodType": string(bt),
		"status":    string(models.RequestOpen),
		"location": bson.M{
			"$geoWithin": bson.M{
				"$centerSphere": bson.A{bson.A{origin.Lng, origin.Lat}, radiusKm / centerSphereRadiusKm},
			},
		},
	}
	n, err := s.requests.CountDocuments(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return int(n), nil
}
