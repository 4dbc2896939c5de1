package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/taskq/pkg/api"
)

// MongoStore is a ResultStore backed by MongoDB.
//
// Status records live in the "statuses" collection and values in "values".
// Both carry an optional expires_at date with a TTL index, so MongoDB
// removes expired documents itself; reads still filter on expires_at because
// the TTL monitor runs only once a minute.
//
// Values are stored as strings so counters can be converted and updated
// inside a single pipeline update.
type MongoStore struct {
	statuses *mongo.Collection
	values   *mongo.Collection
	opts     Options
}

type mongoStatusDoc struct {
	ID        string     `bson:"_id"`
	State     string     `bson:"state"`
	Payload   []byte     `bson:"payload"`
	UpdatedAt time.Time  `bson:"updated_at"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

type mongoValueDoc struct {
	ID        string     `bson:"_id"`
	Value     string     `bson:"v"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

// NewMongoStore creates the TTL indexes and returns a store.
// dbName defaults to "taskq".
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string, opts Options) (*MongoStore, error) {
	if dbName == "" {
		dbName = "taskq"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		statuses: db.Collection("statuses"),
		values:   db.Collection("values"),
		opts:     opts.withDefaults(),
	}

	ttlIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	for _, coll := range []*mongo.Collection{s.statuses, s.values} {
		if _, err := coll.Indexes().CreateOne(ctx, ttlIndex); err != nil {
			return nil, err
		}
	}
	return s, nil
}

var _ api.ResultStore = (*MongoStore)(nil)

func (s *MongoStore) deadline(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.opts.Clock.Now().Add(ttl).UTC()
	return &t
}

// aliveFilter matches id if it has no expiry or has not expired yet.
func (s *MongoStore) aliveFilter(id string) bson.M {
	return bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gt": s.opts.Clock.Now().UTC()}},
		},
	}
}

func (s *MongoStore) PutStatus(ctx context.Context, st *api.TaskStatus) error {
	data, err := EncodeStatus(st)
	if err != nil {
		return err
	}
	doc := mongoStatusDoc{
		ID:        st.TaskID,
		State:     string(st.State),
		Payload:   data,
		UpdatedAt: s.opts.Clock.Now().UTC(),
		ExpiresAt: s.deadline(s.opts.statusTTL(st)),
	}
	// A live record in a state that may not move to st.State fails the
	// filter, and the upsert then collides with its _id.
	now := s.opts.Clock.Now().UTC()
	filter := bson.M{
		"_id": st.TaskID,
		"$or": bson.A{
			bson.M{"state": bson.M{"$in": stateNames(api.AllowedFrom(st.State))}},
			bson.M{"expires_at": bson.M{"$lte": now}},
		},
	}
	_, err = s.statuses.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return rejectTransition(st)
	}
	return err
}

func (s *MongoStore) GetStatus(ctx context.Context, taskID string) (*api.TaskStatus, error) {
	var doc mongoStatusDoc
	if err := s.statuses.FindOne(ctx, s.aliveFilter(taskID)).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.ErrStatusNotFound
		}
		return nil, err
	}
	return DecodeStatus(doc.Payload)
}

func (s *MongoStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	doc := mongoValueDoc{ID: key, Value: string(value), ExpiresAt: s.deadline(ttl)}
	_, err := s.values.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, error) {
	var doc mongoValueDoc
	if err := s.values.FindOne(ctx, s.aliveFilter(key)).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.ErrKeyNotFound
		}
		return nil, err
	}
	return []byte(doc.Value), nil
}

func (s *MongoStore) AtomicDecrement(ctx context.Context, key string, by int64) (int64, error) {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "v", Value: bson.D{{Key: "$toString", Value: bson.D{
				{Key: "$subtract", Value: bson.A{bson.D{{Key: "$toLong", Value: "$v"}}, by}},
			}}}},
		}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoValueDoc
	if err := s.values.FindOneAndUpdate(ctx, s.aliveFilter(key), update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, api.ErrKeyNotFound
		}
		return 0, err
	}
	return strconv.ParseInt(doc.Value, 10, 64)
}

func (s *MongoStore) AtomicIncrement(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("AtomicIncrement %q: ttl must be positive", key)
	}
	now := s.opts.Clock.Now().UTC()

	// alive is true for an existing counter that has not expired; anything
	// else (new document, expired document) starts over from zero.
	alive := bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "$ne", Value: bson.A{bson.D{{Key: "$type", Value: "$v"}}, "missing"}}},
		bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$expires_at", nil}}}, nil}}},
			bson.D{{Key: "$gt", Value: bson.A{"$expires_at", now}}},
		}}},
	}}}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "v", Value: bson.D{{Key: "$toString", Value: bson.D{{Key: "$add", Value: bson.A{
				bson.D{{Key: "$cond", Value: bson.A{alive, bson.D{{Key: "$toLong", Value: "$v"}}, int64(0)}}},
				by,
			}}}}}},
			{Key: "expires_at", Value: bson.D{{Key: "$cond", Value: bson.A{alive, "$expires_at", now.Add(ttl)}}}},
		}}},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc mongoValueDoc
	if err := s.values.FindOneAndUpdate(ctx, bson.M{"_id": key}, update, opts).Decode(&doc); err != nil {
		return 0, err
	}
	return strconv.ParseInt(doc.Value, 10, 64)
}
