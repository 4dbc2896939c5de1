package taskqueue

import (
	"context"
	"errors"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/taskq/pkg/api"
)

// MongoQueue implements Broker on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:          string,  // message id
//	  queue:        string,
//	  payload:      []byte,  // encoded invocation
//	  enqueued_at:  int64,   // unix nanos
//	  not_before:   int64,   // unix nanos
//	  leased_until: int64,   // unix nanos, 0 when never leased
//	  deliveries:   int,
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

type mongoQueueDoc struct {
	ID          string `bson:"_id"`
	Queue       string `bson:"queue"`
	Payload     []byte `bson:"payload"`
	EnqueuedAt  int64  `bson:"enqueued_at"`
	NotBefore   int64  `bson:"not_before"`
	LeasedUntil int64  `bson:"leased_until"`
	Deliveries  int    `bson:"deliveries"`
}

// NewMongoQueue creates a Mongo-backed queue and its claim index.
// dbName defaults to "taskq", collName to "queue_messages".
func NewMongoQueue(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoQueue, error) {
	if dbName == "" {
		dbName = "taskq"
	}
	if collName == "" {
		collName = "queue_messages"
	}
	q := &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 100 * time.Millisecond,
	}
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "queue", Value: 1},
			{Key: "not_before", Value: 1},
			{Key: "enqueued_at", Value: 1},
		},
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

var (
	_ api.Broker        = (*MongoQueue)(nil)
	_ api.LeaseExtender = (*MongoQueue)(nil)
)

func (q *MongoQueue) Enqueue(ctx context.Context, queue string, inv *api.Invocation) error {
	now := time.Now()
	visibleAt := prepare(inv, now)
	data, err := EncodeInvocation(inv)
	if err != nil {
		return err
	}

	_, err = q.coll.InsertOne(ctx, mongoQueueDoc{
		ID:         inv.ID,
		Queue:      queue,
		Payload:    data,
		EnqueuedAt: now.UnixNano(),
		NotBefore:  visibleAt.UnixNano(),
	})
	return err
}

func (q *MongoQueue) Dequeue(ctx context.Context, queue string, wait, lease time.Duration) (*api.Invocation, error) {
	return poll(ctx, wait, q.pollInterval, func() (*api.Invocation, error) {
		return q.claim(ctx, queue, lease)
	})
}

func (q *MongoQueue) claim(ctx context.Context, queue string, lease time.Duration) (*api.Invocation, error) {
	now := time.Now().UnixNano()
	filter := bson.M{
		"queue":        queue,
		"not_before":   bson.M{"$lte": now},
		"leased_until": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{"leased_until": time.Now().Add(lease).UnixNano()},
		"$inc": bson.M{"deliveries": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}}).
		SetReturnDocument(options.After)

	var doc mongoQueueDoc
	if err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return DecodeInvocation(doc.Payload)
}

func (q *MongoQueue) Ack(ctx context.Context, queue, messageID string) error {
	_, err := q.coll.DeleteOne(ctx, bson.M{"_id": messageID, "queue": queue})
	return err
}

func (q *MongoQueue) Extend(ctx context.Context, queue, messageID string, lease time.Duration) error {
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": messageID, "queue": queue, "leased_until": bson.M{"$gt": int64(0)}},
		bson.M{"$set": bson.M{"leased_until": time.Now().Add(lease).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrLeaseLost
	}
	return nil
}

// Len returns an approximate number of messages that are not leased.
func (q *MongoQueue) Len(queue string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{
		"queue":        queue,
		"leased_until": bson.M{"$lte": time.Now().UnixNano()},
	})
	if err != nil {
		log.Printf("MongoQueue: Len failed: %v", err)
		return 0
	}
	return int(n)
}
