package reactive

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/google/uuid"
)

// Queue is the pull-semantics broker a reactive worker blocks on (spec.md
// §6 "Message queue"). Ack is permanent removal; Nack makes the message
// immediately eligible for redelivery (requeue-on-nack).
type Queue interface {
	Receive(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, msg *Message) error
	Nack(ctx context.Context, msg *Message) error
	Depth(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// pollInterval is how often Receive retries its lease claim while blocked
// waiting for a message.
const pollInterval = 2 * time.Second

// queueDoc is the on-disk shape of one queued job message.
type queueDoc struct {
	ID         primitive.ObjectID `bson:"_id"`
	Labels     []string           `bson:"labels"`
	URL        string             `bson:"url"`
	LeaseUntil time.Time          `bson:"lease_until"`
	LeasedBy   string             `bson:"leased_by,omitempty"`
}

// MongoQueue implements Queue over a MongoDB collection using a lease
// (visibility timeout) pattern: Receive atomically claims the oldest
// unleased document, Ack deletes it, Nack clears its lease for immediate
// redelivery (spec.md §6 "Visibility timeout must be configurable;
// requeue-on-nack is required").
type MongoQueue struct {
	client            *mongo.Client
	coll              *mongo.Collection
	visibilityTimeout time.Duration
	workerID          string
}

// NewMongoQueue connects to uri and binds to database/collection queueName.
func NewMongoQueue(ctx context.Context, uri, queueName string, visibilityTimeout time.Duration) (*MongoQueue, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &QueueError{Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, &QueueError{Err: err}
	}
	return &MongoQueue{
		client:            client,
		coll:              client.Database("fleet").Collection(queueName),
		visibilityTimeout: visibilityTimeout,
		workerID:          uuid.NewString(),
	}, nil
}

// Receive blocks until a message can be claimed or ctx is cancelled,
// matching spec.md §4.7 step 1 ("blocks on the message queue for one
// message"). It polls the lease filter at pollInterval rather than holding
// a long-lived connection, since MongoDB has no native blocking dequeue.
func (q *MongoQueue) Receive(ctx context.Context) (*Message, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		msg, err := q.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *MongoQueue) tryClaim(ctx context.Context) (*Message, error) {
	now := time.Now()
	filter := bson.M{"lease_until": bson.M{"$lt": now}}
	update := bson.M{"$set": bson.M{
		"lease_until": now.Add(q.visibilityTimeout),
		"leased_by":   q.workerID,
	}}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "_id", Value: 1}})

	var doc queueDoc
	err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, &QueueError{Err: err}
	}
	return &Message{
		ID:  doc.ID.Hex(),
		Job: JobDetails{Labels: doc.Labels, URL: doc.URL},
	}, nil
}

// Ack permanently removes msg from the queue.
func (q *MongoQueue) Ack(ctx context.Context, msg *Message) error {
	oid, err := primitive.ObjectIDFromHex(msg.ID)
	if err != nil {
		return &QueueError{Err: err}
	}
	if _, err := q.coll.DeleteOne(ctx, bson.M{"_id": oid}); err != nil {
		return &QueueError{Err: err}
	}
	return nil
}

// Nack clears msg's lease so the next poll (from any worker) can reclaim it
// immediately, implementing requeue-on-nack.
func (q *MongoQueue) Nack(ctx context.Context, msg *Message) error {
	oid, err := primitive.ObjectIDFromHex(msg.ID)
	if err != nil {
		return &QueueError{Err: err}
	}
	update := bson.M{"$set": bson.M{"lease_until": time.Unix(0, 0), "leased_by": ""}}
	if _, err := q.coll.UpdateOne(ctx, bson.M{"_id": oid}, update); err != nil {
		return &QueueError{Err: err}
	}
	return nil
}

// Depth reports the approximate count of undelivered (unleased) messages,
// used by the Scaler to detect an empty queue (spec.md §4.8 "If the queue
// is empty: flush all Idle runners").
func (q *MongoQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.coll.CountDocuments(ctx, bson.M{"lease_until": bson.M{"$lt": time.Now()}})
	if err != nil {
		return 0, &QueueError{Err: err}
	}
	return n, nil
}

// Close disconnects the underlying Mongo client.
func (q *MongoQueue) Close(ctx context.Context) error {
	return q.client.Disconnect(ctx)
}
