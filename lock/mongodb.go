package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type mongoLock struct {
	Name       string    `bson:"_id"`
	Holder     string    `bson:"holder"`
	AcquiredAt time.Time `bson:"acquired_at"`
	ExpiresAt  time.Time `bson:"expires_at"`
}

// MongoLocker implements Locker using MongoDB. The lock name is the document
// _id, so inserts race safely on the primary key.
type MongoLocker struct {
	coll *mongo.Collection
}

// NewMongoLocker creates a MongoDB-backed locker on the given collection.
func NewMongoLocker(coll *mongo.Collection) *MongoLocker {
	return &MongoLocker{coll: coll}
}

// Acquire implements Locker.
func (l *MongoLocker) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()

	// Fresh lock: the _id uniqueness resolves concurrent inserts, exactly
	// one contender succeeds.
	_, err := l.coll.InsertOne(ctx, mongoLock{
		Name:       name,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	})
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("acquire lock: %w", err)
	}

	// Expired takeover: conditional update matches only while the existing
	// lock is expired, so two contenders cannot both win.
	res, err := l.coll.UpdateOne(ctx,
		bson.M{"_id": name, "expires_at": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{
			"holder":      holder,
			"acquired_at": now,
			"expires_at":  now.Add(ttl),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}

	// Same-holder re-acquire succeeds without touching the expiry.
	err = l.coll.FindOne(ctx, bson.M{
		"_id":        name,
		"holder":     holder,
		"expires_at": bson.M{"$gt": now},
	}).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return true, nil
}

// Extend implements Locker.
func (l *MongoLocker) Extend(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := l.coll.UpdateOne(ctx,
		bson.M{"_id": name, "holder": holder, "expires_at": bson.M{"$gt": now}},
		bson.M{"$set": bson.M{"expires_at": now.Add(ttl)}},
	)
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	return res.MatchedCount == 1, nil
}

// Release implements Locker.
func (l *MongoLocker) Release(ctx context.Context, name, holder string) (bool, error) {
	res, err := l.coll.DeleteOne(ctx, bson.M{"_id": name, "holder": holder})
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return res.DeletedCount == 1, nil
}

// CountExpired implements Locker.
func (l *MongoLocker) CountExpired(ctx context.Context) (int64, error) {
	n, err := l.coll.CountDocuments(ctx, bson.M{"expires_at": bson.M{"$lte": time.Now()}})
	if err != nil {
		return 0, fmt.Errorf("count expired locks: %w", err)
	}
	return n, nil
}

// CleanupExpired implements Locker.
func (l *MongoLocker) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := l.coll.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": time.Now()}})
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	return res.DeletedCount, nil
}

// Compile-time checks
var _ Locker = (*MongoLocker)(nil)
