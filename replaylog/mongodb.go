package replaylog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// mongoRecord is the persisted shape. The original message id doubles as the
// document _id, so the collection's primary key is the compare-and-insert
// guard.
type mongoRecord struct {
	OriginalMsgID   string    `bson:"_id"`
	DeadLetterMsgID string    `bson:"dead_letter_msg_id"`
	CandidateID     string    `bson:"candidate_id,omitempty"`
	IdempotencyKey  string    `bson:"idempotency_key,omitempty"`
	NewMsgID        string    `bson:"new_msg_id,omitempty"`
	ReplayedBy      string    `bson:"replayed_by"`
	ReplayedAt      time.Time `bson:"replayed_at"`
}

// MongoStore implements Store using MongoDB.
//
// Example:
//
//	client, _ := mongo.Connect(ctx, options.Client().ApplyURI(uri))
//	store := replaylog.NewMongoStore(client.Database("backstop").Collection("replay_log"))
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a MongoDB replay-log store backed by the given
// collection.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// Insert implements Store.
func (s *MongoStore) Insert(ctx context.Context, rec *Record) (bool, error) {
	at := rec.ReplayedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.coll.InsertOne(ctx, mongoRecord{
		OriginalMsgID:   rec.OriginalMsgID,
		DeadLetterMsgID: rec.DeadLetterMsgID,
		CandidateID:     rec.CandidateID,
		IdempotencyKey:  rec.IdempotencyKey,
		NewMsgID:        rec.NewMsgID,
		ReplayedBy:      rec.ReplayedBy,
		ReplayedAt:      at,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert replay record: %w", err)
	}
	return true, nil
}

// Get implements Store.
func (s *MongoStore) Get(ctx context.Context, originalMsgID string) (*Record, error) {
	var doc mongoRecord
	err := s.coll.FindOne(ctx, bson.M{"_id": originalMsgID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get replay record: %w", err)
	}
	return &Record{
		OriginalMsgID:   doc.OriginalMsgID,
		DeadLetterMsgID: doc.DeadLetterMsgID,
		CandidateID:     doc.CandidateID,
		IdempotencyKey:  doc.IdempotencyKey,
		NewMsgID:        doc.NewMsgID,
		ReplayedBy:      doc.ReplayedBy,
		ReplayedAt:      doc.ReplayedAt,
	}, nil
}

// SetNewMessageID implements Store.
func (s *MongoStore) SetNewMessageID(ctx context.Context, originalMsgID, newMsgID string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": originalMsgID},
		bson.M{"$set": bson.M{"new_msg_id": newMsgID}},
	)
	if err != nil {
		return fmt.Errorf("set new message id: %w", err)
	}
	return nil
}

// CountOlderThan implements Store.
func (s *MongoStore) CountOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{
		"replayed_at": bson.M{"$lt": time.Now().Add(-age)},
	})
	if err != nil {
		return 0, fmt.Errorf("count replay records: %w", err)
	}
	return n, nil
}

// DeleteOlderThan implements Store.
func (s *MongoStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{
		"replayed_at": bson.M{"$lt": time.Now().Add(-age)},
	})
	if err != nil {
		return 0, fmt.Errorf("delete replay records: %w", err)
	}
	return res.DeletedCount, nil
}

// Compile-time checks
var _ Store = (*MongoStore)(nil)
