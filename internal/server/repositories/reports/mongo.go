// Package reports persists migration reports and run checkpoints in MongoDB
// and archives finished reports to S3-compatible object storage.
package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	ReportsCollection     = "migration_reports"
	CheckpointsCollection = "migration_checkpoints"
)

// envelope wraps an arbitrary payload so that the payload's own fields
// never collide with _id.
type envelope struct {
	ID        string    `bson:"_id"`
	Payload   bson.Raw  `bson:"payload"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// MongoStore keeps one document per report and per checkpoint, both keyed
// by run id.
type MongoStore struct {
	reports     *mongo.Collection
	checkpoints *mongo.Collection
	now         func() time.Time
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		reports:     db.Collection(ReportsCollection),
		checkpoints: db.Collection(CheckpointsCollection),
		now:         time.Now,
	}
}

func (s *MongoStore) put(ctx context.Context, coll *mongo.Collection, id string, v any) error {
	payload, err := bson.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", id, err)
	}
	doc := envelope{ID: id, Payload: payload, UpdatedAt: s.now().UTC()}
	if _, err := coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true)); err != nil {
		return mongoErr(coll.Name()+".put", err)
	}
	return nil
}

func (s *MongoStore) get(ctx context.Context, coll *mongo.Collection, id string, out any) error {
	var doc envelope
	if err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return common.ErrorNotFound
		}
		return mongoErr(coll.Name()+".get", err)
	}
	if err := bson.Unmarshal(doc.Payload, out); err != nil {
		return fmt.Errorf("decoding %s: %w", id, err)
	}
	return nil
}

func mongoErr(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("mongo error: %w", common.Transient(op, err))
	}
	return fmt.Errorf("mongo error: %w", err)
}

// SaveReport upserts the report stored under runID.
func (s *MongoStore) SaveReport(ctx context.Context, runID string, report any) error {
	return s.put(ctx, s.reports, runID, report)
}

// LoadReport decodes the report stored under runID into out, or returns
// common.ErrorNotFound.
func (s *MongoStore) LoadReport(ctx context.Context, runID string, out any) error {
	return s.get(ctx, s.reports, runID, out)
}

func (s *MongoStore) SaveCheckpoint(ctx context.Context, runID string, checkpoint any) error {
	return s.put(ctx, s.checkpoints, runID, checkpoint)
}

func (s *MongoStore) LoadCheckpoint(ctx context.Context, runID string, out any) error {
	return s.get(ctx, s.checkpoints, runID, out)
}

func (s *MongoStore) DeleteCheckpoint(ctx context.Context, runID string) error {
	if _, err := s.checkpoints.DeleteOne(ctx, bson.M{"_id": runID}); err != nil {
		return mongoErr("checkpoints.delete", err)
	}
	return nil
}
