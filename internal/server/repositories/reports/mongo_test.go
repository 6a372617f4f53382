package reports

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

type sample struct {
	RunID  string `bson:"runId"`
	Cursor string `bson:"cursor"`
	Pages  int    `bson:"pages"`
}

func newStore(mt *mtest.T) *MongoStore {
	return &MongoStore{
		reports:     mt.Coll,
		checkpoints: mt.Coll,
		now:         func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("save", func(mt *mtest.T) {
		s := newStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))

		require.NoError(mt, s.SaveCheckpoint(context.Background(), "run-1", sample{RunID: "run-1", Cursor: "u9", Pages: 3}))
	})

	mt.Run("load", func(mt *mtest.T) {
		s := newStore(mt)
		payload, err := bson.Marshal(sample{RunID: "run-1", Cursor: "u9", Pages: 3})
		require.NoError(mt, err)

		mt.AddMockResponses(mtest.CreateCursorResponse(0, mt.Coll.Database().Name()+"."+mt.Coll.Name(), mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "run-1"},
			{Key: "payload", Value: bson.Raw(payload)},
			{Key: "updatedAt", Value: time.Now()},
		}))

		var got sample
		require.NoError(mt, s.LoadReport(context.Background(), "run-1", &got))
		assert.Equal(mt, sample{RunID: "run-1", Cursor: "u9", Pages: 3}, got)
	})

	mt.Run("missing", func(mt *mtest.T) {
		s := newStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mt.Coll.Database().Name()+"."+mt.Coll.Name(), mtest.FirstBatch))

		var got sample
		assert.ErrorIs(mt, s.LoadCheckpoint(context.Background(), "nope", &got), common.ErrorNotFound)
	})

	mt.Run("delete", func(mt *mtest.T) {
		s := newStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))

		require.NoError(mt, s.DeleteCheckpoint(context.Background(), "run-1"))
	})
}
