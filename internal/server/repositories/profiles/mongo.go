// Package profiles provides the MongoDB-backed profile store. Documents are
// keyed by identity id. Typed reads skip documents that still carry the
// legacy membership encoding until NormalizeLegacyMembership rewrites them.
package profiles

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrLegacyProfile is returned by Get for a document that has not been
// normalized yet.
var ErrLegacyProfile = errors.New("profile uses legacy membership encoding")

// DefaultCollection holds the user profiles.
const DefaultCollection = "users"

type MongoRepository struct {
	coll *mongo.Collection
}

func NewMongoRepository(db *mongo.Database, collection string) *MongoRepository {
	return &MongoRepository{coll: db.Collection(collection)}
}

// EnsureIndexes creates the email lookup index. Emails are not unique in
// this collection: duplicates are exactly what reconciliation looks for.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: models.FieldEmail, Value: 1}},
		Options: options.Index().SetCollation(emailCollation),
	})
	if err != nil {
		return remote("profiles.indexes", err)
	}
	return nil
}

var emailCollation = &options.Collation{Locale: "en", Strength: 2}

func notBool(field string) bson.M {
	return bson.M{field: bson.M{"$exists": true, "$not": bson.M{"$type": "bool"}}}
}

func legacyConditions() bson.A {
	return bson.A{
		notBool(models.FieldIsMember),
		notBool(models.FieldMembershipPending),
		bson.M{models.FieldLegacyMembers: bson.M{"$exists": true}},
	}
}

func legacyFilter() bson.M { return bson.M{"$or": legacyConditions()} }

func canonicalFilter() bson.M { return bson.M{"$nor": legacyConditions()} }

// remote wraps a driver error; network and timeout failures become
// transient.
func remote(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("mongo error: %w", common.Transient(op, err))
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError")) {
		return fmt.Errorf("mongo error: %w", common.Transient(op, err))
	}
	return fmt.Errorf("mongo error: %w", err)
}

func isLegacy(raw bson.Raw) bool {
	for _, f := range []string{models.FieldIsMember, models.FieldMembershipPending} {
		if v, err := raw.LookupErr(f); err == nil && v.Type != bson.TypeBoolean {
			return true
		}
	}
	_, err := raw.LookupErr(models.FieldLegacyMembers)
	return err == nil
}

// Get returns the profile with id, common.ErrorNotFound, or ErrLegacyProfile.
func (r *MongoRepository) Get(ctx context.Context, id string) (*models.Profile, error) {
	raw, err := r.coll.FindOne(ctx, bson.M{"_id": id}).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, common.ErrorNotFound
		}
		return nil, remote("profiles.get", err)
	}
	if isLegacy(raw) {
		return nil, ErrLegacyProfile
	}

	p := &models.Profile{}
	if err := bson.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decoding profile %s: %w", id, err)
	}
	return p, nil
}

// Set writes p as the whole document, inserting it when absent.
func (r *MongoRepository) Set(ctx context.Context, p *models.Profile) error {
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": p.ID}, p, options.Replace().SetUpsert(true))
	return remote("profiles.set", err)
}

// Update sets fields on an existing document.
func (r *MongoRepository) Update(ctx context.Context, id string, fields map[string]any) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return remote("profiles.update", err)
	}
	if res.MatchedCount == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *MongoRepository) Delete(ctx context.Context, id string) error {
	_, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	return remote("profiles.delete", err)
}

func (r *MongoRepository) find(ctx context.Context, op string, filter bson.M, opts *options.FindOptions) ([]*models.Profile, error) {
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, remote(op, err)
	}
	defer cur.Close(ctx)

	var out []*models.Profile
	for cur.Next(ctx) {
		p := &models.Profile{}
		if err := cur.Decode(p); err != nil {
			return nil, fmt.Errorf("decoding profile: %w", err)
		}
		out = append(out, p)
	}
	if err := cur.Err(); err != nil {
		return nil, remote(op, err)
	}
	return out, nil
}

// List returns up to limit canonical profiles with _id greater than
// afterID, ordered by _id.
func (r *MongoRepository) List(ctx context.Context, afterID string, limit int) ([]*models.Profile, error) {
	filter := bson.M{"$and": bson.A{
		bson.M{"_id": bson.M{"$gt": afterID}},
		canonicalFilter(),
	}}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))
	return r.find(ctx, "profiles.list", filter, opts)
}

// FindByEmail matches email case-insensitively.
func (r *MongoRepository) FindByEmail(ctx context.Context, email string) ([]*models.Profile, error) {
	filter := bson.M{"$and": bson.A{
		bson.M{models.FieldEmail: email},
		canonicalFilter(),
	}}
	opts := options.Find().SetCollation(emailCollation).SetSort(bson.D{{Key: "_id", Value: 1}})
	return r.find(ctx, "profiles.find_by_email", filter, opts)
}

func writeModel(op Op) (mongo.WriteModel, error) {
	filter := bson.M{"_id": op.ID}
	switch op.Kind {
	case OpSet:
		if op.Profile == nil {
			return nil, &common.ValidationError{Field: "profile", Reason: "set without a document"}
		}
		return mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(op.Profile).SetUpsert(true), nil
	case OpUpdate:
		if len(op.Fields) == 0 {
			return nil, &common.ValidationError{Field: "fields", Reason: "update without fields"}
		}
		return mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(bson.M{"$set": op.Fields}), nil
	case OpDelete:
		return mongo.NewDeleteOneModel().SetFilter(filter), nil
	default:
		return nil, &common.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown op kind %d", op.Kind)}
	}
}

// BulkWrite commits ops as one unordered batch. Failures of individual
// writes are reported as a *common.PartialBatchFailure while the remaining
// writes stay committed.
func (r *MongoRepository) BulkWrite(ctx context.Context, ops []Op) (BulkResult, error) {
	var res BulkResult
	if len(ops) == 0 {
		return res, nil
	}

	writes := make([]mongo.WriteModel, 0, len(ops))
	ids := make([]string, 0, len(ops))
	var updates []string
	var invalid []common.ItemFailure
	for _, op := range ops {
		m, err := writeModel(op)
		if err != nil {
			invalid = append(invalid, common.ItemFailure{ID: op.ID, Err: err})
			continue
		}
		writes = append(writes, m)
		ids = append(ids, op.ID)
		if op.Kind == OpUpdate {
			updates = append(updates, op.ID)
		}
	}

	var failures []common.ItemFailure
	if len(writes) > 0 {
		out, err := r.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
		if out != nil {
			res = BulkResult{Matched: out.MatchedCount, Upserted: out.UpsertedCount, Modified: out.ModifiedCount, Deleted: out.DeletedCount}
		}
		if err != nil {
			var bwe mongo.BulkWriteException
			if !errors.As(err, &bwe) || len(bwe.WriteErrors) == 0 {
				return res, remote("profiles.bulk_write", err)
			}
			for _, we := range bwe.WriteErrors {
				id := ""
				if we.Index >= 0 && we.Index < len(ids) {
					id = ids[we.Index]
				}
				failures = append(failures, common.ItemFailure{ID: id, Err: fmt.Errorf("code %d: %s", we.Code, we.Message)})
			}
		}
		if out != nil && out.MatchedCount < int64(len(updates)) {
			gone, err := r.unmatched(ctx, updates, failures)
			if err != nil {
				return res, err
			}
			failures = append(failures, gone...)
		}
	}

	failures = append(failures, invalid...)
	if len(failures) > 0 {
		return res, &common.PartialBatchFailure{Failures: failures}
	}
	return res, nil
}

// unmatched reports the updates whose document no longer exists. An
// update that matched nothing was removed by someone else after the caller
// read it.
func (r *MongoRepository) unmatched(ctx context.Context, updates []string, failed []common.ItemFailure) ([]common.ItemFailure, error) {
	skip := make(map[string]bool, len(failed))
	for _, f := range failed {
		skip[f.ID] = true
	}

	cur, err := r.coll.Find(ctx, bson.M{"_id": bson.M{"$in": updates}}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, remote("profiles.bulk_write_verify", err)
	}
	defer cur.Close(ctx)

	present := map[string]bool{}
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding profile id: %w", err)
		}
		present[doc.ID] = true
	}
	if err := cur.Err(); err != nil {
		return nil, remote("profiles.bulk_write_verify", err)
	}

	var out []common.ItemFailure
	for _, id := range updates {
		if skip[id] || present[id] {
			continue
		}
		out = append(out, common.ItemFailure{ID: id, Err: &common.RaceConditionError{ID: id, Reason: "profile removed before update"}})
	}
	return out, nil
}

// RunTransaction runs fn inside a multi-document transaction. fn receives a
// session context and must pass it to every repository call it makes.
func (r *MongoRepository) RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := r.coll.Database().Client().StartSession()
	if err != nil {
		return remote("profiles.start_session", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	if err != nil && common.KindOf(err) == common.KindUnknown {
		return remote("profiles.transaction", err)
	}
	return err
}

// CountLegacy counts documents that still need NormalizeLegacyMembership.
func (r *MongoRepository) CountLegacy(ctx context.Context) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, legacyFilter())
	if err != nil {
		return 0, remote("profiles.count_legacy", err)
	}
	return n, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x == "true" || x == "1"
	case int32:
		return x == 1
	case int64:
		return x == 1
	case float64:
		return x == 1
	default:
		return false
	}
}

// NormalizeLegacyMembership rewrites every legacy document to canonical
// booleans: "true", "1" and 1 become true, anything else false, and a
// separate members field is folded into isMember and removed. With dryRun
// set nothing is written.
func (r *MongoRepository) NormalizeLegacyMembership(ctx context.Context, dryRun bool) (LegacyStats, error) {
	var stats LegacyStats

	proj := bson.M{models.FieldIsMember: 1, models.FieldMembershipPending: 1, models.FieldLegacyMembers: 1}
	cur, err := r.coll.Find(ctx, legacyFilter(), options.Find().SetProjection(proj).SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return stats, remote("profiles.find_legacy", err)
	}
	defer cur.Close(ctx)

	var writes []mongo.WriteModel
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return stats, fmt.Errorf("decoding legacy profile: %w", err)
		}
		id := fmt.Sprint(doc["_id"])
		stats.Found++
		stats.IDs = append(stats.IDs, id)

		update := bson.M{"$set": bson.M{
			models.FieldIsMember:          truthy(doc[models.FieldIsMember]) || truthy(doc[models.FieldLegacyMembers]),
			models.FieldMembershipPending: truthy(doc[models.FieldMembershipPending]),
		}}
		if _, ok := doc[models.FieldLegacyMembers]; ok {
			update["$unset"] = bson.M{models.FieldLegacyMembers: ""}
		}
		writes = append(writes, mongo.NewUpdateOneModel().SetFilter(bson.M{"_id": doc["_id"]}).SetUpdate(update))
	}
	if err := cur.Err(); err != nil {
		return stats, remote("profiles.find_legacy", err)
	}

	if dryRun || len(writes) == 0 {
		return stats, nil
	}

	res, err := r.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if res != nil {
		stats.Normalized = int(res.ModifiedCount)
	}
	if err != nil {
		return stats, remote("profiles.normalize_legacy", err)
	}
	return stats, nil
}
