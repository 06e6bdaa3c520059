package rollout

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoIndex is an alternate durable summary-index backend, for
// deployments that already run a MongoDB cluster and prefer it over the
// embedded SQLite index. Implements the same Index contract as
// SQLiteIndex, grounded on the Store→Client delegation and document
// mapping idiom used by the session/mongo feature.
type MongoIndex struct {
	coll *mongo.Collection
}

// NewMongoIndex constructs a MongoIndex backed by the given client and
// database, creating its collection index if absent.
func NewMongoIndex(ctx context.Context, client *mongo.Client, database, collection string) (*MongoIndex, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	if database == "" {
		return nil, errors.New("database name is required")
	}
	if collection == "" {
		collection = "rollout_summaries"
	}
	coll := client.Database(database).Collection(collection)
	idx := mongo.IndexModel{
		Keys: bson.D{{Key: "archived", Value: 1}, {Key: "created_at", Value: -1}},
	}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, err
	}
	return &MongoIndex{coll: coll}, nil
}

type summaryDocument struct {
	ThreadID   string    `bson:"thread_id"`
	Preview    string    `bson:"preview"`
	CreatedAt  time.Time `bson:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at"`
	Provider   string    `bson:"provider"`
	Cwd        string    `bson:"cwd"`
	SourceKind string    `bson:"source_kind"`
	Git        *GitMeta  `bson:"git,omitempty"`
	Path       string    `bson:"path"`
	Archived   bool      `bson:"archived"`
}

func toDocument(s ThreadSummary) summaryDocument {
	return summaryDocument{
		ThreadID: s.ThreadID, Preview: s.Preview, CreatedAt: s.CreatedAt.UTC(), UpdatedAt: s.UpdatedAt.UTC(),
		Provider: s.Provider, Cwd: s.Cwd, SourceKind: s.SourceKind, Git: s.Git, Path: s.Path, Archived: s.Archived,
	}
}

func (d summaryDocument) toSummary() ThreadSummary {
	return ThreadSummary{
		ThreadID: d.ThreadID, Preview: d.Preview, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
		Provider: d.Provider, Cwd: d.Cwd, SourceKind: d.SourceKind, Git: d.Git, Path: d.Path, Archived: d.Archived,
	}
}

// Upsert implements Index.Upsert.
func (x *MongoIndex) Upsert(ctx context.Context, s ThreadSummary) error {
	doc := toDocument(s)
	filter := bson.M{"thread_id": s.ThreadID}
	update := bson.M{"$set": doc}
	_, err := x.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// Remove implements Index.Remove.
func (x *MongoIndex) Remove(ctx context.Context, threadID string) error {
	_, err := x.coll.DeleteOne(ctx, bson.M{"thread_id": threadID})
	return err
}

// All implements Index.All.
func (x *MongoIndex) All(ctx context.Context, archived bool) ([]ThreadSummary, error) {
	cur, err := x.coll.Find(ctx, bson.M{"archived": archived}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []ThreadSummary
	for cur.Next(ctx) {
		var doc summaryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSummary())
	}
	return out, cur.Err()
}
