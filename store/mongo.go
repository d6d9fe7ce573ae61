package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rerum.dev/internal/obslog"
)

// MongoAdapter backs Adapter with a single go.mongodb.org/mongo-driver
// collection.
type MongoAdapter struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

// MongoConfig is the subset of internal/config.StoreConfig MongoAdapter needs.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// NewMongoAdapter connects to MongoDB and returns an Adapter backed by cfg's
// collection.
func NewMongoAdapter(ctx context.Context, cfg MongoConfig) (*MongoAdapter, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("store: connecting to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("store: pinging mongo: %w", err)
	}

	obslog.Logger.WithField("database", cfg.Database).WithField("collection", cfg.Collection).Info("connected to document store")

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	return &MongoAdapter{client: client, collection: coll, timeout: cfg.Timeout}, nil
}

func (a *MongoAdapter) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, a.timeout)
}

// FindOne implements Adapter.
func (a *MongoAdapter) FindOne(parent context.Context, id string) (Doc, error) {
	ctx, cancel := a.ctx(parent)
	defer cancel()

	var doc Doc
	err := a.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find one %q: %w", id, err)
	}
	return doc, nil
}

// FindMany implements Adapter.
func (a *MongoAdapter) FindMany(parent context.Context, filter Doc, limit, skip int) ([]Doc, error) {
	ctx, cancel := a.ctx(parent)
	defer cancel()

	opts := options.Find().SetLimit(int64(limit)).SetSkip(int64(skip))
	cur, err := a.collection.Find(ctx, bson.M(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("store: find many: %w", err)
	}
	defer cur.Close(ctx)

	var docs []Doc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("store: decoding find many results: %w", err)
	}
	return docs, nil
}

// TextSearch implements Adapter using MongoDB's $text operator. The
// collection must carry a text index for this to return results; standing
// that index up is an operational concern outside this adapter.
func (a *MongoAdapter) TextSearch(parent context.Context, text string, phrase bool, limit, skip int) ([]Doc, error) {
	ctx, cancel := a.ctx(parent)
	defer cancel()

	search := text
	if phrase {
		search = fmt.Sprintf("\"%s\"", text)
	}

	opts := options.Find().SetLimit(int64(limit)).SetSkip(int64(skip))
	cur, err := a.collection.Find(ctx, bson.M{"$text": bson.M{"$search": search}}, opts)
	if err != nil {
		return nil, fmt.Errorf("store: text search: %w", err)
	}
	defer cur.Close(ctx)

	var docs []Doc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("store: decoding text search results: %w", err)
	}
	return docs, nil
}

// InsertOne implements Adapter.
func (a *MongoAdapter) InsertOne(parent context.Context, doc Doc) error {
	ctx, cancel := a.ctx(parent)
	defer cancel()

	if _, err := a.collection.InsertOne(ctx, bson.M(doc)); err != nil {
		return fmt.Errorf("store: insert one: %w", err)
	}
	return nil
}

// InsertMany implements Adapter.
func (a *MongoAdapter) InsertMany(parent context.Context, docs []Doc) error {
	ctx, cancel := a.ctx(parent)
	defer cancel()

	batch := make([]interface{}, len(docs))
	for i, d := range docs {
		batch[i] = bson.M(d)
	}
	if _, err := a.collection.InsertMany(ctx, batch); err != nil {
		return fmt.Errorf("store: insert many: %w", err)
	}
	return nil
}

// ReplaceOne implements Adapter.
func (a *MongoAdapter) ReplaceOne(parent context.Context, id string, doc Doc) error {
	ctx, cancel := a.ctx(parent)
	defer cancel()

	res, err := a.collection.ReplaceOne(ctx, bson.M{"_id": id}, bson.M(doc))
	if err != nil {
		return fmt.Errorf("store: replace one %q: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateField implements Adapter.
func (a *MongoAdapter) UpdateField(parent context.Context, id string, field string, value interface{}) error {
	ctx, cancel := a.ctx(parent)
	defer cancel()

	res, err := a.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{field: value}})
	if err != nil {
		return fmt.Errorf("store: update field %q on %q: %w", field, id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements Adapter.
func (a *MongoAdapter) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}
