package mongo

import (
	"context"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type (
	// collection is the subset of *mongo.Collection the store uses, shaped so
	// tests can substitute a fake without a running server.
	collection interface {
		InsertOne(ctx context.Context, doc any) error
		FindOne(ctx context.Context, filter any) singleResult
		UpdateOne(ctx context.Context, filter, update any) (matched int64, err error)
		Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) ([]sessionDocument, error)
	}

	singleResult interface {
		Decode(v any) error
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}
)

func (c mongoCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any) (int64, error) {
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) ([]sessionDocument, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []sessionDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
