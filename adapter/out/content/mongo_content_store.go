// Package content implements the MongoDB message content store.
package content

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
)

const collectionMessageContents = "message_contents"

// MongoContentStore implements out.ContentRepository. Content is keyed by
// the provider-stable message key, so multiple accounts holding the same
// message share one document.
type MongoContentStore struct {
	collection *mongo.Collection
}

// NewMongoContentStore creates the content store over the given database.
func NewMongoContentStore(db *mongo.Database) *MongoContentStore {
	return &MongoContentStore{collection: db.Collection(collectionMessageContents)}
}

// EnsureIndexes creates the collection indexes.
func (s *MongoContentStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "updated_at", Value: 1}}},
		{Keys: bson.D{{Key: "parse_failed", Value: 1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *MongoContentStore) Get(ctx context.Context, messageKey string) (*domain.MessageContent, error) {
	var content domain.MessageContent
	err := s.collection.FindOne(ctx, bson.M{"_id": messageKey}).Decode(&content)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &content, nil
}

func (s *MongoContentStore) GetMany(ctx context.Context, messageKeys []string) (map[string]*domain.MessageContent, error) {
	result := make(map[string]*domain.MessageContent, len(messageKeys))
	if len(messageKeys) == 0 {
		return result, nil
	}

	cursor, err := s.collection.Find(ctx, bson.M{"_id": bson.M{"$in": messageKeys}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var content domain.MessageContent
		if err := cursor.Decode(&content); err != nil {
			return nil, err
		}
		result[content.MessageKey] = &content
	}
	return result, cursor.Err()
}

// PutIfAbsentOrEmpty writes the content unless a populated document already
// exists for the key. The replace filter only matches absent or empty
// documents; when a populated document exists the upsert collides on _id and
// the write is reported as skipped. Populated content is never overwritten.
func (s *MongoContentStore) PutIfAbsentOrEmpty(ctx context.Context, content *domain.MessageContent) (bool, error) {
	content.UpdatedAt = time.Now()

	filter := bson.M{
		"_id": content.MessageKey,
		"$or": bson.A{
			bson.M{"parse_failed": true},
			bson.M{
				"text_body": bson.M{"$in": bson.A{"", domain.ParseFailedSentinel}},
				"html_body": "",
			},
		},
	}

	opts := options.Replace().SetUpsert(true)
	result, err := s.collection.ReplaceOne(ctx, filter, content, opts)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return result.ModifiedCount > 0 || result.UpsertedCount > 0, nil
}
