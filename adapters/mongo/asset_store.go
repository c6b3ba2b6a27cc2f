package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

const assetCollection = "assets"

// assetDocument is the stored shape of a cache entry. One document per asset
// ID; a version bump replaces the whole document.
type assetDocument struct {
	ID       string    `bson:"_id"`
	Version  string    `bson:"version"`
	Blob     []byte    `bson:"blob"`
	Checksum string    `bson:"checksum"`
	Size     int       `bson:"size"`
	StoredAt time.Time `bson:"stored_at"`
}

// AssetStore persists the offline asset cache in MongoDB
type AssetStore struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.AssetStore = (*AssetStore)(nil)

// NewAssetStore creates a MongoDB asset store
func NewAssetStore(db *mongo.Database, logger *zap.Logger) *AssetStore {
	return &AssetStore{
		collection: db.Collection(assetCollection),
		logger:     logger,
	}
}

// Get implements repositories.AssetStore
func (s *AssetStore) Get(ctx context.Context, id string) (*entities.CacheEntry, error) {
	var doc assetDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAssetMiss, id)
		}
		return nil, fmt.Errorf("failed to get asset %s: %w", id, err)
	}

	return &entities.CacheEntry{
		Key:      entities.AssetKey{ID: doc.ID, Version: doc.Version},
		Blob:     doc.Blob,
		Checksum: doc.Checksum,
		Size:     doc.Size,
		StoredAt: doc.StoredAt,
	}, nil
}

// Put implements repositories.AssetStore. ReplaceOne swaps the single
// document atomically, so readers see either the old or the new entry.
func (s *AssetStore) Put(ctx context.Context, entry *entities.CacheEntry) error {
	if entry == nil {
		return errors.New("entry cannot be nil")
	}
	if entry.Key.ID == "" {
		return errors.New("asset ID cannot be empty")
	}

	doc := assetDocument{
		ID:       entry.Key.ID,
		Version:  entry.Key.Version,
		Blob:     entry.Blob,
		Checksum: entry.Checksum,
		Size:     entry.Size,
		StoredAt: entry.StoredAt,
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return fmt.Errorf("failed to store asset %s: %w", entry.Key, err)
	}

	s.logger.Debug("Asset stored", zap.String("asset", entry.Key.String()), zap.Int("size", entry.Size))
	return nil
}

// Delete implements repositories.AssetStore
func (s *AssetStore) Delete(ctx context.Context, id string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete asset %s: %w", id, err)
	}
	return nil
}

// List implements repositories.AssetStore
func (s *AssetStore) List(ctx context.Context) ([]entities.AssetKey, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1, "version": 1}).
		SetSort(bson.M{"_id": 1})

	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer cursor.Close(ctx)

	var keys []entities.AssetKey
	for cursor.Next(ctx) {
		var doc assetDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode asset: %w", err)
		}
		keys = append(keys, entities.AssetKey{ID: doc.ID, Version: doc.Version})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return keys, nil
}
