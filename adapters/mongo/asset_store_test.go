package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
)

// TestAssetStore_Integration requires a running MongoDB instance
// (skipped if MONGODB_URI is not set)
func TestAssetStore_Integration(t *testing.T) {
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		t.Skip("Skipping MongoDB integration test - MONGODB_URI not set")
	}

	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(ctx)

	testDB := client.Database("voxloop_test")
	defer testDB.Drop(ctx)

	store := NewAssetStore(testDB, zaptest.NewLogger(t))
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("Miss", func(t *testing.T) {
		_, err := store.Get(ctx, "stt-model")
		if !errors.Is(err, domain.ErrAssetMiss) {
			t.Errorf("Expected ErrAssetMiss, got %v", err)
		}
	})

	t.Run("PutAndGet", func(t *testing.T) {
		entry := entities.NewCacheEntry(entities.AssetKey{ID: "stt-model", Version: "1"}, []byte("weights"), now)
		if err := store.Put(ctx, entry); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := store.Get(ctx, "stt-model")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Key != entry.Key || string(got.Blob) != "weights" {
			t.Errorf("Unexpected entry %+v", got)
		}
		if !got.Verify() {
			t.Error("Stored entry failed verification")
		}
	})

	t.Run("ReplaceOnVersionBump", func(t *testing.T) {
		entry := entities.NewCacheEntry(entities.AssetKey{ID: "stt-model", Version: "2"}, []byte("weights v2"), now)
		if err := store.Put(ctx, entry); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		keys, err := store.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(keys) != 1 || keys[0].Version != "2" {
			t.Errorf("Expected single entry at version 2, got %+v", keys)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := store.Delete(ctx, "stt-model"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := store.Get(ctx, "stt-model"); !errors.Is(err, domain.ErrAssetMiss) {
			t.Errorf("Expected ErrAssetMiss after delete, got %v", err)
		}
	})
}
