package repositories

import (
	"context"

	"github.com/satriahrh/voxloop/domain/entities"
)

// AssetStore is the storage engine behind the offline asset cache. Entries are
// keyed by asset ID; Put replaces the whole entry for that ID atomically.
type AssetStore interface {
	// Get returns domain.ErrAssetMiss if no entry exists for id
	Get(ctx context.Context, id string) (*entities.CacheEntry, error)
	Put(ctx context.Context, entry *entities.CacheEntry) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]entities.AssetKey, error)
}

// DeviceRepository defines data access methods for devices
type DeviceRepository interface {
	Create(ctx context.Context, device *entities.Device) error
	GetByID(ctx context.Context, id string) (*entities.Device, error)
	// ValidateDevice validates device credentials for authentication
	ValidateDevice(serialNumber, secret string) (*entities.Device, error)
}

// AssetSource resolves a model asset blob, from the offline cache first
type AssetSource interface {
	Fetch(ctx context.Context, key entities.AssetKey) ([]byte, error)
}
