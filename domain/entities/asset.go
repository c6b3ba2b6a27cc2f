package entities

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AssetKey identifies one version of an offline asset
type AssetKey struct {
	ID      string `json:"id" yaml:"id" bson:"id"`
	Version string `json:"version" yaml:"version" bson:"version"`
}

func (k AssetKey) String() string {
	return fmt.Sprintf("%s@%s", k.ID, k.Version)
}

// CacheEntry is a stored asset blob with the checksum it was written with
type CacheEntry struct {
	Key      AssetKey  `json:"key" bson:"key"`
	Blob     []byte    `json:"-" bson:"blob"`
	Checksum string    `json:"checksum" bson:"checksum"`
	Size     int       `json:"size" bson:"size"`
	StoredAt time.Time `json:"stored_at" bson:"stored_at"`
}

// NewCacheEntry builds an entry and computes its checksum
func NewCacheEntry(key AssetKey, blob []byte, now time.Time) *CacheEntry {
	return &CacheEntry{
		Key:      key,
		Blob:     blob,
		Checksum: Checksum(blob),
		Size:     len(blob),
		StoredAt: now,
	}
}

// Verify reports whether the blob still matches the stored checksum
func (e *CacheEntry) Verify() bool {
	return e != nil && Checksum(e.Blob) == e.Checksum
}

// Checksum returns the hex-encoded SHA-256 of blob
func Checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
