package assets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

const (
	// manifestRecordID stores the version of the last fully populated manifest.
	manifestRecordID   = "__manifest__"
	defaultConcurrency = 4
)

// PopulateResult summarises one population run
type PopulateResult struct {
	ManifestVersion string `json:"manifest_version"`
	Skipped         bool   `json:"skipped"`
	Fetched         int    `json:"fetched"`
	Reused          int    `json:"reused"`
	Evicted         int    `json:"evicted"`
}

// AssetStatus reports whether one manifest asset is usable offline
type AssetStatus struct {
	Key      entities.AssetKey `json:"key"`
	Required bool              `json:"required"`
	Cached   bool              `json:"cached"`
}

// Cache is the offline asset cache. Reads share the lock; writes take the
// write lock only while committing entries, never across a network fetch.
type Cache struct {
	store       repositories.AssetStore
	fetcher     Fetcher
	probe       Probe
	clock       clock.Clock
	concurrency int
	logger      *zap.Logger

	// populateMu serialises population runs.
	populateMu sync.Mutex

	mu       sync.RWMutex
	manifest Manifest
}

// CacheConfig holds the cache collaborators. Clock defaults to the wall clock.
type CacheConfig struct {
	Store       repositories.AssetStore
	Fetcher     Fetcher
	Probe       Probe
	Clock       clock.Clock
	Manifest    Manifest
	Concurrency int
}

// NewCache creates an offline asset cache
func NewCache(config CacheConfig, logger *zap.Logger) (*Cache, error) {
	if config.Store == nil {
		return nil, errors.New("asset store is required")
	}
	if config.Fetcher == nil {
		return nil, errors.New("asset fetcher is required")
	}
	if err := config.Manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	probe := config.Probe
	if probe == nil {
		probe = StaticProbe(true)
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
		logger.Info("Using default fetch concurrency", zap.Int("concurrency", concurrency))
	}

	return &Cache{
		store:       config.Store,
		fetcher:     config.Fetcher,
		probe:       probe,
		clock:       clk,
		concurrency: concurrency,
		logger:      logger,
		manifest:    config.Manifest,
	}, nil
}

// Manifest returns the manifest the cache is currently tracking
func (c *Cache) Manifest() Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manifest
}

// SetManifest swaps the tracked manifest. Stale entries are replaced on the
// next Populate.
func (c *Cache) SetManifest(m Manifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manifest = m
	return nil
}

// Get returns the blob for key. Missing entries, other versions and blobs
// whose checksum does not match are all reported as domain.ErrAssetMiss.
func (c *Cache) Get(ctx context.Context, key entities.AssetKey) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.get(ctx, key)
}

func (c *Cache) get(ctx context.Context, key entities.AssetKey) ([]byte, error) {
	entry, err := c.store.Get(ctx, key.ID)
	if err != nil {
		if errors.Is(err, domain.ErrAssetMiss) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAssetMiss, key)
		}
		return nil, fmt.Errorf("failed to read asset %s: %w", key, err)
	}

	if entry.Key.Version != key.Version {
		return nil, fmt.Errorf("%w: %s (stored %s)", domain.ErrAssetMiss, key, entry.Key.Version)
	}

	if !entry.Verify() {
		c.logger.Warn("Cached asset failed checksum verification",
			zap.String("asset", key.String()))
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrAssetMiss, key, domain.ErrChecksumMismatch)
	}

	if asset, ok := c.manifest.Lookup(key.ID); ok && asset.Version == key.Version &&
		asset.SHA256 != "" && asset.SHA256 != entry.Checksum {
		c.logger.Warn("Cached asset does not match manifest checksum",
			zap.String("asset", key.String()))
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrAssetMiss, key, domain.ErrChecksumMismatch)
	}

	blob := make([]byte, len(entry.Blob))
	copy(blob, entry.Blob)
	return blob, nil
}

// Put stores blob under key, replacing any previous version of the asset
func (c *Cache) Put(ctx context.Context, key entities.AssetKey, blob []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.put(ctx, key, blob)
}

func (c *Cache) put(ctx context.Context, key entities.AssetKey, blob []byte) error {
	if key.ID == "" || key.Version == "" {
		return errors.New("asset key requires id and version")
	}
	if err := c.store.Put(ctx, entities.NewCacheEntry(key, blob, c.clock.Now())); err != nil {
		return fmt.Errorf("failed to store asset %s: %w", key, err)
	}
	return nil
}

// IsFullyPopulated reports whether every key is cached with a valid checksum
func (c *Cache) IsFullyPopulated(ctx context.Context, keys []entities.AssetKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allCached(ctx, keys)
}

func (c *Cache) allCached(ctx context.Context, keys []entities.AssetKey) bool {
	for _, key := range keys {
		if _, err := c.get(ctx, key); err != nil {
			return false
		}
	}
	return true
}

// CheckReady gates a pipeline start: it passes when every required asset is
// cached or the network is reachable.
func (c *Cache) CheckReady(ctx context.Context) error {
	required := c.Manifest().RequiredKeys()
	if c.IsFullyPopulated(ctx, required) {
		return nil
	}
	if c.probe.Online(ctx) {
		return nil
	}
	return domain.ErrAssetsNotReady
}

// Fetch serves key from the cache first and falls back to the network while
// online. Network results are not written back; only Populate writes.
func (c *Cache) Fetch(ctx context.Context, key entities.AssetKey) ([]byte, error) {
	blob, err := c.Get(ctx, key)
	if err == nil {
		return blob, nil
	}
	if !errors.Is(err, domain.ErrAssetMiss) {
		return nil, err
	}

	asset, ok := c.Manifest().Lookup(key.ID)
	if !ok || asset.Version != key.Version {
		return nil, err
	}
	if !c.probe.Online(ctx) {
		return nil, err
	}

	c.logger.Info("Asset not cached, fetching from network", zap.String("asset", key.String()))
	blob, fetchErr := c.fetcher.Fetch(ctx, asset)
	if fetchErr != nil {
		return nil, fmt.Errorf("%w: network fetch failed: %v", domain.ErrAssetMiss, fetchErr)
	}
	if asset.SHA256 != "" && entities.Checksum(blob) != asset.SHA256 {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrAssetMiss, key, domain.ErrChecksumMismatch)
	}
	return blob, nil
}

// Status lists every manifest asset with its cache state
func (c *Cache) Status(ctx context.Context) []AssetStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]AssetStatus, 0, len(c.manifest.Assets))
	for _, a := range c.manifest.Assets {
		_, err := c.get(ctx, a.Key())
		out = append(out, AssetStatus{Key: a.Key(), Required: a.Required, Cached: err == nil})
	}
	return out
}

// Populate brings the store in line with the manifest. It is skipped when the
// stored manifest version matches and every asset is valid. Assets are
// fetched concurrently without holding the cache lock, so readers keep being
// served the previous entries until the fetched ones are committed. Each
// entry is replaced atomically; the manifest version is recorded only after
// every asset succeeded.
func (c *Cache) Populate(ctx context.Context) (PopulateResult, error) {
	c.populateMu.Lock()
	defer c.populateMu.Unlock()

	manifest, pending, reused, upToDate := c.plan(ctx)
	result := PopulateResult{ManifestVersion: manifest.Version, Reused: reused}
	if upToDate {
		result.Skipped = true
		c.logger.Debug("Asset cache up to date", zap.String("manifestVersion", manifest.Version))
		return result, nil
	}

	c.logger.Info("Populating asset cache",
		zap.String("manifestVersion", manifest.Version),
		zap.Int("assets", len(manifest.Assets)),
		zap.Int("pending", len(pending)))

	blobs := make([][]byte, len(pending))
	ok := make([]bool, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, asset := range pending {
		i, asset := i, asset
		g.Go(func() error {
			blob, err := c.fetcher.Fetch(gctx, asset)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", asset.Key(), err)
			}
			if asset.SHA256 != "" && entities.Checksum(blob) != asset.SHA256 {
				return fmt.Errorf("fetch %s: %w", asset.Key(), domain.ErrChecksumMismatch)
			}
			blobs[i], ok[i] = blob, true
			return nil
		})
	}
	fetchErr := g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Assets that did arrive are kept even when another one failed.
	for i, asset := range pending {
		if !ok[i] {
			continue
		}
		if err := c.put(ctx, asset.Key(), blobs[i]); err != nil {
			return result, err
		}
		result.Fetched++
	}

	if fetchErr != nil {
		c.logger.Error("Asset cache population failed", zap.Error(fetchErr))
		return result, fmt.Errorf("populate assets: %w", fetchErr)
	}

	if c.manifest.Version != manifest.Version {
		c.logger.Info("Manifest changed during population, leaving it to the next run",
			zap.String("populated", manifest.Version),
			zap.String("current", c.manifest.Version))
		return result, nil
	}

	evicted, err := c.evictStale(ctx, manifest)
	result.Evicted = evicted
	if err != nil {
		return result, err
	}

	record := entities.AssetKey{ID: manifestRecordID, Version: manifest.Version}
	if err := c.put(ctx, record, []byte(manifest.Version)); err != nil {
		return result, err
	}

	c.logger.Info("Asset cache populated",
		zap.String("manifestVersion", manifest.Version),
		zap.Int("fetched", result.Fetched),
		zap.Int("reused", result.Reused),
		zap.Int("evicted", result.Evicted))
	return result, nil
}

// plan snapshots the manifest and lists the assets that need fetching
func (c *Cache) plan(ctx context.Context) (manifest Manifest, pending []Asset, reused int, upToDate bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	manifest = c.manifest
	if c.storedManifestVersion(ctx) == manifest.Version && c.allCached(ctx, manifest.Keys()) {
		return manifest, nil, 0, true
	}

	for _, asset := range manifest.Assets {
		if _, err := c.get(ctx, asset.Key()); err == nil {
			reused++
			continue
		}
		pending = append(pending, asset)
	}
	return manifest, pending, reused, false
}

func (c *Cache) storedManifestVersion(ctx context.Context) string {
	entry, err := c.store.Get(ctx, manifestRecordID)
	if err != nil || !entry.Verify() {
		return ""
	}
	return entry.Key.Version
}

func (c *Cache) evictStale(ctx context.Context, manifest Manifest) (int, error) {
	keys, err := c.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list cached assets: %w", err)
	}

	evicted := 0
	for _, key := range keys {
		if key.ID == manifestRecordID {
			continue
		}
		if _, ok := manifest.Lookup(key.ID); ok {
			continue
		}
		if err := c.store.Delete(ctx, key.ID); err != nil {
			return evicted, fmt.Errorf("failed to evict asset %s: %w", key, err)
		}
		evicted++
	}
	return evicted, nil
}
