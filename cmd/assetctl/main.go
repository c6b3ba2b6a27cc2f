// Command assetctl populates and verifies the offline asset cache outside the
// server, for provisioning a device image before it ships.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/adapters/memory"
	"github.com/satriahrh/voxloop/adapters/mongo"
	"github.com/satriahrh/voxloop/domain/repositories"
	"github.com/satriahrh/voxloop/internal/assets"
	"github.com/satriahrh/voxloop/internal/config"
)

const usage = `usage: assetctl [-config path] <command>

commands:
  populate   fetch every manifest asset into the store
  verify     report cache state, exit 1 when a required asset is missing
`

func main() {
	configPath := flag.String("config", os.Getenv("VOXLOOP_CONFIG"), "path to the YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, flag.Arg(0), cfg, logger)
	if err != nil {
		logger.Error("assetctl failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
	os.Exit(code)
}

func run(ctx context.Context, command string, cfg *config.Config, logger *zap.Logger) (int, error) {
	if command != "populate" && command != "verify" {
		fmt.Fprint(os.Stderr, usage)
		return 2, fmt.Errorf("unknown command %q", command)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return 1, err
	}
	defer closeStore()

	manifest, err := assets.LoadManifest(cfg.Assets.ManifestPath)
	if err != nil {
		return 1, err
	}

	cache, err := assets.NewCache(assets.CacheConfig{
		Store:       store,
		Fetcher:     assets.NewHTTPFetcher(nil, logger),
		Probe:       assets.StaticProbe(false),
		Manifest:    manifest,
		Concurrency: cfg.Assets.Concurrency,
	}, logger)
	if err != nil {
		return 1, err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	switch command {
	case "populate":
		result, err := cache.Populate(ctx)
		if err != nil {
			return 1, err
		}
		return 0, enc.Encode(result)
	default:
		ready := cache.CheckReady(ctx) == nil
		if err := enc.Encode(struct {
			ManifestVersion string               `json:"manifest_version"`
			Ready           bool                 `json:"ready"`
			Assets          []assets.AssetStatus `json:"assets"`
		}{manifest.Version, ready, cache.Status(ctx)}); err != nil {
			return 1, err
		}
		if !ready {
			return 1, nil
		}
		return 0, nil
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.AssetStore, func(), error) {
	if cfg.Assets.Store != config.StoreMongo {
		// An in-memory store only lives for this process; useful to dry-run a manifest.
		return memory.NewAssetStore(), func() {}, nil
	}

	client, err := mongo.NewClient(ctx, cfg.Mongo, logger)
	if err != nil {
		return nil, nil, err
	}
	return mongo.NewAssetStore(client.Database, logger), func() { client.Close(context.Background()) }, nil
}
