package assets

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRefreshInterval = 30 * time.Minute
	refreshTimeout         = 5 * time.Minute
)

// PopulateObserver is told about every population run
type PopulateObserver interface {
	RecordPopulate(result PopulateResult, err error)
}

// RefreshService periodically re-runs population so version bumps in the
// manifest reach the cache without a restart.
type RefreshService struct {
	cache    *Cache
	interval time.Duration
	observer PopulateObserver
	logger   *zap.Logger
	stopChan chan struct{}
	done     chan struct{}
}

// NewRefreshService creates a refresh service. observer may be nil.
func NewRefreshService(cache *Cache, interval time.Duration, observer PopulateObserver, logger *zap.Logger) *RefreshService {
	if interval <= 0 {
		interval = defaultRefreshInterval
		logger.Info("Using default asset refresh interval", zap.Duration("interval", interval))
	}
	return &RefreshService{
		cache:    cache,
		interval: interval,
		observer: observer,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs an initial population immediately and then one per interval
func (s *RefreshService) Start() {
	go s.refreshLoop()
	s.logger.Info("Asset refresh service started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for an in-flight refresh to finish
func (s *RefreshService) Stop() {
	close(s.stopChan)
	<-s.done
	s.logger.Info("Asset refresh service stopped")
}

func (s *RefreshService) refreshLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runRefresh()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runRefresh()
		}
	}
}

func (s *RefreshService) runRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := s.cache.Populate(ctx)
	if err != nil {
		s.logger.Error("Failed to refresh asset cache", zap.Error(err))
	}
	if s.observer != nil {
		s.observer.RecordPopulate(result, err)
	}
}
