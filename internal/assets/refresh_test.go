package assets

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type populateRecord struct {
	result PopulateResult
	err    error
}

type recordingObserver chan populateRecord

func (r recordingObserver) RecordPopulate(result PopulateResult, err error) {
	r <- populateRecord{result: result, err: err}
}

func TestRefreshService_PopulatesOnStart(t *testing.T) {
	fetcher := &stubFetcher{blobs: blobsFor("1")}
	cache, _ := newTestCache(t, testManifest("1"), fetcher, true)
	observer := make(recordingObserver, 4)

	service := NewRefreshService(cache, time.Hour, observer, zaptest.NewLogger(t))
	service.Start()
	defer service.Stop()

	select {
	case rec := <-observer:
		if rec.err != nil {
			t.Fatalf("Populate failed: %v", rec.err)
		}
		if rec.result.Fetched != 3 || rec.result.ManifestVersion != "1" {
			t.Errorf("Unexpected result %+v", rec.result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for initial refresh")
	}

	if !cache.IsFullyPopulated(context.Background(), cache.Manifest().Keys()) {
		t.Error("Expected cache to be populated after refresh")
	}
}

func TestRefreshService_ReportsFailures(t *testing.T) {
	fetcher := &stubFetcher{blobs: blobsFor("1"), fail: true}
	cache, _ := newTestCache(t, testManifest("1"), fetcher, true)
	observer := make(recordingObserver, 4)

	service := NewRefreshService(cache, time.Hour, observer, zaptest.NewLogger(t))
	service.Start()
	defer service.Stop()

	select {
	case rec := <-observer:
		if rec.err == nil {
			t.Error("Expected populate error while the fetcher fails")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for initial refresh")
	}
}
