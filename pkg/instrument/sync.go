package instrument

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Source downloads the raw symbol-master file of one segment.
type Source interface {
	DownloadSymbolMaster(ctx context.Context, segment models.ExchangeSegment) (io.ReadCloser, error)
}

// Syncer keeps the Holder's catalog fresh from the broker's public symbol
// master, with an on-disk copy so a restart never needs the network.
type Syncer struct {
	source   Source
	holder   *Holder
	cacheDir string
	segments []models.ExchangeSegment
	location *time.Location
	logger   *logrus.Logger
	timeout  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type SyncerOption func(*Syncer)

// WithSyncTimeout bounds each Sync, downloads included.
func WithSyncTimeout(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		s.timeout = d
	}
}

func NewSyncer(source Source, holder *Holder, cacheDir string, segments []models.ExchangeSegment, loc *time.Location, logger *logrus.Logger, opts ...SyncerOption) *Syncer {
	if loc == nil {
		loc = time.UTC
	}
	s := &Syncer{
		source:   source,
		holder:   holder,
		cacheDir: cacheDir,
		segments: segments,
		location: loc,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) cachePath(segment models.ExchangeSegment) string {
	return filepath.Join(s.cacheDir, string(segment)+".csv")
}

// LoadCache builds a catalog from the cached segment files and publishes it.
// Missing files are skipped; it fails only when nothing could be loaded.
func (s *Syncer) LoadCache() (*Catalog, error) {
	var (
		entries []Entry
		loaded  int
		newest  time.Time
	)
	for _, seg := range s.segments {
		path := s.cachePath(seg)
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			s.logger.WithField("segment", seg).Warn("No cached symbol master")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		rows, skipped, err := ParseSymbolMaster(f, seg, s.location)
		info, statErr := f.Stat()
		f.Close()
		if err != nil {
			return nil, err
		}
		if statErr == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		s.logger.WithFields(logrus.Fields{
			"segment": seg,
			"rows":    len(rows),
			"skipped": skipped,
		}).Debug("Loaded cached symbol master")
		entries = append(entries, rows...)
		loaded++
	}
	if loaded == 0 {
		return nil, fmt.Errorf("no cached symbol master in %s", s.cacheDir)
	}

	cat := NewCatalog(entries, newest)
	s.holder.Swap(cat)
	s.logger.WithField("instruments", cat.Len()).Info("Instrument catalog loaded from cache")
	return cat, nil
}

// Sync downloads every segment concurrently, refreshes the cache and swaps
// in a new catalog. On any download failure or timeout the current catalog
// stays.
func (s *Syncer) Sync(ctx context.Context) (*Catalog, error) {
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	results := make([][]Entry, len(s.segments))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range s.segments {
		i, seg := i, seg
		g.Go(func() error {
			rows, err := s.syncSegment(gctx, seg)
			if err != nil {
				return fmt.Errorf("syncing %s: %w", seg, err)
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var entries []Entry
	for _, rows := range results {
		entries = append(entries, rows...)
	}
	cat := NewCatalog(entries, time.Now())
	s.holder.Swap(cat)
	s.logger.WithField("instruments", cat.Len()).Info("Instrument catalog synced")
	return cat, nil
}

func (s *Syncer) syncSegment(ctx context.Context, seg models.ExchangeSegment) ([]Entry, error) {
	body, err := s.source.DownloadSymbolMaster(ctx, seg)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(s.cacheDir, string(seg)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("downloading: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, err
	}
	rows, skipped, err := ParseSymbolMaster(tmp, seg, s.location)
	tmp.Close()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("symbol master has no usable rows")
	}
	if err := os.Rename(tmp.Name(), s.cachePath(seg)); err != nil {
		return nil, fmt.Errorf("replacing cache: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"segment": seg,
		"rows":    len(rows),
		"skipped": skipped,
	}).Info("Downloaded symbol master")
	return rows, nil
}

// Run re-syncs on every tick until ctx is cancelled or Stop is called.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Sync(ctx); err != nil {
				s.logger.WithError(err).Error("Instrument catalog sync failed")
			}
		}
	}
}

func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
