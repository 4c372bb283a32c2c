// Package dumper is the pixeldump service: it pulls captures from a frame
// source, calibrates on the anchor markers, decodes each frame into a
// snapshot and publishes the latest one.
//
//	svc, err := dumper.New(cfg, logger, dumper.WithSource(dumper.NewFileSource(cfg.CapturePath)))
//	defer svc.Close()
//	svc.Start(ctx)
//	http.ListenAndServe(cfg.Listen, svc.Routes())
package dumper

import (
	"context"
	"database/sql"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/pixeldump/anchor"
	"github.com/hazyhaar/pixeldump/dbopen"
	"github.com/hazyhaar/pixeldump/identity"
	"github.com/hazyhaar/pixeldump/observability"
	"github.com/hazyhaar/pixeldump/palette"
	"github.com/hazyhaar/pixeldump/pixel"
	"github.com/hazyhaar/pixeldump/snapshot"
)

// Service wires the decoder pipeline.
type Service struct {
	cfg       *Config
	logger    *slog.Logger
	tables    *palette.Tables
	marker    *anchor.Marker
	resolver  *identity.Resolver
	assembler *snapshot.Assembler
	metricsDB *sql.DB
	metrics   *observability.MetricsManager
	source    FrameSource
	limiter   *rate.Limiter

	regionMu sync.Mutex
	region   image.Rectangle

	latest   atomic.Pointer[snapshot.Snapshot]
	frames   atomic.Int64
	failures atomic.Int64
	started  time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSource sets the frame source. Without one Start runs no frame loop
// and only DecodeImage produces snapshots.
func WithSource(src FrameSource) Option { return func(s *Service) { s.source = src } }

// WithTables injects lookup tables instead of loading them from the
// configured paths.
func WithTables(t *palette.Tables) Option { return func(s *Service) { s.tables = t } }

// WithMarker injects the anchor marker instead of loading MarkerPath.
func WithMarker(m *anchor.Marker) Option { return func(s *Service) { s.marker = m } }

// New opens the title and metrics databases and loads the lookup tables
// and marker. Malformed tables are returned as palette.ErrConfiguration.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger, started: time.Now()}
	for _, o := range opts {
		o(s)
	}

	var err error
	if s.tables == nil {
		if s.tables, err = palette.Load(cfg.ColorMapPath, cfg.SeedsPath); err != nil {
			return nil, err
		}
	}
	if s.marker == nil {
		if s.marker, err = anchor.LoadMarker(cfg.MarkerPath); err != nil {
			return nil, err
		}
	}

	s.metricsDB, err = dbopen.Open(cfg.MetricsDBPath, dbopen.WithMkdirAll(), dbopen.WithSynchronous("OFF"))
	if err != nil {
		return nil, err
	}
	if err := observability.Init(s.metricsDB); err != nil {
		s.metricsDB.Close()
		return nil, err
	}
	s.metrics = observability.NewMetricsManager(s.metricsDB, cfg.Metrics.BufferSize, cfg.Metrics.FlushInterval, logger)

	idOpts := cfg.identityOptions(s.tables, logger)
	idOpts.Metrics = s.metrics
	s.resolver, err = identity.Open(context.Background(), cfg.DBPath, idOpts)
	if err != nil {
		s.metrics.Close()
		s.metricsDB.Close()
		return nil, err
	}

	s.assembler, err = snapshot.NewAssembler(snapshot.Canonical, s.resolver, s.tables, snapshot.WithLogger(logger))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.limiter = rate.NewLimiter(rate.Limit(cfg.Capture.FPS), 1)
	s.latest.Store(snapshot.Failed(time.Now(), snapshot.ErrorCapture, "no frame decoded yet"))
	return s, nil
}

// OpenResolver opens the title store alone, for title administration that
// needs neither the anchor marker nor the metrics database. The caller
// closes the returned Resolver.
func OpenResolver(ctx context.Context, cfg *Config, logger *slog.Logger) (*identity.Resolver, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	tables, err := palette.Load(cfg.ColorMapPath, cfg.SeedsPath)
	if err != nil {
		return nil, err
	}
	return identity.Open(ctx, cfg.DBPath, cfg.identityOptions(tables, logger))
}

func (c *Config) identityOptions(tables *palette.Tables, logger *slog.Logger) identity.Options {
	return identity.Options{
		Threshold:    c.Identity.Threshold,
		Tables:       tables,
		ScanBudget:   c.Identity.ScanBudget,
		WriteTimeout: c.Identity.WriteTimeout,
		Logger:       logger,
	}
}

// Start launches the frame loop, the title store watcher, the deferred
// write retrier and metrics retention. All stop when ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	if s.source != nil {
		go s.run(ctx)
	}
	go s.resolver.Watch(ctx, s.cfg.Identity.WatchInterval)
	go s.every(ctx, s.cfg.Identity.RetryInterval, func() {
		if n, err := s.resolver.RetryPending(ctx); err != nil {
			s.logger.Warn("dumper: deferred title writes still failing", "pending", n, "error", err)
		}
	})
	go s.every(ctx, time.Hour, func() {
		if n, err := s.metrics.Cleanup(ctx, s.cfg.Metrics.Retention); err != nil {
			s.logger.Warn("dumper: metrics cleanup failed", "error", err)
		} else if n > 0 {
			s.logger.Debug("dumper: metrics cleaned", "deleted", n)
		}
	})
	s.logger.Info("dumper: started", "db", s.cfg.DBPath, "fps", s.cfg.Capture.FPS, "layout", snapshot.Canonical.Version)
}

// Close flushes metrics and closes the databases.
func (s *Service) Close() error {
	var errs []error
	if s.resolver != nil {
		errs = append(errs, s.resolver.Close())
	}
	if s.metrics != nil {
		errs = append(errs, s.metrics.Close())
	}
	if s.metricsDB != nil {
		errs = append(errs, s.metricsDB.Close())
	}
	return errors.Join(errs...)
}

// Resolver returns the title resolver.
func (s *Service) Resolver() *identity.Resolver { return s.resolver }

// Metrics returns the metrics manager.
func (s *Service) Metrics() *observability.MetricsManager { return s.metrics }

// Latest returns the most recent snapshot. It is never nil.
func (s *Service) Latest() *snapshot.Snapshot { return s.latest.Load() }

func (s *Service) every(ctx context.Context, d time.Duration, fn func()) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func (s *Service) run(ctx context.Context) {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		img, err := s.source.Next(ctx)
		switch {
		case errors.Is(err, ErrNoFrame):
			continue
		case ctx.Err() != nil:
			return
		case err != nil:
			s.logger.Warn("dumper: capture failed", "error", err)
			s.publish(snapshot.Failed(time.Now(), snapshot.ErrorCapture, err.Error()))
			continue
		}
		s.publish(s.decode(pixel.FromImage(img), true))
	}
}

func (s *Service) publish(snap *snapshot.Snapshot) {
	s.frames.Add(1)
	if !snap.OK() {
		s.failures.Add(1)
		s.metrics.RecordSimple(observability.MetricFrameErrors, 1, "count")
	}
	s.latest.Store(snap)
}

// DecodeImage calibrates on img and decodes it. It does not touch the
// frame loop's calibration and is safe for concurrent use.
func (s *Service) DecodeImage(img image.Image) *snapshot.Snapshot {
	return s.decode(pixel.FromImage(img), false)
}

// decode crops frame to the data region and assembles it. With cached set,
// the last good region is reused and dropped again when the frame fails to
// decode, so the next frame recalibrates.
func (s *Service) decode(frame *pixel.Frame, cached bool) *snapshot.Snapshot {
	start := time.Now()
	defer func() { s.metrics.RecordDuration(observability.MetricFrameDecodeMs, time.Since(start)) }()

	var region image.Rectangle
	if cached {
		s.regionMu.Lock()
		region = s.region
		s.regionMu.Unlock()
	}
	if region.Empty() {
		var err error
		region, err = s.calibrate(frame)
		if err != nil {
			return snapshot.Failed(time.Now(), snapshot.ErrorCalibration, err.Error())
		}
	}

	crop, err := frame.Crop(region)
	if err != nil {
		s.forget(cached)
		return snapshot.Failed(time.Now(), snapshot.ErrorCalibration, err.Error())
	}
	snap := s.assembler.Assemble(crop)
	if !snap.OK() {
		s.forget(cached)
	} else if cached {
		s.regionMu.Lock()
		s.region = region
		s.regionMu.Unlock()
	}
	return snap
}

func (s *Service) calibrate(frame *pixel.Frame) (image.Rectangle, error) {
	s.metrics.RecordSimple(observability.MetricCalibrations, 1, "count")
	region, err := anchor.Locate(frame, s.marker,
		anchor.WithThreshold(s.cfg.Capture.Threshold),
		anchor.WithBlockSize(snapshot.Canonical.BlockSize))
	if err != nil {
		var ce *anchor.CalibrationError
		if errors.As(err, &ce) {
			s.logger.Debug("dumper: calibration failed", "reason", ce.Reason, "matches", len(ce.Matches))
		}
		return image.Rectangle{}, err
	}
	s.logger.Info("dumper: calibrated", "region", region.String())
	return region, nil
}

func (s *Service) forget(cached bool) {
	if !cached {
		return
	}
	s.regionMu.Lock()
	s.region = image.Rectangle{}
	s.regionMu.Unlock()
}

// Health is the /health payload.
type Health struct {
	Status     string         `json:"status"`
	Uptime     string         `json:"uptime"`
	Frames     int64          `json:"frames"`
	Failures   int64          `json:"failures"`
	Calibrated bool           `json:"calibrated"`
	LastError  string         `json:"last_error,omitempty"`
	Titles     identity.Stats `json:"titles"`
}

// Health reports pipeline counters.
func (s *Service) Health() Health {
	s.regionMu.Lock()
	calibrated := !s.region.Empty()
	s.regionMu.Unlock()
	h := Health{
		Status:     "ok",
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Frames:     s.frames.Load(),
		Failures:   s.failures.Load(),
		Calibrated: calibrated,
		LastError:  s.Latest().Error,
		Titles:     s.resolver.Stats(),
	}
	if h.Titles.Pending > 0 {
		h.Status = "degraded"
	}
	return h
}
