package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sublarr/internal/api"
	"sublarr/internal/config"
	"sublarr/internal/events"
	"sublarr/internal/logging"
	"sublarr/internal/media"
	"sublarr/internal/notifications"
	"sublarr/internal/pipeline"
	"sublarr/internal/providers"
	"sublarr/internal/queue"
	"sublarr/internal/store"
	"sublarr/internal/transcriber"
	"sublarr/internal/translator"
	"sublarr/internal/wanted"
)

// Daemon owns every long-running component. Build with New, drive with
// Start/Stop, release with Close.
type Daemon struct {
	cfg     *config.Config
	manager *config.Manager
	logger  *slog.Logger
	version string

	store       *store.Store
	bus         *events.Bus
	registry    *prometheus.Registry
	webhooks    *events.WebhookDispatcher
	refresher   *notifications.Refresher
	providers   *providers.Engine
	translator  *translator.Engine
	transcriber *transcriber.Service
	pipeline    *pipeline.Pipeline
	reconciler  *wanted.Reconciler
	queue       *queue.Service
	api         *api.Server

	httpServer *http.Server
	listener   net.Listener

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	detach  []func()
}

// New builds the full component graph. Nothing starts running until Start;
// the store is opened (and its single-instance lock taken) here so a second
// daemon fails fast.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		manager: config.NewManager(cfg, st),
		logger:  logging.NewComponentLogger(logger, "daemon"),
		version: version,
		store:   st,
		bus:     events.NewBus(logger),
	}

	d.registry = prometheus.NewRegistry()
	d.detach = append(d.detach, events.NewMetrics(d.registry).Attach(d.bus))
	d.webhooks = events.NewWebhookDispatcher(cfg.Webhooks, logger)
	d.detach = append(d.detach, d.webhooks.Attach(d.bus))
	d.refresher = notifications.New(cfg.MediaServer, logger)
	d.detach = append(d.detach, d.refresher.Attach(d.bus))

	prober := media.NewProber(probeEngine(cfg), st,
		time.Duration(cfg.Probe.TimeoutSeconds)*time.Second, logger)

	scorer := providers.NewScorer(d.manager.Fingerprint, func() map[string]int {
		effective, err := d.manager.Effective()
		if err != nil {
			return nil
		}
		return effective.Providers.ScoreOverrides
	})
	d.providers = providers.NewEngine(cfg.Providers, scorer, st, d.bus, logger, providerList(cfg))
	d.translator = translator.NewEngine(cfg.Translation, st, d.bus, logger,
		translator.WithGlossaryStore(st))

	if cfg.Transcriber.Enabled {
		svc, err := transcriber.New(transcriber.Options{
			Config: cfg.Transcriber,
			FFmpeg: cfg.FFmpegBinary(),
			Prober: prober,
			Logger: logger,
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("build transcriber: %w", err)
		}
		d.transcriber = svc
	}

	pipelineOpts := pipeline.Options{
		Config:     cfg.Pipeline,
		MediaDir:   cfg.Paths.MediaDir,
		FFmpeg:     cfg.FFmpegBinary(),
		Prober:     prober,
		Source:     d.providers,
		Translator: d.translator,
		History:    st,
		Bus:        d.bus,
		Logger:     logger,
	}
	if d.transcriber != nil {
		pipelineOpts.Transcriber = d.transcriber
	}
	d.pipeline = pipeline.New(pipelineOpts)

	d.reconciler = wanted.New(wanted.Options{
		Config:          cfg.Wanted,
		TargetLanguages: cfg.Translation.TargetLanguages,
		Source:          wanted.NewFSSource(cfg.Paths.MediaDir, logger),
		Prober:          prober,
		Acquirer:        d.pipeline,
		Store:           st,
		Bus:             d.bus,
		Logger:          logger,
	})

	d.queue = queue.New(queue.Options{
		Config:   cfg.Queue,
		Pipeline: cfg.Pipeline,
		Store:    st,
		Bus:      d.bus,
		Acquirer: d.pipeline,
		Searcher: d.reconciler,
		Logger:   logger,
	})

	d.api = api.New(api.Options{
		Config:    cfg,
		Manager:   d.manager,
		Store:     st,
		Bus:       d.bus,
		Queue:     d.queue,
		Scanner:   d.reconciler,
		Providers: d.providers,
		Backends:  d.translator,
		Extractor: d.pipeline,
		Acquirer:  d.pipeline,
		Gatherer:  d.registry,
		Logger:    logger,
		Version:   version,
	})
	return d, nil
}

func probeEngine(cfg *config.Config) media.Engine {
	if cfg.Probe.Engine == "mediainfo" {
		return media.NewMediaInfoEngine(cfg.MediaInfoBinary())
	}
	return media.NewFFprobeEngine(cfg.FFprobeBinary())
}

func providerList(cfg *config.Config) []providers.Provider {
	var list []providers.Provider
	if cfg.OpenSubtitles.Enabled {
		list = append(list, providers.NewOpenSubtitlesProvider(cfg.OpenSubtitles))
	}
	if cfg.SubDL.Enabled {
		list = append(list, providers.NewSubDLProvider(cfg.SubDL))
	}
	return list
}

// Start binds the API listener and launches the background loops.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	listener, err := net.Listen("tcp", d.cfg.Paths.APIBind)
	if err != nil {
		return fmt.Errorf("bind api listener: %w", err)
	}
	d.listener = listener
	d.httpServer = &http.Server{
		Handler:           d.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	// Provider logins happen off the startup path; a slow or down provider
	// must not delay the API.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.providers.Initialize(runCtx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("api server failed", logging.Args(logging.Error(err))...)
		}
	}()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.queue.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("queue stopped", logging.Args(logging.Error(err))...)
		}
	}()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.reconciler.Run(runCtx)
	}()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.maintenanceLoop(runCtx)
	}()

	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.Args(
			logging.String("addr", listener.Addr().String()),
			logging.String("version", d.version),
			logging.String(logging.FieldPath, d.store.Path()),
		)...)
	return nil
}

// Addr returns the bound API address, empty before Start.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Stop shuts the components down in reverse dependency order and waits for
// the background loops to drain.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	grace := time.Duration(d.cfg.Queue.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("api shutdown incomplete", logging.Args(logging.Error(err))...)
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()

	if d.transcriber != nil {
		d.transcriber.Close()
	}
	d.providers.Terminate()
	for _, detach := range d.detach {
		detach()
	}
	d.detach = nil
	d.webhooks.Close()
	d.refresher.Close()

	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and releases the store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}
