// Package app wires the backend process: store, registry reconciler, ingest
// subscriber, latest-telemetry cache, hook endpoints, and the optional mDNS
// advertisement.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"solartracker/solarsync/internal/config"
	"solartracker/solarsync/internal/discovery"
	"solartracker/solarsync/internal/ingest"
	"solartracker/solarsync/internal/latest"
	"solartracker/solarsync/internal/mqttclient"
	"solartracker/solarsync/internal/registry"
	"solartracker/solarsync/internal/store"
)

// App owns the backend services and their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time
	dial   mqttclient.Dialer

	store      *store.Store
	reconciler *registry.Reconciler
	subscriber *ingest.Subscriber
	latest     *latest.Cache
	topics     mqttclient.Topics
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		dial:   mqttclient.Dial,
	}
}

// Run starts all configured services and blocks until the context is
// cancelled or a service fails.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.store = db
	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}
	a.logger.Info("store ready", "dialect", a.store.Dialect())

	a.reconciler = registry.New(a.store)

	if a.cfg.RedisAddr != "" {
		cache, err := latest.Dial(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.LatestTTL)
		if err != nil {
			a.logger.Warn("latest telemetry cache disabled", "error", err)
		} else {
			a.latest = cache
			defer func() {
				if cerr := cache.Close(); cerr != nil {
					a.logger.Error("close redis", "error", cerr)
				}
			}()
		}
	}

	transport, topics := mqttclient.FromConfig(a.cfg)
	a.topics = topics

	subErrCh := make(chan error, 1)
	if a.cfg.IngestEnabled {
		a.subscriber = a.newSubscriber(transport)
		go func() {
			if err := a.subscriber.Run(ctx); err != nil && ctx.Err() == nil {
				subErrCh <- fmt.Errorf("ingest subscriber: %w", err)
			}
		}()
	} else {
		a.logger.Info("ingestion disabled")
	}

	httpErrCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.cfg.MDNSEnabled {
		adv, err := discovery.Start(a.hooksAdvert(), a.logger)
		if err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer adv.Stop()
		}
	}

	select {
	case <-ctx.Done():
	case err := <-httpErrCh:
		a.stopSubscriber()
		return err
	case err := <-subErrCh:
		_ = httpServer.Shutdown(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	a.logger.Info("http server stopped")

	a.stopSubscriber()
	return nil
}

// hooksAdvert announces the hook port with the settings a LAN client needs
// to talk to the same broker namespace.
func (a *App) hooksAdvert() discovery.Advert {
	extra := map[string]string{"ingest": strconv.FormatBool(a.cfg.IngestEnabled)}
	if a.store != nil {
		extra["database"] = a.store.Dialect()
	}
	return discovery.Advert{
		Role:        discovery.RoleHooks,
		Port:        a.cfg.HTTPPort,
		TopicPrefix: a.cfg.MQTTTopicPrefix,
		Extra:       extra,
	}
}

func (a *App) newSubscriber(transport mqttclient.Options) *ingest.Subscriber {
	opts := ingest.Options{
		Transport:      transport,
		Topics:         a.topics,
		PersistSamples: a.cfg.PersistSamples,
		Reconciler:     a.reconciler,
		Samples:        a.store,
		Journal:        a.store,
		Dial:           a.dial,
		Logger:         a.logger,
		Now:            a.now,
	}
	if a.latest != nil {
		opts.Latest = a.latest
	}
	return ingest.New(opts)
}

func (a *App) stopSubscriber() {
	if a.subscriber == nil {
		return
	}
	a.subscriber.Stop()
	a.logger.Info("ingest subscriber stopped")
}
