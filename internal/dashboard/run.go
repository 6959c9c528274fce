package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"solartracker/solarsync/internal/config"
	"solartracker/solarsync/internal/discovery"
	"solartracker/solarsync/internal/gate"
	"solartracker/solarsync/internal/mqttclient"
)

// Run serves the dashboard for one gated connection until ctx ends. When
// cfg.DashboardUnitName is set the gate is committed to it at startup.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	transport, topics := mqttclient.FromConfig(cfg)
	conn := gate.New(gate.Options{
		Transport:       transport,
		Topics:          topics,
		HistoryCapacity: cfg.HistoryCapacity,
		Logger:          logger,
	})
	defer conn.Close()

	if cfg.DashboardUnitName != "" {
		if err := conn.Commit(cfg.DashboardUnitName); err != nil {
			return fmt.Errorf("commit %q: %w", cfg.DashboardUnitName, err)
		}
	}

	httpErrCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.DashboardPort),
		Handler:           New(conn, cfg.MQTTPublishTimeout, logger).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dashboard server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("dashboard server: %w", err)
		}
	}()

	if cfg.MDNSEnabled {
		adv, err := discovery.Start(dashboardAdvert(cfg), logger)
		if err != nil {
			logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer adv.Stop()
		}
	}

	select {
	case <-ctx.Done():
	case err := <-httpErrCh:
		return err
	}

	// Closing the gate ends every websocket feed before the server drains.
	conn.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dashboard server shutdown: %w", err)
	}
	logger.Info("dashboard server stopped")
	return nil
}

func dashboardAdvert(cfg config.Config) discovery.Advert {
	extra := map[string]string{"ws": "/ws"}
	if cfg.DashboardUnitName != "" {
		extra["unit"] = cfg.DashboardUnitName
	}
	return discovery.Advert{
		Role:        discovery.RoleDashboard,
		Port:        cfg.DashboardPort,
		TopicPrefix: cfg.MQTTTopicPrefix,
		Extra:       extra,
	}
}
