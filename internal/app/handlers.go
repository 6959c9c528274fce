package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"solartracker/solarsync/internal/command"
	"solartracker/solarsync/internal/ingest"
	"solartracker/solarsync/internal/latest"
	"solartracker/solarsync/internal/model"
	"solartracker/solarsync/internal/store"
	"solartracker/solarsync/internal/telemetry"
)

const (
	requestTimeout      = 2 * time.Second
	commandTimeout      = 15 * time.Second
	maxBodyBytes        = 1 << 20
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/devices", a.handleListDevices)
		r.Post("/devices", a.handleRegisterDevice)
		r.Get("/devices/{name}", a.handleGetDevice)
		r.Get("/grid-price", a.handleLatestGridPrice)
		r.Post("/grid-price", a.handleInsertGridPrice)
		r.Get("/history", a.handleHistory)
		r.Get("/latest/{name}", a.handleLatest)
		r.Post("/commands", a.handleSendCommand)
		r.Get("/ingestion-errors", a.handleIngestionErrors)
	})

	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness store ping failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}

	if a.subscriber != nil {
		if st := a.subscriber.State(); st != ingest.StateConnected {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": st.String()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	type ingestStatus struct {
		State       ingest.State        `json:"state"`
		ClientID    string              `json:"client_id"`
		Stats       ingest.Stats        `json:"stats"`
		Transitions []ingest.Transition `json:"transitions"`
	}

	resp := struct {
		IngestEnabled bool          `json:"ingest_enabled"`
		Database      string        `json:"database"`
		LatestCache   bool          `json:"latest_cache"`
		Ingest        *ingestStatus `json:"ingest,omitempty"`
	}{
		IngestEnabled: a.subscriber != nil,
		LatestCache:   a.latest != nil,
	}
	if a.store != nil {
		resp.Database = a.store.Dialect()
	}
	if a.subscriber != nil {
		resp.Ingest = &ingestStatus{
			State:       a.subscriber.State(),
			ClientID:    a.subscriber.ClientID(),
			Stats:       a.subscriber.Stats(),
			Transitions: a.subscriber.Transitions(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	devices, err := a.store.ListDevices(ctx)
	if err != nil {
		a.logger.Error("failed to list devices", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (a *App) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	device, err := a.store.GetDevice(ctx, chi.URLParam(r, "name"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		a.logger.Error("failed to load device", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// handleRegisterDevice is the operator registration path. It converges on the
// same upsert as telemetry sightings.
func (a *App) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := command.ValidateDeviceName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !telemetry.EligibleName(req.Name) {
		writeError(w, http.StatusBadRequest, "name is reserved")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res, err := a.reconciler.Reconcile(ctx, req.Name)
	if err != nil {
		a.logger.Error("failed to register device", "name", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}
	a.logger.Info("device registered", "name", res.Registration.DeviceName)
	writeJSON(w, http.StatusOK, res.Registration)
}

func (a *App) handleLatestGridPrice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	price, err := a.store.LatestGridPrice(ctx)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no grid price recorded")
		return
	}
	if err != nil {
		a.logger.Error("failed to load grid price", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load grid price")
		return
	}
	writeJSON(w, http.StatusOK, price)
}

func (a *App) handleInsertGridPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Price            *float64 `json:"price"`
		EstimatedSavings *float64 `json:"estimated_savings"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.Price == nil {
		writeError(w, http.StatusBadRequest, "price is required")
		return
	}
	if err := command.ValidateGridPrice(*req.Price); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	price, err := a.store.InsertGridPrice(ctx, *req.Price, req.EstimatedSavings, a.now())
	if err != nil {
		a.logger.Error("failed to store grid price", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store grid price")
		return
	}
	writeJSON(w, http.StatusCreated, price)
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	history, err := a.store.DailyHistory(ctx, days, a.now())
	if err != nil {
		a.logger.Error("failed to aggregate history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to aggregate history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"days":    store.ClampHistoryDays(days),
		"history": history,
	})
}

func (a *App) handleLatest(w http.ResponseWriter, r *http.Request) {
	if a.latest == nil {
		writeError(w, http.StatusServiceUnavailable, "latest telemetry cache disabled")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	entry, err := a.latest.Get(ctx, chi.URLParam(r, "name"))
	if errors.Is(err, latest.ErrMiss) {
		writeError(w, http.StatusNotFound, "no recent telemetry")
		return
	}
	if err != nil {
		a.logger.Error("failed to read latest telemetry", "error", err)
		writeError(w, http.StatusBadGateway, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleSendCommand publishes to the unit named by ?unit=, or to the unit
// whose telemetry arrived last.
func (a *App) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	if a.subscriber == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion disabled")
		return
	}

	var cmd model.CommandMessage
	if err := decodeBody(w, r, &cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	unitID := r.URL.Query().Get("unit")
	if unitID == "" {
		unitID = a.subscriber.LastUnitID()
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	var pub command.Publisher
	if tr := a.subscriber.Transport(); tr != nil && a.subscriber.State() == ingest.StateConnected {
		pub = tr
	}
	err := command.New(pub, a.topics).Send(ctx, unitID, cmd)
	if status, msg := commandErrorStatus(err); status != 0 {
		if status >= http.StatusInternalServerError {
			a.logger.Error("command send failed", "unit", unitID, "error", err)
		}
		writeError(w, status, msg)
		return
	}

	a.logger.Info("command sent", "unit", unitID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent", "unit_id": unitID})
}

func commandErrorStatus(err error) (int, string) {
	var verr *command.ValidationError
	switch {
	case err == nil:
		return 0, ""
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, command.ErrUnknownUnit):
		return http.StatusConflict, "no unit has reported telemetry yet"
	case errors.Is(err, command.ErrNotConnected):
		return http.StatusServiceUnavailable, "broker connection not ready"
	}
	return http.StatusBadGateway, "command not acknowledged"
}

func (a *App) handleIngestionErrors(w http.ResponseWriter, r *http.Request) {
	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxJournalLimit {
		limit = maxJournalLimit
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	entries, err := a.store.RecentIngestionErrors(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load ingestion errors", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load ingestion errors")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
