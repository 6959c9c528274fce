// Package dashboard exposes a gated connection to a browser: a websocket feed
// of gate events and a few JSON endpoints to register a unit, read the current
// snapshot, and send commands.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"solartracker/solarsync/internal/command"
	"solartracker/solarsync/internal/gate"
	"solartracker/solarsync/internal/model"
)

const (
	commandTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
	eventBuffer    = 64
	readLimit      = 4096
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
)

// Gate is the part of a gated connection the dashboard drives.
type Gate interface {
	Commit(name string) error
	Clear()
	Snapshot() gate.Snapshot
	Subscribe(buffer int) (<-chan gate.Event, func())
	SendCommand(ctx context.Context, cmd model.CommandMessage) error
}

// Frame is one websocket message. The first frame on a new socket carries
// the snapshot; every later frame carries an event.
type Frame struct {
	Type     string         `json:"type"`
	Snapshot *gate.Snapshot `json:"snapshot,omitempty"`
	Event    *gate.Event    `json:"event,omitempty"`
}

// Server serves the dashboard HTTP surface.
type Server struct {
	gate         Gate
	logger       *slog.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// New builds a dashboard server around g.
func New(g Gate, writeTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Server{
		gate:         g,
		logger:       logger.With("component", "dashboard"),
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Routes returns the dashboard router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Delete("/register", s.handleUnregister)
		r.Get("/snapshot", s.handleSnapshot)
		r.Post("/command", s.handleCommand)
	})

	return r
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := command.ValidateDeviceName(body.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.gate.Commit(body.Name); err != nil {
		switch {
		case errors.Is(err, gate.ErrEmptyName):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, gate.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("commit unit name failed", "name", body.Name, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to open connection")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, s.gate.Snapshot())
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	s.gate.Clear()
	writeJSON(w, http.StatusOK, s.gate.Snapshot())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.Snapshot())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd model.CommandMessage
	if err := decodeBody(w, r, &cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	if err := s.gate.SendCommand(ctx, cmd); err != nil {
		status, msg := commandErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("command failed", "error", err)
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func commandErrorStatus(err error) (int, string) {
	var verr *command.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, command.ErrUnknownUnit):
		return http.StatusConflict, "no telemetry accepted from the registered unit yet"
	case errors.Is(err, command.ErrNotConnected):
		return http.StatusServiceUnavailable, "broker connection not ready"
	}
	return http.StatusBadGateway, "command not acknowledged"
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	events, unsubscribe := s.gate.Subscribe(eventBuffer)
	s.logger.Info("dashboard viewer connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go s.readPump(ws, done)
	s.writePump(ws, events, done)

	unsubscribe()
	_ = ws.Close()
	s.logger.Info("dashboard viewer disconnected", "remote", r.RemoteAddr)
}

// readPump discards inbound frames and keeps the read deadline alive on
// pongs. It closes done when the peer goes away.
func (s *Server) readPump(ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(ws *websocket.Conn, events <-chan gate.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	snap := s.gate.Snapshot()
	if err := s.writeFrame(ws, Frame{Type: "snapshot", Snapshot: &snap}); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				_ = s.write(ws, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "gate closed"))
				return
			}
			if err := s.writeFrame(ws, Frame{Type: "event", Event: &ev}); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.write(ws, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(ws *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("encode websocket frame failed", "error", err)
		return err
	}
	return s.write(ws, websocket.TextMessage, data)
}

func (s *Server) write(ws *websocket.Conn, messageType int, data []byte) error {
	_ = ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return ws.WriteMessage(messageType, data)
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
