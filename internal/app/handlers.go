package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/nexuslive/internal/config"
	"github.com/MrWong99/nexuslive/internal/observe"
	"github.com/MrWong99/nexuslive/internal/session"
)

// eventWriteTimeout bounds a single WebSocket write to a subscriber.
const eventWriteTimeout = 5 * time.Second

// callStatus is the JSON body of the call endpoints.
type callStatus struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Persona string `json:"persona,omitempty"`
	Voice   string `json:"voice"`
	Model   string `json:"model"`
}

// connectRequest is the optional body of POST /v1/call/connect.
type connectRequest struct {
	// Persona selects the expert for this and later calls.
	Persona string `json:"persona"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler returns the control API wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/call/connect", a.handleConnect)
	mux.HandleFunc("POST /v1/call/disconnect", a.handleDisconnect)
	mux.HandleFunc("GET /v1/call/status", a.handleStatus)
	mux.HandleFunc("GET /v1/call/events", a.handleEvents)
	mux.HandleFunc("GET /v1/personas", a.handlePersonas)
	mux.Handle("GET /metrics", a.metricsHandler)
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	if a.manager.Status().Live() || a.manager.Status() == session.StatusConnecting {
		writeJSON(w, http.StatusConflict, a.snapshot())
		return
	}

	if req.Persona != "" {
		if err := a.selectPersona(req.Persona); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		observe.Logger(r.Context()).Info("persona selected", "persona", req.Persona)
	}

	if !a.manager.Connect(r.Context()) {
		writeJSON(w, http.StatusConflict, a.snapshot())
		return
	}

	snap := a.snapshot()
	code := http.StatusOK
	if snap.Status == session.StatusError.String() {
		code = http.StatusBadGateway
		if errors.Is(a.manager.Err(), session.ErrMissingCredential) {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, snap)
}

func (a *App) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	a.manager.Disconnect()
	writeJSON(w, http.StatusOK, a.snapshot())
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.snapshot())
}

func (a *App) handlePersonas(w http.ResponseWriter, _ *http.Request) {
	cfg := a.Config()
	personas := cfg.Personas
	if personas == nil {
		personas = []config.PersonaConfig{}
	}
	writeJSON(w, http.StatusOK, struct {
		Selected string                 `json:"selected,omitempty"`
		Personas []config.PersonaConfig `json:"personas"`
	}{a.Persona(), personas})
}

// handleEvents streams status events over a WebSocket until the client goes
// away. The first message is the current status.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.originPatterns,
	})
	if err != nil {
		log.Warn("events: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := a.hub.Subscribe()
	defer unsubscribe()

	// Inbound messages are not expected; CloseRead handles control frames and
	// cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closing:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				log.Debug("events: subscriber gone", "err", err)
				return
			}
		}
	}
}

func (a *App) snapshot() callStatus {
	sc := a.manager.SessionConfig().WithDefaults()
	st := callStatus{
		Status:  a.manager.Status().String(),
		Persona: a.Persona(),
		Voice:   string(sc.Voice),
		Model:   sc.Model,
	}
	if err := a.manager.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}
