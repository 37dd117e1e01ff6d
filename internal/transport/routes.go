package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/cory-johannsen/boardrelay/internal/relay"
)

func (a *Acceptor) routes() *httprouter.Router {
	r := httprouter.New()
	r.GET(a.cfg.Path, a.handleSocket)
	r.OPTIONS(a.cfg.Path, a.handlePreflight)
	r.POST("/api/sessions/:id/disconnect", a.handleDisconnect)
	r.GET("/healthz", a.handleHealth)
	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v any) {
		a.logger.Error("http handler panicked",
			zap.String("path", req.URL.Path),
			zap.Any("panic", v),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
	return r
}

// handleSocket serves the relay path: an upgrade request becomes a relay
// connection, anything else is the bootstrap.
func (a *Acceptor) handleSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if websocket.IsWebSocketUpgrade(r) {
		a.upgrade(w, r)
		return
	}
	a.bootstrap(w, r)
}

// bootstrap ensures the hub's dispatch loop is running. Repeating it is a
// logged no-op.
func (a *Acceptor) bootstrap(w http.ResponseWriter, r *http.Request) {
	allowOrigin(w, r)
	defer func() {
		if v := recover(); v != nil {
			a.logger.Error("relay initialization failed", zap.Any("panic", v))
			http.Error(w, "relay initialization failed", http.StatusInternalServerError)
		}
	}()

	switch {
	case a.hub.Start():
		a.logger.Info("relay initialized", zap.String("remote_addr", r.RemoteAddr))
	case a.hub.Started():
		a.logger.Info("relay already initialized", zap.String("remote_addr", r.RemoteAddr))
	default:
		http.Error(w, "relay stopped", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Acceptor) handlePreflight(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	allowOrigin(w, r)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (a *Acceptor) handleDisconnect(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.WriteTimeout)
	defer cancel()

	err := a.hub.Disconnect(ctx, id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, relay.ErrUnknownSession):
		http.Error(w, "unknown session", http.StatusNotFound)
	default:
		a.logger.Warn("admin disconnect failed", zap.String("conn_id", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

func (a *Acceptor) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.hub.Stats()); err != nil {
		a.logger.Warn("writing health", zap.Error(err))
	}
}

// allowOrigin admits every origin.
func allowOrigin(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Add("Vary", "Origin")
}
