package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const maxBodySize = 64 << 10

type httpHandler struct {
	dispatcher *Dispatcher
	deviceID   string
	upgrader   websocket.Upgrader
}

// NewHTTPHandler serves the dispatcher on these routes:
//
//	GET|POST /rpc/{method}  call a method, args in the body, bare result back
//	POST     /rpc           one request frame in, one response frame out
//	GET      /rpc           WebSocket carrying request and response frames
func NewHTTPHandler(d *Dispatcher, deviceID string) http.Handler {
	h := &httpHandler{
		dispatcher: d,
		deviceID:   deviceID,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r := chi.NewRouter()
	r.Get("/rpc", h.serveWebSocket)
	r.Post("/rpc", h.serveFrame)
	r.Get("/rpc/{method}", h.serveMethod)
	r.Post("/rpc/{method}", h.serveMethod)
	return r
}

func (h *httpHandler) serveMethod(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")
	args, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &Error{Code: http.StatusBadRequest, Message: "failed to read body"})
		return
	}
	res, err := h.dispatcher.Call(r.Context(), method, args)
	if err != nil {
		rpcErr := toError(err)
		slog.Info("RPC call failed", "method", method, "error", err)
		writeJSON(w, rpcErr.Code, rpcErr)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *httpHandler) serveFrame(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &Error{Code: http.StatusBadRequest, Message: "failed to read body"})
		return
	}
	req, err := DecodeRequest(data)
	if err != nil {
		writeJSON(w, http.StatusOK, errorResponse(req, h.deviceID, err))
		return
	}
	writeJSON(w, http.StatusOK, h.dispatcher.Serve(r.Context(), req, h.deviceID))
}

func (h *httpHandler) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, &Error{Code: http.StatusBadRequest, Message: "websocket upgrade expected"})
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	// Shutdown does not close hijacked connections.
	stop := context.AfterFunc(r.Context(), func() { conn.Close() })
	defer stop()

	slog.Debug("WebSocket client connected", "remote", r.RemoteAddr)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket closed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		var resp Response
		if req, err := DecodeRequest(data); err != nil {
			resp = errorResponse(req, h.deviceID, err)
		} else {
			resp = h.dispatcher.Serve(r.Context(), req, h.deviceID)
		}
		if err := conn.WriteJSON(resp); err != nil {
			slog.Debug("WebSocket write failed", "remote", r.RemoteAddr, "error", err)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode RPC response", "error", err)
	}
}

// HTTPServer runs the HTTP handler until its context ends.
type HTTPServer struct {
	addr    string
	handler http.Handler
	ready   chan net.Addr
}

func NewHTTPServer(addr string, d *Dispatcher, deviceID string) *HTTPServer {
	return &HTTPServer{
		addr:    addr,
		handler: NewHTTPHandler(d, deviceID),
		ready:   make(chan net.Addr, 1),
	}
}

// Ready delivers the bound address once the server listens.
func (s *HTTPServer) Ready() <-chan net.Addr {
	return s.ready
}

// Run listens on the configured address and shuts down gracefully when ctx
// is done.
func (s *HTTPServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.Info("RPC HTTP server listening", "address", ln.Addr().String())
	s.ready <- ln.Addr()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("RPC HTTP server stopped")
	return nil
}
