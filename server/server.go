// Package server exposes the observable state surface and the intent
// entry points over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohamedebrahem13/ble-order/orders"
	"github.com/mohamedebrahem13/ble-order/session"
	"github.com/mohamedebrahem13/ble-order/utils"
)

type Server struct {
	dispatcher *session.Dispatcher
	store      *orders.Store
	hub        *utils.Hub
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func NewServer(dispatcher *session.Dispatcher, store *orders.Store, hub *utils.Hub) *Server {
	return &Server{
		dispatcher: dispatcher,
		store:      store,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.methodHandler("GET", s.handleHealth))
	mux.HandleFunc("/api/status", s.methodHandler("GET", s.handleStatus))
	mux.HandleFunc("/api/connect", s.methodHandler("POST", s.handleConnect))
	mux.HandleFunc("/api/orders", s.methodHandler("POST", s.handleSendOrder))
	mux.HandleFunc("/api/orders/unsent", s.methodHandler("GET", s.handleUnsentOrders))
	mux.HandleFunc("/api/orders/", s.methodHandler("DELETE", s.handleDeleteOrder))

	mainMux := http.NewServeMux()
	mainMux.HandleFunc("/ws", s.handleWebSocket)
	mainMux.Handle("/", loggingMiddleware(mux))
	return mainMux
}

// Start begins serving and blocks until the listener fails or Stop is
// called. State changes and order-table changes are pushed to every
// WebSocket client as they happen.
func (s *Server) Start(ctx context.Context, port int) error {
	s.dispatcher.OnChange(func(st session.State) {
		s.hub.Broadcast(utils.Event{Type: "state", Payload: st})
	})
	go s.watchOrders(ctx)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("HTTP_SRV: Listening on port %d", port)
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// watchOrders forwards order-table changes to WebSocket clients so
// observers see the live unsent set without polling.
func (s *Server) watchOrders(ctx context.Context) {
	changes := s.store.Watch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			unsent, err := s.store.Unsent()
			if err != nil {
				log.Printf("HTTP_SRV: Failed to read unsent orders: %v", err)
				continue
			}
			s.hub.Broadcast(utils.Event{Type: "orders/unsent", Payload: unsent})
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	unsent, err := s.store.Unsent()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":         s.dispatcher.Snapshot(),
		"unsent_orders": unsent,
		"timestamp":     time.Now().Unix(),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.dispatcher.Submit(session.ScanAndConnect{})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *Server) handleSendOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Payload == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload is required"})
		return
	}
	s.dispatcher.Submit(session.SendOrderData{Payload: req.Payload})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleUnsentOrders(w http.ResponseWriter, r *http.Request) {
	unsent, err := s.store.Unsent()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if unsent == nil {
		unsent = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, unsent)
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/orders/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order id"})
		return
	}
	s.dispatcher.Submit(session.DeleteUnsentOrder{ID: id})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "deleting", "order_id": id})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("HTTP_SRV: WebSocket upgrade failed: %v", err)
		return
	}
	s.hub.AddClient(conn)
	log.Printf("HTTP_SRV: WebSocket client connected from %s", r.RemoteAddr)

	// Push the current state so new clients do not start blind.
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteJSON(utils.Event{Type: "state", Payload: s.dispatcher.Snapshot()}); err != nil {
		s.hub.RemoveClient(conn)
		return
	}

	// Reader loop exists only to detect disconnects; clients submit
	// intents over HTTP.
	go func() {
		defer s.hub.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) methodHandler(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("HTTP_SRV: Failed to encode response: %v", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("HTTP_SRV: %s %s (%v)", r.Method, r.URL.Path, time.Since(start))
	})
}
