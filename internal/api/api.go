package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/zeropr/lanchat/internal/gateway"
	"github.com/zeropr/lanchat/internal/metrics"
	"github.com/zeropr/lanchat/internal/peers"
)

const version = "0.1.0"

// Broadcaster announces this instance on the LAN.
type Broadcaster interface {
	StartBroadcast() error
	StopBroadcast()
	IsBroadcasting() bool
	SetIdentity(user, fingerprint string)
}

// Options wires the control API to the running components. Discovery and
// Metrics may be nil.
type Options struct {
	Addr      string
	Gateway   *gateway.Gateway
	Peers     *peers.Registry
	Discovery Broadcaster
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Server serves the local control API and the event stream
type Server struct {
	opts       Options
	log        zerolog.Logger
	gw         *gateway.Gateway
	registry   *peers.Registry
	events     *hub
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new control API server
func NewServer(opts Options) *Server {
	if opts.Peers == nil {
		opts.Peers = peers.NewRegistry()
	}
	log := opts.Logger.With().Str("component", "api").Logger()

	s := &Server{
		opts:      opts,
		log:       log,
		gw:        opts.Gateway,
		registry:  opts.Peers,
		startedAt: time.Now(),
	}
	s.events = newHub(opts.Gateway, log)
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the HTTP handler with every route and middleware attached.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleGetStatus).Methods(http.MethodGet)
	api.HandleFunc("/interfaces", s.handleGetInterfaces).Methods(http.MethodGet)
	api.HandleFunc("/peers", s.handleGetPeers).Methods(http.MethodGet)
	api.HandleFunc("/keys", s.handleCreateKeys).Methods(http.MethodPost)
	api.HandleFunc("/users", s.handleGetUsers).Methods(http.MethodGet)
	api.HandleFunc("/session", s.handleSignIn).Methods(http.MethodPost)
	api.HandleFunc("/session", s.handleSignOut).Methods(http.MethodDelete)
	api.HandleFunc("/public-key", s.handleGetPublicKey).Methods(http.MethodGet)
	api.HandleFunc("/contacts", s.handleGetContacts).Methods(http.MethodGet)
	api.HandleFunc("/contacts", s.handleImportContact).Methods(http.MethodPost)
	api.HandleFunc("/messages", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/messages", s.handleGetMessages).Methods(http.MethodGet)
	api.HandleFunc("/messages", s.handleClearMessages).Methods(http.MethodDelete)
	api.HandleFunc("/key-exchange", s.handleKeyExchange).Methods(http.MethodPost)
	api.HandleFunc("/decrypt", s.handleDecrypt).Methods(http.MethodPost)
	api.HandleFunc("/archive", s.handleListArchive).Methods(http.MethodGet)
	api.HandleFunc("/archive/{file}", s.handleGetArchived).Methods(http.MethodGet)
	api.HandleFunc("/server/start", s.handleStartServer).Methods(http.MethodPost)
	api.HandleFunc("/server/stop", s.handleStopServer).Methods(http.MethodPost)
	api.HandleFunc("/broadcast/start", s.handleStartBroadcast).Methods(http.MethodPost)
	api.HandleFunc("/broadcast/stop", s.handleStopBroadcast).Methods(http.MethodPost)

	// Preflight requests need a matching route for the middleware to run.
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	router.HandleFunc("/ws/events", s.events.serve)
	if s.opts.Metrics != nil {
		router.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	router.Use(hlog.NewHandler(s.log))
	router.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
	router.Use(corsMiddleware)

	return router
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.opts.Addr).Msg("Control API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and closes event streams
func (s *Server) Shutdown(ctx context.Context) error {
	s.events.closeAll()
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errInvalidBody = errors.New("invalid request body")

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errInvalidBody
	}
	return nil
}
