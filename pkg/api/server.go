package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/estatex/pkg/app/core"
	"github.com/uhyunpark/estatex/pkg/app/core/transaction"
	"github.com/uhyunpark/estatex/pkg/app/exchange"
	"github.com/uhyunpark/estatex/pkg/crypto"
)

const (
	maxBodyBytes   = 64 << 10
	defaultDepth   = 20
	limiterEntries = 10_000
	limiterIdle    = 10 * time.Minute
)

type Config struct {
	Addr           string
	SubmitRate     float64 // per client IP, 0 disables throttling
	SubmitBurst    int
	AllowedOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine *exchange.Engine
	router *mux.Router
	hub    *Hub
	cfg    Config
	log    *zap.SugaredLogger

	limiters *expirable.LRU[string, *rate.Limiter]
	http     *http.Server
}

func NewServer(engine *exchange.Engine, cfg Config, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	s := &Server{
		engine:   engine,
		router:   mux.NewRouter(),
		hub:      NewHub(log.Named("ws")),
		cfg:      cfg,
		log:      log,
		limiters: expirable.NewLRU[string, *rate.Limiter](limiterEntries, nil, limiterIdle),
	}
	s.setupRoutes()

	engine.OnTrade(func(t *core.Trade) {
		s.hub.BroadcastToChannel(channelTrades+t.Instrument, "trade", t)
		s.broadcastBook(t.Instrument)
	})
	engine.OnOrder(func(o *core.SignedOrder) {
		s.hub.BroadcastToChannel(channelOrders+o.Order.Instrument, "order", o)
		if o.Status != core.StatusFilled {
			s.broadcastBook(o.Order.Instrument)
		}
	})
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.Handle("/orders", s.throttle(http.HandlerFunc(s.handleSubmitOrder))).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods(http.MethodDelete)

	api.HandleFunc("/instruments", s.handleListInstruments).Methods(http.MethodGet)
	api.HandleFunc("/markets/{instrument}/orderbook", s.handleGetOrderbook).Methods(http.MethodGet)
	api.HandleFunc("/markets/{instrument}/trades", s.handleGetMarketTrades).Methods(http.MethodGet)
	api.HandleFunc("/markets/{instrument}/stats", s.handleGetStats).Methods(http.MethodGet)
	api.HandleFunc("/makers/{maker}/trades", s.handleGetMakerTrades).Methods(http.MethodGet)

	api.HandleFunc("/admin/cycle", s.handleRunCycle).Methods(http.MethodPost)
	api.HandleFunc("/admin/cycle", s.handleLastCycle).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Handler is the full handler chain, CORS included.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Maker"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", s.cfg.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Infow("api_stopped")
	return nil
}

// ==============================
// Middleware
// ==============================

func (s *Server) throttle(next http.Handler) http.Handler {
	if s.cfg.SubmitRate <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(clientIP(r)).Allow() {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	if l, ok := s.limiters.Get(ip); ok {
		return l
	}
	burst := s.cfg.SubmitBurst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.SubmitRate), burst)
	s.limiters.Add(ip, l)
	return l
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	env, err := transaction.Deserialize(body)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	order, err := s.engine.SubmitEnvelope(r.Context(), env)
	if err != nil {
		s.log.Debugw("order_rejected", "maker", env.ClaimedMaker(), "err", err)
		s.respondErr(w, err)
		return
	}
	respondStatus(w, http.StatusCreated, SubmitOrderResponse{OrderID: order.ID, Status: order.Status})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	maker, err := crypto.ParseMaker(r.Header.Get("X-Maker"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid X-Maker header", err.Error())
		return
	}
	order, err := s.engine.CancelOrder(r.Context(), mux.Vars(r)["id"], maker)
	if err != nil {
		if errors.Is(err, core.ErrUnauthorized) {
			respondError(w, http.StatusForbidden, "not the order's maker", "")
			return
		}
		s.respondErr(w, err)
		return
	}
	respondJSON(w, order)
}

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.Registry().List())
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	depth, err := intQuery(r, "depth", defaultDepth)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid depth", err.Error())
		return
	}
	book, err := s.engine.OrderBook(r.Context(), mux.Vars(r)["instrument"], depth)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, book)
}

func (s *Server) handleGetMarketTrades(w http.ResponseWriter, r *http.Request) {
	s.respondTrades(w, r, exchange.TradeQuery{Instrument: mux.Vars(r)["instrument"]})
}

func (s *Server) handleGetMakerTrades(w http.ResponseWriter, r *http.Request) {
	maker, err := crypto.ParseMaker(mux.Vars(r)["maker"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid maker", err.Error())
		return
	}
	s.respondTrades(w, r, exchange.TradeQuery{Maker: &maker})
}

func (s *Server) respondTrades(w http.ResponseWriter, r *http.Request, q exchange.TradeQuery) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	q.Limit = limit
	q.Cursor = r.URL.Query().Get("cursor")
	page, err := s.engine.Trades(r.Context(), q)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, page)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	md, err := s.engine.MarketData(r.Context(), mux.Vars(r)["instrument"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, md)
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	report := s.engine.RunCycle(r.Context())
	respondJSON(w, report)
}

func (s *Server) handleLastCycle(w http.ResponseWriter, r *http.Request) {
	report, ok := s.engine.LastCycle()
	if !ok {
		respondError(w, http.StatusNotFound, "no cycle has run yet", "")
		return
	}
	respondJSON(w, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods
// ==============================

func (s *Server) broadcastBook(instrument string) {
	book, err := s.engine.OrderBook(context.Background(), instrument, defaultDepth)
	if err != nil {
		s.log.Warnw("book_broadcast_failed", "instrument", instrument, "err", err)
		return
	}
	s.hub.BroadcastToChannel(channelBook+instrument, "book", book)
}

// ==============================
// Helper Functions
// ==============================

func intQuery(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidOrder),
		errors.Is(err, core.ErrInstrumentNotTradable),
		errors.Is(err, exchange.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrOrderNotFound), errors.Is(err, core.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDuplicateOrder),
		errors.Is(err, core.ErrNotActive),
		errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Errorw("request_failed", "err", err)
		msg = ""
	}
	respondError(w, status, http.StatusText(status), msg)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondStatus(w, status, ErrorResponse{Error: error, Message: message})
}
