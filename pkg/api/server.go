// Package api is the HTTP surface of the exchange: REST routes
// mirroring the trading/admin operations plus a WebSocket market-data
// feed. It validates requests, authenticates API keys and translates
// the engine's error taxonomy to status codes; all trading semantics
// live in pkg/engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"exchange/pkg/core"
	"exchange/pkg/engine"
	"exchange/pkg/ledger"
	"exchange/pkg/user"
)

const defaultDepth = 10

// Server wires the REST router and the WebSocket hub to the engine.
type Server struct {
	engine *engine.Engine
	store  *ledger.Store
	users  *user.Registry
	log    *zap.SugaredLogger
	router *mux.Router
	hub    *Hub
}

// NewServer builds the server and hooks the engine's trade/book
// callbacks into the feed.
func NewServer(eng *engine.Engine, store *ledger.Store, users *user.Registry, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine: eng,
		store:  store,
		users:  users,
		log:    log,
		router: mux.NewRouter(),
		hub:    NewHub(log),
	}
	s.routes()

	eng.OnTrade = s.broadcastTrade
	eng.OnBookChange = s.broadcastBook
	return s
}

func (s *Server) routes() {
	pub := s.router.PathPrefix("/api/v1/public").Subrouter()
	pub.HandleFunc("/register", s.handleRegister).Methods("POST")
	pub.HandleFunc("/instrument", s.handleListInstruments).Methods("GET")
	pub.HandleFunc("/orderbook/{ticker}", s.handleOrderBook).Methods("GET")
	pub.HandleFunc("/transactions/{ticker}", s.handleTransactions).Methods("GET")

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/balance", s.withAuth(s.handleBalances)).Methods("GET")
	v1.HandleFunc("/order", s.withAuth(s.handleCreateOrder)).Methods("POST")
	v1.HandleFunc("/order", s.withAuth(s.handleListOrders)).Methods("GET")
	v1.HandleFunc("/order/{order_id}", s.withAuth(s.handleGetOrder)).Methods("GET")
	v1.HandleFunc("/order/{order_id}", s.withAuth(s.handleCancelOrder)).Methods("DELETE")

	admin := s.router.PathPrefix("/api/v1/admin").Subrouter()
	admin.HandleFunc("/instrument", s.withAdmin(s.handleCreateInstrument)).Methods("POST")
	admin.HandleFunc("/instrument/{ticker}", s.withAdmin(s.handleDeleteInstrument)).Methods("DELETE")
	admin.HandleFunc("/balance/deposit", s.withAdmin(s.handleDeposit)).Methods("POST")
	admin.HandleFunc("/balance/withdraw", s.withAdmin(s.handleWithdraw)).Methods("POST")
	admin.HandleFunc("/user/{user_id}", s.withAdmin(s.handleDeleteUser)).Methods("DELETE")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
}

// Handler returns the router wrapped with CORS, for serving and tests.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves HTTP on addr until the listener fails.
func (s *Server) Start(addr string) error {
	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ---- middleware ----

type authedHandler func(w http.ResponseWriter, r *http.Request, u *core.User)

// withAuth resolves "Authorization: TOKEN <key>" to a user.
func (s *Server) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(raw, "TOKEN ") {
			writeError(w, http.StatusUnauthorized, "invalid authentication scheme", "")
			return
		}
		u, err := s.users.Authenticate(strings.TrimPrefix(raw, "TOKEN "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token", "")
			return
		}
		next(w, r, u)
	}
}

func (s *Server) withAdmin(next authedHandler) http.HandlerFunc {
	return s.withAuth(func(w http.ResponseWriter, r *http.Request, u *core.User) {
		if u.Role != core.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin privileges required", "")
			return
		}
		next(w, r, u)
	})
}

// ---- public handlers ----

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	u, apiKey, err := s.users.Register(req.Name, core.RoleUser)
	if err != nil {
		writeError(w, http.StatusBadRequest, "registration failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RegisterResponse{
		ID:     u.ID.String(),
		Name:   u.Name,
		Role:   u.Role.String(),
		APIKey: apiKey,
	})
}

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	insts, err := s.store.ListInstruments()
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]InstrumentInfo, 0, len(insts))
	for _, inst := range insts {
		out = append(out, InstrumentInfo{Ticker: inst.Ticker, Name: inst.Name, Active: inst.Active})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	bids, asks, err := s.engine.Snapshot(ticker, limitParam(r, defaultDepth))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, L2Book{BidLevels: bids, AskLevels: asks})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	if _, err := s.store.GetInstrument(ticker); err != nil {
		s.fail(w, err)
		return
	}
	trades, err := s.store.RecentTrades(ticker, limitParam(r, defaultDepth))
	if err != nil {
		s.fail(w, err)
		return
	}
	if trades == nil {
		trades = []*core.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ---- authenticated handlers ----

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request, u *core.User) {
	balances, err := s.store.BalancesForUser(u.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request, u *core.User) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	side, err := core.ParseSide(req.Direction)
	if err != nil {
		s.fail(w, err)
		return
	}
	orderReq := engine.OrderRequest{
		Ticker: req.Ticker,
		Side:   side,
		Type:   core.Market,
		Qty:    req.Qty,
	}
	if req.Price != nil {
		orderReq.Type = core.Limit
		orderReq.Price = *req.Price
	}
	order, trades, err := s.engine.Submit(u.ID, orderReq)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CreateOrderResponse{
		Success: true,
		OrderID: order.ID.String(),
		Status:  order.Status.String(),
		Filled:  order.Filled,
		Trades:  trades,
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request, u *core.User) {
	orders, err := s.store.OrdersForUser(u.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderInfo(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request, u *core.User) {
	id, err := uuid.Parse(mux.Vars(r)["order_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	o, err := s.store.GetOrder(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if o.UserID != u.ID {
		// Foreign orders are indistinguishable from absent ones.
		s.fail(w, core.ErrOrderNotFound)
		return
	}
	writeJSON(w, http.StatusOK, orderInfo(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request, u *core.User) {
	id, err := uuid.Parse(mux.Vars(r)["order_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	if _, err := s.engine.Cancel(id, u.ID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// ---- admin handlers ----

func (s *Server) handleCreateInstrument(w http.ResponseWriter, r *http.Request, u *core.User) {
	var body InstrumentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if _, err := s.engine.CreateInstrument(body.Ticker, body.Name); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleDeleteInstrument(w http.ResponseWriter, r *http.Request, u *core.User) {
	if err := s.engine.DeactivateInstrument(mux.Vars(r)["ticker"]); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, u *core.User) {
	s.handleFunding(w, r, s.engine.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, u *core.User) {
	s.handleFunding(w, r, s.engine.Withdraw)
}

func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request, op func(uuid.UUID, string, int64) error) {
	var body BalanceOperation
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := op(body.UserID, body.Ticker, body.Amount); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, u *core.User) {
	id, err := uuid.Parse(mux.Vars(r)["user_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id", err.Error())
		return
	}
	deleted, err := s.users.Delete(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RegisterResponse{
		ID:   deleted.ID.String(),
		Name: deleted.Name,
		Role: deleted.Role.String(),
	})
}

// ---- feed ----

func (s *Server) broadcastTrade(t *core.Trade) {
	s.hub.Publish("trades:"+t.Ticker, TradeUpdate{
		Type:      "trade",
		Ticker:    t.Ticker,
		Price:     t.Price,
		Qty:       t.Qty,
		TakerSide: t.TakerSide.String(),
		Timestamp: t.Timestamp,
	})
}

func (s *Server) broadcastBook(ticker string) {
	bids, asks, err := s.engine.Snapshot(ticker, 0)
	if err != nil {
		return
	}
	s.hub.Publish("orderbook:"+ticker, BookUpdate{
		Type:      "orderbook",
		Ticker:    ticker,
		BidLevels: bids,
		AskLevels: asks,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ---- helpers ----

// fail maps the error taxonomy to HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInstrumentNotFound),
		errors.Is(err, core.ErrOrderNotFound),
		errors.Is(err, core.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, core.ErrInvalidOrder),
		errors.Is(err, core.ErrInsufficientFunds),
		errors.Is(err, core.ErrOrderNotCancellable):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, core.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, err.Error(), "retry the request")
	default:
		s.log.Errorw("internal_error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func limitParam(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Message: detail})
}
