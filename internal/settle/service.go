package settle

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/settlement-engine/internal/market"
	"github.com/papertrade/settlement-engine/internal/metrics"
	"github.com/papertrade/settlement-engine/internal/model"
	"github.com/papertrade/settlement-engine/internal/store"
)

// maxLedgerDate bounds Latest queries that want the absolute head.
const maxLedgerDate = "9999-12-31"

// ServiceConfig pins the service to its account and home market.
type ServiceConfig struct {
	Account      string
	Market       market.Market
	StartingCash decimal.Decimal
}

// Service exposes the HTTP surface: order intake, settlement trigger, and
// position/ledger queries. Queries may be served through a cached ledger;
// the engine always reads the primary store under its account lock.
type Service struct {
	engine  *Engine
	intents store.IntentLog
	ledger  store.Ledger
	hub     *WSHub // optional
	cfg     ServiceConfig
	now     func() time.Time
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(engine *Engine, intents store.IntentLog, ledger store.Ledger, hub *WSHub, cfg ServiceConfig) *Service {
	return &Service{
		engine:  engine,
		intents: intents,
		ledger:  ledger,
		hub:     hub,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Routes mounts the service's endpoints on a chi router.
func (s *Service) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	r.Post("/orders", s.PlaceOrder)
	r.Get("/orders/{date}", s.ListOrders)
	r.Post("/settlement/run", s.RunSettlement)
	r.Get("/positions", s.GetPositions)
	r.Get("/ledger", s.GetLedger)
}

// --- Request/Response types ---

// PlaceOrderRequest is the JSON body for POST /orders. One parameterized
// shape covers both sides.
type PlaceOrderRequest struct {
	Action     string          `json:"action"` // "buy" or "sell"
	Symbol     string          `json:"symbol"`
	Amount     int64           `json:"amount"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	Date       string          `json:"date,omitempty"` // defaults to today (UTC)
}

// RunSettlementRequest is the JSON body for POST /settlement/run.
type RunSettlementRequest struct {
	Date string `json:"date,omitempty"` // defaults to today (UTC)
}

// PositionsResponse is returned from GET /positions.
type PositionsResponse struct {
	Account   string          `json:"account"`
	Date      string          `json:"date,omitempty"`
	ID        int64           `json:"id"`
	Positions model.Positions `json:"positions"`
}

// --- HTTP Handlers ---

// PlaceOrder handles POST /api/v1/orders.
// Validates the intent and appends it to the day's intent log.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	side, err := market.ParseSide(req.Action)
	if err != nil {
		metrics.IntentsRejectedTotal.Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := market.ValidateOrder(s.cfg.Market, side, req.Symbol, req.Amount, req.LimitPrice); err != nil {
		metrics.IntentsRejectedTotal.Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := s.now().UTC()
	date := req.Date
	if date == "" {
		date = now.Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// The intent log for a settled date is immutable.
	settled, err := s.ledger.HasSettlement(ctx, s.cfg.Account, date)
	if err != nil {
		writeError(w, "failed to check settlement state", http.StatusInternalServerError)
		return
	}
	if settled {
		writeError(w, "date "+date+" is already settled", http.StatusConflict)
		return
	}

	intent := model.Intent{
		ID:         uuid.New().String(),
		Timestamp:  float64(now.UnixNano()) / 1e9,
		Action:     side,
		Symbol:     req.Symbol,
		Amount:     req.Amount,
		LimitPrice: req.LimitPrice,
		Market:     s.cfg.Market,
	}

	if err := s.intents.AppendIntent(ctx, s.cfg.Account, date, intent); err != nil {
		slog.Error("intent append failed", "account", s.cfg.Account, "date", date, "err", err)
		writeError(w, "failed to record order", http.StatusInternalServerError)
		return
	}

	metrics.IntentsAcceptedTotal.WithLabelValues(string(side)).Inc()
	slog.Info("order accepted",
		"account", s.cfg.Account,
		"date", date,
		"intent_id", intent.ID,
		"action", side,
		"symbol", req.Symbol,
		"amount", req.Amount,
		"limit_price", req.LimitPrice.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:       "intent_accepted",
			Account:    s.cfg.Account,
			Date:       date,
			Symbol:     req.Symbol,
			Action:     string(side),
			Amount:     req.Amount,
			LimitPrice: req.LimitPrice.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(intent)
}

// ListOrders handles GET /api/v1/orders/{date}.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	intents, err := s.intents.Intents(r.Context(), s.cfg.Account, date)
	if err != nil {
		writeError(w, "failed to read intent log", http.StatusInternalServerError)
		return
	}
	if intents == nil {
		intents = []model.Intent{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(intents)
}

// RunSettlement handles POST /api/v1/settlement/run.
// Safe to call repeatedly: an already-settled date is a no-op.
func (s *Service) RunSettlement(w http.ResponseWriter, r *http.Request) {
	var req RunSettlementRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	date := req.Date
	if date == "" {
		date = s.now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	if err := s.engine.Settle(r.Context(), s.cfg.Account, date); err != nil {
		slog.Error("settlement run failed", "account", s.cfg.Account, "date", date, "err", err)
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrLockTimeout) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "date": date})
}

// GetPositions handles GET /api/v1/positions.
// Returns the account's latest snapshot, or the inception state when the
// ledger is empty.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ledger.Latest(r.Context(), s.cfg.Account, maxLedgerDate)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	resp := PositionsResponse{Account: s.cfg.Account}
	if snap != nil {
		resp.Date = snap.Date
		resp.ID = snap.ID
		resp.Positions = snap.Positions
	} else {
		resp.Positions = model.NewPositions(s.cfg.StartingCash)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetLedger handles GET /api/v1/ledger.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	chain, err := s.ledger.History(r.Context(), s.cfg.Account)
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	if chain == nil {
		chain = []model.Snapshot{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chain)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
