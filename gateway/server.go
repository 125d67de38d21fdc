// Package gateway exposes the engine's operation surface over HTTP. The
// gateway is a thin wrapper: it parses and authorises nothing beyond the
// caller identity header, maps typed engine errors to status codes, and
// never owns business rules.
package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"merx/core/events"
	"merx/core/types"
	gwmiddleware "merx/gateway/middleware"
	"merx/native/market"
	"merx/native/registry"
	"merx/observability"
)

// HeaderCaller carries the caller identity as a 20-byte hex address. The
// deployment is expected to terminate authentication upstream and inject
// this header.
const HeaderCaller = "X-Caller"

// Server routes HTTP requests to engine operations.
type Server struct {
	engine   *market.Engine
	registry *registry.Store
	feed     *events.RingEmitter
	logger   *slog.Logger
	metrics  *observability.OperationMetrics
	router   chi.Router
}

// NewServer assembles the router with the supplied collaborators. The
// limiter and feed may be nil.
func NewServer(engine *market.Engine, reg *registry.Store, feed *events.RingEmitter, limiter *gwmiddleware.RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:   engine,
		registry: reg,
		feed:     feed,
		logger:   logger,
		metrics:  observability.Operations(),
	}
	r := chi.NewRouter()
	r.Use(gwmiddleware.RequestID)
	if limiter != nil {
		r.Use(limiter.Middleware)
	}
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/trades", s.handleCreateTrade)
		r.Get("/trades/{id}", s.handleGetTrade)
		r.Post("/trades/{id}/purchases", s.handleBuy)
		r.Get("/purchases/{id}", s.handleGetPurchase)
		r.Post("/purchases/{id}/confirm", s.handleConfirm)
		r.Post("/purchases/{id}/dispute", s.handleDispute)
		r.Post("/purchases/{id}/resolve", s.handleResolve)
		r.Post("/purchases/{id}/cancel", s.handleCancel)
		r.Post("/fees/withdraw", s.handleWithdrawFees)
		r.Post("/registry/{kind}", s.handleRegister)
		r.Get("/registry/{kind}/{address}", s.handleIsRegistered)
		r.Get("/events", s.handleEvents)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

// --- wire types ---

type tradeJSON struct {
	TradeID           uint64          `json:"tradeId"`
	Seller            string          `json:"seller"`
	LogisticsOptions  []logisticsJSON `json:"logisticsOptions"`
	UnitProductCost   uint64          `json:"unitProductCost"`
	TotalQuantity     uint64          `json:"totalQuantity"`
	RemainingQuantity uint64          `json:"remainingQuantity"`
	Active            bool            `json:"active"`
	PurchaseIDs       []uint64        `json:"purchaseIds"`
	Asset             string          `json:"asset"`
	CreatedAt         uint64          `json:"createdAt"`
}

type logisticsJSON struct {
	Provider string `json:"provider"`
	UnitCost uint64 `json:"unitCost"`
}

type purchaseJSON struct {
	PurchaseID            uint64 `json:"purchaseId"`
	TradeID               uint64 `json:"tradeId"`
	Buyer                 string `json:"buyer"`
	Quantity              uint64 `json:"quantity"`
	ChosenProvider        string `json:"chosenProvider"`
	TotalLogisticsCost    uint64 `json:"totalLogisticsCost"`
	TotalAmount           uint64 `json:"totalAmount"`
	DeliveredAndConfirmed bool   `json:"deliveredAndConfirmed"`
	Disputed              bool   `json:"disputed"`
	Settled               bool   `json:"settled"`
	CreatedAt             uint64 `json:"createdAt"`
}

func encodeTrade(t *market.Trade) tradeJSON {
	options := make([]logisticsJSON, len(t.LogisticsOptions))
	for i, opt := range t.LogisticsOptions {
		options[i] = logisticsJSON{Provider: encodeAddress(opt.Provider), UnitCost: opt.UnitCost}
	}
	ids := t.PurchaseIDs
	if ids == nil {
		ids = []uint64{}
	}
	return tradeJSON{
		TradeID:           t.TradeID,
		Seller:            encodeAddress(t.Seller),
		LogisticsOptions:  options,
		UnitProductCost:   t.UnitProductCost,
		TotalQuantity:     t.TotalQuantity,
		RemainingQuantity: t.RemainingQuantity,
		Active:            t.Active,
		PurchaseIDs:       ids,
		Asset:             t.Asset,
		CreatedAt:         t.CreatedAt,
	}
}

func encodePurchase(p *market.Purchase) purchaseJSON {
	return purchaseJSON{
		PurchaseID:            p.PurchaseID,
		TradeID:               p.TradeID,
		Buyer:                 encodeAddress(p.Buyer),
		Quantity:              p.Quantity,
		ChosenProvider:        encodeAddress(p.ChosenProvider),
		TotalLogisticsCost:    p.TotalLogisticsCost,
		TotalAmount:           p.TotalAmount,
		DeliveredAndConfirmed: p.DeliveredAndConfirmed,
		Disputed:              p.Disputed,
		Settled:               p.Settled,
		CreatedAt:             p.CreatedAt,
	}
}

func encodeAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func parseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != len(addr) {
		return addr, errors.New("expected a 20-byte hex address")
	}
	copy(addr[:], raw)
	return addr, nil
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTradeRequest struct {
	Seller          string   `json:"seller"`
	Providers       []string `json:"providers"`
	UnitCosts       []uint64 `json:"unitCosts"`
	UnitProductCost uint64   `json:"unitProductCost"`
	TotalQuantity   uint64   `json:"totalQuantity"`
	Asset           string   `json:"asset"`
}

func (s *Server) handleCreateTrade(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	caller, ok := s.caller(w, req)
	if !ok {
		return
	}
	var body createTradeRequest
	if !decodeBody(w, req, &body) {
		return
	}
	seller, err := parseAddress(body.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "seller: "+err.Error())
		return
	}
	// Provider/cost arity is validated by the engine so ArityMismatch
	// surfaces uniformly; only the address encoding is parsed here.
	providers := make([][20]byte, len(body.Providers))
	for i, raw := range body.Providers {
		providers[i], err = parseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "providers["+strconv.Itoa(i)+"]: "+err.Error())
			return
		}
	}
	trade, err := s.engine.CreateTrade(caller, seller, providers, body.UnitCosts, body.UnitProductCost, body.TotalQuantity, body.Asset)
	s.finish(w, req, "create_trade", start, err, func() interface{} { return encodeTrade(trade) }, http.StatusCreated)
}

type buyRequest struct {
	Quantity uint64 `json:"quantity"`
	Provider string `json:"provider"`
}

func (s *Server) handleBuy(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	caller, ok := s.caller(w, req)
	if !ok {
		return
	}
	tradeID, ok := parseID(w, req)
	if !ok {
		return
	}
	var body buyRequest
	if !decodeBody(w, req, &body) {
		return
	}
	provider, err := parseAddress(body.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, "provider: "+err.Error())
		return
	}
	purchase, err := s.engine.Buy(caller, tradeID, body.Quantity, provider)
	s.finish(w, req, "buy", start, err, func() interface{} { return encodePurchase(purchase) }, http.StatusCreated)
}

func (s *Server) handleConfirm(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	caller, ok := s.caller(w, req)
	if !ok {
		return
	}
	purchaseID, ok := parseID(w, req)
	if !ok {
		return
	}
	purchase, err := s.engine.ConfirmDelivery(caller, purchaseID)
	s.finish(w, req, "confirm_delivery", start, err, func() interface{} { return encodePurchase(purchase) }, http.StatusOK)
}

func (s *Server) handleDispute(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	caller, ok := s.caller(w, req)
	if !ok {
		return
	}
	purchaseID, ok := parseID(w, req)
	if !ok {
		return
	}
	purchase, err := s.engine.RaiseDispute(caller, purchaseID)
	s.finish(w, req, "raise_dispute", start, err, func() interface{} { return encodePurchase(purchase) }, http.StatusOK)
}

type resolveRequest struct {
	Winner string `json:"winner"`
}

func (s *Server) handleResolve(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	caller, ok := s.caller(w, req)
	if !ok {
		return
	}
	purchaseID, ok := parseID(w, req)
	if !ok {
		return
	}
	var body resolveRequest
	if !decodeBody(w, req, &body) {
		return
	}
	winner, err := parseAddress(body.Winner)
	if err != nil {
		writeError(w, http.StatusBadRequest, "winner: "+err.Error())
		return
	}
	purchase, err := s.engine.ResolveDispute(caller, purchaseID, winner)
	s.finish(w, req, "resolve_dispute", start, err, func() interface{} { return encodePurchase(purchase) }, http.StatusOK)
}

func (s *Server) handleCancel(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	caller, ok := s.caller(w, req)
	if !ok {
		return
	}
	purchaseID, ok := parseID(w, req)
	if !ok {
		return
	}
	purchase, err := s.engine.Cancel(caller, purchaseID)
	s.finish(w, req, "cancel", start, err, func() interface{} { return encodePurchase(purchase) }, http.StatusOK)
}

type withdrawRequest struct {
	Asset string `json:"asset"`
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	caller, ok := s.caller(w, req)
	if !ok {
		return
	}
	var body withdrawRequest
	if !decodeBody(w, req, &body) {
		return
	}
	amount, err := s.engine.WithdrawFees(caller, body.Asset)
	s.finish(w, req, "withdraw_fees", start, err, func() interface{} {
		return map[string]string{"asset": strings.ToUpper(strings.TrimSpace(body.Asset)), "amount": amount.String()}
	}, http.StatusOK)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, req *http.Request) {
	tradeID, ok := parseID(w, req)
	if !ok {
		return
	}
	trade, err := s.engine.TradeByID(tradeID)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeTrade(trade))
}

func (s *Server) handleGetPurchase(w http.ResponseWriter, req *http.Request) {
	purchaseID, ok := parseID(w, req)
	if !ok {
		return
	}
	purchase, err := s.engine.PurchaseByID(purchaseID)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, encodePurchase(purchase))
}

type registerRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleRegister(w http.ResponseWriter, req *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusNotFound, "registry not configured")
		return
	}
	kind := chi.URLParam(req, "kind")
	var body registerRequest
	if !decodeBody(w, req, &body) {
		return
	}
	addr, err := parseAddress(body.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, "address: "+err.Error())
		return
	}
	if err := s.registry.Register(kind, addr); err != nil {
		if errors.Is(err, registry.ErrUnknownKind) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"kind": kind, "address": encodeAddress(addr), "registered": true})
}

func (s *Server) handleIsRegistered(w http.ResponseWriter, req *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusNotFound, "registry not configured")
		return
	}
	kind := chi.URLParam(req, "kind")
	addr, err := parseAddress(chi.URLParam(req, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "address: "+err.Error())
		return
	}
	registered, err := s.registry.IsRegistered(kind, addr)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownKind) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"kind": kind, "address": encodeAddress(addr), "registered": registered})
}

func (s *Server) handleEvents(w http.ResponseWriter, req *http.Request) {
	if s.feed == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	recent := s.feed.Recent()
	payload := make([]*types.Event, 0, len(recent))
	for _, evt := range recent {
		carrier, ok := evt.(interface{ Event() *types.Event })
		if !ok {
			continue
		}
		payload = append(payload, carrier.Event())
	}
	writeJSON(w, http.StatusOK, payload)
}

// --- plumbing ---

func (s *Server) caller(w http.ResponseWriter, req *http.Request) ([20]byte, bool) {
	addr, err := parseAddress(req.Header.Get(HeaderCaller))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or malformed "+HeaderCaller+" header")
		return [20]byte{}, false
	}
	return addr, true
}

func parseID(w http.ResponseWriter, req *http.Request) (uint64, bool) {
	raw := chi.URLParam(req, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, req *http.Request, out interface{}) bool {
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) finish(w http.ResponseWriter, req *http.Request, operation string, start time.Time, err error, result func() interface{}, status int) {
	s.metrics.Observe(operation, start, err, reasonFor(err))
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeJSON(w, status, result())
}

func (s *Server) internalError(w http.ResponseWriter, req *http.Request, err error) {
	s.logger.Error("gateway internal error",
		"requestId", gwmiddleware.RequestIDFrom(req.Context()),
		"path", req.URL.Path,
		"err", err,
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) writeEngineError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.internalError(w, req, err)
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, market.ErrTradeNotFound), errors.Is(err, market.ErrPurchaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrTradeInactive),
		errors.Is(err, market.ErrAlreadyConfirmed),
		errors.Is(err, market.ErrAlreadyDisputed),
		errors.Is(err, market.ErrNotDisputed),
		errors.Is(err, market.ErrAlreadySettled),
		errors.Is(err, market.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, market.ErrInsufficientInventory),
		errors.Is(err, market.ErrTransferFailed),
		errors.Is(err, market.ErrOverflow),
		errors.Is(err, market.ErrNothingToWithdraw):
		return http.StatusUnprocessableEntity
	case errors.Is(err, market.ErrArityMismatch),
		errors.Is(err, market.ErrNoLogisticsOptions),
		errors.Is(err, market.ErrTooManyProviders),
		errors.Is(err, market.ErrInvalidQuantity),
		errors.Is(err, market.ErrSelfTrade),
		errors.Is(err, market.ErrUnknownLogisticsProvider),
		errors.Is(err, market.ErrInvalidDisputeWinner),
		errors.Is(err, market.ErrInvalidAsset):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func reasonFor(err error) string {
	if err == nil {
		return ""
	}
	for _, sentinel := range []error{
		market.ErrNotAuthorized, market.ErrTradeNotFound, market.ErrPurchaseNotFound,
		market.ErrTradeInactive, market.ErrAlreadyConfirmed, market.ErrAlreadyDisputed,
		market.ErrNotDisputed, market.ErrAlreadySettled, market.ErrInsufficientInventory,
		market.ErrTransferFailed, market.ErrOverflow, market.ErrNothingToWithdraw,
		market.ErrArityMismatch, market.ErrNoLogisticsOptions, market.ErrTooManyProviders,
		market.ErrInvalidQuantity, market.ErrSelfTrade, market.ErrUnknownLogisticsProvider,
		market.ErrInvalidDisputeWinner, market.ErrInvalidAsset, market.ErrNotInitialized,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal"
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
