package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"stablecore/core/events"
	"stablecore/crypto"
	"stablecore/native/common"
	"stablecore/native/gov"
	"stablecore/native/insurance"
	"stablecore/native/lending"
	"stablecore/native/oracle"
	"stablecore/observability"
)

// Config carries the wired engines the HTTP surface fronts.
type Config struct {
	Engines   map[string]*lending.Engine
	Pool      *insurance.Pool
	Oracle    *oracle.PostedOracle
	Executor  *gov.Executor
	Journal   *events.Journal
	Logger    *slog.Logger
	RateLimit rate.Limit
	RateBurst int
}

// Server exposes the CDP engines over JSON HTTP.
type Server struct {
	engines  map[string]*lending.Engine
	pool     *insurance.Pool
	oracle   *oracle.PostedOracle
	executor *gov.Executor
	journal  *events.Journal
	logger   *slog.Logger
	limiter  *rate.Limiter

	router http.Handler
}

// New constructs the server and its router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Limit(50)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 100
	}
	srv := &Server{
		engines:  cfg.Engines,
		pool:     cfg.Pool,
		oracle:   cfg.Oracle,
		executor: cfg.Executor,
		journal:  cfg.Journal,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, burst),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler returns the configured router wrapped with tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "cdpd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.throttle)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Route("/pairs/{pair}", func(pair chi.Router) {
			pair.Get("/", s.handlePair)
			pair.Get("/positions/{address}", s.handlePosition)
			pair.Post("/deposit", s.handleDeposit)
			pair.Post("/withdraw", s.handleWithdraw)
			pair.Post("/borrow", s.handleBorrow)
			pair.Post("/repay", s.handleRepay)
			pair.Post("/liquidate", s.handleLiquidate)
			pair.Post("/redeem", s.handleRedeem)
		})
		api.Route("/insurance", func(ins chi.Router) {
			ins.Get("/", s.handleInsurance)
			ins.Post("/stake", s.handleStake)
			ins.Post("/unstake", s.handleUnstake)
			ins.Post("/claim", s.handleClaim)
		})
		api.Post("/oracle/prices", s.handlePostPrice)
		api.Post("/admin/commands", s.handleCommand)
		api.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*lending.Engine, bool) {
	pairID := chi.URLParam(r, "pair")
	engine, ok := s.engines[pairID]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown pair"))
		return nil, false
	}
	return engine, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pairResponse struct {
	ID                string `json:"id"`
	CollateralToken   string `json:"collateralToken"`
	TotalCollateral   string `json:"totalCollateral"`
	TotalBorrowShares string `json:"totalBorrowShares"`
	TotalBorrowAmount string `json:"totalBorrowAmount"`
	RatePerSecond     string `json:"ratePerSecond"`
	BorrowLimit       string `json:"borrowLimit"`
	MaxLTVBps         uint64 `json:"maxLtvBps"`
	LiquidationFeeBps uint64 `json:"liquidationFeeBps"`
	RedemptionFeeBps  uint64 `json:"redemptionFeeBps"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	pair, err := engine.Pair()
	if err != nil {
		s.writeEngineError(w, "get_pair", err)
		return
	}
	feeBps, err := engine.RedemptionFeeBps()
	if err != nil {
		s.writeEngineError(w, "get_pair", err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse{
		ID:                engine.PairID(),
		CollateralToken:   pair.CollateralToken,
		TotalCollateral:   pair.TotalCollateral.String(),
		TotalBorrowShares: pair.TotalBorrowShares.String(),
		TotalBorrowAmount: pair.TotalBorrowAmount.String(),
		RatePerSecond:     pair.RatePerSecond.String(),
		BorrowLimit:       pair.BorrowLimit.String(),
		MaxLTVBps:         pair.MaxLTVBps,
		LiquidationFeeBps: pair.LiquidationFeeBps,
		RedemptionFeeBps:  feeBps,
	})
}

type positionResponse struct {
	Address           string `json:"address"`
	CollateralBalance string `json:"collateralBalance"`
	BorrowShares      string `json:"borrowShares"`
	Solvent           bool   `json:"solvent"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pos, err := engine.Position(addr)
	if err != nil {
		s.writeEngineError(w, "get_position", err)
		return
	}
	solvent, err := engine.IsSolvent(addr)
	if err != nil {
		s.writeEngineError(w, "get_position", err)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{
		Address:           pos.Address.String(),
		CollateralBalance: pos.CollateralBalance.String(),
		BorrowShares:      pos.BorrowShares.String(),
		Solvent:           solvent,
	})
}

type amountRequest struct {
	Account  string `json:"account"`
	Amount   string `json:"amount"`
	Receiver string `json:"receiver"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	account, amount, _, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	s.run(w, engine.PairID(), "deposit", func() error {
		return engine.Deposit(account, amount)
	}, nil)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	account, amount, receiver, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	if receiver.IsZero() {
		receiver = account
	}
	s.run(w, engine.PairID(), "withdraw", func() error {
		return engine.Withdraw(account, amount, receiver)
	}, nil)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	account, amount, receiver, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	if receiver.IsZero() {
		receiver = account
	}
	var shares *big.Int
	s.run(w, engine.PairID(), "borrow", func() error {
		var err error
		shares, err = engine.Borrow(account, amount, receiver)
		return err
	}, func() any {
		return map[string]string{"sharesMinted": shares.String()}
	})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req struct {
		Account string `json:"account"`
		Shares  string `json:"shares"`
		Payer   string `json:"payer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := crypto.DecodeAddress(strings.TrimSpace(req.Account))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	shares, err := parseAmount(req.Shares)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payer := account
	if strings.TrimSpace(req.Payer) != "" {
		if payer, err = crypto.DecodeAddress(strings.TrimSpace(req.Payer)); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	var repaid *big.Int
	s.run(w, engine.PairID(), "repay", func() error {
		var err error
		repaid, err = engine.Repay(account, shares, payer)
		return err
	}, func() any {
		return map[string]string{"amountRepaid": repaid.String()}
	})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req struct {
		Liquidator string `json:"liquidator"`
		Borrower   string `json:"borrower"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	liquidator, err := crypto.DecodeAddress(strings.TrimSpace(req.Liquidator))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := crypto.DecodeAddress(strings.TrimSpace(req.Borrower))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var seized, shortfall *big.Int
	start := time.Now()
	seized, shortfall, err = engine.Liquidate(liquidator, borrower)
	observability.Lending().ObserveOperation(engine.PairID(), "liquidate", err, time.Since(start))
	if err != nil {
		s.writeEngineError(w, "liquidate", err)
		return
	}
	observability.Lending().RecordLiquidation(engine.PairID(), shortfall)
	writeJSON(w, http.StatusOK, map[string]string{
		"collateralSeized": seized.String(),
		"shortfall":        shortfall.String(),
	})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req struct {
		Account          string `json:"account"`
		Amount           string `json:"amount"`
		MinCollateralOut string `json:"minCollateralOut"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := crypto.DecodeAddress(strings.TrimSpace(req.Account))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var minOut *big.Int
	if strings.TrimSpace(req.MinCollateralOut) != "" {
		if minOut, err = parseAmount(req.MinCollateralOut); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	feeBps, err := engine.RedemptionFeeBps()
	if err != nil {
		observability.Lending().RecordRedemption(engine.PairID(), 0, err)
		s.writeEngineError(w, "redeem", err)
		return
	}
	collateralOut, err := engine.Redeem(account, amount, minOut)
	observability.Lending().RecordRedemption(engine.PairID(), feeBps, err)
	if err != nil {
		s.writeEngineError(w, "redeem", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"collateralOut": collateralOut.String()})
}

type insuranceResponse struct {
	TotalStaked  string `json:"totalStaked"`
	TotalShares  string `json:"totalShares"`
	CoveredTotal string `json:"coveredTotal"`
	Losses       string `json:"losses"`
}

func (s *Server) handleInsurance(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("insurance pool not configured"))
		return
	}
	writeJSON(w, http.StatusOK, insuranceResponse{
		TotalStaked:  s.pool.TotalStaked().String(),
		TotalShares:  s.pool.TotalShares().String(),
		CoveredTotal: s.pool.CoveredTotal().String(),
		Losses:       s.pool.Losses().String(),
	})
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("insurance pool not configured"))
		return
	}
	account, amount, _, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	minted, err := s.pool.Stake(account, amount)
	if err != nil {
		s.writeEngineError(w, "stake", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sharesMinted": minted.String()})
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("insurance pool not configured"))
		return
	}
	var req struct {
		Account string `json:"account"`
		Shares  string `json:"shares"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := crypto.DecodeAddress(strings.TrimSpace(req.Account))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	shares, err := parseAmount(req.Shares)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := s.pool.Unstake(account, shares)
	if err != nil {
		s.writeEngineError(w, "unstake", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amountReturned": amount.String()})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("insurance pool not configured"))
		return
	}
	var req struct {
		Account string `json:"account"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := crypto.DecodeAddress(strings.TrimSpace(req.Account))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payouts, err := s.pool.ClaimRewards(account)
	if err != nil {
		s.writeEngineError(w, "claim", err)
		return
	}
	out := make([]map[string]string, 0, len(payouts))
	for _, payout := range payouts {
		out = append(out, map[string]string{"token": payout.Token, "amount": payout.Amount.String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": out})
}

func (s *Server) handlePostPrice(w http.ResponseWriter, r *http.Request) {
	if s.oracle == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("oracle not configured"))
		return
	}
	var req struct {
		Caller string `json:"caller"`
		Symbol string `json:"symbol"`
		Rate   string `json:"rate"`
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := crypto.DecodeAddress(strings.TrimSpace(req.Caller))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	price, err := parseAmount(req.Rate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.oracle.Post(caller, req.Symbol, price, req.Source); err != nil {
		s.writeEngineError(w, "post_price", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("executor not configured"))
		return
	}
	var req struct {
		Caller  string      `json:"caller"`
		Command gov.Command `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := crypto.DecodeAddress(strings.TrimSpace(req.Caller))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.executor.Execute(caller, req.Command); err != nil {
		s.writeEngineError(w, "admin_command", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	records := s.journal.Recent(limit)
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"id":       rec.ID,
			"type":     rec.Type,
			"observed": rec.Observed.UTC().Format(time.RFC3339),
			"event":    rec.Event,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// run executes a lending mutation, records metrics and writes the response.
func (s *Server) run(w http.ResponseWriter, pairID, op string, fn func() error, result func() any) {
	start := time.Now()
	err := fn()
	observability.Lending().ObserveOperation(pairID, op, err, time.Since(start))
	if err != nil {
		s.writeEngineError(w, op, err)
		return
	}
	if result != nil {
		writeJSON(w, http.StatusOK, result())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decodeAmountRequest(w http.ResponseWriter, r *http.Request) (crypto.Address, *big.Int, crypto.Address, bool) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return crypto.Address{}, nil, crypto.Address{}, false
	}
	account, err := crypto.DecodeAddress(strings.TrimSpace(req.Account))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return crypto.Address{}, nil, crypto.Address{}, false
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return crypto.Address{}, nil, crypto.Address{}, false
	}
	var receiver crypto.Address
	if strings.TrimSpace(req.Receiver) != "" {
		if receiver, err = crypto.DecodeAddress(strings.TrimSpace(req.Receiver)); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return crypto.Address{}, nil, crypto.Address{}, false
		}
	}
	return account, amount, receiver, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("engine operation failed", "op", op, "error", err)
	}
	writeError(w, status, err)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, insurance.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, lending.ErrInsufficientBalance),
		errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrBorrowLimitExceeded),
		errors.Is(err, lending.ErrPositionHealthy),
		errors.Is(err, lending.ErrSlippageExceeded),
		errors.Is(err, lending.ErrEpochLimitExceeded),
		errors.Is(err, lending.ErrNoRedeemablePosition),
		errors.Is(err, lending.ErrInsufficientLiquidity),
		errors.Is(err, insurance.ErrInsufficientStake),
		errors.Is(err, gov.ErrInvalidCommand):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, common.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, oracle.ErrStalePrice), errors.Is(err, oracle.ErrUnknownAsset):
		return http.StatusConflict
	case errors.Is(err, gov.ErrUnknownCommand):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, errors.New("amount must be a base-10 integer")
	}
	return amount, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
