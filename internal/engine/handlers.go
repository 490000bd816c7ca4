package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stablekit/cdp-engine/internal/account"
	"github.com/stablekit/cdp-engine/internal/fixedmath"
	"github.com/stablekit/cdp-engine/internal/ledger"
	"github.com/stablekit/cdp-engine/internal/model"
	"github.com/stablekit/cdp-engine/internal/oracle"
	"github.com/stablekit/cdp-engine/internal/risk"
	"github.com/stablekit/cdp-engine/internal/store"
)

// Service exposes the engine over HTTP.
type Service struct {
	engine *Engine
	feed   *oracle.Feed
	store  store.Store
	wsHub  *WSHub // optional
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(eng *Engine, feed *oracle.Feed, st store.Store, hub *WSHub) *Service {
	return &Service{engine: eng, feed: feed, store: st, wsHub: hub}
}

// --- Request/Response types ---

// AmountRequest is the JSON body for single-amount position operations.
// Amounts are 18-decimal base-unit integer strings.
type AmountRequest struct {
	Amount string `json:"amount"`
}

// CompositeRequest is the JSON body for deposit-and-mint and
// redeem-and-burn.
type CompositeRequest struct {
	CollateralAmount string `json:"collateral_amount"`
	DebtAmount       string `json:"debt_amount"`
}

// LiquidationRequest is the JSON body for POST /api/v1/liquidations.
type LiquidationRequest struct {
	Liquidator  string `json:"liquidator"`
	Account     string `json:"account"`
	DebtToCover string `json:"debt_to_cover"`
}

// PriceRequest is the JSON body for PUT /api/v1/oracle/price. The price is
// a human decimal string, e.g. "2000.50".
type PriceRequest struct {
	Price string `json:"price"`
}

// --- HTTP Handlers ---

// Deposit handles POST /api/v1/positions/{account}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, s.engine.DepositCollateral)
}

// Mint handles POST /api/v1/positions/{account}/mint
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, s.engine.MintDebt)
}

// Redeem handles POST /api/v1/positions/{account}/redeem
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, s.engine.RedeemCollateral)
}

// Burn handles POST /api/v1/positions/{account}/burn
func (s *Service) Burn(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, s.engine.BurnDebt)
}

// DepositAndMint handles POST /api/v1/positions/{account}/deposit-and-mint
func (s *Service) DepositAndMint(w http.ResponseWriter, r *http.Request) {
	s.compositeOp(w, r, s.engine.DepositAndMint)
}

// RedeemAndBurn handles POST /api/v1/positions/{account}/redeem-and-burn
func (s *Service) RedeemAndBurn(w http.ResponseWriter, r *http.Request) {
	s.compositeOp(w, r, s.engine.RedeemAndBurn)
}

// Liquidate handles POST /api/v1/liquidations
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	debtToCover, ok := parseAmount(req.DebtToCover)
	if !ok {
		writeError(w, "debt_to_cover must be a base-unit integer", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Liquidate(r.Context(), req.Liquidator, req.Account, debtToCover)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(liquidationPayload(res))
}

// GetPosition handles GET /api/v1/positions/{account}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")
	if err := account.Validate(acct); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	info, err := s.engine.AccountInfo(r.Context(), acct)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(accountInfoPayload(info))
}

// ListPositions handles GET /api/v1/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositions(r.Context())
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}

	payload := make([]map[string]any, 0, len(positions))
	for i := range positions {
		payload = append(payload, positionPayload(&positions[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// GetHistory handles GET /api/v1/positions/{account}/history
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")
	if err := account.Validate(acct); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := s.engine.History(r.Context(), acct)
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	payload := make([]map[string]any, 0, len(entries))
	for i := range entries {
		payload = append(payload, ledgerEntryPayload(&entries[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// GetParams handles GET /api/v1/params
func (s *Service) GetParams(w http.ResponseWriter, r *http.Request) {
	p := s.engine.Params()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"liquidation_threshold_percent": p.LiquidationThresholdPercent,
		"liquidation_bonus_percent":     p.LiquidationBonusPercent,
		"min_health_factor":             p.MinHealthFactor.String(),
	})
}

// GetPrice handles GET /api/v1/oracle/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.feed.LatestPrice(r.Context())
	if err != nil {
		writeError(w, "price unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"price":       oracle.FormatPrice(price),
		"price_fixed": price.String(),
	})
}

// SetPrice handles PUT /api/v1/oracle/price
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	price, err := oracle.ParsePrice(req.Price)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.feed.SetPrice(price)
	slog.Info("price updated", "price", oracle.FormatPrice(price))

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:  "price_updated",
			Price: price.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"price":       oracle.FormatPrice(price),
		"price_fixed": price.String(),
	})
}

// --- shared handler plumbing ---

func (s *Service) amountOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, acct string, amount *big.Int) (*model.Position, error)) {
	acct := chi.URLParam(r, "account")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, "amount must be a base-unit integer", http.StatusBadRequest)
		return
	}

	pos, err := op(r.Context(), acct, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	hf, err := s.engine.HealthFactor(r.Context(), acct)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	payload := positionPayload(pos)
	payload["health_factor"] = hf.String()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (s *Service) compositeOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, acct string, collateralAmount, debtAmount *big.Int) (*model.Position, error)) {
	acct := chi.URLParam(r, "account")

	var req CompositeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	collateralAmount, ok := parseAmount(req.CollateralAmount)
	if !ok {
		writeError(w, "collateral_amount must be a base-unit integer", http.StatusBadRequest)
		return
	}
	debtAmount, ok := parseAmount(req.DebtAmount)
	if !ok {
		writeError(w, "debt_amount must be a base-unit integer", http.StatusBadRequest)
		return
	}

	pos, err := op(r.Context(), acct, collateralAmount, debtAmount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	hf, err := s.engine.HealthFactor(r.Context(), acct)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	payload := positionPayload(pos)
	payload["health_factor"] = hf.String()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// parseAmount parses a base-10 integer amount string.
func parseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, false
	}
	return v, true
}

func positionPayload(p *model.Position) map[string]any {
	return map[string]any{
		"account":    p.Account,
		"collateral": p.Collateral.String(),
		"debt":       p.Debt.String(),
		"updated_at": p.UpdatedAt,
	}
}

func accountInfoPayload(info *AccountInformation) map[string]any {
	payload := positionPayload(info.Position)
	payload["collateral_value_usd"] = info.CollateralValueUsd.String()
	payload["health_factor"] = info.HealthFactor.String()
	payload["price"] = info.Price.String()
	return payload
}

func ledgerEntryPayload(e *model.LedgerEntry) map[string]any {
	return map[string]any{
		"id":               e.ID,
		"account":          e.Account,
		"op":               e.Op,
		"collateral_delta": e.CollateralDelta.String(),
		"debt_delta":       e.DebtDelta.String(),
		"health_factor":    e.HealthFactor.String(),
		"initiator":        e.Initiator,
		"timestamp":        e.Timestamp,
	}
}

func liquidationPayload(res *LiquidationResult) map[string]any {
	return map[string]any{
		"liquidator":         res.Liquidator,
		"account":            res.Account,
		"debt_covered":       res.DebtCovered.String(),
		"collateral_seized":  res.CollateralSeized.String(),
		"bonus":              res.Bonus.String(),
		"pre_health_factor":  res.PreHealthFactor.String(),
		"post_health_factor": res.PostHealthFactor.String(),
		"timestamp":          res.Timestamp,
	}
}

// writeEngineError maps engine errors to HTTP statuses: malformed input is
// 400, business-rule rejections are 409, arithmetic faults are 500.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, account.ErrInvalidAccount),
		errors.Is(err, account.ErrReservedAccount),
		errors.Is(err, ledger.ErrZeroAmount),
		errors.Is(err, ErrInvalidLiquidationAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientCollateral),
		errors.Is(err, ledger.ErrInsufficientDebt),
		errors.Is(err, risk.ErrHealthFactorBroken),
		errors.Is(err, ErrHealthFactorOk),
		errors.Is(err, ErrLiquidationIneffective),
		errors.Is(err, ErrTransferFailed),
		errors.Is(err, ErrMintFailed),
		errors.Is(err, ErrReentrancy):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, fixedmath.ErrArithmeticOverflow),
		errors.Is(err, fixedmath.ErrDivisionByZero):
		writeError(w, err.Error(), http.StatusInternalServerError)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
